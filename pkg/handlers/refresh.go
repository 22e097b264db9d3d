package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rivetdb/rivetdb/pkg/services"
)

// RefreshHandler serves synchronous and asynchronous refresh routes plus the
// job registry lookup. baseCtx is the server's lifetime context: async jobs
// run under it, not under the request, so they survive the response but die
// with the process.
type RefreshHandler struct {
	connections services.ConnectionService
	refresh     *services.RefreshService
	baseCtx     context.Context
	logger      *zap.Logger
}

// NewRefreshHandler creates a RefreshHandler.
func NewRefreshHandler(connections services.ConnectionService, refresh *services.RefreshService, baseCtx context.Context, logger *zap.Logger) *RefreshHandler {
	return &RefreshHandler{connections: connections, refresh: refresh, baseCtx: baseCtx, logger: logger}
}

// RegisterRoutes registers the handler's routes on the given mux.
func (h *RefreshHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /connections/{name}/tables/{schema}/{table}/refresh", h.RefreshTable)
	mux.HandleFunc("POST /connections/{name}/refresh", h.RefreshConnection)
	mux.HandleFunc("GET /refresh/{id}", h.GetJob)
}

func (h *RefreshHandler) RefreshTable(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	schema := r.PathValue("schema")
	table := r.PathValue("table")

	conn, err := h.connections.Get(r.Context(), name)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	if r.URL.Query().Get("async") == "true" {
		// The job outlives this request; it is dropped only by shutdown.
		id := h.refresh.RefreshTableAsync(h.baseCtx, conn, schema, table)
		WriteJSON(w, http.StatusAccepted, map[string]string{"refresh_id": id.String()}) //nolint:errcheck
		return
	}

	url, err := h.refresh.RefreshTable(r.Context(), conn, schema, table)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"artifact_url": url}) //nolint:errcheck
}

func (h *RefreshHandler) RefreshConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.connections.Get(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	parallelism := 0
	if p := r.URL.Query().Get("parallelism"); p != "" {
		if n, err := strconv.Atoi(p); err == nil && n > 0 {
			parallelism = n
		}
	}

	if r.URL.Query().Get("async") == "true" {
		id := h.refresh.RefreshConnectionAsync(h.baseCtx, conn, parallelism)
		WriteJSON(w, http.StatusAccepted, map[string]string{"refresh_id": id.String()}) //nolint:errcheck
		return
	}

	result, err := h.refresh.RefreshConnection(r.Context(), conn, parallelism)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, result) //nolint:errcheck
}

func (h *RefreshHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		ErrorResponse(w, http.StatusBadRequest, "BAD_REQUEST", "invalid refresh id") //nolint:errcheck
		return
	}

	job, ok := h.refresh.GetJob(id)
	if !ok {
		ErrorResponse(w, http.StatusNotFound, "NOT_FOUND", "refresh job not found") //nolint:errcheck
		return
	}
	WriteJSON(w, http.StatusOK, job) //nolint:errcheck
}

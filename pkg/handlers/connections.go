package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/rivetdb/rivetdb/pkg/models"
	"github.com/rivetdb/rivetdb/pkg/services"
)

// CreateConnectionRequest is the POST /connections body.
type CreateConnectionRequest struct {
	Name   string        `json:"name"`
	Source models.Source `json:"source"`
}

// SyncConnectionResponse reports a discover-then-refresh run.
type SyncConnectionResponse struct {
	Diff    *models.DiscoveryDiff           `json:"diff"`
	Refresh *models.RefreshConnectionResult `json:"refresh"`
}

// ConnectionsHandler serves connection lifecycle and discovery routes.
type ConnectionsHandler struct {
	connections services.ConnectionService
	refresh     *services.RefreshService
	logger      *zap.Logger
}

// NewConnectionsHandler creates a ConnectionsHandler.
func NewConnectionsHandler(connections services.ConnectionService, refresh *services.RefreshService, logger *zap.Logger) *ConnectionsHandler {
	return &ConnectionsHandler{connections: connections, refresh: refresh, logger: logger}
}

// RegisterRoutes registers the handler's routes on the given mux.
func (h *ConnectionsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /connections", h.Create)
	mux.HandleFunc("GET /connections", h.List)
	mux.HandleFunc("GET /connections/{name}", h.Get)
	mux.HandleFunc("DELETE /connections/{name}", h.Delete)
	mux.HandleFunc("POST /connections/{name}/discover", h.Discover)
	mux.HandleFunc("POST /connections/{name}/sync", h.Sync)
	mux.HandleFunc("GET /connections/{name}/tables", h.ListTables)
	mux.HandleFunc("POST /connections/{name}/tables/{schema}/{table}/invalidate", h.InvalidateTable)
}

func (h *ConnectionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ErrorResponse(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body") //nolint:errcheck
		return
	}

	conn, err := h.connections.Create(r.Context(), req.Name, req.Source)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, conn) //nolint:errcheck
}

func (h *ConnectionsHandler) List(w http.ResponseWriter, r *http.Request) {
	conns, err := h.connections.List(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"connections": conns}) //nolint:errcheck
}

func (h *ConnectionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	conn, err := h.connections.Get(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, conn) //nolint:errcheck
}

func (h *ConnectionsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	result, err := h.connections.Delete(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, result) //nolint:errcheck
}

func (h *ConnectionsHandler) Discover(w http.ResponseWriter, r *http.Request) {
	invalidate := r.URL.Query().Get("invalidate_changed") == "true"
	diff, err := h.connections.Discover(r.Context(), r.PathValue("name"), invalidate)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, diff) //nolint:errcheck
}

// Sync runs discovery and then a connection-wide refresh.
func (h *ConnectionsHandler) Sync(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	diff, err := h.connections.Discover(r.Context(), name, false)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	conn, err := h.connections.Get(r.Context(), name)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	result, err := h.refresh.RefreshConnection(r.Context(), conn, 0)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, SyncConnectionResponse{Diff: diff, Refresh: result}) //nolint:errcheck
}

func (h *ConnectionsHandler) ListTables(w http.ResponseWriter, r *http.Request) {
	tables, err := h.connections.ListTables(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"tables": tables}) //nolint:errcheck
}

func (h *ConnectionsHandler) InvalidateTable(w http.ResponseWriter, r *http.Request) {
	err := h.connections.InvalidateTable(r.Context(),
		r.PathValue("name"), r.PathValue("schema"), r.PathValue("table"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"success": true}) //nolint:errcheck
}

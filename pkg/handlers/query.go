package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/rivetdb/rivetdb/pkg/query"
	"github.com/rivetdb/rivetdb/pkg/services"
)

// QueryRequest is the POST /query body. With Persist set, the result set is
// written to a Parquet artifact and its id returned instead of rows.
type QueryRequest struct {
	SQL     string `json:"sql"`
	Params  []any  `json:"params,omitempty"`
	Persist bool   `json:"persist,omitempty"`
}

// QueryHandler serves the query surface.
type QueryHandler struct {
	executor query.Executor
	results  *services.ResultService
	logger   *zap.Logger
}

// NewQueryHandler creates a QueryHandler.
func NewQueryHandler(executor query.Executor, results *services.ResultService, logger *zap.Logger) *QueryHandler {
	return &QueryHandler{executor: executor, results: results, logger: logger}
}

// RegisterRoutes registers the handler's routes on the given mux.
func (h *QueryHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /query", h.Query)
	mux.HandleFunc("GET /results/{id}", h.GetResult)
}

func (h *QueryHandler) Query(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ErrorResponse(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body") //nolint:errcheck
		return
	}

	if req.Persist {
		result, err := h.results.Persist(r.Context(), req.SQL, req.Params)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, result) //nolint:errcheck
		return
	}

	rows, err := h.executor.Query(r.Context(), req.SQL, req.Params)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, rows) //nolint:errcheck
}

func (h *QueryHandler) GetResult(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		ErrorResponse(w, http.StatusBadRequest, "BAD_REQUEST", "invalid result id") //nolint:errcheck
		return
	}

	result, err := h.results.Get(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, result) //nolint:errcheck
}

package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/rivetdb/rivetdb/pkg/secrets"
)

// CreateSecretRequest is the POST /secrets body. Value is UTF-8 text.
type CreateSecretRequest struct {
	Name      string `json:"name"`
	Value     string `json:"value"`
	Overwrite bool   `json:"overwrite,omitempty"`
}

// SecretsHandler serves the secret store routes. When the master key is not
// configured, every route answers 503.
type SecretsHandler struct {
	secrets *secrets.Store
	logger  *zap.Logger
}

// NewSecretsHandler creates a SecretsHandler.
func NewSecretsHandler(store *secrets.Store, logger *zap.Logger) *SecretsHandler {
	return &SecretsHandler{secrets: store, logger: logger}
}

// RegisterRoutes registers the handler's routes on the given mux.
func (h *SecretsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /secrets", h.Create)
	mux.HandleFunc("GET /secrets", h.List)
	mux.HandleFunc("GET /secrets/{name}", h.Get)
	mux.HandleFunc("DELETE /secrets/{name}", h.Delete)
}

func (h *SecretsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateSecretRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ErrorResponse(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body") //nolint:errcheck
		return
	}

	var err error
	if req.Overwrite {
		err = h.secrets.Put(r.Context(), req.Name, []byte(req.Value))
	} else {
		err = h.secrets.Create(r.Context(), req.Name, []byte(req.Value))
	}
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]bool{"success": true}) //nolint:errcheck
}

func (h *SecretsHandler) List(w http.ResponseWriter, r *http.Request) {
	metas, err := h.secrets.List(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"secrets": metas}) //nolint:errcheck
}

func (h *SecretsHandler) Get(w http.ResponseWriter, r *http.Request) {
	value, err := h.secrets.GetString(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{ //nolint:errcheck
		"name":  r.PathValue("name"),
		"value": value,
	})
}

func (h *SecretsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.secrets.Delete(r.Context(), r.PathValue("name")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"success": true}) //nolint:errcheck
}

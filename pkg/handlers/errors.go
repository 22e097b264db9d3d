package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/rivetdb/rivetdb/pkg/apperrors"
	"github.com/rivetdb/rivetdb/pkg/logging"
)

// writeError maps the engine's error kinds onto HTTP status codes.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var driverErr *apperrors.DriverError

	switch {
	case errors.Is(err, apperrors.ErrNotConfigured):
		ErrorResponse(w, http.StatusServiceUnavailable, "NOT_CONFIGURED", err.Error()) //nolint:errcheck
	case errors.Is(err, apperrors.ErrNotFound):
		ErrorResponse(w, http.StatusNotFound, "NOT_FOUND", err.Error()) //nolint:errcheck
	case errors.Is(err, apperrors.ErrNameConflict):
		ErrorResponse(w, http.StatusConflict, "CONFLICT", err.Error()) //nolint:errcheck
	case errors.Is(err, apperrors.ErrInvalidName), errors.Is(err, apperrors.ErrInvalidConfig):
		ErrorResponse(w, http.StatusBadRequest, "BAD_REQUEST", err.Error()) //nolint:errcheck
	case errors.Is(err, apperrors.ErrFetchTimeout):
		ErrorResponse(w, http.StatusGatewayTimeout, "FETCH_TIMEOUT", err.Error()) //nolint:errcheck
	case errors.Is(err, apperrors.ErrAuthenticationFailed):
		// Tag or AAD mismatch on stored ciphertext means tampering, not a
		// client mistake.
		logger.Error("Secret tamper detected", zap.Error(err))
		ErrorResponse(w, http.StatusInternalServerError, "INTERNAL_ERROR", "secret authentication failed") //nolint:errcheck
	case errors.As(err, &driverErr):
		ErrorResponse(w, http.StatusBadGateway, "DRIVER_ERROR", driverErr.Error()) //nolint:errcheck
	default:
		logger.Error("Request failed", zap.String("error", logging.SanitizeError(err)))
		ErrorResponse(w, http.StatusInternalServerError, "INTERNAL_ERROR", logging.SanitizeError(err)) //nolint:errcheck
	}
}

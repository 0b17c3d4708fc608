package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/bizlink/messaging/internal/domain"
)

// MapError converts a domain error into an HTTP status code.
func MapError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK

	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden

	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest

	case errors.Is(err, domain.ErrInvariantViolation):
		return http.StatusConflict

	case errors.Is(err, domain.ErrTransientStorage),
		errors.Is(err, domain.ErrDeliveryAmbiguous):
		return http.StatusServiceUnavailable

	default:
		// Log actual error to help debugging
		log.Printf("internal http error: %v", err)
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := MapError(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		msg = "internal server error"
	}
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kalambet/qaknow/internal/generation"
	"github.com/kalambet/qaknow/internal/queue"
	"github.com/kalambet/qaknow/internal/resolver"
	"github.com/kalambet/qaknow/internal/storage"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// statusFor maps a domain error to an HTTP status and error type.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, generation.ErrUnavailable):
		return http.StatusServiceUnavailable, "generation_unavailable"
	case errors.Is(err, generation.ErrInvalidOutput):
		return http.StatusBadGateway, "invalid_generation_output"
	case errors.Is(err, resolver.ErrUnresolvedPlaceholder):
		return http.StatusUnprocessableEntity, "unresolved_placeholder"
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, storage.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, queue.ErrQueueOperationFailed):
		return http.StatusInternalServerError, "queue_error"
	default:
		return http.StatusInternalServerError, "api_error"
	}
}

func writeError(w http.ResponseWriter, err error) {
	code, errType := statusFor(err)
	httpError(w, code, errType, "%v", err)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

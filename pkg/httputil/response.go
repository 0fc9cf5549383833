package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/placefolio/placefolio/pkg/catalog"
)

// ErrorResponse is the JSON body for every error status.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WriteJSON writes a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// WriteError maps an error from the storage and policy layers onto its
// HTTP status. Unrecognized errors become 500s with a generic body so
// internal details never leak to the client.
func WriteError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, catalog.ErrUnauthorized):
		WriteJSON(w, http.StatusForbidden, ErrorResponse{Error: "forbidden"})
	case errors.Is(err, catalog.ErrNotFound):
		WriteJSON(w, http.StatusNotFound, ErrorResponse{Error: "not found"})
	case errors.Is(err, catalog.ErrConflict):
		WriteJSON(w, http.StatusConflict, ErrorResponse{Error: "conflict"})
	case errors.Is(err, catalog.ErrTransient):
		WriteJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "temporarily unavailable"})
	default:
		WriteJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	}
}

// WriteBadRequest writes a 400 with the given message.
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteJSON(w, http.StatusBadRequest, ErrorResponse{Error: message})
}

// WriteTooManyRequests writes a 429, with Retry-After when the caller
// knows how long the block lasts.
func WriteTooManyRequests(w http.ResponseWriter, retryAfter string) {
	if retryAfter != "" {
		w.Header().Set("Retry-After", retryAfter)
	}
	WriteJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: "too many attempts"})
}

package httputil

import (
	"encoding/json"
	"net/http"
)

// MaxBodySize is the maximum allowed request body size (64KB). SMS submission
// bodies are tiny; anything larger is abuse.
const MaxBodySize = 64 << 10

// DecodeJSON reads and decodes a JSON request body with size limiting.
// Writes a 400 error and returns false on failure.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// ErrorResponse is the standard error envelope for all API errors.
type ErrorResponse struct {
	Error string         `json:"error"`
	Data  map[string]any `json:"data,omitempty"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes a standard error response.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, ErrorResponse{Error: message})
}

// WriteFieldError writes an error response with field-level validation detail.
func WriteFieldError(w http.ResponseWriter, status int, message, field, fieldMsg string) {
	WriteJSON(w, status, ErrorResponse{
		Error: message,
		Data:  map[string]any{field: fieldMsg},
	})
}

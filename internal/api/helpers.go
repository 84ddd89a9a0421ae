package api

import (
	"encoding/json"
	"net/http"

	"github.com/iogate/iogate/internal/middleware"
)

// sendJSON sends a JSON response
func sendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func sendError(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	middleware.SendError(w, r, status, code, message, details)
}

// sendListResponse sends a standardized list response
func sendListResponse[T any](w http.ResponseWriter, data []T) {
	sendJSON(w, http.StatusOK, map[string]any{
		"data":  data,
		"total": len(data),
	})
}

// decodeJSON decodes request body with error handling
func decodeJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var input T
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		sendError(w, r, http.StatusBadRequest, "INVALID_BODY", "Invalid JSON body", err.Error())
		return input, false
	}
	return input, true
}

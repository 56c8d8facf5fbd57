package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/docpress/docpress/errors"
)

// errorBody is the JSON error envelope. Code is a closed set of API error
// codes, distinct from the job outcome taxonomy.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Error: errorDetail{Code: code, Message: message}})
}

// writeDomainError maps sentinel errors from the job layers onto HTTP
// statuses. Anything unrecognized is an opaque 500; internal detail stays
// in the logs.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errors.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "job not found")
	case errors.Is(err, errors.ErrNotReady):
		writeError(w, http.StatusConflict, "NOT_READY", "job has not succeeded yet")
	case errors.Is(err, errors.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "INPUT_INVALID", err.Error())
	case errors.Is(err, errors.ErrStaleState):
		writeError(w, http.StatusConflict, "CONFLICT", "job is already finished")
	default:
		writeError(w, http.StatusInternalServerError, "UNKNOWN", "internal error")
	}
}

// readJSON reads and decodes a JSON request body
func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "INPUT_INVALID", fmt.Sprintf("Invalid request body: %v", err))
		return err
	}
	return nil
}

// requireMethod checks if the request method matches the expected method
func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		return false
	}
	return true
}

// shortID truncates an ID to 12 characters for logging
func shortID(id string) string {
	if len(id) >= 12 {
		return id[:12]
	}
	return id
}

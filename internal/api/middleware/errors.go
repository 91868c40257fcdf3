// Package middleware holds the admin API's HTTP middleware.
package middleware

import (
	"encoding/json"
	"net/http"
)

// errorBody matches the API envelope for error responses.
type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Error: msg}) //nolint:errcheck
}

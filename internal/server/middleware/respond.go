// Package middleware holds the HTTP wrappers shared by every route: request
// logging, CORS, API key checks and per-client rate limits.
package middleware

import (
	"encoding/json"
	"net/http"
)

// reject writes the JSON error body the handlers use, so clients parse
// middleware refusals the same way.
func reject(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": code})
}

package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Auth gates the write routes behind apiKey, sent either as a Bearer token
// or in X-API-Key. Envelopes still carry their own signatures; the key
// only decides who may reach the node. An empty apiKey disables the check.
func Auth(apiKey string) func(http.Handler) http.Handler {
	want := []byte(apiKey)
	return func(next http.Handler) http.Handler {
		if apiKey == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := presentedKey(r)
			switch {
			case !ok:
				reject(w, http.StatusUnauthorized, "unauthorized", "missing api key")
			case subtle.ConstantTimeCompare([]byte(got), want) != 1:
				reject(w, http.StatusUnauthorized, "unauthorized", "invalid api key")
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

func presentedKey(r *http.Request) (string, bool) {
	if scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " "); found && strings.EqualFold(scheme, "Bearer") {
		if token = strings.TrimSpace(token); token != "" {
			return token, true
		}
	}
	key := strings.TrimSpace(r.Header.Get("X-API-Key"))
	return key, key != ""
}

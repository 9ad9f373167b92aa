package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// RequireToken rejects requests that do not carry the operator token as a
// bearer credential. The scheme match is case-insensitive. An empty token
// rejects every request.
func RequireToken(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scheme, got, ok := strings.Cut(r.Header.Get("Authorization"), " ")
			if len(want) == 0 || !ok || !strings.EqualFold(scheme, "Bearer") ||
				subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), want) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="qaknow"`)
				httpError(w, http.StatusUnauthorized, "unauthorized", "operator token required for %s", r.URL.Path)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

package pprof

import (
	"net/http"
	"strings"
)

// tokenGate requires the configured token on every request. An empty token
// disables the gate.
func tokenGate(token string, h http.HandlerFunc) http.HandlerFunc {
	want := strings.TrimSpace(token)
	if want == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if presentedToken(r) == want {
			h(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
}

// presentedToken pulls the client credential from the request: a ?token=
// query parameter when present, else an "Authorization: Bearer" header.
// A present-but-wrong query parameter fails the gate without falling back
// to the header.
func presentedToken(r *http.Request) string {
	if got := r.URL.Query().Get("token"); got != "" {
		return got
	}
	if rest, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(rest)
	}
	return ""
}

package middleware

import (
	"net"
	"net/http"
)

// RequireLoopback restricts a route group to callers on this device. The
// check reads the socket's remote address, so nothing upstream may rewrite
// RemoteAddr from request headers.
func RequireLoopback(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
			writeJSON(w, http.StatusForbidden, map[string]string{
				"error": "This endpoint is reachable from this device only",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

package security

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP extracts the caller's IP for rate limiting and audit logging.
// X-Forwarded-For is honored only when the deployment attests that a trusted
// proxy terminates all inbound traffic; otherwise the header is attacker
// controlled and the socket address wins.
func ClientIP(r *http.Request, trustForwardedFor bool) string {
	if trustForwardedFor {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

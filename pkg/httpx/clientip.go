package httpx

import (
	"net"
	"net/http"
	"strings"
	"sync/atomic"
)

var trustProxyHeaders atomic.Bool

// SetTrustProxyHeaders controls whether ClientIP believes X-Forwarded-For and
// X-Real-IP. Enable it only behind a reverse proxy that overwrites both
// headers; otherwise any caller can choose the address it is seen from.
func SetTrustProxyHeaders(trust bool) { trustProxyHeaders.Store(trust) }

// TrustProxyHeaders reports the current SetTrustProxyHeaders setting.
func TrustProxyHeaders() bool { return trustProxyHeaders.Load() }

// ClientIP returns the caller address. With proxy headers trusted that is the
// first X-Forwarded-For entry, then X-Real-IP; otherwise, and as a fallback,
// it is the host part of RemoteAddr.
func ClientIP(r *http.Request) string {
	if trustProxyHeaders.Load() {
		if ip := forwardedIP(r); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func forwardedIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	return strings.TrimSpace(r.Header.Get("X-Real-IP"))
}

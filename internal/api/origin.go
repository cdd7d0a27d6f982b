package api

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/SimplyPrint/apdu-shell/internal/logging"
)

var (
	originsMu      sync.RWMutex
	allowedOrigins []string
)

// SetAllowedOrigins sets the browser origins trusted besides loopback ones.
func SetAllowedOrigins(origins []string) {
	normalized := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = normalizeOrigin(o); o != "" {
			normalized = append(normalized, o)
		}
	}
	originsMu.Lock()
	allowedOrigins = normalized
	originsMu.Unlock()
}

func normalizeOrigin(origin string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(origin)), "/")
}

// originAllowed accepts requests without an Origin (non-browser clients),
// pages served from a loopback host and the configured allowlist.
func originAllowed(origin string) bool {
	if origin == "" {
		return true
	}

	u, err := url.Parse(origin)
	if err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		host := u.Hostname()
		if strings.EqualFold(host, "localhost") {
			return true
		}
		if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
			return true
		}
	}

	origin = normalizeOrigin(origin)
	originsMu.RLock()
	defer originsMu.RUnlock()
	for _, o := range allowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if originAllowed(origin) {
		return true
	}
	logging.Warn(logging.CatHTTP, "Rejected request origin", map[string]any{
		"origin":     origin,
		"path":       r.URL.Path,
		"remoteAddr": r.RemoteAddr,
	})
	return false
}

package ratelimit

import (
	"net"
	"net/http"
	"strings"

	"github.com/org/vxlgateway/pkg/models"
)

// Scope is the kind of identity a counter key is bound to.
type Scope string

const (
	ScopeUser   Scope = "user"
	ScopeAPIKey Scope = "apikey"
	ScopeIP     Scope = "ip"
)

// BurstPrefix separates burst counters from tiered ones.
const BurstPrefix = "burst:"

// Identity picks the most specific identity available: user, then API key,
// then client IP.
func Identity(p *models.Principal, clientIP string) (Scope, string) {
	if p != nil && p.ID != "" {
		switch p.Kind {
		case models.KindUser:
			return ScopeUser, p.ID
		case models.KindAPIKey:
			return ScopeAPIKey, p.ID
		}
	}
	return ScopeIP, clientIP
}

// Key renders {scope}:{identifier}:{resource}.
func Key(scope Scope, id, resource string) string {
	return string(scope) + ":" + id + ":" + resource
}

// BurstKey is Key in the burst namespace.
func BurstKey(scope Scope, id, resource string) string {
	return BurstPrefix + Key(scope, id, resource)
}

// ClientIP returns the caller's address. The first X-Forwarded-For hop is
// used only when the gateway sits behind a trusted proxy.
func ClientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); net.ParseIP(ip) != nil {
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

package transports

import (
	"net/http"
	"net/url"
	"strings"
)

// OriginAllowed reports whether the Origin header of r matches one of
// allowed. Entries are either full origins ("https://app.example") or
// bare hosts ("app.example"). An empty list or a request without an
// Origin header is allowed.
func OriginAllowed(r *http.Request, allowed []string) bool {
	origin := strings.TrimRight(strings.TrimSpace(r.Header.Get("Origin")), "/")
	if len(allowed) == 0 || origin == "" {
		return true
	}
	var host string
	if u, err := url.Parse(origin); err == nil {
		host = u.Host
	}
	for _, a := range allowed {
		a = strings.TrimRight(strings.TrimSpace(a), "/")
		switch {
		case a == "":
		case strings.Contains(a, "://"):
			if strings.EqualFold(a, origin) {
				return true
			}
		case host != "" && strings.EqualFold(a, host):
			return true
		}
	}
	return false
}

// Package ssrf validates upstream base URLs before the gateway ever opens a
// socket to them, rejecting private/loopback/link-local ranges and enforcing
// an optional host allowlist.
package ssrf

import (
	"net"
	"net/url"
	"strings"
)

// Result is the outcome of a Check call.
type Result struct {
	Valid  bool
	Reason string
}

func ok() Result             { return Result{Valid: true} }
func reject(reason string) Result { return Result{Valid: false, Reason: reason} }

// Guard validates candidate upstream URLs.
type Guard struct {
	// Disabled bypasses all checks (DISABLE_SSRF_PROTECTION=true).
	Disabled bool
	// Production enforces https-only when true (NODE_ENV=production).
	Production bool
	// Allowlist, when non-empty, requires an exact case-insensitive host match.
	Allowlist map[string]struct{}
}

// NewGuard builds a Guard from a comma-separated allowlist, a production
// posture flag, and whether SSRF protection is disabled entirely.
func NewGuard(disabled, production bool, allowlist []string) *Guard {
	g := &Guard{Disabled: disabled, Production: production}
	if len(allowlist) > 0 {
		g.Allowlist = make(map[string]struct{}, len(allowlist))
		for _, h := range allowlist {
			h = strings.ToLower(strings.TrimSpace(h))
			if h != "" {
				g.Allowlist[h] = struct{}{}
			}
		}
	}
	return g
}

// Check validates rawURL against the guard's rules, in order:
//  1. disabled — always allow.
//  2. production posture requires scheme https.
//  3. hostname must not fall in a private/loopback/link-local range.
//  4. if an allowlist is configured, the host must exactly match an entry.
func (g *Guard) Check(rawURL string) Result {
	if g.Disabled {
		return ok()
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return reject("unparseable URL")
	}

	if g.Production && u.Scheme != "https" {
		return reject("production posture requires https")
	}

	host := u.Hostname()
	if isPrivateHost(host) {
		return reject("private or loopback host")
	}

	if len(g.Allowlist) > 0 {
		if _, allowed := g.Allowlist[strings.ToLower(host)]; !allowed {
			return reject("host not in allowlist")
		}
	}

	return ok()
}

// isPrivateHost reports whether host textually matches a private, loopback,
// or link-local address per spec's denylist. No DNS lookup is performed.
func isPrivateHost(host string) bool {
	h := strings.ToLower(host)

	switch {
	case h == "localhost":
		return true
	case h == "::1":
		return true
	case strings.HasPrefix(h, "127."):
		return true
	case strings.HasPrefix(h, "10."):
		return true
	case strings.HasPrefix(h, "192.168."):
		return true
	case strings.HasPrefix(h, "0."):
		return true
	case strings.HasPrefix(h, "169.254."):
		return true
	case strings.HasPrefix(h, "fc00:"):
		return true
	case strings.HasPrefix(h, "fe80:"):
		return true
	case strings.HasPrefix(h, "fd"):
		return true
	}

	if strings.HasPrefix(h, "172.") {
		parts := strings.SplitN(h, ".", 3)
		if len(parts) >= 2 {
			if n, ok := atoiSafe(parts[1]); ok && n >= 16 && n <= 31 {
				return true
			}
		}
	}

	// Fall back to net.IP parsing for literal IPs not caught by the prefix
	// checks above (e.g. IPv6-mapped private ranges).
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return true
		}
	}

	return false
}

func atoiSafe(s string) (int, bool) {
	n := 0
	if s == "" {
		return 0, false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}

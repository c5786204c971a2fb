package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP extracts the real client IP address from the request, used as
// the rate-limit key for anonymous callers.
//
// Only enable trustProxy when behind a trusted reverse proxy; otherwise the
// forwarding headers are attacker-controlled. trustedProxyCount specifies how
// many proxies to trust from the right of X-Forwarded-For, preventing
// spoofing in multi-proxy setups.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := extractIPFromXFF(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := extractIPFromXRealIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	return extractIPFromRemoteAddr(r.RemoteAddr)
}

// extractIPFromXFF parses X-Forwarded-For. The header reads
// "client-ip, proxy..., trusted-proxyN, ..., trusted-proxy1"; the rightmost
// entries are the proxies we control, so the client sits at
// len(ips) - trustedProxyCount - 1.
func extractIPFromXFF(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	ips := strings.Split(xff, ",")
	if len(ips) == 0 {
		return ""
	}

	clientIP := strings.TrimSpace(ips[clientIPIndex(len(ips), trustedProxyCount)])
	if net.ParseIP(clientIP) != nil {
		return clientIP
	}
	return ""
}

// clientIPIndex returns the index of the client IP in the forwarded list.
// A trustedProxyCount of 0 assumes a single trusted proxy. When the list is
// shorter than expected the leftmost entry is used.
func clientIPIndex(numIPs, trustedProxyCount int) int {
	proxyCount := trustedProxyCount
	if proxyCount == 0 {
		proxyCount = 1
	}

	idx := numIPs - proxyCount - 1
	if idx < 0 {
		return 0
	}
	return idx
}

func extractIPFromXRealIP(xri string) string {
	if xri == "" {
		return ""
	}
	if net.ParseIP(xri) != nil {
		return xri
	}
	return ""
}

// extractIPFromRemoteAddr handles direct connections; the result is the peer
// address, which may be a proxy when forwarding headers are not trusted.
func extractIPFromRemoteAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

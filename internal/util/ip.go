package util

import "net"

// IPClassification is the security classification of an IP address, used for
// SSRF protection when validating provider issuer URLs.
type IPClassification int

const (
	// IPClassificationPublic indicates a publicly routable IP address.
	IPClassificationPublic IPClassification = iota
	// IPClassificationLoopback indicates a loopback address (127.0.0.0/8, ::1).
	IPClassificationLoopback
	// IPClassificationPrivate indicates a private/internal address (RFC 1918, ULA).
	IPClassificationPrivate
	// IPClassificationLinkLocal indicates a link-local address (169.254.x.x, fe80::/10).
	IPClassificationLinkLocal
	// IPClassificationUnspecified indicates an unspecified address (0.0.0.0, ::).
	IPClassificationUnspecified
)

// String returns a human-readable name for the IP classification.
func (c IPClassification) String() string {
	switch c {
	case IPClassificationPublic:
		return "public"
	case IPClassificationLoopback:
		return "loopback"
	case IPClassificationPrivate:
		return "private"
	case IPClassificationLinkLocal:
		return "link_local"
	case IPClassificationUnspecified:
		return "unspecified"
	default:
		return "unknown"
	}
}

// ClassifyIP returns the security classification of an IP address.
//
// Classifications:
//   - Unspecified: 0.0.0.0, ::
//   - Loopback: 127.0.0.0/8, ::1
//   - LinkLocal: 169.254.0.0/16, fe80::/10 (cloud metadata SSRF risk)
//   - Private: RFC 1918 (10/8, 172.16/12, 192.168/16), fc00::/7
//   - Public: everything else
func ClassifyIP(ip net.IP) IPClassification {
	if ip == nil {
		return IPClassificationUnspecified
	}

	if ip.IsUnspecified() {
		return IPClassificationUnspecified
	}

	if ip.IsLoopback() {
		return IPClassificationLoopback
	}

	// 169.254.0.0/16 also catches cloud metadata services (169.254.169.254)
	if IsLinkLocal(ip) {
		return IPClassificationLinkLocal
	}

	// RFC 1918 (IPv4) and fc00::/7 (IPv6 ULA)
	if ip.IsPrivate() {
		return IPClassificationPrivate
	}

	return IPClassificationPublic
}

// IsLinkLocal checks if an IP address is link-local (unicast or multicast).
func IsLinkLocal(ip net.IP) bool {
	return ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}

// IsPrivateOrInternal returns true for any non-public IP address.
func IsPrivateOrInternal(ip net.IP) bool {
	return ClassifyIP(ip) != IPClassificationPublic
}

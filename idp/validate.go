package idp

import (
	"fmt"
	"net"
	"net/url"

	"github.com/giantswarm/mcp-authgate/internal/util"
)

// ValidateIssuerURL validates an OIDC issuer URL before the gateway will run
// discovery against it. It enforces HTTPS and blocks private, loopback, and
// link-local addresses so a misconfigured issuer cannot be used to probe
// internal services (Kubernetes API, cloud metadata, localhost daemons).
//
// Deployments testing against a local provider can relax this with
// ValidateIssuerURLAllowInsecure.
func ValidateIssuerURL(issuerURL string) error {
	return validateIssuer(issuerURL, false)
}

// ValidateIssuerURLAllowInsecure validates an issuer URL but permits HTTP and
// loopback addresses. Intended for development setups only.
func ValidateIssuerURLAllowInsecure(issuerURL string) error {
	return validateIssuer(issuerURL, true)
}

func validateIssuer(issuerURL string, allowInsecure bool) error {
	u, err := url.Parse(issuerURL)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	if u.Scheme != "https" && !(allowInsecure && u.Scheme == "http") {
		return fmt.Errorf("issuer URL must use HTTPS, got %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("issuer URL must have a hostname")
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("issuer URL must not contain a query or fragment")
	}

	ip := net.ParseIP(host)
	if ip == nil {
		if !allowInsecure && host == "localhost" {
			return fmt.Errorf("issuer URL must not point to localhost")
		}
		return nil
	}

	switch class := util.ClassifyIP(ip); class {
	case util.IPClassificationPublic:
		return nil
	case util.IPClassificationLoopback:
		if allowInsecure {
			return nil
		}
		return fmt.Errorf("issuer URL must not point to a %s address", class)
	default:
		return fmt.Errorf("issuer URL must not point to a %s address", class)
	}
}

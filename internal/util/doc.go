// Package util provides small helpers shared across the gateway.
//
// It contains string truncation for safe logging of sensitive values and IP
// classification used for SSRF protection when validating issuer URLs.
package util

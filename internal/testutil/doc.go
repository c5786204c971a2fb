// Package testutil provides testing helpers for the gateway: an in-process
// OpenID Connect provider that signs real ID tokens, a controllable time
// source, and small fixture builders for session store entries.
package testutil

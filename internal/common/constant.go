// Package common contains shared constants, sentinel errors and small helpers
// used across the host engine and the store.
package common

const (
	// SessionTokenHeaderName carries the store session token on update and
	// refresh requests. Authorization holds the host identity proof.
	SessionTokenHeaderName = "X-Session-Token"

	// BearerPrefix is the Authorization scheme prefix.
	BearerPrefix = "Bearer "
)

// HealthServiceName is the gRPC health service name the store reports and the
// host probes.
const HealthServiceName = "listenalong.Store"

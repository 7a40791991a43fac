// Package gateway defines the lifecycle of network entry points.
package gateway

import "context"

// Gateway is a long-running entry point such as the HTTP API.
type Gateway interface {
	// Start serves until ctx is canceled or the listener fails.
	Start(ctx context.Context) error

	// Stop shuts down gracefully within the deadline carried by ctx,
	// draining in-flight requests.
	Stop(ctx context.Context) error
}

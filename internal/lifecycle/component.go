// Package lifecycle orchestrates startup and shutdown of the service's
// long-lived components (store pool, API server, reaper) in dependency
// order.
package lifecycle

import "context"

// Component is the lifecycle interface implemented by all managed
// components.
type Component interface {
	// Start initializes and starts the component. Must be safe to call
	// with an already-cancelled context (returns the context error).
	Start(ctx context.Context) error

	// Stop gracefully stops the component, respecting the context
	// deadline as the shutdown grace period.
	Stop(ctx context.Context) error

	// Name returns the human-readable component name used in logs.
	Name() string
}

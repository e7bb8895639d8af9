package app

import (
	"context"
	"fmt"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// BuildReadinessCheck reports readiness from the durable store's health.
// Redis and the chat endpoints are deliberately excluded: the limiter fails
// open and endpoint outages are per-stage conditions, not process health.
func BuildReadinessCheck(pool Pinger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
}

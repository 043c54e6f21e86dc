// Package store persists per-service rate-limit configuration so that
// operator tuning survives restarts. It holds no media metadata and no call
// results.
package store

import (
	"context"

	"github.com/lkozma/debridgate/scheduler"
)

// ConfigStore is the persistence backend for service limits. It abstracts
// over Postgres (durable), Redis (shared/ephemeral) and memory (tests,
// single-node default).
type ConfigStore interface {
	// Load returns every saved service config.
	Load(ctx context.Context) (map[string]scheduler.ServiceConfig, error)

	// Save upserts the config for one service.
	Save(ctx context.Context, service string, cfg scheduler.ServiceConfig) error

	// Delete removes the saved config for one service, if any.
	Delete(ctx context.Context, service string) error

	// Close releases backend resources.
	Close()
}

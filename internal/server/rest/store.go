package rest

import (
	"context"

	"github.com/dirwatch/dirwatch/internal/event"
)

// Cache is the subset of the cache actor used by the REST handlers. Defining
// an interface allows handlers to be tested without a running actor.
type Cache interface {
	// Snapshot returns every cached change, least recently upserted first.
	Snapshot(ctx context.Context) ([]event.Change, error)
}

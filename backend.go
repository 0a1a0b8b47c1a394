package storesync

import (
	"context"
	"encoding/json"
)

// Querier is the backend's query surface, used to populate the cache at
// startup and to perform full resyncs after reconnects.
type Querier interface {
	// Select returns the current rows of a table matching the filter,
	// ordered by id.
	Select(ctx context.Context, entityType EntityType, filter Filter) ([]Entity, error)
}

// Mutator is the backend's write surface. Row-level authorization and
// constraint checking happen server-side; failures come back as errors.
type Mutator interface {
	Insert(ctx context.Context, entityType EntityType, entity Entity) error
	Update(ctx context.Context, entityType EntityType, id string, patch json.RawMessage) error
	Delete(ctx context.Context, entityType EntityType, id string) error
}

// Channel is one open change-feed stream. Events is closed when the
// underlying transport drops; Err then reports why. A closed channel is
// never reused; the ChangeSource opens a fresh one on reconnect.
type Channel interface {
	Events() <-chan ChangeEvent
	Err() error
	Close() error
}

// ChannelOpener opens filtered change-feed channels against the backend's
// realtime surface.
type ChannelOpener interface {
	OpenChannel(ctx context.Context, entityType EntityType, filter Filter) (Channel, error)
}

// Backend is the full collaborator contract the sync core consumes:
// query-with-filter, mutate-row, and subscribe-to-table.
type Backend interface {
	Querier
	Mutator
	ChannelOpener
}

// CartStore persists optimistic cart state locally so it survives client
// restarts. Persisted entries seed the cache before any resync occurs.
type CartStore interface {
	Load(ctx context.Context) ([]Entity, error)
	Save(ctx context.Context, entity Entity) error
	Delete(ctx context.Context, id string) error
	Close() error
}

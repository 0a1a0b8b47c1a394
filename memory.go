package storesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrChannelDropped is the error reported by memory channels closed via
// DropChannels, simulating a transport failure.
var ErrChannelDropped = errors.New("channel dropped")

// MemoryBackend is an in-process Backend for tests and demos. Writes are
// versioned with a global monotonic sequence and published to every open
// channel whose key matches the changed row.
type MemoryBackend struct {
	mu       sync.Mutex
	seq      uint64
	tables   map[EntityType]map[string]Entity
	channels map[*memoryChannel]Key
	writeErr error
}

// NewMemoryBackend creates an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		tables:   make(map[EntityType]map[string]Entity),
		channels: make(map[*memoryChannel]Key),
	}
}

// SetWriteError makes all subsequent writes fail with err until called
// again with nil. Used to exercise rollback paths.
func (b *MemoryBackend) SetWriteError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writeErr = err
}

// DropChannels closes every open channel with ErrChannelDropped,
// simulating a transport drop. Table data is untouched, so reconnecting
// subscribers resync against current state.
func (b *MemoryBackend) DropChannels() {
	b.mu.Lock()
	channels := make([]*memoryChannel, 0, len(b.channels))
	for ch := range b.channels {
		channels = append(channels, ch)
		delete(b.channels, ch)
	}
	b.mu.Unlock()

	for _, ch := range channels {
		ch.fail(ErrChannelDropped)
	}
}

// Seed inserts a row directly without publishing a change event, as if it
// existed before any subscriber connected.
func (b *MemoryBackend) Seed(entityType EntityType, entity Entity) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	entity.Type = entityType
	entity.Version = b.seq
	b.tableLocked(entityType)[entity.ID] = entity.Clone()
}

// Select implements Querier.
func (b *MemoryBackend) Select(ctx context.Context, entityType EntityType, filter Filter) ([]Entity, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	match := scopeFromFilter(filter)
	var out []Entity
	for _, e := range b.tables[entityType] {
		if match == nil || match(e) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Insert implements Mutator.
func (b *MemoryBackend) Insert(ctx context.Context, entityType EntityType, entity Entity) error {
	b.mu.Lock()
	if b.writeErr != nil {
		err := b.writeErr
		b.mu.Unlock()
		return err
	}
	table := b.tableLocked(entityType)
	if _, exists := table[entity.ID]; exists {
		b.mu.Unlock()
		return fmt.Errorf("duplicate id %s in %s", entity.ID, entityType)
	}
	b.seq++
	entity.Type = entityType
	entity.Version = b.seq
	stored := entity.Clone()
	table[entity.ID] = stored
	b.mu.Unlock()

	after := stored.Clone()
	b.publish(ChangeEvent{EntityType: entityType, Op: OpInsert, After: &after, ReceivedAt: time.Now()})
	return nil
}

// Update implements Mutator. The patch is a JSON object merged over the
// row's payload fields.
func (b *MemoryBackend) Update(ctx context.Context, entityType EntityType, id string, patch json.RawMessage) error {
	b.mu.Lock()
	if b.writeErr != nil {
		err := b.writeErr
		b.mu.Unlock()
		return err
	}
	table := b.tableLocked(entityType)
	current, exists := table[id]
	if !exists {
		b.mu.Unlock()
		return fmt.Errorf("no row %s in %s", id, entityType)
	}

	merged, err := mergePatch(current.Payload, patch)
	if err != nil {
		b.mu.Unlock()
		return err
	}

	before := current.Clone()
	b.seq++
	next := Entity{ID: id, Type: entityType, Version: b.seq, Payload: merged}
	table[id] = next.Clone()
	b.mu.Unlock()

	after := next.Clone()
	b.publish(ChangeEvent{EntityType: entityType, Op: OpUpdate, Before: &before, After: &after, ReceivedAt: time.Now()})
	return nil
}

// Delete implements Mutator.
func (b *MemoryBackend) Delete(ctx context.Context, entityType EntityType, id string) error {
	b.mu.Lock()
	if b.writeErr != nil {
		err := b.writeErr
		b.mu.Unlock()
		return err
	}
	table := b.tableLocked(entityType)
	current, exists := table[id]
	if !exists {
		b.mu.Unlock()
		return fmt.Errorf("no row %s in %s", id, entityType)
	}
	before := current.Clone()
	delete(table, id)
	b.mu.Unlock()

	b.publish(ChangeEvent{EntityType: entityType, Op: OpDelete, Before: &before, ReceivedAt: time.Now()})
	return nil
}

// OpenChannel implements ChannelOpener.
func (b *MemoryBackend) OpenChannel(ctx context.Context, entityType EntityType, filter Filter) (Channel, error) {
	ch := &memoryChannel{
		backend: b,
		events:  make(chan ChangeEvent, 64),
	}
	b.mu.Lock()
	b.channels[ch] = Key{EntityType: entityType, Filter: filter}
	b.mu.Unlock()
	return ch, nil
}

func (b *MemoryBackend) tableLocked(entityType EntityType) map[string]Entity {
	table, ok := b.tables[entityType]
	if !ok {
		table = make(map[string]Entity)
		b.tables[entityType] = table
	}
	return table
}

func (b *MemoryBackend) publish(ev ChangeEvent) {
	row := ev.After
	if row == nil {
		row = ev.Before
	}

	b.mu.Lock()
	var targets []*memoryChannel
	for ch, key := range b.channels {
		if key.EntityType != ev.EntityType {
			continue
		}
		match := scopeFromFilter(key.Filter)
		if match == nil || row == nil || match(*row) {
			targets = append(targets, ch)
		}
	}
	b.mu.Unlock()

	for _, ch := range targets {
		ch.deliver(ev)
	}
}

func (b *MemoryBackend) remove(ch *memoryChannel) {
	b.mu.Lock()
	delete(b.channels, ch)
	b.mu.Unlock()
}

type memoryChannel struct {
	backend *MemoryBackend
	events  chan ChangeEvent

	mu     sync.Mutex
	closed bool
	err    error
}

func (c *memoryChannel) Events() <-chan ChangeEvent { return c.events }

func (c *memoryChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *memoryChannel) Close() error {
	c.backend.remove(c)
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

func (c *memoryChannel) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.err = err
		close(c.events)
	}
}

func (c *memoryChannel) deliver(ev ChangeEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		// Slow consumer: drop. Reconnect resync recovers anything missed,
		// mirroring real change feeds that shed buffered events.
	}
}

// mergePatch applies a flat JSON object patch over a payload.
func mergePatch(payload, patch json.RawMessage) (json.RawMessage, error) {
	base := map[string]json.RawMessage{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &base); err != nil {
			return nil, fmt.Errorf("payload is not an object: %w", err)
		}
	}
	delta := map[string]json.RawMessage{}
	if err := json.Unmarshal(patch, &delta); err != nil {
		return nil, fmt.Errorf("patch is not an object: %w", err)
	}
	for k, v := range delta {
		base[k] = v
	}
	return json.Marshal(base)
}

package storesync

import (
	"bytes"
	"sort"
	"sync"

	kiterr "github.com/c0deZ3R0/go-storefront-kit/errors"
)

// Cache is the in-memory keyed store (entity type -> id -> value) that
// merges server-driven changes with pending local optimistic mutations. It
// exclusively owns the merged view; the mutation queue only keeps an index
// of in-flight intents, never entity payloads.
//
// Merge rules:
//   - A change event overwrites a confirmed entry only when its version is
//     >= the cached version (last-writer-wins by version, not arrival
//     time). Older events are dropped silently.
//   - A change event always supersedes an optimistic entry for the same
//     id, regardless of version. Server authority wins.
//   - Resync replaces the confirmed entries of a scope wholesale, which is
//     how deletes missed while disconnected are reconciled.
type Cache struct {
	mu      sync.RWMutex
	entries map[EntityType]map[string]*cacheEntry

	listenerMu   sync.Mutex
	listeners    map[uint64]ChangeListener
	nextListener uint64

	metrics MetricsCollector
}

type cacheEntry struct {
	entity     Entity
	optimistic bool
}

// ChangeListener is notified after the cache view for an entity changes.
// Listeners run outside the cache lock; reads from a listener see the
// post-change state or newer.
type ChangeListener func(entityType EntityType, id string)

// NewCache creates an empty cache. A nil metrics collector disables
// metrics.
func NewCache(metrics MetricsCollector) *Cache {
	if metrics == nil {
		metrics = &NoOpMetricsCollector{}
	}
	return &Cache{
		entries:   make(map[EntityType]map[string]*cacheEntry),
		listeners: make(map[uint64]ChangeListener),
		metrics:   metrics,
	}
}

// Get returns the cached entity for (entityType, id), optimistic or
// confirmed. The returned entity is a copy.
func (c *Cache) Get(entityType EntityType, id string) (Entity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[entityType][id]
	if !ok {
		return Entity{}, false
	}
	return entry.entity.Clone(), true
}

// IsOptimistic reports whether the cached entry for id is a pending
// optimistic value that has not been confirmed by the server.
func (c *Cache) IsOptimistic(entityType EntityType, id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[entityType][id]
	return ok && entry.optimistic
}

// List returns all cached entities of the given type matching pred (nil
// matches all), ordered by id for determinism.
func (c *Cache) List(entityType EntityType, pred func(Entity) bool) []Entity {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Entity
	for _, entry := range c.entries[entityType] {
		if pred == nil || pred(entry.entity) {
			out = append(out, entry.entity.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of cached entities of the given type.
func (c *Cache) Len(entityType EntityType) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries[entityType])
}

// ApplyChangeEvent merges one authoritative server event into the cache.
// It returns true if the cached state changed; duplicate deliveries and
// stale versions return false with no error.
func (c *Cache) ApplyChangeEvent(ev ChangeEvent) (bool, error) {
	if err := ev.Validate(); err != nil {
		return false, kiterr.E(kiterr.OpApply, kiterr.Component("cache"), kiterr.KindInvalid, err)
	}

	id := ev.TargetID()

	c.mu.Lock()
	entry, exists := c.entries[ev.EntityType][id]

	// Last-writer-wins by version. Optimistic entries are always
	// superseded by real server events.
	if exists && !entry.optimistic && ev.Version() < entry.entity.Version {
		c.mu.Unlock()
		c.metrics.RecordStaleDropped(ev.EntityType)
		return false, nil
	}

	changed := false
	switch ev.Op {
	case OpInsert, OpUpdate:
		next := ev.After.Clone()
		if !exists || entry.optimistic || entry.entity.Version != next.Version ||
			!bytes.Equal(entry.entity.Payload, next.Payload) {
			changed = true
		}
		c.setLocked(ev.EntityType, id, &cacheEntry{entity: next})
	case OpDelete:
		if exists {
			delete(c.entries[ev.EntityType], id)
			changed = true
		}
	}
	c.mu.Unlock()

	if changed {
		c.metrics.RecordEventApplied(ev.EntityType, ev.Op)
		c.notify(ev.EntityType, id)
	}
	return changed, nil
}

// ApplyOptimistic stores a locally mutated entity tagged as optimistic.
// The entry keeps its tag until a server event or resync confirms it, or
// MarkConfirmed is called after a write acknowledgment.
func (c *Cache) ApplyOptimistic(entity Entity) {
	c.mu.Lock()
	c.setLocked(entity.Type, entity.ID, &cacheEntry{entity: entity.Clone(), optimistic: true})
	c.mu.Unlock()

	c.notify(entity.Type, entity.ID)
}

// Remove deletes an entry outright. Used by rollback closures to revert an
// optimistic insert.
func (c *Cache) Remove(entityType EntityType, id string) {
	c.mu.Lock()
	_, existed := c.entries[entityType][id]
	if existed {
		delete(c.entries[entityType], id)
	}
	c.mu.Unlock()

	if existed {
		c.notify(entityType, id)
	}
}

// MarkConfirmed clears the optimistic tag after the backend acknowledged
// the write that produced the entry.
func (c *Cache) MarkConfirmed(entityType EntityType, id string) {
	c.mu.Lock()
	if entry, ok := c.entries[entityType][id]; ok {
		entry.optimistic = false
	}
	c.mu.Unlock()
}

// Resync replaces the confirmed entries of (entityType, scope) with a
// fresh authoritative snapshot. Confirmed entries matching scope (nil
// matches all) that are absent from the snapshot are discarded; this is
// what reconciles deletes missed while disconnected. Pending optimistic
// entries are preserved; the mutation queue owns their resolution.
func (c *Cache) Resync(entityType EntityType, scope func(Entity) bool, snapshot []Entity) {
	touched := make([]string, 0, len(snapshot))

	c.mu.Lock()
	for id, entry := range c.entries[entityType] {
		if entry.optimistic {
			continue
		}
		if scope == nil || scope(entry.entity) {
			delete(c.entries[entityType], id)
			touched = append(touched, id)
		}
	}
	for _, entity := range snapshot {
		// Snapshot rows are authoritative even where an optimistic entry
		// exists for the same id.
		c.setLocked(entityType, entity.ID, &cacheEntry{entity: entity.Clone()})
		touched = append(touched, entity.ID)
	}
	c.mu.Unlock()

	c.metrics.RecordResync(entityType, len(snapshot))
	seen := make(map[string]struct{}, len(touched))
	for _, id := range touched {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		c.notify(entityType, id)
	}
}

// OnChange registers a listener invoked after any cache change. The
// returned function removes the listener.
func (c *Cache) OnChange(listener ChangeListener) (remove func()) {
	c.listenerMu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = listener
	c.listenerMu.Unlock()

	return func() {
		c.listenerMu.Lock()
		delete(c.listeners, id)
		c.listenerMu.Unlock()
	}
}

func (c *Cache) setLocked(entityType EntityType, id string, entry *cacheEntry) {
	byID, ok := c.entries[entityType]
	if !ok {
		byID = make(map[string]*cacheEntry)
		c.entries[entityType] = byID
	}
	byID[id] = entry
}

func (c *Cache) notify(entityType EntityType, id string) {
	c.listenerMu.Lock()
	listeners := make([]ChangeListener, 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.listenerMu.Unlock()

	for _, l := range listeners {
		l(entityType, id)
	}
}

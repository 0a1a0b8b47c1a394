package storesync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	kiterr "github.com/c0deZ3R0/go-storefront-kit/errors"
	"github.com/c0deZ3R0/go-storefront-kit/logging"
)

// Options configures a Client.
type Options struct {
	// Backend is the managed service collaborator. Required.
	Backend Backend

	// UserID scopes cart, order, and notification subscriptions. Required.
	UserID string

	// CartStore persists unacknowledged optimistic cart state across
	// restarts. Optional.
	CartStore CartStore

	// Logger defaults to the package logger.
	Logger *logging.Logger

	// Metrics defaults to a no-op collector.
	Metrics MetricsCollector

	// Backoff builds per-channel reconnect state. Defaults to
	// DefaultBackoff.
	Backoff func() BackoffStrategy

	// ConfirmTimeout bounds the wait for a change event after a write
	// acknowledgment. Defaults to DefaultConfirmTimeout.
	ConfirmTimeout time.Duration

	// OnError receives recoverable failures (rolled-back writes). It must
	// not block. Optional.
	OnError func(error)
}

// Client assembles the sync core: change source, subscription registry,
// entity cache, and optimistic mutation queue. All change events flow
// through a single dispatch goroutine, so cache merges and mutation
// reconciliation observe one total order per client.
type Client struct {
	backend   Backend
	userID    string
	cartStore CartStore
	logger    *logging.Logger
	metrics   MetricsCollector

	cache    *Cache
	registry *Registry
	queue    *MutationQueue

	events chan ChangeEvent

	mu         sync.Mutex
	started    bool
	cartHandle Handle
	cancel     context.CancelFunc
	done       chan struct{}
}

// New validates options and builds an unstarted client.
func New(opts Options) (*Client, error) {
	if opts.Backend == nil {
		return nil, kiterr.NewValidationError(kiterr.OpSubscribe, fmt.Errorf("backend is required"))
	}
	if opts.UserID == "" {
		return nil, kiterr.NewValidationError(kiterr.OpSubscribe, fmt.Errorf("user id is required"))
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default().WithComponent("client")
	}
	if opts.Metrics == nil {
		opts.Metrics = &NoOpMetricsCollector{}
	}
	if opts.Backoff == nil {
		opts.Backoff = func() BackoffStrategy { return DefaultBackoff() }
	}
	if opts.ConfirmTimeout == 0 {
		opts.ConfirmTimeout = DefaultConfirmTimeout
	}

	c := &Client{
		backend:   opts.Backend,
		userID:    opts.UserID,
		cartStore: opts.CartStore,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		events:    make(chan ChangeEvent, 256),
	}

	c.cache = NewCache(opts.Metrics)
	c.queue = NewMutationQueue(c.cache,
		WithConfirmTimeout(opts.ConfirmTimeout),
		WithQueueLogger(opts.Logger),
		WithQueueMetrics(opts.Metrics),
		WithMutationErrorHandler(opts.OnError),
	)
	c.registry = NewRegistry(opts.Backend,
		WithResyncFunc(c.resyncKey),
		WithRegistrySourceOptions(
			WithSourceBackoff(opts.Backoff),
			WithSourceLogger(opts.Logger),
			WithSourceMetrics(opts.Metrics),
		),
	)
	return c, nil
}

// Start seeds the cache from local persistence, opens the cart
// subscription, and begins dispatching change events. Persisted cart
// entries land in the cache before any resync runs, so the UI renders the
// last known cart immediately.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return kiterr.E(kiterr.OpSubscribe, kiterr.Component("client"), kiterr.KindInvalid,
			"client already started")
	}
	c.started = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	if c.cartStore != nil {
		if err := c.seedFromStore(runCtx); err != nil {
			c.logger.LogError(runCtx, err, "cart seed failed, starting from empty cart")
		}
	}

	go c.dispatch(runCtx)

	handle, err := c.Subscribe(runCtx, c.CartKey())
	if err != nil {
		cancel()
		return err
	}

	c.mu.Lock()
	c.cartHandle = handle
	c.mu.Unlock()

	c.logger.Info("client started", slog.String("user_id", c.userID))
	return nil
}

// CartKey returns the user-scoped cart subscription key.
func (c *Client) CartKey() Key {
	return Key{EntityType: EntityCartItem, Filter: Filter{Column: "user_id", Value: c.userID}}
}

// Subscribe opens (or joins) the change feed for key and routes its events
// through the client's dispatch loop into the cache.
func (c *Client) Subscribe(ctx context.Context, key Key) (Handle, error) {
	return c.registry.Register(ctx, key, func(ev ChangeEvent) {
		select {
		case c.events <- ev:
		case <-ctx.Done():
		}
	})
}

// Unsubscribe releases a handle obtained from Subscribe.
func (c *Client) Unsubscribe(handle Handle) {
	c.registry.Deregister(handle)
}

// Cache exposes the merged read view for UI rendering. Reads never block
// on network I/O.
func (c *Client) Cache() *Cache { return c.cache }

// Status reports the aggregate connection state for "reconnecting"
// indicators.
func (c *Client) Status() Status { return c.registry.Status() }

// OnStatus registers a listener for connection status transitions.
func (c *Client) OnStatus(listener StatusListener) (remove func()) {
	return c.registry.OnStatus(listener)
}

// OnChange registers a listener for cache changes.
func (c *Client) OnChange(listener ChangeListener) (remove func()) {
	return c.cache.OnChange(listener)
}

// Mutations exposes the queue for callers issuing custom mutations.
func (c *Client) Mutations() *MutationQueue { return c.queue }

// CartItems returns the current cart view for the client's user.
func (c *Client) CartItems() []CartItem {
	return CartItemsForUser(c.cache, c.userID)
}

// CartSubtotal returns the derived cart subtotal in minor currency units.
func (c *Client) CartSubtotal() int64 {
	return TotalPrice(c.CartItems())
}

// CartCount returns the derived total item count.
func (c *Client) CartCount() int {
	return TotalItemCount(c.CartItems())
}

// AddCartItem optimistically adds an item to the cart and issues the
// backend insert. It returns the mutation id.
func (c *Client) AddCartItem(ctx context.Context, item CartItem) (string, error) {
	item.UserID = c.userID
	if item.AddedAt.IsZero() {
		item.AddedAt = time.Now().UTC()
	}
	entity, err := NewCartItemEntity(uuid.NewString(), 0, item)
	if err != nil {
		return "", kiterr.NewValidationError(kiterr.OpMutate, err)
	}

	return c.queue.Begin(ctx, EntityCartItem, entity.ID, OpInsert,
		func(cache *Cache) {
			cache.ApplyOptimistic(entity)
			c.persistOptimistic(ctx, entity)
		},
		func(cache *Cache) {
			cache.Remove(EntityCartItem, entity.ID)
			c.unpersist(ctx, entity.ID)
		},
		func(ctx context.Context) error {
			if err := c.backend.Insert(ctx, EntityCartItem, entity); err != nil {
				return err
			}
			c.unpersist(ctx, entity.ID)
			return nil
		},
	)
}

// UpdateCartItemQuantity optimistically changes an item's quantity.
// Quantity zero (or below) removes the item: a zero-quantity cart row is
// never a valid state.
func (c *Client) UpdateCartItemQuantity(ctx context.Context, id string, quantity int) (string, error) {
	if quantity < 1 {
		return c.RemoveCartItem(ctx, id)
	}

	prev, exists := c.cache.Get(EntityCartItem, id)
	if !exists {
		return "", kiterr.NewValidationError(kiterr.OpMutate, fmt.Errorf("cart item %s not in cache", id))
	}
	wasOptimistic := c.cache.IsOptimistic(EntityCartItem, id)

	item, err := DecodeCartItem(prev)
	if err != nil {
		return "", kiterr.NewValidationError(kiterr.OpMutate, err)
	}
	item.Quantity = quantity
	updated, err := NewCartItemEntity(id, prev.Version, item)
	if err != nil {
		return "", kiterr.NewValidationError(kiterr.OpMutate, err)
	}

	patch, _ := json.Marshal(map[string]int{"quantity": quantity})

	return c.queue.Begin(ctx, EntityCartItem, id, OpUpdate,
		func(cache *Cache) {
			cache.ApplyOptimistic(updated)
			c.persistOptimistic(ctx, updated)
		},
		func(cache *Cache) {
			c.restore(cache, prev, wasOptimistic)
			c.unpersist(ctx, id)
		},
		func(ctx context.Context) error {
			if err := c.backend.Update(ctx, EntityCartItem, id, patch); err != nil {
				return err
			}
			c.unpersist(ctx, id)
			return nil
		},
	)
}

// RemoveCartItem optimistically removes an item and issues the backend
// delete.
func (c *Client) RemoveCartItem(ctx context.Context, id string) (string, error) {
	prev, exists := c.cache.Get(EntityCartItem, id)
	if !exists {
		return "", kiterr.NewValidationError(kiterr.OpMutate, fmt.Errorf("cart item %s not in cache", id))
	}
	wasOptimistic := c.cache.IsOptimistic(EntityCartItem, id)

	return c.queue.Begin(ctx, EntityCartItem, id, OpDelete,
		func(cache *Cache) {
			cache.Remove(EntityCartItem, id)
			c.unpersist(ctx, id)
		},
		func(cache *Cache) {
			c.restore(cache, prev, wasOptimistic)
		},
		func(ctx context.Context) error {
			return c.backend.Delete(ctx, EntityCartItem, id)
		},
	)
}

// Resync fetches a fresh snapshot for key and replaces the cache's
// confirmed view of that scope.
func (c *Client) Resync(ctx context.Context, key Key) error {
	rows, err := c.backend.Select(ctx, key.EntityType, key.Filter)
	if err != nil {
		return kiterr.E(kiterr.OpResync, kiterr.Component("client"),
			kiterr.ErrCodeTransportFailure, err, true)
	}
	c.cache.Resync(key.EntityType, scopeFromFilter(key.Filter), rows)
	return nil
}

// Close tears down subscriptions, drains the mutation queue, and closes
// local persistence.
func (c *Client) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	err := c.registry.Close()
	if qErr := c.queue.Close(); err == nil {
		err = qErr
	}
	if done != nil {
		<-done
	}
	if c.cartStore != nil {
		if sErr := c.cartStore.Close(); err == nil {
			err = kiterr.WrapOpComponent(sErr, kiterr.OpClose, "client")
		}
	}
	return err
}

// dispatch is the single goroutine through which every change event
// reaches the cache and the mutation queue.
func (c *Client) dispatch(ctx context.Context) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.events:
			if _, err := c.cache.ApplyChangeEvent(ev); err != nil {
				c.logger.LogError(ctx, err, "dropping malformed change event")
				continue
			}
			c.queue.NotifyEvent(ev)
		}
	}
}

// resyncKey runs on every channel (re)connect.
func (c *Client) resyncKey(key Key) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.Resync(ctx, key); err != nil {
		c.logger.LogError(ctx, err, "resync failed", slog.String("key", key.String()))
	}
}

func (c *Client) seedFromStore(ctx context.Context) error {
	entities, err := c.cartStore.Load(ctx)
	if err != nil {
		return kiterr.NewStorageError(kiterr.OpPersist, err)
	}
	for _, e := range entities {
		c.cache.ApplyOptimistic(e)
	}
	if len(entities) > 0 {
		c.logger.Info("seeded cart from local store", slog.Int("items", len(entities)))
	}
	return nil
}

func (c *Client) persistOptimistic(ctx context.Context, entity Entity) {
	if c.cartStore == nil {
		return
	}
	if err := c.cartStore.Save(ctx, entity); err != nil {
		// Local persistence is best-effort; the cart still works for this
		// session without it.
		c.logger.LogError(ctx, kiterr.NewStorageError(kiterr.OpPersist, err),
			"persisting optimistic cart state failed", slog.String("id", entity.ID))
	}
}

func (c *Client) unpersist(ctx context.Context, id string) {
	if c.cartStore == nil {
		return
	}
	if err := c.cartStore.Delete(ctx, id); err != nil {
		c.logger.LogError(ctx, kiterr.NewStorageError(kiterr.OpPersist, err),
			"removing persisted cart state failed", slog.String("id", id))
	}
}

// restore reverts a cache entry to its captured pre-mutation state,
// including its optimistic tag.
func (c *Client) restore(cache *Cache, prev Entity, wasOptimistic bool) {
	cache.ApplyOptimistic(prev)
	if !wasOptimistic {
		cache.MarkConfirmed(prev.Type, prev.ID)
	}
}

// scopeFromFilter converts a subscription filter into a cache resync
// scope. Only cart items carry the user-scoping column in their payload;
// other tables resync whole.
func scopeFromFilter(f Filter) func(Entity) bool {
	if f.IsZero() {
		return nil
	}
	return func(e Entity) bool {
		if e.Payload == nil {
			return true
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(e.Payload, &fields); err != nil {
			return true
		}
		raw, ok := fields[f.Column]
		if !ok {
			return true
		}
		var val string
		if err := json.Unmarshal(raw, &val); err != nil {
			return true
		}
		return val == f.Value
	}
}

package storesync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCartStore is an in-memory CartStore.
type fakeCartStore struct {
	mu      sync.Mutex
	rows    map[string]Entity
	closed  bool
	saveErr error
}

func newFakeCartStore() *fakeCartStore {
	return &fakeCartStore{rows: make(map[string]Entity)}
}

func (s *fakeCartStore) Load(ctx context.Context) ([]Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entity, 0, len(s.rows))
	for _, e := range s.rows {
		out = append(out, e.Clone())
	}
	return out, nil
}

func (s *fakeCartStore) Save(ctx context.Context, entity Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.rows[entity.ID] = entity.Clone()
	return nil
}

func (s *fakeCartStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, id)
	return nil
}

func (s *fakeCartStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeCartStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func startedClient(t *testing.T, backend *MemoryBackend, store CartStore) *Client {
	t.Helper()
	c, err := New(Options{
		Backend:        backend,
		UserID:         "u-1",
		CartStore:      store,
		ConfirmTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{UserID: "u-1"})
	assert.Error(t, err)

	_, err = New(Options{Backend: NewMemoryBackend()})
	assert.Error(t, err)
}

func TestStartTwiceFails(t *testing.T) {
	c := startedClient(t, NewMemoryBackend(), nil)
	assert.Error(t, c.Start(context.Background()))
}

func TestAddCartItemEndToEnd(t *testing.T) {
	backend := NewMemoryBackend()
	c := startedClient(t, backend, nil)

	id, err := c.AddCartItem(context.Background(),
		CartItem{ProductID: "mug", Quantity: 2, UnitPrice: 1250})
	require.NoError(t, err)

	rec, err := c.Mutations().Wait(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, MutationConfirmed, rec.Status)

	items := c.CartItems()
	require.Len(t, items, 1)
	assert.Equal(t, "mug", items[0].ProductID)
	assert.Equal(t, 2, items[0].Quantity)
	assert.Equal(t, int64(2500), c.CartSubtotal())
	assert.Equal(t, 2, c.CartCount())

	// The row reached the backend with the client's user scope.
	rows, err := backend.Select(context.Background(), EntityCartItem, Filter{Column: "user_id", Value: "u-1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestAddCartItemVisibleBeforeAck(t *testing.T) {
	backend := NewMemoryBackend()
	c := startedClient(t, backend, nil)

	// Watch the cache directly: the optimistic entry must appear even
	// though we never wait for the write.
	seen := make(chan string, 8)
	remove := c.OnChange(func(_ EntityType, id string) { seen <- id })
	defer remove()

	_, err := c.AddCartItem(context.Background(),
		CartItem{ProductID: "mug", Quantity: 1, UnitPrice: 100})
	require.NoError(t, err)

	select {
	case <-seen:
	case <-time.After(time.Second):
		t.Fatal("optimistic change never reached the cache")
	}
}

func TestAddCartItemRollsBackOnWriteFailure(t *testing.T) {
	backend := NewMemoryBackend()
	backend.SetWriteError(errors.New("insufficient stock"))

	errCh := make(chan error, 1)
	c, err := New(Options{
		Backend:        backend,
		UserID:         "u-1",
		ConfirmTimeout: 100 * time.Millisecond,
		OnError:        func(err error) { errCh <- err },
	})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	id, err := c.AddCartItem(context.Background(),
		CartItem{ProductID: "mug", Quantity: 1, UnitPrice: 100})
	require.NoError(t, err, "optimistic add must not fail synchronously")

	rec, err := c.Mutations().Wait(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, MutationRolledBack, rec.Status)
	assert.Empty(t, c.CartItems(), "rolled-back item must leave the cart view")

	select {
	case surfaced := <-errCh:
		assert.Error(t, surfaced)
	case <-time.After(time.Second):
		t.Fatal("write failure never surfaced through the error handler")
	}
}

func TestUpdateCartItemQuantityEndToEnd(t *testing.T) {
	backend := NewMemoryBackend()
	c := startedClient(t, backend, nil)

	addID, err := c.AddCartItem(context.Background(),
		CartItem{ProductID: "mug", Quantity: 1, UnitPrice: 100})
	require.NoError(t, err)
	_, err = c.Mutations().Wait(context.Background(), addID)
	require.NoError(t, err)

	items := c.CartItems()
	require.Len(t, items, 1)
	entities := c.Cache().List(EntityCartItem, nil)
	require.Len(t, entities, 1)
	itemID := entities[0].ID

	updID, err := c.UpdateCartItemQuantity(context.Background(), itemID, 4)
	require.NoError(t, err)
	rec, err := c.Mutations().Wait(context.Background(), updID)
	require.NoError(t, err)
	assert.Equal(t, MutationConfirmed, rec.Status)

	require.Eventually(t, func() bool {
		items := c.CartItems()
		return len(items) == 1 && items[0].Quantity == 4
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(400), c.CartSubtotal())
}

// An add followed immediately by a quantity change must work without
// waiting for the add to resolve: the added item is already in the cache
// when AddCartItem returns, and the follow-up update queues behind the
// add on the same lane.
func TestAddThenUpdateQuantityQuickSuccession(t *testing.T) {
	backend := NewMemoryBackend()
	c := startedClient(t, backend, nil)

	_, err := c.AddCartItem(context.Background(),
		CartItem{ProductID: "mug", Quantity: 1, UnitPrice: 100})
	require.NoError(t, err)

	entities := c.Cache().List(EntityCartItem, nil)
	require.Len(t, entities, 1, "added item must be visible the moment AddCartItem returns")

	updID, err := c.UpdateCartItemQuantity(context.Background(), entities[0].ID, 2)
	require.NoError(t, err)

	rec, err := c.Mutations().Wait(context.Background(), updID)
	require.NoError(t, err)
	assert.Equal(t, MutationConfirmed, rec.Status)

	require.Eventually(t, func() bool {
		items := c.CartItems()
		return len(items) == 1 && items[0].Quantity == 2
	}, time.Second, 5*time.Millisecond)

	rows, err := backend.Select(context.Background(), EntityCartItem, Filter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	item, err := DecodeCartItem(rows[0])
	require.NoError(t, err)
	assert.Equal(t, 2, item.Quantity, "backend row must end at the second mutation's quantity")
}

func TestUpdateQuantityZeroRemoves(t *testing.T) {
	backend := NewMemoryBackend()
	c := startedClient(t, backend, nil)

	addID, err := c.AddCartItem(context.Background(),
		CartItem{ProductID: "mug", Quantity: 2, UnitPrice: 100})
	require.NoError(t, err)
	_, err = c.Mutations().Wait(context.Background(), addID)
	require.NoError(t, err)

	entities := c.Cache().List(EntityCartItem, nil)
	require.Len(t, entities, 1)

	rmID, err := c.UpdateCartItemQuantity(context.Background(), entities[0].ID, 0)
	require.NoError(t, err)
	rec, err := c.Mutations().Wait(context.Background(), rmID)
	require.NoError(t, err)
	assert.Equal(t, MutationConfirmed, rec.Status)
	assert.Equal(t, OpDelete, rec.ExpectedOp)

	assert.Empty(t, c.CartItems())
	rows, err := backend.Select(context.Background(), EntityCartItem, Filter{})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestRemoveCartItemRollbackRestoresItem(t *testing.T) {
	backend := NewMemoryBackend()
	c := startedClient(t, backend, nil)

	addID, err := c.AddCartItem(context.Background(),
		CartItem{ProductID: "mug", Quantity: 2, UnitPrice: 100})
	require.NoError(t, err)
	_, err = c.Mutations().Wait(context.Background(), addID)
	require.NoError(t, err)

	entities := c.Cache().List(EntityCartItem, nil)
	require.Len(t, entities, 1)

	backend.SetWriteError(errors.New("backend down"))
	rmID, err := c.RemoveCartItem(context.Background(), entities[0].ID)
	require.NoError(t, err)
	rec, err := c.Mutations().Wait(context.Background(), rmID)
	require.NoError(t, err)
	assert.Equal(t, MutationRolledBack, rec.Status)

	items := c.CartItems()
	require.Len(t, items, 1, "failed remove must restore the item")
	assert.Equal(t, 2, items[0].Quantity)
}

func TestRemoveUnknownCartItemFails(t *testing.T) {
	c := startedClient(t, NewMemoryBackend(), nil)

	_, err := c.RemoveCartItem(context.Background(), "nope")
	assert.Error(t, err)
	_, err = c.UpdateCartItemQuantity(context.Background(), "nope", 3)
	assert.Error(t, err)
}

// Server-driven changes from another session land in the cart view with
// no local mutation involved.
func TestServerDrivenCartChangeReachesView(t *testing.T) {
	backend := NewMemoryBackend()
	c := startedClient(t, backend, nil)

	// Another device inserts into this user's cart.
	item := CartItem{UserID: "u-1", ProductID: "shirt", Quantity: 1, UnitPrice: 2999, AddedAt: time.Now()}
	entity, err := NewCartItemEntity("remote-1", 0, item)
	require.NoError(t, err)
	require.NoError(t, backend.Insert(context.Background(), EntityCartItem, entity))

	require.Eventually(t, func() bool {
		items := c.CartItems()
		return len(items) == 1 && items[0].ProductID == "shirt"
	}, time.Second, 5*time.Millisecond)
}

// Rows that existed before the client connected arrive via the initial
// resync, not change events.
func TestInitialResyncLoadsExistingRows(t *testing.T) {
	backend := NewMemoryBackend()
	item := CartItem{UserID: "u-1", ProductID: "mug", Quantity: 3, UnitPrice: 500}
	entity, err := NewCartItemEntity("pre-1", 0, item)
	require.NoError(t, err)
	backend.Seed(EntityCartItem, entity)

	c := startedClient(t, backend, nil)

	require.Eventually(t, func() bool {
		return c.CartCount() == 3
	}, time.Second, 5*time.Millisecond, "pre-existing rows must arrive via resync")
}

// A transport drop leaves the client degraded until reconnect, and the
// reconnect resync reconciles rows changed while disconnected.
func TestReconnectResyncReconcilesMissedChanges(t *testing.T) {
	backend := NewMemoryBackend()
	c, err := New(Options{
		Backend:        backend,
		UserID:         "u-1",
		ConfirmTimeout: 100 * time.Millisecond,
		Backoff: func() BackoffStrategy {
			return &ExponentialBackoff{InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2}
		},
	})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	addID, err := c.AddCartItem(context.Background(),
		CartItem{ProductID: "mug", Quantity: 1, UnitPrice: 100})
	require.NoError(t, err)
	_, err = c.Mutations().Wait(context.Background(), addID)
	require.NoError(t, err)

	entities := c.Cache().List(EntityCartItem, nil)
	require.Len(t, entities, 1)
	itemID := entities[0].ID

	backend.DropChannels()

	// While the channel is down the row is deleted server-side; no delete
	// event will ever arrive.
	require.NoError(t, backend.Delete(context.Background(), EntityCartItem, itemID))

	require.Eventually(t, func() bool {
		return len(c.CartItems()) == 0
	}, 2*time.Second, 10*time.Millisecond, "reconnect resync must reconcile the missed delete")
}

// Unacknowledged optimistic cart state persists locally and seeds the
// next session's cache before any network round trip.
func TestPersistedOptimisticStateSeedsNextSession(t *testing.T) {
	store := newFakeCartStore()

	backend := NewMemoryBackend()
	backend.SetWriteError(errors.New("offline"))

	c := startedClient(t, backend, store)
	id, err := c.AddCartItem(context.Background(),
		CartItem{ProductID: "mug", Quantity: 1, UnitPrice: 100})
	require.NoError(t, err)

	_, err = c.Mutations().Wait(context.Background(), id)
	require.NoError(t, err)
	assert.Zero(t, store.size(), "rolled-back entries must not stay persisted")

	// Save a pending entry as a crashed previous session would have left it.
	pending, err := NewCartItemEntity("pending-1", 0,
		CartItem{UserID: "u-1", ProductID: "shirt", Quantity: 1, UnitPrice: 2999})
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), pending))

	fresh := NewMemoryBackend()
	c2 := startedClient(t, fresh, store)

	require.Eventually(t, func() bool {
		items := c2.CartItems()
		return len(items) == 1 && items[0].ProductID == "shirt"
	}, time.Second, 5*time.Millisecond, "persisted optimistic entries must seed the cache on start")
	assert.True(t, c2.Cache().IsOptimistic(EntityCartItem, "pending-1"))
}

func TestSubscribeAdditionalKey(t *testing.T) {
	backend := NewMemoryBackend()
	c := startedClient(t, backend, nil)

	handle, err := c.Subscribe(context.Background(), Key{EntityType: EntityProduct})
	require.NoError(t, err)
	defer c.Unsubscribe(handle)

	require.NoError(t, backend.Insert(context.Background(), EntityProduct,
		Entity{ID: "p1", Payload: []byte(`{"name":"mug","price":1250}`)}))

	require.Eventually(t, func() bool {
		_, ok := c.Cache().Get(EntityProduct, "p1")
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestCloseReleasesResources(t *testing.T) {
	store := newFakeCartStore()
	backend := NewMemoryBackend()

	c, err := New(Options{Backend: backend, UserID: "u-1", CartStore: store})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	require.NoError(t, c.Close())

	store.mu.Lock()
	closed := store.closed
	store.mu.Unlock()
	assert.True(t, closed)

	_, err = c.AddCartItem(context.Background(), CartItem{ProductID: "mug", Quantity: 1, UnitPrice: 1})
	assert.Error(t, err, "mutations after close must fail")
}

package storesync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingOpener wraps a backend and counts channel opens per key.
type countingOpener struct {
	backend *MemoryBackend
	mu      sync.Mutex
	opens   map[Key]int
}

func newCountingOpener(backend *MemoryBackend) *countingOpener {
	return &countingOpener{backend: backend, opens: make(map[Key]int)}
}

func (o *countingOpener) OpenChannel(ctx context.Context, entityType EntityType, filter Filter) (Channel, error) {
	o.mu.Lock()
	o.opens[Key{EntityType: entityType, Filter: filter}]++
	o.mu.Unlock()
	return o.backend.OpenChannel(ctx, entityType, filter)
}

func (o *countingOpener) openCount(key Key) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens[key]
}

func TestRegistryDedupesChannelPerKey(t *testing.T) {
	opener := newCountingOpener(NewMemoryBackend())
	r := NewRegistry(opener)
	defer r.Close()

	key := productKey()
	for i := 0; i < 3; i++ {
		_, err := r.Register(context.Background(), key, func(ChangeEvent) {})
		require.NoError(t, err)
	}

	assert.Equal(t, 3, r.ConsumerCount(key))

	require.Eventually(t, func() bool {
		return opener.openCount(key) == 1
	}, time.Second, 5*time.Millisecond, "three consumers must share one channel")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, opener.openCount(key))
}

func TestRegistryFansOutToAllConsumers(t *testing.T) {
	backend := NewMemoryBackend()
	r := NewRegistry(backend)
	defer r.Close()

	key := productKey()
	var mu sync.Mutex
	counts := make(map[int]int)
	for i := 0; i < 3; i++ {
		i := i
		_, err := r.Register(context.Background(), key, func(ChangeEvent) {
			mu.Lock()
			counts[i]++
			mu.Unlock()
		})
		require.NoError(t, err)
	}

	require.NoError(t, backend.Insert(context.Background(), EntityProduct,
		Entity{ID: "p1", Payload: []byte(`{}`)}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return counts[0] == 1 && counts[1] == 1 && counts[2] == 1
	}, time.Second, 5*time.Millisecond, "every consumer receives every event for its key")
}

func TestRegistryScopesEventsByKey(t *testing.T) {
	backend := NewMemoryBackend()
	r := NewRegistry(backend)
	defer r.Close()

	cartKey := Key{EntityType: EntityCartItem, Filter: Filter{Column: "user_id", Value: "u-1"}}

	var mu sync.Mutex
	var mine, products int
	_, err := r.Register(context.Background(), cartKey, func(ChangeEvent) {
		mu.Lock()
		mine++
		mu.Unlock()
	})
	require.NoError(t, err)
	_, err = r.Register(context.Background(), productKey(), func(ChangeEvent) {
		mu.Lock()
		products++
		mu.Unlock()
	})
	require.NoError(t, err)

	// A cart row for another user must not reach the u-1 consumer.
	require.NoError(t, backend.Insert(context.Background(), EntityCartItem,
		Entity{ID: "c-other", Payload: []byte(`{"user_id":"u-2"}`)}))
	require.NoError(t, backend.Insert(context.Background(), EntityCartItem,
		Entity{ID: "c-mine", Payload: []byte(`{"user_id":"u-1"}`)}))
	require.NoError(t, backend.Insert(context.Background(), EntityProduct,
		Entity{ID: "p1", Payload: []byte(`{}`)}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return mine == 1 && products == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, mine, "filtered subscription must only see its own rows")
}

// The channel stays up while any consumer remains; the last deregister
// tears it down.
func TestRegistryTearsDownOnLastDeregister(t *testing.T) {
	backend := NewMemoryBackend()
	r := NewRegistry(backend)
	defer r.Close()

	key := productKey()
	var mu sync.Mutex
	var delivered int
	h1, err := r.Register(context.Background(), key, func(ChangeEvent) {})
	require.NoError(t, err)
	h2, err := r.Register(context.Background(), key, func(ChangeEvent) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})
	require.NoError(t, err)

	r.Deregister(h1)
	assert.Equal(t, 1, r.ConsumerCount(key))

	require.NoError(t, backend.Insert(context.Background(), EntityProduct,
		Entity{ID: "p1", Payload: []byte(`{}`)}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered == 1
	}, time.Second, 5*time.Millisecond, "channel must survive while a consumer remains")

	r.Deregister(h2)
	assert.Zero(t, r.ConsumerCount(key))

	require.NoError(t, backend.Insert(context.Background(), EntityProduct,
		Entity{ID: "p2", Payload: []byte(`{}`)}))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, delivered, "no delivery after the last consumer deregistered")
}

func TestRegistryDeregisterUnknownHandleIsNoOp(t *testing.T) {
	r := NewRegistry(NewMemoryBackend())
	defer r.Close()

	r.Deregister(Handle{key: productKey(), id: 42})
}

func TestRegistryStatusDegradedWhileDisconnected(t *testing.T) {
	opener := &flakyOpener{backend: NewMemoryBackend(), failures: 2}

	statusCh := make(chan Status, 32)
	r := NewRegistry(opener, WithRegistrySourceOptions(
		WithSourceBackoff(func() BackoffStrategy { return &recordingBackoff{} }),
	))
	defer r.Close()
	remove := r.OnStatus(func(s Status) { statusCh <- s })
	defer remove()

	_, err := r.Register(context.Background(), productKey(), func(ChangeEvent) {})
	require.NoError(t, err)

	var sawDegraded, sawHealthy bool
	deadline := time.After(2 * time.Second)
	for !(sawDegraded && sawHealthy) {
		select {
		case s := <-statusCh:
			if s.Degraded {
				sawDegraded = true
			} else if !s.LastConnected.IsZero() {
				sawHealthy = true
			}
		case <-deadline:
			t.Fatalf("degraded=%v healthy=%v after waiting", sawDegraded, sawHealthy)
		}
	}
}

func TestRegistryResyncFuncRunsPerConnect(t *testing.T) {
	backend := NewMemoryBackend()

	var mu sync.Mutex
	resyncs := make(map[Key]int)
	r := NewRegistry(backend,
		WithResyncFunc(func(key Key) {
			mu.Lock()
			resyncs[key]++
			mu.Unlock()
		}),
		WithRegistrySourceOptions(
			WithSourceBackoff(func() BackoffStrategy { return &recordingBackoff{} }),
		))
	defer r.Close()

	key := productKey()
	_, err := r.Register(context.Background(), key, func(ChangeEvent) {})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return resyncs[key] == 1
	}, time.Second, 5*time.Millisecond)

	backend.DropChannels()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return resyncs[key] == 2
	}, time.Second, 5*time.Millisecond, "reconnect must trigger a fresh resync")
}

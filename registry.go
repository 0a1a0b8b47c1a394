package storesync

import (
	"context"
	"sync"
	"time"
)

// Consumer receives every change event for the key it registered under.
// Consumers run on the source's pump goroutine and must not block.
type Consumer func(ChangeEvent)

// Handle identifies one registered consumer.
type Handle struct {
	key Key
	id  uint64
}

// Key returns the subscription key the handle belongs to.
func (h Handle) Key() Key { return h.key }

// Status is the registry's aggregate connection state, surfaced to the UI
// as a non-fatal "reconnecting" indicator while any channel is down.
type Status struct {
	// Degraded is true while at least one underlying channel is
	// disconnected and being retried.
	Degraded bool

	// ReconnectAttempts is the highest attempt count across degraded
	// channels.
	ReconnectAttempts int

	// LastConnected is the most recent successful connect time across
	// all channels.
	LastConnected time.Time
}

// StatusListener observes aggregate status transitions.
type StatusListener func(Status)

// Registry multiplexes UI consumers over change-feed channels. It keeps at
// most one live channel per (entityType, filter) key regardless of
// consumer count, fans every event out to the key's consumers, and tears
// the channel down when the last consumer deregisters.
type Registry struct {
	source *ChangeSource

	mu       sync.Mutex
	fanouts  map[Key]*fanout
	statuses map[Key]SourceStatus
	nextID   uint64

	listenerMu      sync.Mutex
	statusListeners map[uint64]StatusListener
	nextListener    uint64
}

type fanout struct {
	consumers map[uint64]Consumer
}

// RegistryOption configures a Registry.
type RegistryOption func(*registryConfig)

type registryConfig struct {
	sourceOpts []SourceOption
	resync     func(key Key)
}

// WithRegistrySourceOptions forwards options to the underlying source.
func WithRegistrySourceOptions(opts ...SourceOption) RegistryOption {
	return func(c *registryConfig) { c.sourceOpts = append(c.sourceOpts, opts...) }
}

// WithResyncFunc sets the callback run after every (re)connect of a key's
// channel. It should fetch a fresh snapshot and resync the cache.
func WithResyncFunc(resync func(key Key)) RegistryOption {
	return func(c *registryConfig) { c.resync = resync }
}

// NewRegistry creates a registry over the backend's realtime surface.
func NewRegistry(opener ChannelOpener, opts ...RegistryOption) *Registry {
	cfg := &registryConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	r := &Registry{
		fanouts:         make(map[Key]*fanout),
		statuses:        make(map[Key]SourceStatus),
		statusListeners: make(map[uint64]StatusListener),
	}

	hooks := SourceHooks{
		Status: r.onSourceStatus,
	}
	if cfg.resync != nil {
		hooks.Resync = cfg.resync
	}

	sourceOpts := append([]SourceOption{WithSourceHooks(hooks)}, cfg.sourceOpts...)
	r.source = NewChangeSource(opener, sourceOpts...)
	return r
}

// Register adds a consumer for key. The first consumer of a key opens the
// underlying channel; later consumers share it.
func (r *Registry) Register(ctx context.Context, key Key, consumer Consumer) (Handle, error) {
	r.mu.Lock()
	f, exists := r.fanouts[key]
	if !exists {
		f = &fanout{consumers: make(map[uint64]Consumer)}
		r.fanouts[key] = f
	}
	id := r.nextID
	r.nextID++
	f.consumers[id] = consumer
	r.mu.Unlock()

	if !exists {
		if err := r.source.Subscribe(ctx, key, func(ev ChangeEvent) { r.dispatch(key, ev) }); err != nil {
			r.mu.Lock()
			delete(f.consumers, id)
			if len(f.consumers) == 0 {
				delete(r.fanouts, key)
			}
			r.mu.Unlock()
			return Handle{}, err
		}
	}

	return Handle{key: key, id: id}, nil
}

// Deregister removes a consumer. The underlying channel stays up while
// other consumers remain; the last deregistration tears it down.
func (r *Registry) Deregister(h Handle) {
	r.mu.Lock()
	f, ok := r.fanouts[h.key]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(f.consumers, h.id)
	last := len(f.consumers) == 0
	if last {
		delete(r.fanouts, h.key)
		delete(r.statuses, h.key)
	}
	r.mu.Unlock()

	if last {
		r.source.Unsubscribe(h.key)
		r.notifyStatus()
	}
}

// ConsumerCount returns the number of consumers registered for key.
func (r *Registry) ConsumerCount(key Key) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.fanouts[key]; ok {
		return len(f.consumers)
	}
	return 0
}

// Status returns the aggregate connection status across all keys.
func (r *Registry) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusLocked()
}

// OnStatus registers a listener for aggregate status transitions. The
// returned function removes the listener.
func (r *Registry) OnStatus(listener StatusListener) (remove func()) {
	r.listenerMu.Lock()
	id := r.nextListener
	r.nextListener++
	r.statusListeners[id] = listener
	r.listenerMu.Unlock()

	return func() {
		r.listenerMu.Lock()
		delete(r.statusListeners, id)
		r.listenerMu.Unlock()
	}
}

// Close tears down every channel and consumer.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.fanouts = make(map[Key]*fanout)
	r.statuses = make(map[Key]SourceStatus)
	r.mu.Unlock()
	return r.source.Close()
}

func (r *Registry) dispatch(key Key, ev ChangeEvent) {
	r.mu.Lock()
	f, ok := r.fanouts[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	consumers := make([]Consumer, 0, len(f.consumers))
	for _, c := range f.consumers {
		consumers = append(consumers, c)
	}
	r.mu.Unlock()

	for _, c := range consumers {
		c(ev)
	}
}

func (r *Registry) onSourceStatus(key Key, status SourceStatus) {
	r.mu.Lock()
	r.statuses[key] = status
	r.mu.Unlock()
	r.notifyStatus()
}

func (r *Registry) statusLocked() Status {
	agg := Status{}
	for _, s := range r.statuses {
		if !s.Connected {
			agg.Degraded = true
			if s.ReconnectAttempts > agg.ReconnectAttempts {
				agg.ReconnectAttempts = s.ReconnectAttempts
			}
		}
		if s.LastConnected.After(agg.LastConnected) {
			agg.LastConnected = s.LastConnected
		}
	}
	return agg
}

func (r *Registry) notifyStatus() {
	r.mu.Lock()
	status := r.statusLocked()
	r.mu.Unlock()

	r.listenerMu.Lock()
	listeners := make([]StatusListener, 0, len(r.statusListeners))
	for _, l := range r.statusListeners {
		listeners = append(listeners, l)
	}
	r.listenerMu.Unlock()

	for _, l := range listeners {
		l(status)
	}
}

package storesync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	kiterr "github.com/c0deZ3R0/go-storefront-kit/errors"
	"github.com/c0deZ3R0/go-storefront-kit/logging"
)

// SourceStatus is the state of one subscription's underlying connection.
type SourceStatus struct {
	Connected         bool
	LastConnected     time.Time
	ReconnectAttempts int
	Err               error
}

// SourceHooks are invoked by the ChangeSource on connection lifecycle
// transitions. Resync fires after every successful (re)connect, including
// the first, because buffered events may have been missed while the
// transport was down. Status fires on connect and disconnect.
type SourceHooks struct {
	Resync func(key Key)
	Status func(key Key, status SourceStatus)
}

// ChangeSource abstracts the backend's per-table change feed. It owns one
// goroutine per subscribed (entityType, filter) key which opens a channel,
// pumps events to the handler, and reconnects with exponential backoff
// when the transport drops. Delivery to the handler is at-least-once and
// in-order per entity id within a connection epoch.
type ChangeSource struct {
	opener  ChannelOpener
	backoff func() BackoffStrategy
	hooks   SourceHooks
	logger  *logging.Logger
	metrics MetricsCollector

	mu   sync.Mutex
	subs map[Key]*sourceSub
}

type sourceSub struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// SourceOption configures a ChangeSource.
type SourceOption func(*ChangeSource)

// WithSourceBackoff sets the factory for per-subscription backoff state.
func WithSourceBackoff(factory func() BackoffStrategy) SourceOption {
	return func(s *ChangeSource) { s.backoff = factory }
}

// WithSourceLogger sets the logger.
func WithSourceLogger(logger *logging.Logger) SourceOption {
	return func(s *ChangeSource) { s.logger = logger }
}

// WithSourceMetrics sets the metrics collector.
func WithSourceMetrics(metrics MetricsCollector) SourceOption {
	return func(s *ChangeSource) { s.metrics = metrics }
}

// WithSourceHooks sets the lifecycle hooks.
func WithSourceHooks(hooks SourceHooks) SourceOption {
	return func(s *ChangeSource) { s.hooks = hooks }
}

// NewChangeSource creates a source over the given channel opener.
func NewChangeSource(opener ChannelOpener, opts ...SourceOption) *ChangeSource {
	s := &ChangeSource{
		opener:  opener,
		backoff: func() BackoffStrategy { return DefaultBackoff() },
		logger:  logging.Default().WithComponent("source"),
		metrics: &NoOpMetricsCollector{},
		subs:    make(map[Key]*sourceSub),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe starts the pump for key, delivering every event to handler.
// At most one pump runs per key; subscribing an already-subscribed key is
// an error (deduplication across consumers is the registry's job).
func (s *ChangeSource) Subscribe(ctx context.Context, key Key, handler func(ChangeEvent)) error {
	s.mu.Lock()
	if _, exists := s.subs[key]; exists {
		s.mu.Unlock()
		return kiterr.E(kiterr.OpSubscribe, kiterr.Component("source"), kiterr.KindInvalid,
			"already subscribed to "+key.String())
	}

	runCtx, cancel := context.WithCancel(ctx)
	sub := &sourceSub{cancel: cancel, done: make(chan struct{})}
	s.subs[key] = sub
	s.mu.Unlock()

	go s.pump(runCtx, key, sub, handler)
	return nil
}

// Unsubscribe stops the pump for key and waits for it to exit.
func (s *ChangeSource) Unsubscribe(key Key) {
	s.mu.Lock()
	sub, ok := s.subs[key]
	if ok {
		delete(s.subs, key)
	}
	s.mu.Unlock()

	if ok {
		sub.cancel()
		<-sub.done
	}
}

// Close tears down all subscriptions.
func (s *ChangeSource) Close() error {
	s.mu.Lock()
	subs := make([]*sourceSub, 0, len(s.subs))
	for key, sub := range s.subs {
		subs = append(subs, sub)
		delete(s.subs, key)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		<-sub.done
	}
	return nil
}

// pump is the per-key connection loop: open channel, resync, drain events,
// reconnect with backoff on drop.
func (s *ChangeSource) pump(ctx context.Context, key Key, sub *sourceSub, handler func(ChangeEvent)) {
	defer close(sub.done)

	backoff := s.backoff()
	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}

		ch, err := s.opener.OpenChannel(ctx, key.EntityType, key.Filter)
		if err != nil {
			s.reportStatus(key, SourceStatus{ReconnectAttempts: attempt, Err: err})
			s.metrics.RecordReconnect(key, attempt)
			s.logger.LogError(ctx, kiterr.NewTransportError(kiterr.OpChannel, err),
				"channel open failed", slog.String("key", key.String()))

			delay := backoff.NextDelay(attempt)
			attempt++
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		backoff.Reset()
		attempt = 0
		s.reportStatus(key, SourceStatus{Connected: true, LastConnected: time.Now()})
		s.logger.Debug("channel open", slog.String("key", key.String()))

		// Never trust that buffered events were not missed across the
		// gap: every fresh connection epoch starts with a full resync.
		if s.hooks.Resync != nil {
			s.hooks.Resync(key)
		}

		s.drain(ctx, ch, handler)

		if ctx.Err() != nil {
			ch.Close()
			return
		}

		s.reportStatus(key, SourceStatus{ReconnectAttempts: attempt, Err: ch.Err()})
		s.metrics.RecordReconnect(key, attempt)
		s.logger.Warn("channel dropped, reconnecting",
			slog.String("key", key.String()), slog.Any("error", ch.Err()))
		ch.Close()

		// A drop counts as a failed attempt: a backend that accepts the
		// dial and then drops the stream must not be re-dialed in a tight
		// loop.
		delay := backoff.NextDelay(attempt)
		attempt++
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (s *ChangeSource) drain(ctx context.Context, ch Channel, handler func(ChangeEvent)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch.Events():
			if !ok {
				return
			}
			if ev.ReceivedAt.IsZero() {
				ev.ReceivedAt = time.Now()
			}
			handler(ev)
		}
	}
}

func (s *ChangeSource) reportStatus(key Key, status SourceStatus) {
	if s.hooks.Status != nil {
		s.hooks.Status(key, status)
	}
}

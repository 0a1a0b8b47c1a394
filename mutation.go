package storesync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	kiterr "github.com/c0deZ3R0/go-storefront-kit/errors"
	"github.com/c0deZ3R0/go-storefront-kit/logging"
)

// MutationStatus is the lifecycle state of an optimistic mutation.
type MutationStatus string

const (
	MutationPending    MutationStatus = "pending"
	MutationConfirmed  MutationStatus = "confirmed"
	MutationRolledBack MutationStatus = "rolled_back"
)

// DefaultConfirmTimeout bounds how long the queue waits for the
// authoritative change event after a write was acknowledged. Expiry is
// treated as soft success, not an error: legitimately slow feeds would
// otherwise produce false rollbacks.
const DefaultConfirmTimeout = 10 * time.Second

// Mutation is the public record of one local write intent. The queue holds
// only these records plus the caller's closures, never a second copy of
// entity payloads.
type Mutation struct {
	LocalID    string
	EntityType EntityType
	TargetID   string
	ExpectedOp Op
	AppliedAt  time.Time
	Status     MutationStatus
}

// ApplyFunc applies the optimistic change to the cache. RollbackFunc
// reverts it; the caller captures whatever prior state the revert needs.
type (
	ApplyFunc    func(cache *Cache)
	RollbackFunc func(cache *Cache)
	WriteFunc    func(ctx context.Context) error
)

type laneKey struct {
	entityType EntityType
	targetID   string
}

type mutationRecord struct {
	mu sync.Mutex
	Mutation

	ctx      context.Context
	apply    ApplyFunc
	rollback RollbackFunc
	write    WriteFunc

	// applied is set when Begin already ran apply synchronously. Written
	// before the lane goroutine starts, read only by it.
	applied bool

	resolved  chan struct{} // closed once confirmed or rolled back
	confirmed chan struct{} // closed when the matching change event arrives
}

func (r *mutationRecord) snapshot() Mutation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Mutation
}

func (r *mutationRecord) setStatus(s MutationStatus) {
	r.mu.Lock()
	r.Status = s
	r.mu.Unlock()
}

type lane struct {
	queue   []*mutationRecord
	running bool
}

// MutationQueue records local write intents, applies them optimistically
// to the cache, issues the backend write, and reconciles each intent when
// the write resolves. Mutations against the same (entityType, targetID)
// are strictly serialized: a second mutation on the same id waits for the
// first to resolve, so two in-flight writes can never race to revert each
// other's optimistic state. Mutations on different targets run
// independently.
type MutationQueue struct {
	cache   *Cache
	timeout time.Duration
	logger  *logging.Logger
	metrics MetricsCollector
	onError func(error)

	mu      sync.Mutex
	lanes   map[laneKey]*lane
	records map[string]*mutationRecord
	closed  bool

	closeCh chan struct{}
	wg      sync.WaitGroup
}

// QueueOption configures a MutationQueue.
type QueueOption func(*MutationQueue)

// WithConfirmTimeout overrides the confirmation timeout.
func WithConfirmTimeout(d time.Duration) QueueOption {
	return func(q *MutationQueue) { q.timeout = d }
}

// WithQueueLogger sets the logger.
func WithQueueLogger(logger *logging.Logger) QueueOption {
	return func(q *MutationQueue) { q.logger = logger }
}

// WithQueueMetrics sets the metrics collector.
func WithQueueMetrics(metrics MetricsCollector) QueueOption {
	return func(q *MutationQueue) { q.metrics = metrics }
}

// WithMutationErrorHandler sets the handler that surfaces recoverable
// write failures to the UI (toast or notification, never a crash).
func WithMutationErrorHandler(handler func(error)) QueueOption {
	return func(q *MutationQueue) { q.onError = handler }
}

// NewMutationQueue creates a queue applying mutations against cache.
func NewMutationQueue(cache *Cache, opts ...QueueOption) *MutationQueue {
	q := &MutationQueue{
		cache:   cache,
		timeout: DefaultConfirmTimeout,
		logger:  logging.Default().WithComponent("mutation"),
		metrics: &NoOpMetricsCollector{},
		lanes:   make(map[laneKey]*lane),
		records: make(map[string]*mutationRecord),
		closeCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Begin records a mutation intent and schedules it on its target's lane.
// When the target's lane is idle, apply runs against the cache before
// Begin returns, so the optimistic change is visible to the caller
// immediately. A mutation queued behind an in-flight one on the same
// target applies once the lane reaches it. The backend write is issued on
// the lane; on write failure rollback runs immediately and the failure is
// surfaced through the error handler. The returned id can be used with
// Wait and Lookup.
func (q *MutationQueue) Begin(ctx context.Context, entityType EntityType, targetID string, expectedOp Op,
	apply ApplyFunc, rollback RollbackFunc, write WriteFunc) (string, error) {

	rec := &mutationRecord{
		Mutation: Mutation{
			LocalID:    uuid.NewString(),
			EntityType: entityType,
			TargetID:   targetID,
			ExpectedOp: expectedOp,
			Status:     MutationPending,
		},
		ctx:       ctx,
		apply:     apply,
		rollback:  rollback,
		write:     write,
		resolved:  make(chan struct{}),
		confirmed: make(chan struct{}),
	}

	lk := laneKey{entityType: entityType, targetID: targetID}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", kiterr.E(kiterr.OpMutate, kiterr.Component("mutation"), kiterr.KindInvalid,
			"mutation queue is closed")
	}
	q.records[rec.LocalID] = rec
	l, ok := q.lanes[lk]
	if !ok {
		l = &lane{}
		q.lanes[lk] = l
	}
	l.queue = append(l.queue, rec)
	start := !l.running
	if start {
		l.running = true
		q.wg.Add(1)
	}
	q.mu.Unlock()

	if start {
		rec.apply(q.cache)
		rec.applied = true
		go q.runLane(lk)
	}
	return rec.LocalID, nil
}

// Lookup returns the record for a mutation id.
func (q *MutationQueue) Lookup(localID string) (Mutation, bool) {
	q.mu.Lock()
	rec, ok := q.records[localID]
	q.mu.Unlock()
	if !ok {
		return Mutation{}, false
	}
	return rec.snapshot(), true
}

// Wait blocks until the mutation resolves (confirmed or rolled back) or
// ctx expires, and returns the final record.
func (q *MutationQueue) Wait(ctx context.Context, localID string) (Mutation, error) {
	q.mu.Lock()
	rec, ok := q.records[localID]
	q.mu.Unlock()
	if !ok {
		return Mutation{}, kiterr.E(kiterr.OpMutate, kiterr.Component("mutation"), kiterr.KindInvalid,
			"unknown mutation "+localID)
	}

	select {
	case <-rec.resolved:
		return rec.snapshot(), nil
	case <-ctx.Done():
		return rec.snapshot(), ctx.Err()
	}
}

// NotifyEvent feeds an authoritative change event to the queue. An event
// matching an in-flight mutation's (entityType, targetID) completes that
// mutation's confirmation watch.
func (q *MutationQueue) NotifyEvent(ev ChangeEvent) {
	targetID := ev.TargetID()

	q.mu.Lock()
	var matches []*mutationRecord
	for _, rec := range q.records {
		if rec.EntityType == ev.EntityType && rec.TargetID == targetID {
			matches = append(matches, rec)
		}
	}
	q.mu.Unlock()

	for _, rec := range matches {
		rec.mu.Lock()
		select {
		case <-rec.confirmed:
			// Already seen.
		default:
			close(rec.confirmed)
		}
		rec.mu.Unlock()
	}
}

// Close stops accepting mutations and waits for in-flight lanes to drain.
func (q *MutationQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	close(q.closeCh)
	q.wg.Wait()
	return nil
}

func (q *MutationQueue) runLane(lk laneKey) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		l := q.lanes[lk]
		if len(l.queue) == 0 {
			l.running = false
			delete(q.lanes, lk)
			q.mu.Unlock()
			return
		}
		rec := l.queue[0]
		l.queue = l.queue[1:]
		q.mu.Unlock()

		q.process(rec)
	}
}

func (q *MutationQueue) process(rec *mutationRecord) {
	start := time.Now()

	if !rec.applied {
		rec.apply(q.cache)
	}

	err := rec.write(rec.ctx)
	if err != nil {
		rec.rollback(q.cache)
		rec.setStatus(MutationRolledBack)
		close(rec.resolved)

		q.metrics.RecordMutation(rec.EntityType, "rolled_back", time.Since(start))
		writeErr := kiterr.E(kiterr.OpMutate, kiterr.Component("mutation"),
			kiterr.ErrCodeWriteFailure, err,
			map[string]interface{}{"entity_type": string(rec.EntityType), "target_id": rec.TargetID})
		q.logger.LogError(rec.ctx, writeErr, "write failed, optimistic change rolled back",
			slog.String("mutation_id", rec.LocalID))
		if q.onError != nil {
			q.onError(writeErr)
		}

		// Retain the record for a window so Lookup and Wait can still
		// observe the rolled_back status.
		q.wg.Add(1)
		go q.retire(rec.LocalID)
		return
	}

	// The backend acknowledged the write: the mutation is confirmed and
	// the optimistic entry stays in place until the authoritative change
	// event supersedes it.
	rec.setStatus(MutationConfirmed)
	q.cache.MarkConfirmed(rec.EntityType, rec.TargetID)
	close(rec.resolved)
	q.metrics.RecordMutation(rec.EntityType, "confirmed", time.Since(start))

	q.wg.Add(1)
	go q.watchConfirmation(rec, start)
}

// watchConfirmation waits for the authoritative change event behind an
// acknowledged write. Expiry of the window is logged as soft success and
// the record is dropped; eventual convergence is assumed.
func (q *MutationQueue) watchConfirmation(rec *mutationRecord, start time.Time) {
	defer q.wg.Done()
	defer q.forget(rec.LocalID)

	timer := time.NewTimer(q.timeout)
	defer timer.Stop()

	select {
	case <-rec.confirmed:
		q.logger.Debug("mutation double-confirmed by change event",
			slog.String("mutation_id", rec.LocalID),
			slog.Duration("elapsed", time.Since(start)))
	case <-timer.C:
		q.metrics.RecordMutation(rec.EntityType, "timeout", time.Since(start))
		q.logger.Warn("no change event within confirmation window, assuming convergence",
			slog.String("mutation_id", rec.LocalID),
			slog.String("target_id", rec.TargetID),
			slog.Duration("window", q.timeout))
	case <-q.closeCh:
	}
}

func (q *MutationQueue) retire(localID string) {
	defer q.wg.Done()
	defer q.forget(localID)

	timer := time.NewTimer(q.timeout)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-q.closeCh:
	}
}

func (q *MutationQueue) forget(localID string) {
	q.mu.Lock()
	delete(q.records, localID)
	q.mu.Unlock()
}

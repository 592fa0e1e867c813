package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"opsync/internal/consistency"
	"opsync/internal/events"
	"opsync/internal/executor"
	"opsync/internal/metrics"
	"opsync/internal/models"
	"opsync/internal/newrecord"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var (
	ErrUnknownKind      = errors.New("no executor registered for operation kind")
	ErrAlreadyStarted   = errors.New("queue already started")
	ErrQueueClosed      = errors.New("queue is shut down")
	errInvalidOperation = errors.New("operation id, kind and owner key are required")
)

// Config tunes dispatching.
type Config struct {
	// BatchWindow is how long a non-urgent operation waits so later changes
	// to the same owner can be coalesced with it.
	BatchWindow time.Duration
	// MaxConcurrentOwners bounds how many owners talk to the backend at once.
	MaxConcurrentOwners int64
	MaxBatchSize        int
	Retry               RetryPolicy
}

// Deps are the collaborators of a Queue. Bus, Tracker and Clock are optional.
type Deps struct {
	Store       Store
	Executors   *executor.Registry
	Consistency *consistency.Manager
	Tracker     *newrecord.Tracker
	Bus         *events.EventBus
	Clock       clockwork.Clock
	Logger      *zerolog.Logger
}

// Queue is the operation repository: a durable queue dispatched by one
// goroutine per owner key. Operations of one owner run strictly in enqueue
// order; different owners progress independently.
type Queue struct {
	store       Store
	executors   *executor.Registry
	consistency *consistency.Manager
	tracker     *newrecord.Tracker
	bus         *events.EventBus
	clock       clockwork.Clock
	cfg         Config
	logger      zerolog.Logger
	sem         *semaphore.Weighted

	mu      sync.Mutex
	owners  map[string]*ownerQueue
	lowSeq  int64
	highSeq int64
	// seqSeeded is set once the seq range has been read from the store.
	seqSeeded bool
	runCtx    context.Context
	group     *errgroup.Group
}

type ownerQueue struct {
	key string
	ops []*models.Operation
	// dueAt opens the batching window; retryAt is the backoff deadline.
	dueAt      time.Time
	retryAt    time.Time
	wake       chan struct{}
	running    bool
	generation int
}

func NewQueue(d Deps, cfg Config) *Queue {
	if cfg.MaxConcurrentOwners <= 0 {
		cfg.MaxConcurrentOwners = 4
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 100
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy
	}
	clock := d.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	l := zerolog.Nop()
	if d.Logger != nil {
		l = d.Logger.With().Str("component", "queue").Logger()
	}

	return &Queue{
		store:       d.Store,
		executors:   d.Executors,
		consistency: d.Consistency,
		tracker:     d.Tracker,
		bus:         d.Bus,
		clock:       clock,
		cfg:         cfg,
		logger:      l,
		sem:         semaphore.NewWeighted(cfg.MaxConcurrentOwners),
		owners:      make(map[string]*ownerQueue),
		highSeq:     1,
	}
}

// Enqueue persists op at the tail of its owner's queue. With flush the
// owner is dispatched right away, otherwise after the batching window.
func (q *Queue) Enqueue(ctx context.Context, op *models.Operation, flush bool) error {
	if op == nil || op.ID == "" || op.Kind == "" || op.OwnerKey == "" {
		return errInvalidOperation
	}
	if _, ok := q.executors.Lookup(op.Kind); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, op.Kind)
	}

	q.mu.Lock()
	if q.runCtx != nil && q.runCtx.Err() != nil {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if err := q.seedSeqLocked(ctx); err != nil {
		q.mu.Unlock()
		return err
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = q.clock.Now().UTC()
	}
	op.Seq = q.highSeq
	if err := q.store.Append(ctx, op); err != nil {
		q.mu.Unlock()
		return fmt.Errorf("persist operation: %w", err)
	}
	q.highSeq++

	oq := q.ownerLocked(op.OwnerKey)
	now := q.clock.Now()
	switch {
	case flush:
		oq.dueAt = now
	case len(oq.ops) == 0:
		oq.dueAt = now.Add(q.cfg.BatchWindow)
	}
	oq.ops = append(oq.ops, op)

	q.logger.Debug().Str("op", op.String()).Bool("flush", flush).Msg("enqueued")
	metrics.IncEnqueued(op.Kind)
	q.setPendingLocked()
	q.kickLocked(oq)
	q.mu.Unlock()

	q.publish(events.EventOperationEnqueued, events.OperationEventPayload{
		OperationID: op.ID, Kind: op.Kind, OwnerKey: op.OwnerKey,
	})
	return nil
}

// Start restores persisted operations and launches the dispatchers. It
// returns immediately; dispatching stops when ctx is cancelled.
func (q *Queue) Start(ctx context.Context) error {
	stored, err := q.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.runCtx != nil {
		return ErrAlreadyStarted
	}

	known := make(map[string]struct{})
	for _, oq := range q.owners {
		for _, op := range oq.ops {
			known[op.ID] = struct{}{}
		}
	}

	q.observeSeqLocked(stored)
	q.seqSeeded = true

	now := q.clock.Now()
	restored := 0
	for _, op := range stored {
		if _, ok := known[op.ID]; ok {
			continue
		}
		oq := q.ownerLocked(op.OwnerKey)
		oq.ops = append(oq.ops, op)
		oq.dueAt = now
		if len(oq.ops) == 1 && op.NextAttemptAt != nil {
			oq.retryAt = *op.NextAttemptAt
		}
		restored++
	}
	for _, oq := range q.owners {
		sortBySeq(oq.ops)
	}

	group, gctx := errgroup.WithContext(ctx)
	q.group = group
	q.runCtx = gctx

	for _, oq := range q.owners {
		q.kickLocked(oq)
	}
	q.setPendingLocked()

	q.logger.Info().Int("restored", restored).Int("owners", len(q.owners)).Msg("queue started")
	return nil
}

// seedSeqLocked reads the persisted seq range before the first Enqueue, so
// operations enqueued ahead of Start sort after the ones already stored.
func (q *Queue) seedSeqLocked(ctx context.Context) error {
	if q.seqSeeded {
		return nil
	}
	stored, err := q.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	q.observeSeqLocked(stored)
	q.seqSeeded = true
	return nil
}

func (q *Queue) observeSeqLocked(ops []*models.Operation) {
	for _, op := range ops {
		if op.Seq >= q.highSeq {
			q.highSeq = op.Seq + 1
		}
		if op.Seq <= q.lowSeq {
			q.lowSeq = op.Seq - 1
		}
	}
}

// Wait blocks until every dispatcher has exited after ctx cancellation.
func (q *Queue) Wait() error {
	q.mu.Lock()
	group := q.group
	q.mu.Unlock()
	if group == nil {
		return nil
	}
	return group.Wait()
}

// DiscardOwner drops every pending operation of ownerKey, e.g. on logout.
// An operation already in flight completes but its outcome is ignored.
func (q *Queue) DiscardOwner(ctx context.Context, ownerKey string) (int, error) {
	q.mu.Lock()
	removed, err := q.store.RemoveOwner(ctx, ownerKey)
	if err != nil {
		q.mu.Unlock()
		return 0, fmt.Errorf("discard owner %s: %w", ownerKey, err)
	}

	if oq, ok := q.owners[ownerKey]; ok {
		if len(oq.ops) > removed {
			removed = len(oq.ops)
		}
		oq.ops = nil
		oq.generation++
		oq.retryAt = time.Time{}
		if oq.running {
			signal(oq.wake)
		} else {
			delete(q.owners, ownerKey)
		}
	}

	q.setPendingLocked()
	q.mu.Unlock()

	if removed > 0 {
		metrics.AddDiscarded(removed)
		q.logger.Info().Str("owner", ownerKey).Int("count", removed).Msg("discarded pending operations")
		q.publish(events.EventOperationsDiscarded, events.OperationEventPayload{OwnerKey: ownerKey, Count: removed})
	}
	return removed, nil
}

// Pending returns a copy of the queued operations of ownerKey, head first.
func (q *Queue) Pending(ownerKey string) []*models.Operation {
	q.mu.Lock()
	defer q.mu.Unlock()

	oq, ok := q.owners[ownerKey]
	if !ok {
		return nil
	}
	out := make([]*models.Operation, len(oq.ops))
	for i, op := range oq.ops {
		cp := *op
		out[i] = &cp
	}
	return out
}

// Len returns the number of queued operations across owners.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

// Head returns the durable head of ownerKey's queue.
func (q *Queue) Head(ctx context.Context, ownerKey string) (*models.Operation, error) {
	return q.store.Head(ctx, ownerKey)
}

func (q *Queue) ownerLocked(key string) *ownerQueue {
	oq, ok := q.owners[key]
	if !ok {
		oq = &ownerQueue{key: key, wake: make(chan struct{}, 1)}
		q.owners[key] = oq
	}
	return oq
}

// kickLocked wakes the dispatcher of oq, starting one if needed.
func (q *Queue) kickLocked(oq *ownerQueue) {
	if q.runCtx == nil || q.runCtx.Err() != nil {
		return
	}
	if oq.running {
		signal(oq.wake)
		return
	}
	oq.running = true
	ctx := q.runCtx
	q.group.Go(func() error {
		q.dispatch(ctx, oq)
		return nil
	})
}

func (q *Queue) lenLocked() int {
	n := 0
	for _, oq := range q.owners {
		n += len(oq.ops)
	}
	return n
}

func (q *Queue) setPendingLocked() {
	metrics.SetPending(q.lenLocked())
}

func (q *Queue) publish(eventType string, payload events.OperationEventPayload) {
	if q.bus == nil {
		return
	}
	if err := q.bus.PublishJSON(eventType, payload); err != nil {
		q.logger.Warn().Err(err).Str("event", eventType).Msg("publish event")
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func sortBySeq(ops []*models.Operation) {
	sort.SliceStable(ops, func(i, j int) bool { return ops[i].Seq < ops[j].Seq })
}

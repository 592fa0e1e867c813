package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"opsync/internal/consistency"
	"opsync/internal/events"
	"opsync/internal/executor"
	"opsync/internal/models"
	"opsync/internal/newrecord"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	eventually = 2 * time.Second
	tick       = 5 * time.Millisecond
)

// memStore is a minimal Store for queue tests.
type memStore struct {
	mu        sync.Mutex
	ops       map[string]*models.Operation
	appendErr error
}

func newMemStore() *memStore {
	return &memStore{ops: make(map[string]*models.Operation)}
}

func (s *memStore) Append(_ context.Context, op *models.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	// mirrors the UNIQUE seq column of the SQLite store
	for id, other := range s.ops {
		if id != op.ID && other.Seq == op.Seq {
			return fmt.Errorf("seq %d already taken by %s", op.Seq, id)
		}
	}
	cp := *op
	s.ops[op.ID] = &cp
	return nil
}

func (s *memStore) Head(_ context.Context, owner string) (*models.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var head *models.Operation
	for _, op := range s.ops {
		if op.OwnerKey == owner && (head == nil || op.Seq < head.Seq) {
			head = op
		}
	}
	if head == nil {
		return nil, ErrNotFound
	}
	cp := *head
	return &cp, nil
}

func (s *memStore) Load(_ context.Context) ([]*models.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Operation, 0, len(s.ops))
	for _, op := range s.ops {
		cp := *op
		out = append(out, &cp)
	}
	sortBySeq(out)
	return out, nil
}

func (s *memStore) Update(_ context.Context, op *models.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ops[op.ID]; !ok {
		return ErrNotFound
	}
	cp := *op
	s.ops[op.ID] = &cp
	return nil
}

func (s *memStore) Remove(_ context.Context, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.ops, id)
	}
	return nil
}

func (s *memStore) RemoveOwner(_ context.Context, owner string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, op := range s.ops {
		if op.OwnerKey == owner {
			delete(s.ops, id)
			n++
		}
	}
	return n, nil
}

func (s *memStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ops)
}

// fakeExecutor records every batch and answers with respond.
type fakeExecutor struct {
	kinds   []string
	group   func(op *models.Operation) string
	respond func(call int, ops []*models.Operation) models.Outcome

	mu    sync.Mutex
	calls [][]string
}

func (e *fakeExecutor) Kinds() []string { return e.kinds }

func (e *fakeExecutor) GroupKey(op *models.Operation) string {
	if e.group == nil {
		return ""
	}
	return e.group(op)
}

func (e *fakeExecutor) Execute(_ context.Context, ops []*models.Operation) models.Outcome {
	ids := make([]string, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
	}
	e.mu.Lock()
	e.calls = append(e.calls, ids)
	call := len(e.calls)
	e.mu.Unlock()

	if e.respond == nil {
		return models.Success(nil)
	}
	return e.respond(call, ops)
}

func (e *fakeExecutor) batches() [][]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]string(nil), e.calls...)
}

func (e *fakeExecutor) executed() []string {
	var ids []string
	for _, b := range e.batches() {
		ids = append(ids, b...)
	}
	return ids
}

func (e *fakeExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

type harness struct {
	queue   *Queue
	store   *memStore
	clock   *clockwork.FakeClock
	manager *consistency.Manager
	tracker *newrecord.Tracker
	bus     *events.EventBus
	ctx     context.Context
}

func newHarness(t *testing.T, cfg Config, execs ...executor.Executor) *harness {
	t.Helper()
	reg, err := executor.NewRegistry(execs...)
	require.NoError(t, err)

	clock := clockwork.NewFakeClock()
	h := &harness{
		store:   newMemStore(),
		clock:   clock,
		manager: consistency.NewManager(nil),
		tracker: newrecord.NewTracker(clock, 5*time.Second, time.Minute),
		bus:     events.NewEventBus(),
	}
	h.queue = NewQueue(Deps{
		Store:       h.store,
		Executors:   reg,
		Consistency: h.manager,
		Tracker:     h.tracker,
		Bus:         h.bus,
		Clock:       clock,
	}, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	h.ctx = ctx
	t.Cleanup(func() {
		cancel()
		_ = h.queue.Wait()
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.queue.Start(h.ctx))
}

// waitForTimers blocks until n dispatchers sleep on the fake clock.
func (h *harness) waitForTimers(t *testing.T, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(h.ctx, eventually)
	defer cancel()
	require.NoError(t, h.clock.BlockUntilContext(ctx, n))
}

func newOp(t *testing.T, kind, owner string) *models.Operation {
	t.Helper()
	op, err := models.NewOperation(kind, owner, models.PropertyPayload{Key: "k", Value: "v"})
	require.NoError(t, err)
	return op
}

func TestQueuePreservesOrderPerOwner(t *testing.T) {
	exec := &fakeExecutor{kinds: []string{models.KindUpdateProperty}}
	h := newHarness(t, Config{}, exec)
	h.start(t)

	owners := []string{"u1", "u2", "u3"}
	want := make(map[string][]*models.Operation)
	for _, owner := range owners {
		for i := 0; i < 20; i++ {
			want[owner] = append(want[owner], newOp(t, models.KindUpdateProperty, owner))
		}
	}

	var wg sync.WaitGroup
	for _, owner := range owners {
		wg.Add(1)
		go func(ops []*models.Operation) {
			defer wg.Done()
			for _, op := range ops {
				assert.NoError(t, h.queue.Enqueue(h.ctx, op, true))
			}
		}(want[owner])
	}
	wg.Wait()

	require.Eventually(t, func() bool { return len(exec.executed()) == 60 }, eventually, tick)
	assert.Zero(t, h.store.len())
	assert.Zero(t, h.queue.Len())

	pos := make(map[string]int)
	for i, id := range exec.executed() {
		pos[id] = i
	}
	for _, owner := range owners {
		ops := want[owner]
		for i := 1; i < len(ops); i++ {
			assert.Less(t, pos[ops[i-1].ID], pos[ops[i].ID], "owner %s out of order at %d", owner, i)
		}
	}
}

func TestQueuePreservesOrderForConcurrentCallersOfOneOwner(t *testing.T) {
	exec := &fakeExecutor{kinds: []string{models.KindUpdateProperty}}
	h := newHarness(t, Config{}, exec)
	h.start(t)

	var ops [2][]*models.Operation
	for c := range ops {
		for i := 0; i < 20; i++ {
			ops[c] = append(ops[c], newOp(t, models.KindUpdateProperty, "u1"))
		}
	}

	var wg sync.WaitGroup
	for c := range ops {
		wg.Add(1)
		go func(batch []*models.Operation) {
			defer wg.Done()
			for _, op := range batch {
				assert.NoError(t, h.queue.Enqueue(h.ctx, op, true))
			}
		}(ops[c])
	}
	wg.Wait()

	require.Eventually(t, func() bool { return len(exec.executed()) == 40 }, eventually, tick)

	seqs := make(map[string]int64)
	for _, batch := range ops {
		for _, op := range batch {
			seqs[op.ID] = op.Seq
		}
	}
	executed := exec.executed()
	for i := 1; i < len(executed); i++ {
		assert.Less(t, seqs[executed[i-1]], seqs[executed[i]], "dispatch diverged from enqueue order at %d", i)
	}
}

func TestQueueRecordsOffsetsAndResolvesWaits(t *testing.T) {
	props := &fakeExecutor{
		kinds: []string{models.KindUpdateProperty},
		respond: func(int, []*models.Operation) models.Outcome {
			return models.SuccessWithToken(consistency.UserUpdate, consistency.TokenOf(10))
		},
	}
	subs := &fakeExecutor{
		kinds: []string{models.KindUpdateSubscription},
		respond: func(int, []*models.Operation) models.Outcome {
			return models.SuccessWithToken(consistency.SubscriptionUpdate, consistency.TokenOf(12))
		},
	}
	h := newHarness(t, Config{}, props, subs)

	var applied atomic.Int32
	h.bus.Subscribe(events.EventOperationApplied, func(*events.Event) error {
		applied.Add(1)
		return nil
	})

	wait := h.manager.RegisterCondition(consistency.NewReadyCondition("u1"))
	h.start(t)

	require.NoError(t, h.queue.Enqueue(h.ctx, newOp(t, models.KindUpdateProperty, "u1"), true))
	require.NoError(t, h.queue.Enqueue(h.ctx, newOp(t, models.KindUpdateSubscription, "u1").ForRecord("sub-1"), true))

	ctx, cancel := context.WithTimeout(h.ctx, eventually)
	defer cancel()
	token, err := wait.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, consistency.TokenOf(12), token)

	offsets := h.manager.Offsets("u1")
	assert.Equal(t, consistency.TokenOf(10), offsets.Get(consistency.UserUpdate))
	assert.Equal(t, consistency.TokenOf(12), offsets.Get(consistency.SubscriptionUpdate))
	assert.Eventually(t, func() bool { return applied.Load() == 2 }, eventually, tick)
}

func TestQueueRetryHonoursRetryAfter(t *testing.T) {
	exec := &fakeExecutor{
		kinds: []string{models.KindUpdateProperty},
		respond: func(call int, _ []*models.Operation) models.Outcome {
			if call == 1 {
				return models.Retry(models.RetryServerFailure, 5*time.Second, errors.New("503"))
			}
			return models.Success(nil)
		},
	}
	h := newHarness(t, Config{}, exec)

	var retries atomic.Int32
	h.bus.Subscribe(events.EventOperationRetry, func(e *events.Event) error {
		var p events.OperationEventPayload
		if err := e.Decode(&p); err == nil && p.RetryAfterMs == 5000 {
			retries.Add(1)
		}
		return nil
	})
	h.start(t)

	op := newOp(t, models.KindUpdateProperty, "u1")
	require.NoError(t, h.queue.Enqueue(h.ctx, op, true))

	require.Eventually(t, func() bool { return exec.callCount() == 1 }, eventually, tick)
	h.waitForTimers(t, 1)

	// retry state is persisted with the operation
	head, err := h.queue.Head(h.ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, head.Attempt)
	assert.Equal(t, "503", head.LastError)
	require.NotNil(t, head.NextAttemptAt)
	assert.True(t, h.clock.Now().Add(5*time.Second).Equal(*head.NextAttemptAt))
	assert.Equal(t, int32(1), retries.Load())

	h.clock.Advance(4 * time.Second)
	assert.Never(t, func() bool { return exec.callCount() > 1 }, 50*time.Millisecond, tick)

	h.clock.Advance(time.Second)
	require.Eventually(t, func() bool { return exec.callCount() == 2 }, eventually, tick)
	require.Eventually(t, func() bool { return h.store.len() == 0 }, eventually, tick)
	assert.Equal(t, []string{op.ID, op.ID}, exec.executed())
}

func TestQueueRetryBacksOffExponentially(t *testing.T) {
	exec := &fakeExecutor{
		kinds: []string{models.KindTrackEvent},
		respond: func(call int, _ []*models.Operation) models.Outcome {
			if call <= 2 {
				return models.Retry(models.RetryNoConnection, 0, errors.New("offline"))
			}
			return models.Success(nil)
		},
	}
	h := newHarness(t, Config{Retry: RetryPolicy{InitialDelay: time.Second, MaxDelay: time.Minute, BackoffFactor: 2}}, exec)
	h.start(t)

	require.NoError(t, h.queue.Enqueue(h.ctx, newOp(t, models.KindTrackEvent, "u1"), true))
	require.Eventually(t, func() bool { return exec.callCount() == 1 }, eventually, tick)

	h.waitForTimers(t, 1)
	h.clock.Advance(time.Second)
	require.Eventually(t, func() bool { return exec.callCount() == 2 }, eventually, tick)

	// second retry waits twice as long
	h.waitForTimers(t, 1)
	h.clock.Advance(time.Second)
	assert.Never(t, func() bool { return exec.callCount() > 2 }, 50*time.Millisecond, tick)
	h.clock.Advance(time.Second)
	require.Eventually(t, func() bool { return exec.callCount() == 3 }, eventually, tick)
}

func TestQueueCoalescesWithinBatchWindow(t *testing.T) {
	exec := &fakeExecutor{
		kinds: []string{models.KindUpdateProperty, models.KindDeleteProperty},
		group: func(op *models.Operation) string {
			if op.Kind == models.KindDeleteProperty {
				return "other"
			}
			return "user-update"
		},
	}
	h := newHarness(t, Config{BatchWindow: 5 * time.Second, MaxBatchSize: 2}, exec)

	a := newOp(t, models.KindUpdateProperty, "u1")
	b := newOp(t, models.KindUpdateProperty, "u1")
	c := newOp(t, models.KindUpdateProperty, "u1")
	d := newOp(t, models.KindDeleteProperty, "u1")
	e := newOp(t, models.KindUpdateProperty, "u1")
	for _, op := range []*models.Operation{a, b, c, d, e} {
		require.NoError(t, h.queue.Enqueue(h.ctx, op, false))
	}
	h.start(t)

	h.waitForTimers(t, 1)
	assert.Zero(t, exec.callCount())

	h.clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool { return len(exec.executed()) == 5 }, eventually, tick)
	assert.Equal(t, [][]string{{a.ID, b.ID}, {c.ID}, {d.ID}, {e.ID}}, exec.batches())
}

func TestQueueFlushSkipsBatchWindow(t *testing.T) {
	exec := &fakeExecutor{kinds: []string{models.KindTrackEvent}}
	h := newHarness(t, Config{BatchWindow: time.Hour}, exec)
	h.start(t)

	require.NoError(t, h.queue.Enqueue(h.ctx, newOp(t, models.KindTrackEvent, "u1"), false))
	h.waitForTimers(t, 1)
	assert.Zero(t, exec.callCount())

	require.NoError(t, h.queue.Enqueue(h.ctx, newOp(t, models.KindTrackEvent, "u1"), true))
	require.Eventually(t, func() bool { return len(exec.executed()) == 2 }, eventually, tick)
}

func TestQueueDefersNewlyCreatedRecords(t *testing.T) {
	exec := &fakeExecutor{kinds: []string{models.KindUpdateSubscription}}
	h := newHarness(t, Config{}, exec)
	h.tracker.Add("sub-1")
	h.start(t)

	require.NoError(t, h.queue.Enqueue(h.ctx, newOp(t, models.KindUpdateSubscription, "u1").ForRecord("sub-1"), true))
	h.waitForTimers(t, 1)

	h.clock.Advance(5 * time.Second)
	assert.Never(t, func() bool { return exec.callCount() > 0 }, 50*time.Millisecond, tick)

	h.clock.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return exec.callCount() == 1 }, eventually, tick)
}

func TestQueueDefersSubscriptionCreateForNewUser(t *testing.T) {
	exec := &fakeExecutor{kinds: []string{models.KindCreateSubscription}}
	h := newHarness(t, Config{}, exec)
	h.tracker.Add("u1")
	h.start(t)

	op, err := models.NewOperation(models.KindCreateSubscription, "u1", models.SubscriptionPayload{SubscriptionID: "sub-1"})
	require.NoError(t, err)
	require.NoError(t, h.queue.Enqueue(h.ctx, op.ForRecord("sub-1"), true))
	h.waitForTimers(t, 1)

	h.clock.Advance(5 * time.Second)
	assert.Never(t, func() bool { return exec.callCount() > 0 }, 50*time.Millisecond, tick)

	h.clock.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return exec.callCount() == 1 }, eventually, tick)
}

func TestQueueDiscardOwner(t *testing.T) {
	exec := &fakeExecutor{kinds: []string{models.KindUpdateProperty}}
	h := newHarness(t, Config{BatchWindow: 5 * time.Second}, exec)

	var discarded atomic.Int32
	h.bus.Subscribe(events.EventOperationsDiscarded, func(e *events.Event) error {
		var p events.OperationEventPayload
		if err := e.Decode(&p); err == nil {
			discarded.Store(int32(p.Count))
		}
		return nil
	})
	h.start(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, h.queue.Enqueue(h.ctx, newOp(t, models.KindUpdateProperty, "u1"), false))
	}
	keep := newOp(t, models.KindUpdateProperty, "u2")
	require.NoError(t, h.queue.Enqueue(h.ctx, keep, false))
	h.waitForTimers(t, 2)

	n, err := h.queue.DiscardOwner(h.ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, int32(3), discarded.Load())
	assert.Empty(t, h.queue.Pending("u1"))
	assert.Equal(t, 1, h.queue.Len())

	// only the dispatcher of u2 is still sleeping
	h.waitForTimers(t, 1)
	h.clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool { return exec.callCount() == 1 }, eventually, tick)
	assert.Equal(t, []string{keep.ID}, exec.executed())

	n, err = h.queue.DiscardOwner(h.ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQueueDiscardIgnoresInFlightOutcome(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	exec := &fakeExecutor{
		kinds: []string{models.KindUpdateProperty},
		respond: func(int, []*models.Operation) models.Outcome {
			close(started)
			<-release
			return models.SuccessWithToken(consistency.UserUpdate, consistency.TokenOf(7))
		},
	}
	h := newHarness(t, Config{}, exec)
	h.start(t)

	require.NoError(t, h.queue.Enqueue(h.ctx, newOp(t, models.KindUpdateProperty, "u1"), true))
	<-started

	_, err := h.queue.DiscardOwner(h.ctx, "u1")
	require.NoError(t, err)
	close(release)

	assert.Never(t, func() bool {
		return h.manager.Offsets("u1").Get(consistency.UserUpdate).Valid()
	}, 50*time.Millisecond, tick)
	assert.Zero(t, h.queue.Len())
}

func TestQueueFollowupsRunBeforeRemainingOperations(t *testing.T) {
	var createUser, createSub *models.Operation
	writes := &fakeExecutor{
		kinds: []string{models.KindUpdateProperty},
		respond: func(call int, _ []*models.Operation) models.Outcome {
			if call == 1 {
				return models.Fail(models.FailOperationSpecific, errors.New("404")).WithFollowups(createUser, createSub)
			}
			return models.Success(nil)
		},
	}
	creates := &fakeExecutor{kinds: []string{models.KindCreateUser, models.KindCreateSubscription}}
	h := newHarness(t, Config{BatchWindow: time.Second}, writes, creates)

	var failed atomic.Int32
	h.bus.Subscribe(events.EventOperationFailed, func(*events.Event) error {
		failed.Add(1)
		return nil
	})

	createUser = newOp(t, models.KindCreateUser, "u1")
	createSub = newOp(t, models.KindCreateSubscription, "u1").ForRecord("sub-1")
	first := newOp(t, models.KindUpdateProperty, "u1")
	second := newOp(t, models.KindUpdateProperty, "u1")
	require.NoError(t, h.queue.Enqueue(h.ctx, first, false))
	require.NoError(t, h.queue.Enqueue(h.ctx, second, false))
	h.start(t)

	h.waitForTimers(t, 1)
	h.clock.Advance(time.Second)

	require.Eventually(t, func() bool { return writes.callCount() == 2 }, eventually, tick)
	assert.Equal(t, []string{first.ID, second.ID}, writes.executed())
	assert.Equal(t, []string{createUser.ID, createSub.ID}, creates.executed())
	assert.Less(t, createUser.Seq, createSub.Seq)
	assert.Less(t, createSub.Seq, second.Seq)
	assert.Equal(t, int32(1), failed.Load())
}

func TestQueueRestoresPersistedOperations(t *testing.T) {
	exec := &fakeExecutor{kinds: []string{models.KindUpdateProperty}}
	h := newHarness(t, Config{}, exec)

	retryAt := h.clock.Now().Add(10 * time.Second)
	stored := newOp(t, models.KindUpdateProperty, "u1")
	stored.Seq = 5
	stored.Attempt = 3
	stored.NextAttemptAt = &retryAt
	require.NoError(t, h.store.Append(h.ctx, stored))

	h.start(t)
	assert.Len(t, h.queue.Pending("u1"), 1)
	h.waitForTimers(t, 1)

	fresh := newOp(t, models.KindUpdateProperty, "u2")
	require.NoError(t, h.queue.Enqueue(h.ctx, fresh, true))
	assert.Equal(t, int64(6), fresh.Seq)
	require.Eventually(t, func() bool { return exec.callCount() == 1 }, eventually, tick)
	assert.Equal(t, []string{fresh.ID}, exec.executed())

	h.clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool { return exec.callCount() == 2 }, eventually, tick)
	assert.Equal(t, stored.ID, exec.executed()[1])
}

func TestQueueEnqueueBeforeStartContinuesPersistedSeq(t *testing.T) {
	exec := &fakeExecutor{kinds: []string{models.KindUpdateProperty}}
	h := newHarness(t, Config{}, exec)

	first := newOp(t, models.KindUpdateProperty, "u1")
	first.Seq = 1
	second := newOp(t, models.KindUpdateProperty, "u1")
	second.Seq = 7
	require.NoError(t, h.store.Append(h.ctx, first))
	require.NoError(t, h.store.Append(h.ctx, second))

	early := newOp(t, models.KindUpdateProperty, "u1")
	require.NoError(t, h.queue.Enqueue(h.ctx, early, true))
	assert.Equal(t, int64(8), early.Seq)

	h.start(t)
	require.Eventually(t, func() bool { return exec.callCount() == 3 }, eventually, tick)
	assert.Equal(t, []string{first.ID, second.ID, early.ID}, exec.executed())
	assert.Zero(t, h.store.len())
}

func TestQueueStampsCreatedAtFromClock(t *testing.T) {
	exec := &fakeExecutor{kinds: []string{models.KindUpdateProperty}}
	h := newHarness(t, Config{BatchWindow: time.Minute}, exec)
	h.start(t)

	op := newOp(t, models.KindUpdateProperty, "u1")
	require.True(t, op.CreatedAt.IsZero())
	require.NoError(t, h.queue.Enqueue(h.ctx, op, false))
	assert.True(t, op.CreatedAt.Equal(h.clock.Now()))

	pending := h.queue.Pending("u1")
	require.Len(t, pending, 1)
	assert.True(t, pending[0].CreatedAt.Equal(h.clock.Now()))
}

func TestQueueEnqueueValidation(t *testing.T) {
	exec := &fakeExecutor{kinds: []string{models.KindUpdateProperty}}
	h := newHarness(t, Config{}, exec)

	err := h.queue.Enqueue(h.ctx, newOp(t, models.KindTrackEvent, "u1"), true)
	assert.ErrorIs(t, err, ErrUnknownKind)

	assert.Error(t, h.queue.Enqueue(h.ctx, nil, true))
	assert.Error(t, h.queue.Enqueue(h.ctx, &models.Operation{Kind: models.KindUpdateProperty}, true))

	h.store.appendErr = fmt.Errorf("disk full")
	assert.Error(t, h.queue.Enqueue(h.ctx, newOp(t, models.KindUpdateProperty, "u1"), true))
	assert.Zero(t, h.queue.Len())
}

func TestQueueStartTwice(t *testing.T) {
	h := newHarness(t, Config{}, &fakeExecutor{kinds: []string{models.KindTrackEvent}})
	h.start(t)
	assert.ErrorIs(t, h.queue.Start(h.ctx), ErrAlreadyStarted)
}

func TestQueueRejectsEnqueueAfterShutdown(t *testing.T) {
	h := newHarness(t, Config{}, &fakeExecutor{kinds: []string{models.KindTrackEvent}})
	ctx, cancel := context.WithCancel(h.ctx)
	require.NoError(t, h.queue.Start(ctx))
	cancel()
	require.NoError(t, h.queue.Wait())

	err := h.queue.Enqueue(h.ctx, newOp(t, models.KindTrackEvent, "u1"), true)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

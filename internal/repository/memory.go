package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"opsync/internal/models"
	"opsync/internal/worker"
)

// MemoryOperationStore keeps operations in process memory. It is used when no
// durable store is configured and as a stand-in for one in tests.
type MemoryOperationStore struct {
	mu  sync.RWMutex
	ops map[string]*models.Operation
}

var _ worker.Store = (*MemoryOperationStore)(nil)

func NewMemoryOperationStore() *MemoryOperationStore {
	return &MemoryOperationStore{ops: make(map[string]*models.Operation)}
}

func (r *MemoryOperationStore) Append(_ context.Context, op *models.Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ops[op.ID]; ok {
		return fmt.Errorf("operation %s already stored", op.ID)
	}
	r.ops[op.ID] = cloneOperation(op)
	return nil
}

func (r *MemoryOperationStore) Head(_ context.Context, ownerKey string) (*models.Operation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var head *models.Operation
	for _, op := range r.ops {
		if op.OwnerKey != ownerKey {
			continue
		}
		if head == nil || op.Seq < head.Seq {
			head = op
		}
	}
	if head == nil {
		return nil, worker.ErrNotFound
	}
	return cloneOperation(head), nil
}

func (r *MemoryOperationStore) Load(_ context.Context) ([]*models.Operation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ops := make([]*models.Operation, 0, len(r.ops))
	for _, op := range r.ops {
		ops = append(ops, cloneOperation(op))
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].Seq < ops[j].Seq })
	return ops, nil
}

func (r *MemoryOperationStore) Update(_ context.Context, op *models.Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.ops[op.ID]
	if !ok {
		return worker.ErrNotFound
	}
	stored.Attempt = op.Attempt
	stored.LastError = op.LastError
	stored.NextAttemptAt = cloneTime(op)
	return nil
}

func (r *MemoryOperationStore) Remove(_ context.Context, ids ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		delete(r.ops, id)
	}
	return nil
}

func (r *MemoryOperationStore) RemoveOwner(_ context.Context, ownerKey string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, op := range r.ops {
		if op.OwnerKey == ownerKey {
			delete(r.ops, id)
			n++
		}
	}
	return n, nil
}

func cloneOperation(op *models.Operation) *models.Operation {
	c := *op
	if op.Payload != nil {
		c.Payload = append([]byte(nil), op.Payload...)
	}
	c.NextAttemptAt = cloneTime(op)
	return &c
}

func cloneTime(op *models.Operation) *time.Time {
	if op.NextAttemptAt == nil {
		return nil
	}
	t := *op.NextAttemptAt
	return &t
}

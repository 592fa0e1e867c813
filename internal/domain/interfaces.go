package domain

import (
	"context"

	"opsync/internal/consistency"
	"opsync/internal/models"
)

// OperationQueue is what the service and API layers need from the queue.
type OperationQueue interface {
	Enqueue(ctx context.Context, op *models.Operation, flush bool) error
	DiscardOwner(ctx context.Context, ownerKey string) (int, error)
	Pending(ownerKey string) []*models.Operation
	Len() int
}

// ConsistencyWaiter registers read-your-write conditions.
type ConsistencyWaiter interface {
	RegisterCondition(cond consistency.Condition) *consistency.Wait
	ResolveConditionsWithID(id string) int
	Forget(ownerKey string)
}

// RebuildPlanner produces the operations that recreate an owner.
type RebuildPlanner interface {
	GetRebuildOperationsIfCurrentUser(ownerKey string) []*models.Operation
}

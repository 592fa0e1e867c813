package worker

import (
	"context"
	"errors"

	"opsync/internal/models"
)

// ErrNotFound is returned by Store.Head when an owner has nothing queued.
var ErrNotFound = errors.New("operation not found")

// Store is the durable backing of the queue. It must survive process
// restarts and return operations in Seq order.
type Store interface {
	// Append persists op; op.Seq is assigned by the queue.
	Append(ctx context.Context, op *models.Operation) error
	// Head returns the lowest-Seq operation of ownerKey.
	Head(ctx context.Context, ownerKey string) (*models.Operation, error)
	// Load returns every stored operation ordered by Seq.
	Load(ctx context.Context) ([]*models.Operation, error)
	// Update persists the retry bookkeeping of op.
	Update(ctx context.Context, op *models.Operation) error
	Remove(ctx context.Context, ids ...string) error
	// RemoveOwner deletes every operation of ownerKey and returns how many.
	RemoveOwner(ctx context.Context, ownerKey string) (int, error)
}

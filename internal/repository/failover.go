package repository

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"opsync/internal/models"
	"opsync/internal/worker"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const defaultRecoveryInterval = time.Minute

// FailoverOperationStore appends to primary while it is healthy and to
// fallback while it is not. Reads merge both, so operations written during
// an outage are still dispatched once the primary is back.
type FailoverOperationStore struct {
	primary  worker.Store
	fallback worker.Store
	clock    clockwork.Clock
	logger   *zerolog.Logger

	isDown    atomic.Bool
	mu        sync.Mutex
	lastCheck time.Time
	recovery  time.Duration
}

var _ worker.Store = (*FailoverOperationStore)(nil)

func NewFailoverOperationStore(primary, fallback worker.Store, clock clockwork.Clock, logger *zerolog.Logger) *FailoverOperationStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		l := zerolog.Nop()
		logger = &l
	}
	return &FailoverOperationStore{
		primary:  primary,
		fallback: fallback,
		clock:    clock,
		logger:   logger,
		recovery: defaultRecoveryInterval,
	}
}

// usePrimary reports whether the primary should be tried. After an outage it
// is retried once per recovery interval.
func (r *FailoverOperationStore) usePrimary() bool {
	if !r.isDown.Load() {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.clock.Since(r.lastCheck) > r.recovery {
		r.lastCheck = r.clock.Now()
		return true
	}
	return false
}

func (r *FailoverOperationStore) markDown(err error) {
	if !r.isDown.Swap(true) {
		r.logger.Error().Err(err).Msg("Primary operation store failed, falling back")
	}
	r.mu.Lock()
	r.lastCheck = r.clock.Now()
	r.mu.Unlock()
}

func (r *FailoverOperationStore) markUp() {
	if r.isDown.Swap(false) {
		r.logger.Info().Msg("Primary operation store recovered")
	}
}

// Append writes to the primary, or to the fallback while the primary is down.
// An op lives in one store only; reads merge both and removals go to both.
func (r *FailoverOperationStore) Append(ctx context.Context, op *models.Operation) error {
	if r.usePrimary() {
		err := r.primary.Append(ctx, op)
		if err == nil {
			r.markUp()
			return nil
		}
		r.markDown(err)
	}
	return r.fallback.Append(ctx, op)
}

func (r *FailoverOperationStore) Head(ctx context.Context, ownerKey string) (*models.Operation, error) {
	var heads []*models.Operation
	var errs []error
	for _, s := range r.stores() {
		op, err := s.Head(ctx, ownerKey)
		switch {
		case err == nil:
			heads = append(heads, op)
		case errors.Is(err, worker.ErrNotFound):
		default:
			errs = append(errs, err)
		}
	}
	if len(heads) == 0 {
		if len(errs) > 0 {
			return nil, errors.Join(errs...)
		}
		return nil, worker.ErrNotFound
	}
	sort.Slice(heads, func(i, j int) bool { return heads[i].Seq < heads[j].Seq })
	return heads[0], nil
}

func (r *FailoverOperationStore) Load(ctx context.Context) ([]*models.Operation, error) {
	byID := make(map[string]*models.Operation)
	loaded := 0
	var errs []error
	for _, s := range r.stores() {
		ops, err := s.Load(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		loaded++
		for _, op := range ops {
			if _, ok := byID[op.ID]; !ok {
				byID[op.ID] = op
			}
		}
	}
	if loaded == 0 {
		return nil, errors.Join(errs...)
	}
	for _, err := range errs {
		r.logger.Warn().Err(err).Msg("Partial operation load")
	}

	ops := make([]*models.Operation, 0, len(byID))
	for _, op := range byID {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].Seq < ops[j].Seq })
	return ops, nil
}

func (r *FailoverOperationStore) Update(ctx context.Context, op *models.Operation) error {
	updated := false
	var errs []error
	for _, s := range r.stores() {
		err := s.Update(ctx, op)
		switch {
		case err == nil:
			updated = true
		case errors.Is(err, worker.ErrNotFound):
		default:
			errs = append(errs, err)
		}
	}
	if updated {
		return nil
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return worker.ErrNotFound
}

// Remove deletes ids from both stores since either may hold them.
func (r *FailoverOperationStore) Remove(ctx context.Context, ids ...string) error {
	var errs []error
	for _, s := range r.stores() {
		if err := s.Remove(ctx, ids...); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(r.stores()) {
		return errors.Join(errs...)
	}
	return nil
}

func (r *FailoverOperationStore) RemoveOwner(ctx context.Context, ownerKey string) (int, error) {
	total := 0
	var errs []error
	for _, s := range r.stores() {
		n, err := s.RemoveOwner(ctx, ownerKey)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		total += n
	}
	if len(errs) == len(r.stores()) {
		return 0, errors.Join(errs...)
	}
	return total, nil
}

func (r *FailoverOperationStore) stores() []worker.Store {
	return []worker.Store{r.primary, r.fallback}
}

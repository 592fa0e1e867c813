package consistency

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// ErrWaitCancelled is returned by Wait.Await after the wait was cancelled.
var ErrWaitCancelled = errors.New("consistency: wait cancelled")

// Wait is a registered condition. It resolves at most once.
type Wait struct {
	cond      Condition
	done      chan struct{}
	token     Token
	cancelled bool
	m         *Manager
}

// Done is closed once the wait is resolved or cancelled.
func (w *Wait) Done() <-chan struct{} {
	return w.done
}

// Token returns the resolved token. It is only meaningful after Done is closed.
func (w *Wait) Token() Token {
	w.m.mu.Lock()
	defer w.m.mu.Unlock()
	return w.token
}

// Await blocks until the condition is met or ctx ends. On ctx end the wait is
// cancelled, so abandoning it leaves nothing behind in the manager.
func (w *Wait) Await(ctx context.Context) (Token, error) {
	select {
	case <-w.done:
	case <-ctx.Done():
		// a resolution may have won the race; Cancel is then a no-op
		w.Cancel()
	}

	w.m.mu.Lock()
	defer w.m.mu.Unlock()
	if w.cancelled {
		if err := ctx.Err(); err != nil {
			return NoToken, err
		}
		return NoToken, ErrWaitCancelled
	}
	return w.token, nil
}

// Cancel abandons the wait. Cancelling a resolved wait has no effect.
func (w *Wait) Cancel() {
	w.m.mu.Lock()
	defer w.m.mu.Unlock()

	if w.isClosed() {
		return
	}
	w.m.removeLocked(w)
	w.cancelled = true
	close(w.done)
}

func (w *Wait) isClosed() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// Manager lets callers wait until the offsets written by this process satisfy
// a condition before issuing a dependent read. SetOffset and the evaluation
// of pending waits happen under one lock, so a wait never resolves from a
// snapshot older than the latest completed SetOffset.
type Manager struct {
	mu      sync.Mutex
	table   *OffsetTable
	pending map[string][]*Wait
	logger  zerolog.Logger
}

func NewManager(logger *zerolog.Logger) *Manager {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "consistency").Logger()
	}
	return &Manager{
		table:   NewOffsetTable(),
		pending: make(map[string][]*Wait),
		logger:  l,
	}
}

// Offsets returns the current offsets of ownerKey.
func (m *Manager) Offsets(ownerKey string) Offsets {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table.Get(ownerKey)
}

// SetOffset records token and resolves every pending wait of ownerKey whose
// condition now holds. It returns the number of waits resolved.
func (m *Manager) SetOffset(ownerKey string, kind WriteKind, token Token) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.table.SetOffset(ownerKey, kind, token) {
		return 0
	}

	waits := m.pending[ownerKey]
	if len(waits) == 0 {
		return 0
	}

	offsets := m.table.Get(ownerKey)
	remaining := waits[:0]
	resolved := 0
	for _, w := range waits {
		if w.cond.IsMet(offsets) {
			m.resolveLocked(w, w.cond.NewestOffset(offsets))
			resolved++
			continue
		}
		remaining = append(remaining, w)
	}
	m.storeLocked(ownerKey, remaining)

	m.logger.Debug().
		Str("owner", ownerKey).
		Str("kind", kind.String()).
		Str("token", token.String()).
		Int("resolved", resolved).
		Msg("offset recorded")
	return resolved
}

// RegisterCondition evaluates cond immediately. A met condition yields an
// already resolved wait; otherwise the wait stays pending until a later
// SetOffset satisfies it or the caller cancels it. There is no timeout here.
func (m *Manager) RegisterCondition(cond Condition) *Wait {
	w := &Wait{cond: cond, done: make(chan struct{}), m: m}

	m.mu.Lock()
	defer m.mu.Unlock()

	offsets := m.table.Get(cond.OwnerKey())
	if cond.IsMet(offsets) {
		m.resolveLocked(w, cond.NewestOffset(offsets))
		return w
	}

	m.pending[cond.OwnerKey()] = append(m.pending[cond.OwnerKey()], w)
	return w
}

// ResolveConditionsWithID resolves every pending wait whose condition has the
// given id with whatever offset is currently known, possibly NoToken. It is
// used when the caller knows no write is outstanding.
func (m *Manager) ResolveConditionsWithID(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	resolved := 0
	for owner, waits := range m.pending {
		offsets := m.table.Get(owner)
		remaining := waits[:0]
		for _, w := range waits {
			if w.cond.ID() == id {
				m.resolveLocked(w, w.cond.NewestOffset(offsets))
				resolved++
				continue
			}
			remaining = append(remaining, w)
		}
		m.storeLocked(owner, remaining)
	}
	return resolved
}

// Forget drops the offsets of ownerKey. Pending waits are left untouched.
func (m *Manager) Forget(ownerKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table.Forget(ownerKey)
}

// PendingCount returns the number of unresolved waits for ownerKey.
func (m *Manager) PendingCount(ownerKey string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending[ownerKey])
}

func (m *Manager) resolveLocked(w *Wait, token Token) {
	w.token = token
	close(w.done)
}

func (m *Manager) removeLocked(target *Wait) {
	owner := target.cond.OwnerKey()
	waits := m.pending[owner]
	for i, w := range waits {
		if w == target {
			waits = append(waits[:i], waits[i+1:]...)
			break
		}
	}
	m.storeLocked(owner, waits)
}

func (m *Manager) storeLocked(owner string, waits []*Wait) {
	if len(waits) == 0 {
		delete(m.pending, owner)
		return
	}
	m.pending[owner] = waits
}

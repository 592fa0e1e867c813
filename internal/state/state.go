// Package state holds the active local user.
package state

import (
	"errors"
	"sync"

	"opsync/internal/models"
)

// ErrNoCurrentUser is returned when an update needs a logged-in user.
var ErrNoCurrentUser = errors.New("no current user")

// Store keeps the active user. Readers always get copies.
type Store struct {
	mu      sync.RWMutex
	current *models.User
}

func NewStore() *Store {
	return &Store{}
}

// Current returns a copy of the active user, nil when there is none.
func (s *Store) Current() *models.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// IsCurrent reports whether ownerKey identifies the active user.
func (s *Store) IsCurrent(ownerKey string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current != nil && ownerKey != "" && s.current.OnesignalID == ownerKey
}

// Replace makes u the active user and returns the one it replaced.
func (s *Store) Replace(u *models.User) *models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.current
	s.current = u.Clone()
	return prev
}

// Clear drops the active user and returns it.
func (s *Store) Clear() *models.User {
	return s.Replace(nil)
}

// Update applies fn to the active user under the store lock and returns a
// copy of the result.
func (s *Store) Update(fn func(u *models.User) error) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil, ErrNoCurrentUser
	}
	// work on a copy so a failing fn leaves the user untouched
	next := s.current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	s.current = next
	return next.Clone(), nil
}

// Package rebuild produces the operations that recreate the active user on
// the backend after it went missing there.
package rebuild

import (
	"sort"

	"opsync/internal/models"
	"opsync/internal/state"

	"github.com/rs/zerolog"
)

type Service struct {
	state  *state.Store
	logger zerolog.Logger
}

func NewService(st *state.Store, logger *zerolog.Logger) *Service {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "rebuild").Logger()
	}
	return &Service{state: st, logger: l}
}

// GetRebuildOperationsIfCurrentUser returns create-user followed by one
// create-subscription per subscription, built from the latest local state.
// It returns nil unless ownerKey is the active user, so a plan never leaks
// across an account switch.
func (s *Service) GetRebuildOperationsIfCurrentUser(ownerKey string) []*models.Operation {
	if !s.state.IsCurrent(ownerKey) {
		return nil
	}
	u := s.state.Current()
	if u == nil || u.OnesignalID != ownerKey {
		// switched between the two reads
		return nil
	}

	create, err := models.NewOperation(models.KindCreateUser, ownerKey, models.CreateUserPayload{
		ExternalID: u.ExternalID,
		Aliases:    u.Aliases,
		Properties: u.Properties,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("owner", ownerKey).Msg("build create-user operation")
		return nil
	}
	ops := []*models.Operation{create}

	ids := make([]string, 0, len(u.Subscriptions))
	for id := range u.Subscriptions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		op, err := models.NewOperation(models.KindCreateSubscription, ownerKey, u.Subscriptions[id].Payload())
		if err != nil {
			s.logger.Error().Err(err).Str("subscription", id).Msg("build create-subscription operation")
			return nil
		}
		ops = append(ops, op.ForRecord(id))
	}
	return ops
}

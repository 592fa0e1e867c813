package service

import (
	"context"
	"errors"
	"fmt"

	"opsync/internal/domain"
	"opsync/internal/models"
	"opsync/internal/state"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

var (
	ErrUnknownSubscription = errors.New("unknown subscription")
	ErrInvalidArgument     = errors.New("invalid argument")
)

// UserService mutates the active user and queues the matching backend
// operations. Local state changes first so reads see them immediately.
type UserService struct {
	state       *state.Store
	queue       domain.OperationQueue
	consistency domain.ConsistencyWaiter
	clock       clockwork.Clock
	logger      *zerolog.Logger
}

func NewUserService(st *state.Store, queue domain.OperationQueue, cm domain.ConsistencyWaiter, clock clockwork.Clock, logger *zerolog.Logger) *UserService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		l := zerolog.Nop()
		logger = &l
	}
	return &UserService{state: st, queue: queue, consistency: cm, clock: clock, logger: logger}
}

// Login switches to the user identified by externalID. Logging in as the
// active user is a no-op. Pending operations of the previous user are
// dropped; its push subscriptions move to the new user.
func (s *UserService) Login(ctx context.Context, externalID string) (*models.User, error) {
	if cur := s.state.Current(); cur != nil && externalID != "" && cur.ExternalID == externalID {
		return cur, nil
	}
	return s.switchUser(ctx, externalID)
}

// Current returns a copy of the active user, nil before the first login.
func (s *UserService) Current() *models.User {
	return s.state.Current()
}

// Logout replaces the active user with a fresh anonymous one.
func (s *UserService) Logout(ctx context.Context) (*models.User, error) {
	return s.switchUser(ctx, "")
}

func (s *UserService) switchUser(ctx context.Context, externalID string) (*models.User, error) {
	next := models.NewUser(uuid.NewString(), externalID)

	prev := s.state.Current()
	if prev != nil {
		for id, sub := range prev.Subscriptions {
			if sub.Type == models.SubscriptionPush {
				cp := *sub
				next.Subscriptions[id] = &cp
			}
		}
	}

	payload := models.CreateUserPayload{ExternalID: externalID}
	for _, sub := range next.Subscriptions {
		payload.Subscriptions = append(payload.Subscriptions, sub.Payload())
	}
	op, err := models.NewOperation(models.KindCreateUser, next.OnesignalID, payload)
	if err != nil {
		return nil, err
	}

	s.state.Replace(next)

	if prev != nil {
		n, err := s.queue.DiscardOwner(ctx, prev.OnesignalID)
		if err != nil {
			s.logger.Error().Err(err).Str("owner", prev.OnesignalID).Msg("failed to discard previous user operations")
		}
		s.consistency.Forget(prev.OnesignalID)
		s.logger.Info().Str("from", prev.OnesignalID).Str("to", next.OnesignalID).Int("discarded", n).Msg("user switched")
	}

	if err := s.queue.Enqueue(ctx, op, true); err != nil {
		return nil, fmt.Errorf("enqueue create user: %w", err)
	}
	return next.Clone(), nil
}

func (s *UserService) SetProperty(ctx context.Context, key string, value any) error {
	if key == "" {
		return fmt.Errorf("%w: property key is required", ErrInvalidArgument)
	}
	u, err := s.state.Update(func(u *models.User) error {
		u.Properties[key] = value
		return nil
	})
	if err != nil {
		return err
	}
	return s.enqueue(ctx, u.OnesignalID, models.KindUpdateProperty, models.PropertyPayload{Key: key, Value: value}, "", false)
}

func (s *UserService) DeleteProperty(ctx context.Context, key string) error {
	u, err := s.state.Update(func(u *models.User) error {
		delete(u.Properties, key)
		return nil
	})
	if err != nil {
		return err
	}
	return s.enqueue(ctx, u.OnesignalID, models.KindDeleteProperty, models.PropertyPayload{Key: key}, "", false)
}

func (s *UserService) AddAlias(ctx context.Context, label, id string) error {
	if label == "" || id == "" {
		return fmt.Errorf("%w: alias label and id are required", ErrInvalidArgument)
	}
	u, err := s.state.Update(func(u *models.User) error {
		u.Aliases[label] = id
		return nil
	})
	if err != nil {
		return err
	}
	return s.enqueue(ctx, u.OnesignalID, models.KindSetAlias, models.AliasPayload{Label: label, ID: id}, "", false)
}

func (s *UserService) RemoveAlias(ctx context.Context, label string) error {
	u, err := s.state.Update(func(u *models.User) error {
		delete(u.Aliases, label)
		return nil
	})
	if err != nil {
		return err
	}
	return s.enqueue(ctx, u.OnesignalID, models.KindDeleteAlias, models.AliasPayload{Label: label}, "", true)
}

// AddSubscription registers a new subscription and returns its id.
func (s *UserService) AddSubscription(ctx context.Context, subType, token string) (string, error) {
	switch subType {
	case models.SubscriptionPush, models.SubscriptionEmail, models.SubscriptionSMS:
	default:
		return "", fmt.Errorf("%w: unsupported subscription type %q", ErrInvalidArgument, subType)
	}

	sub := &models.Subscription{ID: uuid.NewString(), Type: subType, Token: token, Enabled: true}
	u, err := s.state.Update(func(u *models.User) error {
		u.Subscriptions[sub.ID] = sub
		return nil
	})
	if err != nil {
		return "", err
	}
	if err := s.enqueue(ctx, u.OnesignalID, models.KindCreateSubscription, sub.Payload(), sub.ID, true); err != nil {
		return "", err
	}
	return sub.ID, nil
}

func (s *UserService) UpdateSubscription(ctx context.Context, id, token string, enabled bool) error {
	var payload models.SubscriptionPayload
	u, err := s.state.Update(func(u *models.User) error {
		sub, ok := u.Subscriptions[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownSubscription, id)
		}
		sub.Token = token
		sub.Enabled = enabled
		payload = sub.Payload()
		return nil
	})
	if err != nil {
		return err
	}
	return s.enqueue(ctx, u.OnesignalID, models.KindUpdateSubscription, payload, id, false)
}

func (s *UserService) RemoveSubscription(ctx context.Context, id string) error {
	var payload models.SubscriptionPayload
	u, err := s.state.Update(func(u *models.User) error {
		sub, ok := u.Subscriptions[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownSubscription, id)
		}
		payload = sub.Payload()
		delete(u.Subscriptions, id)
		return nil
	})
	if err != nil {
		return err
	}
	return s.enqueue(ctx, u.OnesignalID, models.KindDeleteSubscription, payload, id, true)
}

func (s *UserService) TrackEvent(ctx context.Context, name string, properties map[string]any) error {
	if name == "" {
		return fmt.Errorf("%w: event name is required", ErrInvalidArgument)
	}
	u := s.state.Current()
	if u == nil {
		return state.ErrNoCurrentUser
	}
	payload := models.TrackEventPayload{Name: name, Properties: properties, Timestamp: s.clock.Now().UnixMilli()}
	return s.enqueue(ctx, u.OnesignalID, models.KindTrackEvent, payload, "", false)
}

func (s *UserService) StartSession(ctx context.Context) error {
	u := s.state.Current()
	if u == nil {
		return state.ErrNoCurrentUser
	}
	return s.enqueue(ctx, u.OnesignalID, models.KindTrackSessionStart, models.SessionPayload{}, "", true)
}

func (s *UserService) EndSession(ctx context.Context, durationSeconds int64) error {
	u := s.state.Current()
	if u == nil {
		return state.ErrNoCurrentUser
	}
	return s.enqueue(ctx, u.OnesignalID, models.KindTrackSessionEnd, models.SessionPayload{DurationSeconds: durationSeconds}, "", false)
}

func (s *UserService) enqueue(ctx context.Context, owner, kind string, payload any, recordID string, flush bool) error {
	op, err := models.NewOperation(kind, owner, payload)
	if err != nil {
		return err
	}
	op.ForRecord(recordID)
	if err := s.queue.Enqueue(ctx, op, flush); err != nil {
		s.logger.Error().Err(err).Str("op", op.String()).Msg("failed to enqueue operation")
		return fmt.Errorf("enqueue %s: %w", kind, err)
	}
	return nil
}

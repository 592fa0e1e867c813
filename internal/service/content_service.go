package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"opsync/internal/backend"
	"opsync/internal/consistency"
	"opsync/internal/domain"
	"opsync/internal/metrics"
	"opsync/internal/state"

	"github.com/rs/zerolog"
)

// InAppMessage is one message returned for a subscription. The body is kept
// as sent by the backend.
type InAppMessage struct {
	ID   string          `json:"id"`
	Body json.RawMessage `json:"-"`
}

// ContentService performs reads that must observe this process's own writes.
type ContentService struct {
	client       backend.Client
	appID        string
	state        *state.Store
	consistency  domain.ConsistencyWaiter
	readyTimeout time.Duration
	logger       *zerolog.Logger
}

func NewContentService(client backend.Client, appID string, st *state.Store, cm domain.ConsistencyWaiter, readyTimeout time.Duration, logger *zerolog.Logger) *ContentService {
	if logger == nil {
		l := zerolog.Nop()
		logger = &l
	}
	return &ContentService{
		client:       client,
		appID:        appID,
		state:        st,
		consistency:  cm,
		readyTimeout: readyTimeout,
		logger:       logger,
	}
}

// AwaitReady waits up to timeout for the user and subscription writes of
// ownerKey to have tokens. A timeout is reported as context.DeadlineExceeded
// and leaves nothing registered.
func (s *ContentService) AwaitReady(ctx context.Context, ownerKey string, timeout time.Duration) (consistency.Token, error) {
	wait := s.consistency.RegisterCondition(consistency.NewReadyCondition(ownerKey))
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	token, err := wait.Await(ctx)
	switch {
	case err == nil:
		metrics.IncConditionWait(consistency.ReadyConditionID, "resolved")
	case errors.Is(err, context.DeadlineExceeded):
		metrics.IncConditionWait(consistency.ReadyConditionID, "timeout")
	default:
		metrics.IncConditionWait(consistency.ReadyConditionID, "cancelled")
	}
	return token, err
}

// FetchInAppMessages loads the in-app messages of subscriptionID once the
// active user's pending writes are visible. When the wait times out the read
// is issued anyway, without a token.
func (s *ContentService) FetchInAppMessages(ctx context.Context, subscriptionID string) ([]InAppMessage, error) {
	if subscriptionID == "" {
		return nil, errors.New("subscription id is required")
	}
	u := s.state.Current()
	if u == nil {
		return nil, state.ErrNoCurrentUser
	}

	token, err := s.AwaitReady(ctx, u.OnesignalID, s.readyTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn().Err(err).Str("owner", u.OnesignalID).Msg("ready condition not met, reading without token")
	}

	var opts []backend.RequestOption
	if v, ok := token.Get(); ok {
		opts = append(opts, backend.WithHeader(backend.HeaderRYWToken, fmt.Sprint(v)))
	}

	path := strings.Join([]string{"apps", s.appID, "subscriptions", subscriptionID, "iams"}, "/")
	resp, err := s.client.Get(ctx, path, opts...)
	if err != nil {
		return nil, fmt.Errorf("fetch in-app messages: %w", err)
	}

	var body struct {
		Messages []json.RawMessage `json:"in_app_messages"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, fmt.Errorf("decode in-app messages: %w", err)
	}

	msgs := make([]InAppMessage, 0, len(body.Messages))
	for _, raw := range body.Messages {
		var head struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			return nil, fmt.Errorf("decode in-app message: %w", err)
		}
		msgs = append(msgs, InAppMessage{ID: head.ID, Body: raw})
	}

	s.logger.Debug().Str("subscription", subscriptionID).Int("count", len(msgs)).Str("token", token.String()).Msg("in-app messages fetched")
	return msgs, nil
}

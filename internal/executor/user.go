package executor

import (
	"context"
	"errors"

	"opsync/internal/backend"
	"opsync/internal/consistency"
	"opsync/internal/models"
)

// UserExecutor creates users.
type UserExecutor struct {
	base
}

func NewUserExecutor(d Deps) *UserExecutor {
	return &UserExecutor{base: newBase(d, "executor.user")}
}

func (e *UserExecutor) Kinds() []string {
	return []string{models.KindCreateUser}
}

func (e *UserExecutor) GroupKey(*models.Operation) string { return "" }

type createUserRequest struct {
	Identity      map[string]string           `json:"identity"`
	Properties    map[string]any              `json:"properties,omitempty"`
	Subscriptions []subscriptionRequestObject `json:"subscriptions,omitempty"`
}

func (e *UserExecutor) Execute(ctx context.Context, ops []*models.Operation) models.Outcome {
	op := ops[0]

	var p models.CreateUserPayload
	if err := op.DecodePayload(&p); err != nil {
		return models.Fail(models.FailInvalidInput, err)
	}

	identity := map[string]string{"onesignal_id": op.OwnerKey}
	for label, id := range p.Aliases {
		identity[label] = id
	}
	if p.ExternalID != "" {
		identity["external_id"] = p.ExternalID
	}

	req := createUserRequest{Identity: identity, Properties: p.Properties}
	for _, s := range p.Subscriptions {
		req.Subscriptions = append(req.Subscriptions, toSubscriptionObject(s))
	}

	resp, err := e.client.Post(ctx, e.appPath("users"), req, backend.WithIdempotencyKey(op.ID))
	if err != nil {
		// a replayed create that already landed
		var be *backend.Error
		if errors.As(err, &be) && backend.Classify(be.StatusCode) == backend.ClassConflict {
			e.logger.Debug().Str("owner", op.OwnerKey).Msg("user already exists")
			return models.Success(nil)
		}
		return e.outcomeFor(err, "")
	}

	if e.tracker != nil {
		e.tracker.Add(op.OwnerKey)
		for _, s := range p.Subscriptions {
			e.tracker.Add(s.SubscriptionID)
		}
	}
	return models.SuccessWithToken(consistency.UserUpdate, parseToken(resp))
}

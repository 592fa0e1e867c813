package executor

import (
	"context"

	"opsync/internal/backend"
	"opsync/internal/consistency"
	"opsync/internal/models"
)

// SubscriptionExecutor creates, updates and deletes the subscriptions of a user.
type SubscriptionExecutor struct {
	base
}

func NewSubscriptionExecutor(d Deps) *SubscriptionExecutor {
	return &SubscriptionExecutor{base: newBase(d, "executor.subscription")}
}

func (e *SubscriptionExecutor) Kinds() []string {
	return []string{
		models.KindCreateSubscription,
		models.KindUpdateSubscription,
		models.KindDeleteSubscription,
	}
}

// GroupKey lets back-to-back updates of one subscription collapse into the
// last one.
func (e *SubscriptionExecutor) GroupKey(op *models.Operation) string {
	if op.Kind != models.KindUpdateSubscription {
		return ""
	}
	return "subscription-update:" + op.TargetRecord()
}

type subscriptionRequestObject struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Token   string `json:"token,omitempty"`
	Enabled bool   `json:"enabled"`
}

type subscriptionRequest struct {
	Subscription subscriptionRequestObject `json:"subscription"`
}

func toSubscriptionObject(p models.SubscriptionPayload) subscriptionRequestObject {
	return subscriptionRequestObject{ID: p.SubscriptionID, Type: p.Type, Token: p.Token, Enabled: p.Enabled}
}

func (e *SubscriptionExecutor) Execute(ctx context.Context, ops []*models.Operation) models.Outcome {
	// for coalesced updates only the newest state matters
	op := ops[len(ops)-1]

	var p models.SubscriptionPayload
	if err := op.DecodePayload(&p); err != nil {
		return models.Fail(models.FailInvalidInput, err)
	}
	if p.SubscriptionID == "" {
		return models.Fail(models.FailInvalidInput, errMissingSubscriptionID)
	}

	switch op.Kind {
	case models.KindCreateSubscription:
		return e.create(ctx, op, p)
	case models.KindUpdateSubscription:
		return e.update(ctx, ops, p)
	default:
		return e.delete(ctx, op, p)
	}
}

func (e *SubscriptionExecutor) create(ctx context.Context, op *models.Operation, p models.SubscriptionPayload) models.Outcome {
	req := subscriptionRequest{Subscription: toSubscriptionObject(p)}
	resp, err := e.client.Post(ctx, e.userPath(op.OwnerKey, "subscriptions"), req, backend.WithIdempotencyKey(op.ID))
	if err != nil {
		if be, ok := backend.AsError(err); ok && backend.Classify(be.StatusCode) == backend.ClassConflict {
			return models.Success(nil)
		}
		// the call addresses the user; the subscription does not exist yet
		return e.outcomeForUserWrite(err, op.OwnerKey, op.OwnerKey)
	}
	if e.tracker != nil {
		e.tracker.Add(p.SubscriptionID)
	}
	return models.SuccessWithToken(consistency.SubscriptionUpdate, parseToken(resp))
}

func (e *SubscriptionExecutor) update(ctx context.Context, ops []*models.Operation, p models.SubscriptionPayload) models.Outcome {
	req := subscriptionRequest{Subscription: toSubscriptionObject(p)}
	resp, err := e.client.Patch(ctx, e.appPath("subscriptions", p.SubscriptionID), req, backend.WithIdempotencyKey(batchKey(ops)))
	if err != nil {
		return e.outcomeForUserWrite(err, ops[0].OwnerKey, ops[0].TargetRecord())
	}
	return models.SuccessWithToken(consistency.SubscriptionUpdate, parseToken(resp))
}

func (e *SubscriptionExecutor) delete(ctx context.Context, op *models.Operation, p models.SubscriptionPayload) models.Outcome {
	_, err := e.client.Delete(ctx, e.appPath("subscriptions", p.SubscriptionID), backend.WithIdempotencyKey(op.ID))
	if err != nil {
		// already gone is what we wanted
		if isMissing(err) && !e.inMissingRetryWindow(op.TargetRecord()) {
			if e.tracker != nil {
				e.tracker.Remove(p.SubscriptionID)
			}
			return models.Success(nil)
		}
		return e.outcomeFor(err, op.TargetRecord())
	}
	if e.tracker != nil {
		e.tracker.Remove(p.SubscriptionID)
	}
	return models.Success(nil)
}

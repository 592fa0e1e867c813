package executor

import (
	"context"
	"errors"

	"opsync/internal/backend"
	"opsync/internal/models"
)

var errMissingSubscriptionID = errors.New("subscription id is required")

// EventExecutor sends custom events. Consecutive events of one user are sent
// in one request.
type EventExecutor struct {
	base
}

func NewEventExecutor(d Deps) *EventExecutor {
	return &EventExecutor{base: newBase(d, "executor.events")}
}

func (e *EventExecutor) Kinds() []string {
	return []string{models.KindTrackEvent}
}

func (e *EventExecutor) GroupKey(*models.Operation) string { return "custom-events" }

type customEvent struct {
	Name        string         `json:"name"`
	OnesignalID string         `json:"onesignal_id"`
	Timestamp   int64          `json:"timestamp"`
	Payload     map[string]any `json:"payload,omitempty"`
}

type customEventsRequest struct {
	Events []customEvent `json:"events"`
}

func (e *EventExecutor) Execute(ctx context.Context, ops []*models.Operation) models.Outcome {
	req := customEventsRequest{Events: make([]customEvent, 0, len(ops))}
	for _, op := range ops {
		var p models.TrackEventPayload
		if err := op.DecodePayload(&p); err != nil {
			return models.Fail(models.FailInvalidInput, err)
		}
		if p.Name == "" {
			return models.Fail(models.FailInvalidInput, errors.New("event name is required"))
		}
		req.Events = append(req.Events, customEvent{
			Name:        p.Name,
			OnesignalID: op.OwnerKey,
			Timestamp:   p.Timestamp,
			Payload:     p.Properties,
		})
	}

	_, err := e.client.Post(ctx, e.appPath("custom_events"), req, backend.WithIdempotencyKey(batchKey(ops)))
	if err != nil {
		return e.outcomeFor(err, ops[0].TargetRecord())
	}
	return models.Success(nil)
}

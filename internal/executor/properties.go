package executor

import (
	"context"

	"opsync/internal/backend"
	"opsync/internal/consistency"
	"opsync/internal/models"
)

const userUpdateGroup = "user-update"

// PropertiesExecutor applies property changes and session counters to a
// user. Consecutive changes to one user coalesce into a single PATCH.
type PropertiesExecutor struct {
	base
}

func NewPropertiesExecutor(d Deps) *PropertiesExecutor {
	return &PropertiesExecutor{base: newBase(d, "executor.properties")}
}

func (e *PropertiesExecutor) Kinds() []string {
	return []string{
		models.KindUpdateProperty,
		models.KindDeleteProperty,
		models.KindTrackSessionStart,
		models.KindTrackSessionEnd,
	}
}

func (e *PropertiesExecutor) GroupKey(*models.Operation) string { return userUpdateGroup }

type userUpdateRequest struct {
	Properties map[string]any   `json:"properties,omitempty"`
	Deltas     map[string]int64 `json:"deltas,omitempty"`
}

func (e *PropertiesExecutor) Execute(ctx context.Context, ops []*models.Operation) models.Outcome {
	req, err := mergeUserUpdates(ops)
	if err != nil {
		return models.Fail(models.FailInvalidInput, err)
	}

	owner := ops[0].OwnerKey
	resp, err := e.client.Patch(ctx, e.userPath(owner), req, backend.WithIdempotencyKey(batchKey(ops)))
	if err != nil {
		return e.outcomeForUserWrite(err, owner, ops[0].TargetRecord())
	}
	return models.SuccessWithToken(consistency.UserUpdate, parseToken(resp))
}

// mergeUserUpdates folds a batch into one request body. Later property
// writes win; session deltas add up.
func mergeUserUpdates(ops []*models.Operation) (userUpdateRequest, error) {
	req := userUpdateRequest{}
	for _, op := range ops {
		switch op.Kind {
		case models.KindUpdateProperty, models.KindDeleteProperty:
			var p models.PropertyPayload
			if err := op.DecodePayload(&p); err != nil {
				return req, err
			}
			if req.Properties == nil {
				req.Properties = make(map[string]any)
			}
			if op.Kind == models.KindDeleteProperty {
				req.Properties[p.Key] = nil
			} else {
				req.Properties[p.Key] = p.Value
			}
		case models.KindTrackSessionStart:
			if req.Deltas == nil {
				req.Deltas = make(map[string]int64)
			}
			req.Deltas["session_count"]++
		case models.KindTrackSessionEnd:
			var p models.SessionPayload
			if err := op.DecodePayload(&p); err != nil {
				return req, err
			}
			if req.Deltas == nil {
				req.Deltas = make(map[string]int64)
			}
			req.Deltas["session_time"] += p.DurationSeconds
		}
	}
	return req, nil
}

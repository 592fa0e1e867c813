package executor

import (
	"context"

	"opsync/internal/backend"
	"opsync/internal/models"
)

// IdentityExecutor adds and removes user aliases.
type IdentityExecutor struct {
	base
}

func NewIdentityExecutor(d Deps) *IdentityExecutor {
	return &IdentityExecutor{base: newBase(d, "executor.identity")}
}

func (e *IdentityExecutor) Kinds() []string {
	return []string{models.KindSetAlias, models.KindDeleteAlias}
}

func (e *IdentityExecutor) GroupKey(op *models.Operation) string {
	if op.Kind == models.KindSetAlias {
		return "identity-set"
	}
	return ""
}

type identityRequest struct {
	Identity map[string]string `json:"identity"`
}

func (e *IdentityExecutor) Execute(ctx context.Context, ops []*models.Operation) models.Outcome {
	owner := ops[0].OwnerKey

	if ops[0].Kind == models.KindDeleteAlias {
		var p models.AliasPayload
		if err := ops[0].DecodePayload(&p); err != nil {
			return models.Fail(models.FailInvalidInput, err)
		}
		_, err := e.client.Delete(ctx, e.userPath(owner, "identity", p.Label), backend.WithIdempotencyKey(ops[0].ID))
		if err != nil {
			if isMissing(err) && !e.inMissingRetryWindow(ops[0].TargetRecord()) {
				return models.Success(nil)
			}
			return e.outcomeFor(err, ops[0].TargetRecord())
		}
		return models.Success(nil)
	}

	req := identityRequest{Identity: make(map[string]string)}
	for _, op := range ops {
		var p models.AliasPayload
		if err := op.DecodePayload(&p); err != nil {
			return models.Fail(models.FailInvalidInput, err)
		}
		req.Identity[p.Label] = p.ID
	}

	_, err := e.client.Patch(ctx, e.userPath(owner, "identity"), req, backend.WithIdempotencyKey(batchKey(ops)))
	if err != nil {
		return e.outcomeForUserWrite(err, owner, ops[0].TargetRecord())
	}
	return models.Success(nil)
}

// Package executor turns queued operations into backend calls and classifies
// the results into outcomes the queue acts on.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"opsync/internal/backend"
	"opsync/internal/consistency"
	"opsync/internal/models"
	"opsync/internal/newrecord"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Executor performs the backend call for one or more operation kinds.
type Executor interface {
	Kinds() []string
	// GroupKey returns a non-empty key when op may be coalesced with the
	// operations directly after it that share the key.
	GroupKey(op *models.Operation) string
	// Execute runs a batch of same-owner operations, oldest first. The batch
	// has a single operation unless GroupKey allowed coalescing.
	Execute(ctx context.Context, ops []*models.Operation) models.Outcome
}

// Rebuilder supplies the operations that recreate an owner from local state.
type Rebuilder interface {
	GetRebuildOperationsIfCurrentUser(ownerKey string) []*models.Operation
}

// Registry routes kinds to executors.
type Registry struct {
	byKind map[string]Executor
}

func NewRegistry(executors ...Executor) (*Registry, error) {
	r := &Registry{byKind: make(map[string]Executor)}
	for _, e := range executors {
		for _, kind := range e.Kinds() {
			if _, dup := r.byKind[kind]; dup {
				return nil, fmt.Errorf("executor for kind %q registered twice", kind)
			}
			r.byKind[kind] = e
		}
	}
	return r, nil
}

func (r *Registry) Lookup(kind string) (Executor, bool) {
	e, ok := r.byKind[kind]
	return e, ok
}

// Deps are the collaborators shared by every executor.
type Deps struct {
	Client    backend.Client
	AppID     string
	Tracker   *newrecord.Tracker
	Rebuilder Rebuilder
	Logger    *zerolog.Logger
}

type base struct {
	client    backend.Client
	appID     string
	tracker   *newrecord.Tracker
	rebuilder Rebuilder
	logger    zerolog.Logger
}

func newBase(d Deps, component string) base {
	l := zerolog.Nop()
	if d.Logger != nil {
		l = d.Logger.With().Str("component", component).Logger()
	}
	return base{
		client:    d.Client,
		appID:     d.AppID,
		tracker:   d.Tracker,
		rebuilder: d.Rebuilder,
		logger:    l,
	}
}

func (b *base) userPath(ownerKey string, suffix ...string) string {
	parts := append([]string{"apps", b.appID, "users", "by", "onesignal_id", ownerKey}, suffix...)
	return strings.Join(parts, "/")
}

func (b *base) appPath(suffix ...string) string {
	return strings.Join(append([]string{"apps", b.appID}, suffix...), "/")
}

func (b *base) inMissingRetryWindow(recordID string) bool {
	return b.tracker != nil && recordID != "" && b.tracker.IsInMissingRetryWindow(recordID)
}

// outcomeFor classifies a failed call. recordID is the record the call
// addressed, used to tell propagation lag from a real "not found".
func (b *base) outcomeFor(err error, recordID string) models.Outcome {
	be, ok := backend.AsError(err)
	if !ok {
		return models.Retry(models.RetryNoConnection, 0, err)
	}

	switch backend.Classify(be.StatusCode) {
	case backend.ClassInvalid:
		return models.Fail(models.FailInvalidInput, err)
	case backend.ClassUnauthorized:
		if be.RetryAfterSeconds != nil {
			return models.Retry(models.RetryInvalidCredentialTransient, be.RetryAfter(), err)
		}
		return models.Fail(models.FailInvalidCredential, err)
	case backend.ClassForbidden:
		return models.Fail(models.FailLoginRequired, err)
	case backend.ClassMissing:
		if b.inMissingRetryWindow(recordID) {
			return models.Retry(models.RetryServerFailure, be.RetryAfter(), err)
		}
		return models.Fail(models.FailOperationSpecific, err)
	case backend.ClassConflict:
		return models.Fail(models.FailOperationSpecific, err)
	default:
		return models.Retry(models.RetryServerFailure, be.RetryAfter(), err)
	}
}

// outcomeForUserWrite is outcomeFor plus the rebuild plan when the user is
// gone for good and still the active local user.
func (b *base) outcomeForUserWrite(err error, ownerKey, recordID string) models.Outcome {
	out := b.outcomeFor(err, recordID)
	if out.Kind != models.OutcomeFail || out.FailReason != models.FailOperationSpecific || !isMissing(err) {
		return out
	}
	if b.rebuilder == nil {
		return out
	}
	ops := b.rebuilder.GetRebuildOperationsIfCurrentUser(ownerKey)
	if len(ops) == 0 {
		return out
	}
	b.logger.Warn().Str("owner", ownerKey).Int("ops", len(ops)).Msg("user missing on backend, rebuilding")
	return out.WithFollowups(ops...)
}

func isMissing(err error) bool {
	be, ok := backend.AsError(err)
	return ok && backend.Classify(be.StatusCode) == backend.ClassMissing
}

// batchKey derives a stable idempotency key for a batch. A retried batch with
// the same members produces the same key.
func batchKey(ops []*models.Operation) string {
	if len(ops) == 1 {
		return ops[0].ID
	}
	ids := make([]string, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(strings.Join(ids, ","))).String()
}

type rywBody struct {
	RywToken json.RawMessage `json:"ryw_token"`
}

// parseToken reads the read-your-write token from a response body. The
// backend sends it either as a JSON number or as a numeric string.
func parseToken(resp *backend.Response) consistency.Token {
	if resp == nil || len(resp.Body) == 0 {
		return consistency.NoToken
	}
	var body rywBody
	if err := json.Unmarshal(resp.Body, &body); err != nil || len(body.RywToken) == 0 {
		return consistency.NoToken
	}

	raw := strings.Trim(string(body.RywToken), `"`)
	if raw == "" || raw == "null" {
		return consistency.NoToken
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return consistency.NoToken
	}
	return consistency.TokenOf(v)
}

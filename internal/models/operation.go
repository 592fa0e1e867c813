package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Operation kinds understood by the executors.
const (
	KindCreateUser         = "create-user"
	KindUpdateProperty     = "update-property"
	KindDeleteProperty     = "delete-property"
	KindSetAlias           = "set-alias"
	KindDeleteAlias        = "delete-alias"
	KindCreateSubscription = "create-subscription"
	KindUpdateSubscription = "update-subscription"
	KindDeleteSubscription = "delete-subscription"
	KindTrackEvent         = "track-event"
	KindTrackSessionStart  = "track-session-start"
	KindTrackSessionEnd    = "track-session-end"
)

// Operation is a pending mutation waiting to be sent to the backend.
// Operations sharing an OwnerKey are dispatched in enqueue order.
type Operation struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	OwnerKey string `json:"owner_key"`
	// RecordID names the backend record the call addresses when it is not
	// the owner itself, e.g. a subscription owned by a user.
	RecordID  string          `json:"record_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`

	// Queue bookkeeping.
	Seq           int64      `json:"seq"`
	Attempt       int        `json:"attempt"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// NewOperation builds an operation with a fresh id. The id doubles as the
// idempotency key sent to the backend, so retries never double-apply.
// CreatedAt is left for the queue to stamp from its clock.
func NewOperation(kind, ownerKey string, payload any) (*Operation, error) {
	if kind == "" {
		return nil, errors.New("operation kind is required")
	}
	if ownerKey == "" {
		return nil, errors.New("operation owner key is required")
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		raw = data
	}

	return &Operation{
		ID:       uuid.NewString(),
		Kind:     kind,
		OwnerKey: ownerKey,
		Payload:  raw,
	}, nil
}

// ForRecord sets RecordID and returns op for chaining.
func (o *Operation) ForRecord(recordID string) *Operation {
	o.RecordID = recordID
	return o
}

// TargetRecord is the record whose creation must have propagated before the
// operation can run. Creating a subscription addresses its user, so it waits
// on the owner rather than on the subscription it is about to create.
func (o *Operation) TargetRecord() string {
	if o.RecordID != "" && o.Kind != KindCreateSubscription {
		return o.RecordID
	}
	return o.OwnerKey
}

// DecodePayload unmarshals the payload into v.
func (o *Operation) DecodePayload(v any) error {
	if len(o.Payload) == 0 {
		return fmt.Errorf("operation %s (%s) has no payload", o.ID, o.Kind)
	}
	if err := json.Unmarshal(o.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", o.Kind, err)
	}
	return nil
}

func (o *Operation) String() string {
	return fmt.Sprintf("%s[%s owner=%s]", o.Kind, o.ID, o.OwnerKey)
}

package models

import (
	"fmt"
	"time"

	"opsync/internal/consistency"
)

type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota + 1
	OutcomeFail
	OutcomeRetry
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeFail:
		return "fail"
	case OutcomeRetry:
		return "retry"
	default:
		return "unknown"
	}
}

// FailReason classifies terminal failures.
type FailReason string

const (
	FailInvalidInput      FailReason = "invalid-input"
	FailLoginRequired     FailReason = "login-required"
	FailInvalidCredential FailReason = "invalid-credential"
	FailOperationSpecific FailReason = "operation-specific"
)

// RetryReason classifies transient failures.
type RetryReason string

const (
	RetryNoConnection               RetryReason = "no-connection"
	RetryServerFailure              RetryReason = "server-failure"
	RetryInvalidCredentialTransient RetryReason = "invalid-credential-transient"
)

// AppliedOffset is the write token the backend issued for a successful call.
type AppliedOffset struct {
	Kind  consistency.WriteKind
	Token consistency.Token
}

// Outcome is the result of running a batch of operations through an executor.
type Outcome struct {
	Kind        OutcomeKind
	Offset      *AppliedOffset
	FailReason  FailReason
	RetryReason RetryReason
	// RetryAfter is the server-requested minimum delay, zero when absent.
	RetryAfter time.Duration
	Err        error
	// Followups are queued at the head of the owner's queue once the outcome
	// is applied.
	Followups []*Operation
}

func Success(offset *AppliedOffset) Outcome {
	return Outcome{Kind: OutcomeSuccess, Offset: offset}
}

// SuccessWithToken is Success carrying token for kind, or no offset when the
// token is unobserved.
func SuccessWithToken(kind consistency.WriteKind, token consistency.Token) Outcome {
	if !token.Valid() {
		return Success(nil)
	}
	return Success(&AppliedOffset{Kind: kind, Token: token})
}

func Fail(reason FailReason, err error) Outcome {
	return Outcome{Kind: OutcomeFail, FailReason: reason, Err: err}
}

func Retry(reason RetryReason, retryAfter time.Duration, err error) Outcome {
	return Outcome{Kind: OutcomeRetry, RetryReason: reason, RetryAfter: retryAfter, Err: err}
}

// WithFollowups returns a copy of o carrying ops.
func (o Outcome) WithFollowups(ops ...*Operation) Outcome {
	o.Followups = append(append([]*Operation(nil), o.Followups...), ops...)
	return o
}

// Reason returns the fail or retry reason, empty on success.
func (o Outcome) Reason() string {
	switch o.Kind {
	case OutcomeFail:
		return string(o.FailReason)
	case OutcomeRetry:
		return string(o.RetryReason)
	default:
		return ""
	}
}

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeSuccess:
		if o.Offset != nil {
			return fmt.Sprintf("success(%s=%s)", o.Offset.Kind, o.Offset.Token)
		}
		return "success"
	case OutcomeRetry:
		return fmt.Sprintf("retry(%s, after=%s)", o.RetryReason, o.RetryAfter)
	default:
		return fmt.Sprintf("%s(%s)", o.Kind, o.Reason())
	}
}

package model

import (
	"errors"
	"fmt"
	"time"
)

// FailureKind classifies the expected ways a messaging operation can fail.
// Callers branch on the kind: RATE_LIMITED is retryable after RetryAfter,
// balance/limit failures need operator action, TIMEOUT means the outcome is
// unknown and must be reconciled via a status webhook rather than retried.
type FailureKind string

const (
	FailureRateLimited         FailureKind = "RATE_LIMITED"
	FailureInsufficientBalance FailureKind = "INSUFFICIENT_BALANCE"
	FailureSpendLimitExceeded  FailureKind = "SPEND_LIMIT_EXCEEDED"
	FailureProviderRejected    FailureKind = "PROVIDER_REJECTED"
	FailureCredentialInvalid   FailureKind = "CREDENTIAL_INVALID"
	FailureTimeout             FailureKind = "TIMEOUT"
	FailureNotFound            FailureKind = "NOT_FOUND"
)

// Retryable reports whether retrying the same operation can ever succeed
// without external intervention.
func (k FailureKind) Retryable() bool {
	return k == FailureRateLimited
}

// Failure is a typed, expected messaging failure. It implements error so it
// can travel through wrapped error chains, but adapters surface it as a value
// on the send result rather than a raised error.
type Failure struct {
	Kind       FailureKind
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (f *Failure) Error() string {
	if f.Message != "" {
		return fmt.Sprintf("%s: %s", f.Kind, f.Message)
	}
	return string(f.Kind)
}

func (f *Failure) Unwrap() error { return f.Err }

// NewFailure builds a failure of the given kind.
func NewFailure(kind FailureKind, msg string) *Failure {
	return &Failure{Kind: kind, Message: msg}
}

// WrapFailure builds a failure wrapping an underlying cause.
func WrapFailure(kind FailureKind, err error) *Failure {
	return &Failure{Kind: kind, Message: err.Error(), Err: err}
}

// AsFailure extracts a *Failure from an error chain.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

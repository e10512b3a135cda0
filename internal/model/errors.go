package model

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the inactivity, notification and disclosure layers.
var (
	// ErrDuplicateCase matches any *DuplicateCaseError.
	ErrDuplicateCase = errors.New("open inactivity case already exists")
	// ErrPolicyViolation matches any *PolicyViolation.
	ErrPolicyViolation = errors.New("policy violation")
	// ErrForbidden matches any *AuthorizationError.
	ErrForbidden = errors.New("forbidden")
	// ErrTransport matches any *TransportError.
	ErrTransport = errors.New("transport error")
)

// TransportError is a failed send on one channel. It is transient: the probe
// is retried on another channel and never counts as evidence of inactivity.
type TransportError struct {
	Channel Channel
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport: %v", e.Channel, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrTransport) match.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// DuplicateCaseError signals an attempt to open a second case for a user.
type DuplicateCaseError struct {
	UserID string
}

func (e *DuplicateCaseError) Error() string {
	return fmt.Sprintf("user %s already has an open inactivity case", e.UserID)
}

// Is lets errors.Is(err, ErrDuplicateCase) match.
func (e *DuplicateCaseError) Is(target error) bool { return target == ErrDuplicateCase }

// PolicyViolation rejects an operation that would break product policy.
type PolicyViolation struct {
	Rule   string
	Detail string
}

func (e *PolicyViolation) Error() string {
	return fmt.Sprintf("policy violation: %s %s", e.Rule, e.Detail)
}

// Is lets errors.Is(err, ErrPolicyViolation) match.
func (e *PolicyViolation) Is(target error) bool { return target == ErrPolicyViolation }

// AuthorizationError rejects an action by someone other than the owner.
type AuthorizationError struct {
	ActorID  string
	Resource string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("user %s may not act on %s", e.ActorID, e.Resource)
}

// Is lets errors.Is(err, ErrForbidden) match.
func (e *AuthorizationError) Is(target error) bool { return target == ErrForbidden }

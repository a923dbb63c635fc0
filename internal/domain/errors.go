package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrRateLimited      = errors.New("rate limited")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrInvalidPayload   = errors.New("invalid job payload")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrUnsupportedKind  = errors.New("unsupported order kind")
	ErrUnsupportedData  = errors.New("unsupported raw data version")
	ErrTraceUnavailable = errors.New("call trace unavailable")
	ErrWSDisconnect     = errors.New("websocket disconnected")
	ErrLockHeld         = errors.New("lock already held")
	ErrDuplicateJob     = errors.New("duplicate job")
)

// InvalidationReason is the set of recognized reasons an order checker may
// report. Anything else leaves the order untouched.
type InvalidationReason string

const (
	ReasonCancelled   InvalidationReason = "cancelled"
	ReasonFilled      InvalidationReason = "filled"
	ReasonNoBalance   InvalidationReason = "no-balance"
	ReasonNoApproval  InvalidationReason = "no-approval"
	ReasonNoBalanceNA InvalidationReason = "no-balance-no-approval"
)

// InvalidationError is returned by order checkers when the order can no
// longer be filled for a recognized reason.
type InvalidationError struct {
	Reason InvalidationReason
}

func (e *InvalidationError) Error() string {
	return fmt.Sprintf("order invalid: %s", e.Reason)
}

// Invalid is shorthand for constructing an *InvalidationError.
func Invalid(reason InvalidationReason) error {
	return &InvalidationError{Reason: reason}
}

// StatusesFor maps a recognized invalidation reason to the status pair it
// implies. ok is false for unknown reasons.
func StatusesFor(reason InvalidationReason) (FillabilityStatus, ApprovalStatus, bool) {
	switch reason {
	case ReasonCancelled:
		return FillabilityCancelled, ApprovalApproved, true
	case ReasonFilled:
		return FillabilityFilled, ApprovalApproved, true
	case ReasonNoBalance:
		return FillabilityNoBalance, ApprovalApproved, true
	case ReasonNoApproval:
		return FillabilityFillable, ApprovalNoApproval, true
	case ReasonNoBalanceNA:
		return FillabilityNoBalance, ApprovalNoApproval, true
	}
	return "", "", false
}

package engine

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnknownMutation: no mutator registered for the name. Consumed, never retried.
	ErrUnknownMutation = errors.New("unknown mutation")
	// ErrDomainRejection: a mutator refused the mutation. Consumed, never retried.
	ErrDomainRejection = errors.New("mutation rejected")
	// ErrOutOfOrderMutation: a gap in mutation ids. The batch is not applied.
	ErrOutOfOrderMutation = errors.New("out of order mutation")
	// ErrUnknownGroup: the client group does not name a registered kind.
	ErrUnknownGroup = errors.New("unknown client group")
	// ErrTimeout and ErrStoreUnavailable are transient; retrying is safe.
	ErrTimeout          = errors.New("sync operation timed out")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrInvalidRequest   = errors.New("invalid sync request")
)

// RejectionError is returned by mutators for business-rule violations.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string { return "mutation rejected: " + e.Reason }

func (e *RejectionError) Is(target error) bool { return target == ErrDomainRejection }

func Reject(format string, args ...any) error {
	return &RejectionError{Reason: fmt.Sprintf(format, args...)}
}

// OutOfOrderError tells the client which id it must resend from.
type OutOfOrderError struct {
	ClientID string
	Expected int64
	Got      int64
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("out of order mutation for client %s: expected id %d, got %d", e.ClientID, e.Expected, e.Got)
}

func (e *OutOfOrderError) Is(target error) bool { return target == ErrOutOfOrderMutation }

// IsRetryable reports whether the whole request may be resent unchanged.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrStoreUnavailable)
}

// classify maps context expiry onto the engine taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

package orchestrator

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvariant marks a violation of an internal ordering rule, e.g. a stage
// observing ledger state that the monotonic transitions forbid. It is never
// retried.
var ErrInvariant = errors.New("pipeline invariant violated")

// TransientError wraps a failure worth retrying under the stage policy:
// provider 5xx, timeouts, rate limits.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// FatalError wraps a failure that must not be retried in place. Resumable
// says whether the resume controller may re-arm the stage later (a content
// policy rejection is resumable with an edited prompt; a malformed job is
// not).
type FatalError struct {
	Err       error
	Resumable bool
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

func Fatal(err error, resumable bool) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err, Resumable: resumable}
}

// PendingError signals that the stage submitted remote work that has not
// finished yet. It is not a failure: the engine leaves the step processing,
// releases the lease and re-enters the stage after PollAfter.
type PendingError struct {
	Reason    string
	PollAfter time.Duration
}

func (e *PendingError) Error() string {
	return fmt.Sprintf("pending: %s", e.Reason)
}

func Pending(reason string, pollAfter time.Duration) error {
	return &PendingError{Reason: reason, PollAfter: pollAfter}
}

// PrerequisiteLostError reports that an artifact a completed stage produced
// is no longer resolvable, so the work depending on it cannot proceed.
type PrerequisiteLostError struct {
	Step   string
	Reason string
}

func (e *PrerequisiteLostError) Error() string {
	return fmt.Sprintf("prerequisite lost at step %s: %s", e.Step, e.Reason)
}

func IsPending(err error) (*PendingError, bool) {
	var pe *PendingError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

func IsFatal(err error) (*FatalError, bool) {
	var fe *FatalError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

func IsPrerequisiteLost(err error) (*PrerequisiteLostError, bool) {
	var pl *PrerequisiteLostError
	if errors.As(err, &pl) {
		return pl, true
	}
	return nil, false
}

// retryable reports whether the stage policy may schedule another attempt.
// Unclassified errors default to transient: the common stage failure is a
// flaky provider call, and the attempt cap still bounds the damage.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvariant) {
		return false
	}
	if _, ok := IsFatal(err); ok {
		return false
	}
	if _, ok := IsPrerequisiteLost(err); ok {
		return false
	}
	return true
}

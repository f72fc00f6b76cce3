package ceremony

import (
	"errors"
	"fmt"
)

// Sentinel errors for ceremony operations. Callers branch on these with
// errors.Is; everything except ErrPossibleClone and ErrStoreUnavailable
// is a terminal caller-input failure for that attempt.
var (
	// ErrOperationMismatch is returned when the declared operation does
	// not match what storage says about the email: registration for an
	// enrolled email, or login for one with no credentials.
	ErrOperationMismatch = errors.New("operation does not match enrollment state")

	// ErrNoPendingChallenge is returned when no challenge record exists
	// for the identity, including when a concurrent attempt consumed it
	// first.
	ErrNoPendingChallenge = errors.New("no pending challenge")

	// ErrChallengeExpired is returned when the record exists but is past
	// its TTL. The stale record is deleted as part of the attempt.
	ErrChallengeExpired = errors.New("challenge expired")

	// ErrVerificationFailed is returned when the signed response does not
	// verify against the stored challenge and credential material.
	ErrVerificationFailed = errors.New("could not verify authenticator response")

	// ErrAlreadyEnrolled is returned when the response's credential id is
	// already registered, for any user.
	ErrAlreadyEnrolled = errors.New("credential already enrolled")

	// ErrPossibleClone is returned when a verified assertion reports a
	// signature counter that did not advance. The stored counter is left
	// untouched so the evidence survives for review.
	ErrPossibleClone = errors.New("possible cloned authenticator detected")

	// ErrStoreUnavailable is returned on transient storage failure. The
	// whole ceremony is safe to retry from Begin; the complete step never
	// is, since the challenge may already be consumed.
	ErrStoreUnavailable = errors.New("challenge store unavailable")
)

// Error carries the failing operation alongside the sentinel so logs
// keep context while errors.Is still matches.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// storeFault tags a storage failure as ErrStoreUnavailable while keeping
// the cause in the message.
func storeFault(op string, err error) error {
	return &Error{Op: op, Err: fmt.Errorf("%w: %v", ErrStoreUnavailable, err)}
}

// IsSecurityAlert reports whether the failure should be escalated for
// security review rather than shown to the user as a generic message.
func IsSecurityAlert(err error) bool {
	return errors.Is(err, ErrPossibleClone)
}

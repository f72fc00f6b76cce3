package models

import (
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
)

// ChallengeKind tags a pending challenge with the ceremony it belongs to.
type ChallengeKind string

const (
	// ChallengeRegistration is a registration ceremony for a new email,
	// keyed by that email.
	ChallengeRegistration ChallengeKind = "registration"

	// ChallengeAssertion is a login ceremony for an enrolled user, keyed
	// by user id.
	ChallengeAssertion ChallengeKind = "assertion"

	// ChallengeAttach is a registration ceremony adding a credential to
	// an already-authenticated user, keyed by user id.
	ChallengeAttach ChallengeKind = "attach"
)

// PendingChallenge is the server-side record of an outstanding ceremony.
// At most one record lives per (kind, key); a new ceremony for the same
// key overwrites it, and a verification attempt consumes it whether or
// not it succeeds.
type PendingChallenge struct {
	Kind              ChallengeKind        `json:"kind"`
	Email             string               `json:"email,omitempty"`
	UserID            string               `json:"userId,omitempty"`
	ProvisionalUserID string               `json:"provisionalUserId,omitempty"`
	Session           webauthn.SessionData `json:"session"`
	ExpiresAt         time.Time            `json:"expiresAt"`
}

// Key returns the identity the record is stored under: the email for
// registration of a not-yet-existing user, the user id otherwise.
func (c *PendingChallenge) Key() string {
	if c.Kind == ChallengeRegistration {
		return c.Email
	}
	return c.UserID
}

// Expired reports whether the record is past its TTL. An expired record
// must never be treated as valid, regardless of when it gets deleted.
func (c *PendingChallenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

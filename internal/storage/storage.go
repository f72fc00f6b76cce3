package storage

import (
	"context"
	"errors"
	"time"

	"github.com/keygate/keygate/internal/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a conditional write loses: a duplicate
	// credential id, or a sign-count update against a stale expected value.
	ErrConflict = errors.New("record conflict")
)

// ChallengeStorage holds at most one pending challenge per (kind, key).
type ChallengeStorage interface {
	// SaveChallenge inserts or replaces the record for the challenge's
	// key. The write must be atomic per key: last writer wins.
	SaveChallenge(ctx context.Context, challenge *models.PendingChallenge) error

	// ConsumeChallenge removes and returns the record for the key in one
	// step. When two verification attempts race for the same key, at most
	// one observes the record; the other gets ErrNotFound. Expired records
	// are still returned (and deleted) so the caller can distinguish
	// expiry from absence.
	ConsumeChallenge(ctx context.Context, kind models.ChallengeKind, key string) (*models.PendingChallenge, error)
}

// UserStorage persists enrolled accounts.
type UserStorage interface {
	// GetUserByEmail returns ErrNotFound for unknown emails.
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)

	// GetUserByID returns ErrNotFound for unknown ids.
	GetUserByID(ctx context.Context, id string) (*models.User, error)

	// CreateUserWithCredential writes the user and its first credential as
	// one logical transaction. Returns ErrConflict if the email, user id,
	// or credential id already exists.
	CreateUserWithCredential(ctx context.Context, user *models.User, cred *models.Credential) error
}

// CredentialStorage persists enrolled credentials. Credential ids are
// globally unique across users.
type CredentialStorage interface {
	// SaveCredential stores a new credential. Returns ErrConflict if the
	// credential id is already enrolled (for any user), ErrNotFound if the
	// owner does not exist.
	SaveCredential(ctx context.Context, cred *models.Credential) error

	// CredentialsByUser returns all credentials owned by the user, empty
	// slice when there are none.
	CredentialsByUser(ctx context.Context, userID string) ([]*models.Credential, error)

	// CredentialExists reports whether any user owns the credential id.
	CredentialExists(ctx context.Context, credentialID []byte) (bool, error)

	// UpdateSignCount advances the signature counter and last-used time,
	// conditional on the stored counter still matching expected. Returns
	// ErrConflict when it does not, ErrNotFound for unknown credentials.
	UpdateSignCount(ctx context.Context, credentialID []byte, expected, next uint32, usedAt time.Time) error
}

// SessionStorage persists application sessions issued after a verified
// ceremony.
type SessionStorage interface {
	SaveSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

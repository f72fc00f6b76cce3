package ceremony

import (
	"context"
	"errors"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"

	"github.com/keygate/keygate/internal/models"
	"github.com/keygate/keygate/internal/storage"
)

// Operation is the ceremony the caller claims to be starting. The
// coordinator treats it as an assertion to validate, never as the
// branch decision itself.
type Operation string

const (
	OperationRegistration Operation = "registration"
	OperationLogin        Operation = "login"
)

// ChallengeBundle is the JSON-serializable result of Begin, carrying the
// generated options for whichever ceremony the storage state selected.
type ChallengeBundle struct {
	Operation Operation                     `json:"operation"`
	Creation  *protocol.CredentialCreation  `json:"creation,omitempty"`
	Assertion *protocol.CredentialAssertion `json:"assertion,omitempty"`
}

// Coordinator decides the registration-vs-login branch for an email,
// generates the matching challenge options, and records the pending
// challenge. No state is held in process between Begin and the
// verifier's Complete calls.
type Coordinator struct {
	webauthn   *webauthn.WebAuthn
	users      storage.UserStorage
	creds      storage.CredentialStorage
	challenges storage.ChallengeStorage
	ttl        time.Duration
	now        func() time.Time
}

// DefaultChallengeTTL bounds how long a client has to answer a challenge.
const DefaultChallengeTTL = 120 * time.Second

func NewCoordinator(wa *webauthn.WebAuthn, users storage.UserStorage, creds storage.CredentialStorage, challenges storage.ChallengeStorage, ttl time.Duration) *Coordinator {
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	return &Coordinator{
		webauthn:   wa,
		users:      users,
		creds:      creds,
		challenges: challenges,
		ttl:        ttl,
		now:        time.Now,
	}
}

// Begin starts a ceremony for the email. The branch is derived from
// storage: an email with at least one credential may only log in, one
// with none may only register. A declared operation that disagrees fails
// with ErrOperationMismatch so an enrolled email cannot be silently
// re-registered and probing logins leak nothing beyond a generic
// failure.
func (c *Coordinator) Begin(ctx context.Context, email string, declared Operation) (*ChallengeBundle, error) {
	user, err := c.users.GetUserByEmail(ctx, email)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, storeFault("lookup user", err)
	}

	var creds []*models.Credential
	if user != nil {
		creds, err = c.creds.CredentialsByUser(ctx, user.ID)
		if err != nil {
			return nil, storeFault("list credentials", err)
		}
	}

	if user != nil && len(creds) > 0 {
		if declared != OperationLogin {
			return nil, wrap("begin", ErrOperationMismatch)
		}
		return c.beginLogin(ctx, user, creds)
	}

	if declared != OperationRegistration {
		return nil, wrap("begin", ErrOperationMismatch)
	}
	return c.beginRegistration(ctx, email)
}

func (c *Coordinator) beginLogin(ctx context.Context, user *models.User, creds []*models.Credential) (*ChallengeBundle, error) {
	options, session, err := c.webauthn.BeginLogin(newEnrolledUser(user, creds))
	if err != nil {
		return nil, wrap("begin login", err)
	}

	challenge := &models.PendingChallenge{
		Kind:      models.ChallengeAssertion,
		UserID:    user.ID,
		Session:   *session,
		ExpiresAt: c.now().Add(c.ttl),
	}
	if err := c.challenges.SaveChallenge(ctx, challenge); err != nil {
		return nil, storeFault("save challenge", err)
	}

	return &ChallengeBundle{Operation: OperationLogin, Assertion: options}, nil
}

func (c *Coordinator) beginRegistration(ctx context.Context, email string) (*ChallengeBundle, error) {
	provisionalID, err := uuid.NewV7()
	if err != nil {
		return nil, wrap("generate user id", err)
	}

	options, session, err := c.webauthn.BeginRegistration(newProvisionalUser(provisionalID.String(), email))
	if err != nil {
		return nil, wrap("begin registration", err)
	}

	challenge := &models.PendingChallenge{
		Kind:              models.ChallengeRegistration,
		Email:             email,
		ProvisionalUserID: provisionalID.String(),
		Session:           *session,
		ExpiresAt:         c.now().Add(c.ttl),
	}
	if err := c.challenges.SaveChallenge(ctx, challenge); err != nil {
		return nil, storeFault("save challenge", err)
	}

	return &ChallengeBundle{Operation: OperationRegistration, Creation: options}, nil
}

// BeginAddCredential starts a registration ceremony that attaches a
// second credential to an already-authenticated user. The options
// exclude the user's existing credential ids so a device cannot be
// enrolled twice. Caller identity comes from an established session;
// there is no anonymous path here.
func (c *Coordinator) BeginAddCredential(ctx context.Context, userID string) (*ChallengeBundle, error) {
	user, err := c.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, wrap("begin add credential", ErrOperationMismatch)
		}
		return nil, storeFault("lookup user", err)
	}

	creds, err := c.creds.CredentialsByUser(ctx, userID)
	if err != nil {
		return nil, storeFault("list credentials", err)
	}

	exclusions := make([]protocol.CredentialDescriptor, 0, len(creds))
	for _, cred := range creds {
		exclusions = append(exclusions, cred.Descriptor())
	}

	options, session, err := c.webauthn.BeginRegistration(
		newEnrolledUser(user, creds),
		webauthn.WithExclusions(exclusions),
	)
	if err != nil {
		return nil, wrap("begin add credential", err)
	}

	challenge := &models.PendingChallenge{
		Kind:      models.ChallengeAttach,
		UserID:    userID,
		Session:   *session,
		ExpiresAt: c.now().Add(c.ttl),
	}
	if err := c.challenges.SaveChallenge(ctx, challenge); err != nil {
		return nil, storeFault("save challenge", err)
	}

	return &ChallengeBundle{Operation: OperationRegistration, Creation: options}, nil
}

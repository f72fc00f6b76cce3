package ceremony

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/keygate/keygate/internal/models"
	"github.com/keygate/keygate/internal/storage"
)

// Verifier consumes pending challenges and verifies the client's signed
// responses against them. Every attempt consumes the record, success or
// not: a challenge answers at most one verification attempt.
type Verifier struct {
	webauthn   *webauthn.WebAuthn
	users      storage.UserStorage
	creds      storage.CredentialStorage
	challenges storage.ChallengeStorage
	now        func() time.Time
}

func NewVerifier(wa *webauthn.WebAuthn, users storage.UserStorage, creds storage.CredentialStorage, challenges storage.ChallengeStorage) *Verifier {
	return &Verifier{
		webauthn:   wa,
		users:      users,
		creds:      creds,
		challenges: challenges,
		now:        time.Now,
	}
}

// takeChallenge is the shared fetch-consume-expire step. The store's
// consume is an atomic take, so of two racing attempts only one sees the
// record; expiry is checked before any verification work.
func (v *Verifier) takeChallenge(ctx context.Context, kind models.ChallengeKind, key string) (*models.PendingChallenge, error) {
	challenge, err := v.challenges.ConsumeChallenge(ctx, kind, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, wrap("consume challenge", ErrNoPendingChallenge)
		}
		return nil, storeFault("consume challenge", err)
	}
	if challenge.Expired(v.now()) {
		return nil, wrap("consume challenge", ErrChallengeExpired)
	}
	return challenge, nil
}

// CompleteRegistration verifies a registration response for the email's
// pending challenge and, on success, creates the User (under the
// provisional id recorded at Begin) together with its first Credential.
func (v *Verifier) CompleteRegistration(ctx context.Context, email string, response *protocol.ParsedCredentialCreationData) (*models.User, error) {
	challenge, err := v.takeChallenge(ctx, models.ChallengeRegistration, email)
	if err != nil {
		return nil, err
	}

	prospect := newProvisionalUser(challenge.ProvisionalUserID, email)
	credential, err := v.webauthn.CreateCredential(prospect, challenge.Session, response)
	if err != nil {
		return nil, wrap("verify registration", fmt.Errorf("%w: %v", ErrVerificationFailed, err))
	}

	exists, err := v.creds.CredentialExists(ctx, credential.ID)
	if err != nil {
		return nil, storeFault("check credential", err)
	}
	if exists {
		return nil, wrap("verify registration", ErrAlreadyEnrolled)
	}

	now := v.now().UTC()
	user := &models.User{
		ID:          challenge.ProvisionalUserID,
		Email:       email,
		DisplayName: email,
		CreatedAt:   now,
	}
	cred := models.CredentialFromCeremony(user.ID, credential, response.Raw.AttestationResponse.AttestationObject, now)

	if err := v.users.CreateUserWithCredential(ctx, user, cred); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, wrap("create user", ErrAlreadyEnrolled)
		}
		return nil, storeFault("create user", err)
	}

	return user, nil
}

// CompleteAssertion verifies a login response for the user's pending
// challenge against the stored credential and advances the signature
// counter. The counter must be strictly greater than the stored value
// (or both zero, for authenticators that never increment); a counter
// that did not advance fails with ErrPossibleClone and leaves the
// stored record untouched.
func (v *Verifier) CompleteAssertion(ctx context.Context, userID string, response *protocol.ParsedCredentialAssertionData) (*models.User, error) {
	challenge, err := v.takeChallenge(ctx, models.ChallengeAssertion, userID)
	if err != nil {
		return nil, err
	}

	user, creds, err := v.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	validated, err := v.webauthn.ValidateLogin(newEnrolledUser(user, creds), challenge.Session, response)
	if err != nil {
		return nil, wrap("verify assertion", fmt.Errorf("%w: %v", ErrVerificationFailed, err))
	}

	stored := findCredential(creds, validated.ID)
	if stored == nil {
		return nil, wrap("verify assertion", ErrVerificationFailed)
	}

	newCount := validated.Authenticator.SignCount
	if validated.Authenticator.CloneWarning {
		return nil, wrap("verify assertion", ErrPossibleClone)
	}
	if stored.SignCount > 0 && newCount <= stored.SignCount {
		return nil, wrap("verify assertion", ErrPossibleClone)
	}

	// CAS on the stored counter: a concurrent login that already advanced
	// it must not be overwritten from a stale read.
	if err := v.creds.UpdateSignCount(ctx, validated.ID, stored.SignCount, newCount, v.now().UTC()); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, wrap("update sign count", ErrPossibleClone)
		}
		return nil, storeFault("update sign count", err)
	}

	return user, nil
}

// CompleteAddCredential verifies a registration response for the
// authenticated user's pending attach challenge and stores the new
// credential. A credential id already enrolled anywhere fails with
// ErrAlreadyEnrolled.
func (v *Verifier) CompleteAddCredential(ctx context.Context, userID string, response *protocol.ParsedCredentialCreationData) (*models.Credential, error) {
	challenge, err := v.takeChallenge(ctx, models.ChallengeAttach, userID)
	if err != nil {
		return nil, err
	}

	user, creds, err := v.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	credential, err := v.webauthn.CreateCredential(newEnrolledUser(user, creds), challenge.Session, response)
	if err != nil {
		return nil, wrap("verify add credential", fmt.Errorf("%w: %v", ErrVerificationFailed, err))
	}

	exists, err := v.creds.CredentialExists(ctx, credential.ID)
	if err != nil {
		return nil, storeFault("check credential", err)
	}
	if exists {
		return nil, wrap("verify add credential", ErrAlreadyEnrolled)
	}

	cred := models.CredentialFromCeremony(userID, credential, response.Raw.AttestationResponse.AttestationObject, v.now().UTC())
	if err := v.creds.SaveCredential(ctx, cred); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, wrap("save credential", ErrAlreadyEnrolled)
		}
		return nil, storeFault("save credential", err)
	}

	return cred, nil
}

func (v *Verifier) loadUser(ctx context.Context, userID string) (*models.User, []*models.Credential, error) {
	user, err := v.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, wrap("load user", ErrVerificationFailed)
		}
		return nil, nil, storeFault("load user", err)
	}

	creds, err := v.creds.CredentialsByUser(ctx, userID)
	if err != nil {
		return nil, nil, storeFault("list credentials", err)
	}

	return user, creds, nil
}

func findCredential(creds []*models.Credential, id []byte) *models.Credential {
	for _, cred := range creds {
		if bytes.Equal(cred.ID, id) {
			return cred
		}
	}
	return nil
}

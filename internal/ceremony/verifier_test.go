package ceremony

import (
	"context"
	"testing"
	"time"

	"github.com/descope/virtualwebauthn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keygate/keygate/internal/storage"
)

func TestCompleteRegistration_CreatesUserAndCredential(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	auth := virtualwebauthn.NewAuthenticator()
	cred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	bundle, err := env.coordinator.Begin(ctx, "new@example.com", OperationRegistration)
	require.NoError(t, err)

	user, err := env.verifier.CompleteRegistration(ctx, "new@example.com", env.attest(t, bundle, &auth, &cred))
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "new@example.com", user.Email)
	assert.NotEmpty(t, user.ID)

	stored, err := env.store.GetUserByEmail(ctx, "new@example.com")
	require.NoError(t, err)
	assert.Equal(t, user.ID, stored.ID)

	creds, err := env.store.CredentialsByUser(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, uint32(0), creds[0].SignCount)
	assert.NotEmpty(t, creds[0].PublicKey)
	assert.NotEmpty(t, creds[0].Attestation)
}

func TestCompleteRegistration_ChallengeIsSingleUse(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	auth := virtualwebauthn.NewAuthenticator()
	cred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	bundle, err := env.coordinator.Begin(ctx, "once@example.com", OperationRegistration)
	require.NoError(t, err)
	response := env.attest(t, bundle, &auth, &cred)

	_, err = env.verifier.CompleteRegistration(ctx, "once@example.com", response)
	require.NoError(t, err)

	_, err = env.verifier.CompleteRegistration(ctx, "once@example.com", response)
	assert.ErrorIs(t, err, ErrNoPendingChallenge)
}

func TestCompleteRegistration_NoPendingChallenge(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	auth := virtualwebauthn.NewAuthenticator()
	cred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	bundle, err := env.coordinator.Begin(ctx, "a@example.com", OperationRegistration)
	require.NoError(t, err)

	// Response built for a's ceremony, submitted for b.
	_, err = env.verifier.CompleteRegistration(ctx, "b@example.com", env.attest(t, bundle, &auth, &cred))
	assert.ErrorIs(t, err, ErrNoPendingChallenge)
}

func TestCompleteRegistration_ExpiredChallenge(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	auth := virtualwebauthn.NewAuthenticator()
	cred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	bundle, err := env.coordinator.Begin(ctx, "slow@example.com", OperationRegistration)
	require.NoError(t, err)
	response := env.attest(t, bundle, &auth, &cred)

	env.verifier.now = func() time.Time { return time.Now().Add(3 * time.Minute) }

	_, err = env.verifier.CompleteRegistration(ctx, "slow@example.com", response)
	assert.ErrorIs(t, err, ErrChallengeExpired)

	// The expired record was consumed; no user was created.
	_, err = env.verifier.CompleteRegistration(ctx, "slow@example.com", response)
	assert.ErrorIs(t, err, ErrNoPendingChallenge)
	_, err = env.store.GetUserByEmail(ctx, "slow@example.com")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCompleteRegistration_SupersededChallenge(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	auth := virtualwebauthn.NewAuthenticator()
	cred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	first, err := env.coordinator.Begin(ctx, "tabs@example.com", OperationRegistration)
	require.NoError(t, err)
	response := env.attest(t, first, &auth, &cred)

	// A second Begin for the same email replaces the pending record, so
	// the response signed over the first challenge no longer matches.
	_, err = env.coordinator.Begin(ctx, "tabs@example.com", OperationRegistration)
	require.NoError(t, err)

	_, err = env.verifier.CompleteRegistration(ctx, "tabs@example.com", response)
	assert.ErrorIs(t, err, ErrVerificationFailed)
	_, err = env.store.GetUserByEmail(ctx, "tabs@example.com")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCompleteRegistration_DuplicateCredentialAcrossUsers(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	auth := virtualwebauthn.NewAuthenticator()
	cred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	env.register(t, "first@example.com", &auth, &cred)

	bundle, err := env.coordinator.Begin(ctx, "second@example.com", OperationRegistration)
	require.NoError(t, err)

	// Same credential id answered for a different email.
	_, err = env.verifier.CompleteRegistration(ctx, "second@example.com", env.attest(t, bundle, &auth, &cred))
	assert.ErrorIs(t, err, ErrAlreadyEnrolled)
	_, err = env.store.GetUserByEmail(ctx, "second@example.com")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCompleteAssertion_AdvancesSignCount(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	auth := virtualwebauthn.NewAuthenticator()
	cred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	user := env.register(t, "login@example.com", &auth, &cred)

	cred.Counter++
	bundle, err := env.coordinator.Begin(ctx, "login@example.com", OperationLogin)
	require.NoError(t, err)

	verified, err := env.verifier.CompleteAssertion(ctx, user.ID, env.assert(t, bundle, &auth, &cred))
	require.NoError(t, err)
	assert.Equal(t, user.ID, verified.ID)

	creds, err := env.store.CredentialsByUser(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, uint32(1), creds[0].SignCount)
	assert.False(t, creds[0].LastUsedAt.IsZero())
}

func TestCompleteAssertion_CounterRegressionDetected(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	auth := virtualwebauthn.NewAuthenticator()
	cred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	user := env.register(t, "cloned@example.com", &auth, &cred)

	cred.Counter = 5
	bundle, err := env.coordinator.Begin(ctx, "cloned@example.com", OperationLogin)
	require.NoError(t, err)
	_, err = env.verifier.CompleteAssertion(ctx, user.ID, env.assert(t, bundle, &auth, &cred))
	require.NoError(t, err)

	// A second login whose counter did not advance looks like a clone
	// replaying captured state.
	bundle, err = env.coordinator.Begin(ctx, "cloned@example.com", OperationLogin)
	require.NoError(t, err)
	_, err = env.verifier.CompleteAssertion(ctx, user.ID, env.assert(t, bundle, &auth, &cred))
	assert.ErrorIs(t, err, ErrPossibleClone)

	// The stored counter must not move on a rejected assertion.
	creds, err := env.store.CredentialsByUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), creds[0].SignCount)
}

func TestCompleteAssertion_ReplayAgainstFreshChallenge(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	auth := virtualwebauthn.NewAuthenticator()
	cred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	user := env.register(t, "replay@example.com", &auth, &cred)

	cred.Counter++
	bundle, err := env.coordinator.Begin(ctx, "replay@example.com", OperationLogin)
	require.NoError(t, err)
	captured := env.assert(t, bundle, &auth, &cred)

	_, err = env.verifier.CompleteAssertion(ctx, user.ID, captured)
	require.NoError(t, err)

	// Replaying the captured response against a fresh challenge fails:
	// the signature covers the old nonce.
	_, err = env.coordinator.Begin(ctx, "replay@example.com", OperationLogin)
	require.NoError(t, err)
	_, err = env.verifier.CompleteAssertion(ctx, user.ID, captured)
	assert.ErrorIs(t, err, ErrVerificationFailed)
}

func TestCompleteAssertion_NoPendingChallenge(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	auth := virtualwebauthn.NewAuthenticator()
	cred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	user := env.register(t, "idle@example.com", &auth, &cred)

	cred.Counter++
	bundle, err := env.coordinator.Begin(ctx, "idle@example.com", OperationLogin)
	require.NoError(t, err)
	response := env.assert(t, bundle, &auth, &cred)

	_, err = env.verifier.CompleteAssertion(ctx, user.ID, response)
	require.NoError(t, err)

	_, err = env.verifier.CompleteAssertion(ctx, user.ID, response)
	assert.ErrorIs(t, err, ErrNoPendingChallenge)
}

func TestAddCredential_Flow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	auth1 := virtualwebauthn.NewAuthenticator()
	cred1 := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	user := env.register(t, "multi@example.com", &auth1, &cred1)

	bundle, err := env.coordinator.BeginAddCredential(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, bundle.Creation)
	assert.Len(t, bundle.Creation.Response.CredentialExcludeList, 1)

	auth2 := virtualwebauthn.NewAuthenticator()
	cred2 := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	added, err := env.verifier.CompleteAddCredential(ctx, user.ID, env.attest(t, bundle, &auth2, &cred2))
	require.NoError(t, err)
	assert.Equal(t, user.ID, added.UserID)

	creds, err := env.store.CredentialsByUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, creds, 2)

	// The exclusion list now covers both credentials.
	bundle, err = env.coordinator.BeginAddCredential(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, bundle.Creation.Response.CredentialExcludeList, 2)
}

func TestAddCredential_DuplicateRejected(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	auth := virtualwebauthn.NewAuthenticator()
	cred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	user := env.register(t, "dup@example.com", &auth, &cred)

	bundle, err := env.coordinator.BeginAddCredential(ctx, user.ID)
	require.NoError(t, err)

	// Re-enrolling the already-attached credential must fail even if the
	// client ignores the exclusion list.
	_, err = env.verifier.CompleteAddCredential(ctx, user.ID, env.attest(t, bundle, &auth, &cred))
	assert.ErrorIs(t, err, ErrAlreadyEnrolled)

	creds, err := env.store.CredentialsByUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, creds, 1)
}

func TestBeginAddCredential_UnknownUser(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.coordinator.BeginAddCredential(context.Background(), "no-such-user")
	assert.ErrorIs(t, err, ErrOperationMismatch)
}

package ceremony

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/descope/virtualwebauthn"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/stretchr/testify/require"

	"github.com/keygate/keygate/internal/models"
	"github.com/keygate/keygate/internal/storage"
)

// testEnv wires a coordinator and verifier against in-memory storage and
// a virtual relying party so ceremonies run end to end without a browser.
type testEnv struct {
	store       *storage.MemoryStorage
	coordinator *Coordinator
	verifier    *Verifier
	rp          virtualwebauthn.RelyingParty
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	wa, err := webauthn.New(&webauthn.Config{
		RPDisplayName: "Keygate Test",
		RPID:          "example.com",
		RPOrigins:     []string{"https://example.com"},
	})
	require.NoError(t, err)

	store := storage.NewMemoryStorage()
	return &testEnv{
		store:       store,
		coordinator: NewCoordinator(wa, store, store, store, 0),
		verifier:    NewVerifier(wa, store, store, store),
		rp: virtualwebauthn.RelyingParty{
			Name:   "Keygate Test",
			ID:     "example.com",
			Origin: "https://example.com",
		},
	}
}

func parseAttestation(t *testing.T, attestation string) *protocol.ParsedCredentialCreationData {
	t.Helper()
	var ccr protocol.CredentialCreationResponse
	require.NoError(t, json.Unmarshal([]byte(attestation), &ccr))
	parsed, err := ccr.Parse()
	require.NoError(t, err)
	return parsed
}

func parseAssertion(t *testing.T, assertion string) *protocol.ParsedCredentialAssertionData {
	t.Helper()
	var car protocol.CredentialAssertionResponse
	require.NoError(t, json.Unmarshal([]byte(assertion), &car))
	parsed, err := car.Parse()
	require.NoError(t, err)
	return parsed
}

// attest answers the registration options in the bundle with the given
// authenticator and credential.
func (e *testEnv) attest(t *testing.T, bundle *ChallengeBundle, auth *virtualwebauthn.Authenticator, cred *virtualwebauthn.Credential) *protocol.ParsedCredentialCreationData {
	t.Helper()
	require.NotNil(t, bundle.Creation)

	optionsJSON, err := json.Marshal(bundle.Creation.Response)
	require.NoError(t, err)

	options, err := virtualwebauthn.ParseAttestationOptions(string(optionsJSON))
	require.NoError(t, err)

	return parseAttestation(t, virtualwebauthn.CreateAttestationResponse(e.rp, *auth, *cred, *options))
}

// assert answers the login options in the bundle. The caller advances
// cred.Counter first when simulating a healthy authenticator.
func (e *testEnv) assert(t *testing.T, bundle *ChallengeBundle, auth *virtualwebauthn.Authenticator, cred *virtualwebauthn.Credential) *protocol.ParsedCredentialAssertionData {
	t.Helper()
	require.NotNil(t, bundle.Assertion)

	optionsJSON, err := json.Marshal(bundle.Assertion.Response)
	require.NoError(t, err)

	options, err := virtualwebauthn.ParseAssertionOptions(string(optionsJSON))
	require.NoError(t, err)

	return parseAssertion(t, virtualwebauthn.CreateAssertionResponse(e.rp, *auth, *cred, *options))
}

// register runs a full registration ceremony for the email and returns
// the created user.
func (e *testEnv) register(t *testing.T, email string, auth *virtualwebauthn.Authenticator, cred *virtualwebauthn.Credential) *models.User {
	t.Helper()
	ctx := context.Background()

	bundle, err := e.coordinator.Begin(ctx, email, OperationRegistration)
	require.NoError(t, err)

	user, err := e.verifier.CompleteRegistration(ctx, email, e.attest(t, bundle, auth, cred))
	require.NoError(t, err)
	auth.AddCredential(*cred)

	return user
}

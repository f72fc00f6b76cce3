package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keygate/keygate/internal/models"
	"github.com/keygate/keygate/internal/storage"
)

func testUser() *models.User {
	return &models.User{
		ID:          "user-1",
		Email:       "a@x.com",
		DisplayName: "a@x.com",
		CreatedAt:   time.Now().UTC(),
	}
}

func TestStoreBridge_IssueSession(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	bridge := NewStoreBridge(store, nil, time.Hour)

	sess, err := bridge.IssueSession(ctx, testUser())
	require.NoError(t, err)
	assert.Len(t, sess.ID, 64)
	assert.Equal(t, "user-1", sess.UserID)
	assert.Equal(t, "a@x.com", sess.Email)
	assert.Empty(t, sess.Token)
	assert.WithinDuration(t, time.Now().Add(time.Hour), sess.ExpiresAt, 5*time.Second)

	stored, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.UserID, stored.UserID)
}

func TestStoreBridge_SessionIDsAreUnique(t *testing.T) {
	ctx := context.Background()
	bridge := NewStoreBridge(storage.NewMemoryStorage(), nil, 0)

	first, err := bridge.IssueSession(ctx, testUser())
	require.NoError(t, err)
	second, err := bridge.IssueSession(ctx, testUser())
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
}

func TestStoreBridge_SignsTokenWhenConfigured(t *testing.T) {
	ctx := context.Background()
	issuer := NewTokenIssuer([]byte("test-secret"), "keygate")
	bridge := NewStoreBridge(storage.NewMemoryStorage(), issuer, time.Hour)

	sess, err := bridge.IssueSession(ctx, testUser())
	require.NoError(t, err)
	require.NotEmpty(t, sess.Token)

	claims, err := issuer.Verify(sess.Token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims["sub"])
	assert.Equal(t, "a@x.com", claims["email"])
	assert.Equal(t, "keygate", claims["iss"])
}

func TestTokenIssuer_RejectsForeignToken(t *testing.T) {
	issuer := NewTokenIssuer([]byte("secret-a"), "keygate")
	other := NewTokenIssuer([]byte("secret-b"), "keygate")

	token, err := other.Sign(testUser(), time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, err = issuer.Verify(token)
	assert.Error(t, err)
}

func TestTokenIssuer_RejectsExpiredToken(t *testing.T) {
	issuer := NewTokenIssuer([]byte("secret"), "keygate")

	token, err := issuer.Sign(testUser(), time.Now().Add(-time.Minute))
	require.NoError(t, err)

	_, err = issuer.Verify(token)
	assert.Error(t, err)
}

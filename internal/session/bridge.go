package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/keygate/keygate/internal/models"
	"github.com/keygate/keygate/internal/storage"
)

// Bridge exchanges a verified identity for an application session. The
// ceremony core reports who the user is; everything after that is the
// bridge's business.
type Bridge interface {
	IssueSession(ctx context.Context, user *models.User) (*models.Session, error)
}

// DefaultSessionTTL is how long issued sessions live.
const DefaultSessionTTL = 24 * time.Hour

// StoreBridge issues sessions backed by SessionStorage. When a token
// issuer is configured, the session additionally carries a signed JWT
// for downstream services.
type StoreBridge struct {
	sessions storage.SessionStorage
	tokens   *TokenIssuer
	ttl      time.Duration
	now      func() time.Time
}

func NewStoreBridge(sessions storage.SessionStorage, tokens *TokenIssuer, ttl time.Duration) *StoreBridge {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &StoreBridge{
		sessions: sessions,
		tokens:   tokens,
		ttl:      ttl,
		now:      time.Now,
	}
}

func (b *StoreBridge) IssueSession(ctx context.Context, user *models.User) (*models.Session, error) {
	id, err := newSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}

	now := b.now().UTC()
	session := &models.Session{
		ID:        id,
		UserID:    user.ID,
		Email:     user.Email,
		CreatedAt: now,
		ExpiresAt: now.Add(b.ttl),
	}

	if b.tokens != nil {
		token, err := b.tokens.Sign(user, session.ExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("failed to sign session token: %w", err)
		}
		session.Token = token
	}

	if err := b.sessions.SaveSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

func newSessionID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

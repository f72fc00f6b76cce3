package storage

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/keygate/keygate/internal/models"
)

// MemoryStorage keeps everything in process memory. It backs tests and
// single-node deployments; challenge and session records are swept by a
// background routine so abandoned ceremonies do not accumulate.
type MemoryStorage struct {
	mu         sync.Mutex
	challenges map[string]*models.PendingChallenge
	users      map[string]*models.User
	emails     map[string]string
	creds      map[string]*models.Credential
	sessions   map[string]*models.Session
}

func NewMemoryStorage() *MemoryStorage {
	storage := &MemoryStorage{
		challenges: make(map[string]*models.PendingChallenge),
		users:      make(map[string]*models.User),
		emails:     make(map[string]string),
		creds:      make(map[string]*models.Credential),
		sessions:   make(map[string]*models.Session),
	}

	go storage.cleanupRoutine()

	return storage
}

func challengeKey(kind models.ChallengeKind, key string) string {
	return string(kind) + ":" + key
}

func credentialKey(id []byte) string {
	return base64.RawURLEncoding.EncodeToString(id)
}

func (m *MemoryStorage) SaveChallenge(ctx context.Context, challenge *models.PendingChallenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.challenges[challengeKey(challenge.Kind, challenge.Key())] = challenge
	return nil
}

func (m *MemoryStorage) ConsumeChallenge(ctx context.Context, kind models.ChallengeKind, key string) (*models.PendingChallenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := challengeKey(kind, key)
	challenge, exists := m.challenges[k]
	if !exists {
		return nil, ErrNotFound
	}
	delete(m.challenges, k)
	return challenge, nil
}

func (m *MemoryStorage) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, exists := m.emails[email]
	if !exists {
		return nil, ErrNotFound
	}
	user := *m.users[id]
	return &user, nil
}

func (m *MemoryStorage) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, exists := m.users[id]
	if !exists {
		return nil, ErrNotFound
	}
	copied := *user
	return &copied, nil
}

func (m *MemoryStorage) CreateUserWithCredential(ctx context.Context, user *models.User, cred *models.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.emails[user.Email]; exists {
		return ErrConflict
	}
	if _, exists := m.users[user.ID]; exists {
		return ErrConflict
	}
	if _, exists := m.creds[credentialKey(cred.ID)]; exists {
		return ErrConflict
	}

	copied := *user
	m.users[user.ID] = &copied
	m.emails[user.Email] = user.ID
	copiedCred := *cred
	m.creds[credentialKey(cred.ID)] = &copiedCred
	return nil
}

func (m *MemoryStorage) SaveCredential(ctx context.Context, cred *models.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.users[cred.UserID]; !exists {
		return ErrNotFound
	}
	if _, exists := m.creds[credentialKey(cred.ID)]; exists {
		return ErrConflict
	}
	copied := *cred
	m.creds[credentialKey(cred.ID)] = &copied
	return nil
}

func (m *MemoryStorage) CredentialsByUser(ctx context.Context, userID string) ([]*models.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Credential
	for _, cred := range m.creds {
		if cred.UserID == userID {
			copied := *cred
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *MemoryStorage) CredentialExists(ctx context.Context, credentialID []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, exists := m.creds[credentialKey(credentialID)]
	return exists, nil
}

func (m *MemoryStorage) UpdateSignCount(ctx context.Context, credentialID []byte, expected, next uint32, usedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cred, exists := m.creds[credentialKey(credentialID)]
	if !exists {
		return ErrNotFound
	}
	if cred.SignCount != expected {
		return ErrConflict
	}
	cred.SignCount = next
	cred.LastUsedAt = usedAt
	return nil
}

func (m *MemoryStorage) SaveSession(ctx context.Context, session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *session
	m.sessions[session.ID] = &copied
	return nil
}

func (m *MemoryStorage) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.sessions[sessionID]
	if !exists {
		return nil, ErrNotFound
	}
	if time.Now().After(session.ExpiresAt) {
		delete(m.sessions, sessionID)
		return nil, ErrNotFound
	}
	copied := *session
	return &copied, nil
}

func (m *MemoryStorage) DeleteSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, sessionID)
	return nil
}

// cleanupRoutine sweeps expired challenges and sessions every 5 minutes.
func (m *MemoryStorage) cleanupRoutine() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		m.cleanup()
	}
}

func (m *MemoryStorage) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()

	for key, challenge := range m.challenges {
		if challenge.Expired(now) {
			delete(m.challenges, key)
		}
	}

	for id, session := range m.sessions {
		if now.After(session.ExpiresAt) {
			delete(m.sessions, id)
		}
	}
}

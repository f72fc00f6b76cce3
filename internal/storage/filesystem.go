package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/keygate/keygate/internal/models"
)

// FilesystemStorage persists users and their credentials as JSON
// documents on disk. Each user is one document; two index files map the
// email and every credential id back to the owning user so lookups and
// the global credential-uniqueness check stay O(1). A process mutex
// serializes writes, which makes the create-with-credential and
// sign-count updates atomic on a single node.
type FilesystemStorage struct {
	basePath string
	mu       sync.Mutex
}

type userDocument struct {
	User        models.User          `json:"user"`
	Credentials []*models.Credential `json:"credentials"`
}

type indexEntry struct {
	UserID string `json:"userId"`
}

func NewFilesystemStorage(basePath string) (*FilesystemStorage, error) {
	for _, dir := range []string{"users", "emails", "credentials"} {
		if err := os.MkdirAll(filepath.Join(basePath, dir), 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s path: %w", dir, err)
		}
	}

	return &FilesystemStorage{
		basePath: basePath,
	}, nil
}

func encodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func (f *FilesystemStorage) userPath(id string) string {
	return filepath.Join(f.basePath, "users", encodeKey(id)+".json")
}

func (f *FilesystemStorage) emailPath(email string) string {
	return filepath.Join(f.basePath, "emails", encodeKey(email)+".json")
}

func (f *FilesystemStorage) credentialPath(id []byte) string {
	return filepath.Join(f.basePath, "credentials", credentialKey(id)+".json")
}

func (f *FilesystemStorage) readUserDocument(id string) (*userDocument, error) {
	data, err := os.ReadFile(f.userPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read user file: %w", err)
	}

	var doc userDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}

	return &doc, nil
}

func (f *FilesystemStorage) writeUserDocument(doc *userDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	if err := os.WriteFile(f.userPath(doc.User.ID), data, 0644); err != nil {
		return fmt.Errorf("failed to write user file: %w", err)
	}

	return nil
}

func (f *FilesystemStorage) writeIndex(path, userID string) error {
	data, err := json.Marshal(indexEntry{UserID: userID})
	if err != nil {
		return fmt.Errorf("failed to marshal index entry: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write index file: %w", err)
	}

	return nil
}

func (f *FilesystemStorage) readIndex(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to read index file: %w", err)
	}

	var entry indexEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return "", fmt.Errorf("failed to unmarshal index entry: %w", err)
	}

	return entry.UserID, nil
}

func (f *FilesystemStorage) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id, err := f.readIndex(f.emailPath(email))
	if err != nil {
		return nil, err
	}

	doc, err := f.readUserDocument(id)
	if err != nil {
		return nil, err
	}

	user := doc.User
	return &user, nil
}

func (f *FilesystemStorage) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.readUserDocument(id)
	if err != nil {
		return nil, err
	}

	user := doc.User
	return &user, nil
}

func (f *FilesystemStorage) CreateUserWithCredential(ctx context.Context, user *models.User, cred *models.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := os.Stat(f.emailPath(user.Email)); err == nil {
		return ErrConflict
	}
	if _, err := os.Stat(f.userPath(user.ID)); err == nil {
		return ErrConflict
	}
	if _, err := os.Stat(f.credentialPath(cred.ID)); err == nil {
		return ErrConflict
	}

	doc := &userDocument{
		User:        *user,
		Credentials: []*models.Credential{cred},
	}
	if err := f.writeUserDocument(doc); err != nil {
		return err
	}
	if err := f.writeIndex(f.emailPath(user.Email), user.ID); err != nil {
		os.Remove(f.userPath(user.ID))
		return err
	}
	if err := f.writeIndex(f.credentialPath(cred.ID), user.ID); err != nil {
		os.Remove(f.emailPath(user.Email))
		os.Remove(f.userPath(user.ID))
		return err
	}

	return nil
}

func (f *FilesystemStorage) SaveCredential(ctx context.Context, cred *models.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := os.Stat(f.credentialPath(cred.ID)); err == nil {
		return ErrConflict
	}

	doc, err := f.readUserDocument(cred.UserID)
	if err != nil {
		return err
	}

	doc.Credentials = append(doc.Credentials, cred)
	if err := f.writeUserDocument(doc); err != nil {
		return err
	}

	return f.writeIndex(f.credentialPath(cred.ID), cred.UserID)
}

func (f *FilesystemStorage) CredentialsByUser(ctx context.Context, userID string) ([]*models.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.readUserDocument(userID)
	if err != nil {
		if err == ErrNotFound {
			return nil, nil
		}
		return nil, err
	}

	return doc.Credentials, nil
}

func (f *FilesystemStorage) CredentialExists(ctx context.Context, credentialID []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, err := os.Stat(f.credentialPath(credentialID))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check credential file: %w", err)
	}

	return true, nil
}

func (f *FilesystemStorage) UpdateSignCount(ctx context.Context, credentialID []byte, expected, next uint32, usedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	ownerID, err := f.readIndex(f.credentialPath(credentialID))
	if err != nil {
		return err
	}

	doc, err := f.readUserDocument(ownerID)
	if err != nil {
		return err
	}

	for _, cred := range doc.Credentials {
		if bytes.Equal(cred.ID, credentialID) {
			if cred.SignCount != expected {
				return ErrConflict
			}
			cred.SignCount = next
			cred.LastUsedAt = usedAt
			return f.writeUserDocument(doc)
		}
	}

	return ErrNotFound
}

package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/keygate/keygate/internal/models"
)

// S3Storage persists users and credentials as JSON objects in an
// S3-compatible bucket, mirroring the filesystem layout: one document
// per user plus email and credential-id index objects. A process mutex
// serializes writes; running multiple writer instances against the same
// bucket needs external coordination.
type S3Storage struct {
	client *minio.Client
	bucket string
	mu     sync.Mutex
}

func NewS3Storage(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*S3Storage, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	return &S3Storage{
		client: client,
		bucket: bucket,
	}, nil
}

func (s *S3Storage) userKey(id string) string {
	return fmt.Sprintf("users/%s.json", encodeKey(id))
}

func (s *S3Storage) emailKey(email string) string {
	return fmt.Sprintf("emails/%s.json", encodeKey(email))
}

func (s *S3Storage) credentialObjectKey(id []byte) string {
	return fmt.Sprintf("credentials/%s.json", credentialKey(id))
}

func (s *S3Storage) getJSON(ctx context.Context, key string, out interface{}) error {
	object, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to get object: %w", err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" {
			return ErrNotFound
		}
		return fmt.Errorf("failed to read object: %w", err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal object: %w", err)
	}

	return nil
}

func (s *S3Storage) putJSON(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal object: %w", err)
	}

	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("failed to put object: %w", err)
	}

	return nil
}

func (s *S3Storage) exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat object: %w", err)
	}
	return true, nil
}

func (s *S3Storage) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var entry indexEntry
	if err := s.getJSON(ctx, s.emailKey(email), &entry); err != nil {
		return nil, err
	}
	return s.GetUserByID(ctx, entry.UserID)
}

func (s *S3Storage) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	var doc userDocument
	if err := s.getJSON(ctx, s.userKey(id), &doc); err != nil {
		return nil, err
	}
	user := doc.User
	return &user, nil
}

func (s *S3Storage) CreateUserWithCredential(ctx context.Context, user *models.User, cred *models.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range []string{s.emailKey(user.Email), s.userKey(user.ID), s.credentialObjectKey(cred.ID)} {
		exists, err := s.exists(ctx, key)
		if err != nil {
			return err
		}
		if exists {
			return ErrConflict
		}
	}

	doc := &userDocument{
		User:        *user,
		Credentials: []*models.Credential{cred},
	}
	if err := s.putJSON(ctx, s.userKey(user.ID), doc); err != nil {
		return err
	}
	if err := s.putJSON(ctx, s.emailKey(user.Email), indexEntry{UserID: user.ID}); err != nil {
		return err
	}
	return s.putJSON(ctx, s.credentialObjectKey(cred.ID), indexEntry{UserID: user.ID})
}

func (s *S3Storage) SaveCredential(ctx context.Context, cred *models.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.exists(ctx, s.credentialObjectKey(cred.ID))
	if err != nil {
		return err
	}
	if exists {
		return ErrConflict
	}

	var doc userDocument
	if err := s.getJSON(ctx, s.userKey(cred.UserID), &doc); err != nil {
		return err
	}

	doc.Credentials = append(doc.Credentials, cred)
	if err := s.putJSON(ctx, s.userKey(cred.UserID), &doc); err != nil {
		return err
	}

	return s.putJSON(ctx, s.credentialObjectKey(cred.ID), indexEntry{UserID: cred.UserID})
}

func (s *S3Storage) CredentialsByUser(ctx context.Context, userID string) ([]*models.Credential, error) {
	var doc userDocument
	if err := s.getJSON(ctx, s.userKey(userID), &doc); err != nil {
		if err == ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return doc.Credentials, nil
}

func (s *S3Storage) CredentialExists(ctx context.Context, credentialID []byte) (bool, error) {
	return s.exists(ctx, s.credentialObjectKey(credentialID))
}

func (s *S3Storage) UpdateSignCount(ctx context.Context, credentialID []byte, expected, next uint32, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entry indexEntry
	if err := s.getJSON(ctx, s.credentialObjectKey(credentialID), &entry); err != nil {
		return err
	}

	var doc userDocument
	if err := s.getJSON(ctx, s.userKey(entry.UserID), &doc); err != nil {
		return err
	}

	for _, cred := range doc.Credentials {
		if bytes.Equal(cred.ID, credentialID) {
			if cred.SignCount != expected {
				return ErrConflict
			}
			cred.SignCount = next
			cred.LastUsedAt = usedAt
			return s.putJSON(ctx, s.userKey(entry.UserID), &doc)
		}
	}

	return ErrNotFound
}

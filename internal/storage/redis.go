package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keygate/keygate/internal/models"
)

// RedisStorage backs challenges and sessions with Redis so multiple
// stateless handlers can share ceremony state. SET gives the atomic
// per-key upsert, GETDEL the atomic consume; the key TTL is a backstop
// only, expiry is still checked against the record's own ExpiresAt.
type RedisStorage struct {
	client *redis.Client
}

func NewRedisStorage(client *redis.Client) *RedisStorage {
	return &RedisStorage{
		client: client,
	}
}

func redisChallengeKey(kind models.ChallengeKind, key string) string {
	return fmt.Sprintf("challenge:%s:%s", kind, key)
}

func (r *RedisStorage) SaveChallenge(ctx context.Context, challenge *models.PendingChallenge) error {
	data, err := json.Marshal(challenge)
	if err != nil {
		return fmt.Errorf("failed to marshal challenge: %w", err)
	}

	// Keep the key around a little past ExpiresAt so a late complete sees
	// ChallengeExpired instead of a bare miss.
	ttl := time.Until(challenge.ExpiresAt) + time.Minute
	if ttl <= 0 {
		return fmt.Errorf("challenge already expired")
	}

	key := redisChallengeKey(challenge.Kind, challenge.Key())
	if err := r.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save challenge: %w", err)
	}

	return nil
}

func (r *RedisStorage) ConsumeChallenge(ctx context.Context, kind models.ChallengeKind, key string) (*models.PendingChallenge, error) {
	data, err := r.client.GetDel(ctx, redisChallengeKey(kind, key)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume challenge: %w", err)
	}

	var challenge models.PendingChallenge
	if err := json.Unmarshal([]byte(data), &challenge); err != nil {
		return nil, fmt.Errorf("failed to unmarshal challenge: %w", err)
	}

	return &challenge, nil
}

func (r *RedisStorage) SaveSession(ctx context.Context, session *models.Session) error {
	key := fmt.Sprintf("session:%s", session.ID)

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("session already expired")
	}

	if err := r.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	return nil
}

func (r *RedisStorage) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	key := fmt.Sprintf("session:%s", sessionID)

	data, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var session models.Session
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	if time.Now().After(session.ExpiresAt) {
		r.client.Del(ctx, key)
		return nil, ErrNotFound
	}

	return &session, nil
}

func (r *RedisStorage) DeleteSession(ctx context.Context, sessionID string) error {
	return r.client.Del(ctx, fmt.Sprintf("session:%s", sessionID)).Err()
}

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"career-agent/internal/domain"
)

const defaultRedisPrefix = "career-agent:"

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr     string
	Password string
	DB       int
	// Prefix is prepended to every key (default: "career-agent:").
	Prefix string
}

// RedisStore keeps one JSON transcript per session key and applies writes
// with WATCH/MULTI so a concurrent writer makes the later one fail.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("repository: redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("repository: redis ping failed: %w", err)
	}
	return NewRedisStoreFromClient(client, cfg.Prefix), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) transcriptKey(sessionID string) string {
	return s.prefix + "transcript:" + sessionID
}

// Read returns the stored transcript for sessionID. The boolean is false when
// no transcript has been written yet.
func (s *RedisStore) Read(ctx context.Context, sessionID string) (domain.Transcript, bool, error) {
	if strings.TrimSpace(sessionID) == "" {
		return domain.Transcript{}, false, errors.New("repository: Read: session id is required")
	}
	data, err := s.client.Get(ctx, s.transcriptKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Transcript{}, false, nil
		}
		return domain.Transcript{}, false, fmt.Errorf("repository: Read: %w: %w", domain.ErrStorageUnavailable, err)
	}
	var t domain.Transcript
	if err := json.Unmarshal(data, &t); err != nil {
		return domain.Transcript{}, false, fmt.Errorf("repository: Read decode: %w", err)
	}
	return t, true, nil
}

// Write stores t if the stored version still equals t.Version, the number of
// turns t was merged onto, and returns t with its new version.
func (s *RedisStore) Write(ctx context.Context, t domain.Transcript) (domain.Transcript, error) {
	if strings.TrimSpace(t.SessionID) == "" {
		return domain.Transcript{}, errors.New("repository: Write: session id is required")
	}
	if len(t.Turns) == 0 {
		return domain.Transcript{}, errors.New("repository: Write: transcript has no turns")
	}
	if t.Version < 0 || t.Version >= int64(len(t.Turns)) {
		return domain.Transcript{}, fmt.Errorf("repository: Write: no new turns after version %d", t.Version)
	}

	next := t
	next.Version = int64(len(t.Turns))
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(next)
	if err != nil {
		return domain.Transcript{}, fmt.Errorf("repository: Write encode: %w", err)
	}

	key := s.transcriptKey(t.SessionID)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := storedVersion(ctx, tx, key)
		if err != nil {
			return err
		}
		if current != t.Version {
			return domain.ErrStorageConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return next, nil
	case errors.Is(err, domain.ErrStorageConflict), errors.Is(err, redis.TxFailedErr):
		return domain.Transcript{}, fmt.Errorf("repository: Write: %w", domain.ErrStorageConflict)
	default:
		return domain.Transcript{}, fmt.Errorf("repository: Write: %w: %w", domain.ErrStorageUnavailable, err)
	}
}

func storedVersion(ctx context.Context, tx *redis.Tx, key string) (int64, error) {
	data, err := tx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var head struct {
		Version int64 `json:"version"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return 0, fmt.Errorf("decode stored version: %w", err)
	}
	return head.Version, nil
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

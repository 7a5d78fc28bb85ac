package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/khipu/wallet-service/internal/domain"
)

const pendingMarker = "pending:"

// IdempotencyStore remembers the outcome of a transfer per sender and key.
//
// Begin claims the key for the request identified by fingerprint. It returns
// a non-nil result when that request already committed, ErrTransferInProgress
// when another attempt holds the claim, ErrIdempotencyKeyReused when the key
// belongs to a different request, and (nil, nil) when the caller now owns it.
// The owner must either Complete or Release the claim.
type IdempotencyStore interface {
	Begin(ctx context.Context, senderID, key, fingerprint string) (*domain.TransferResult, error)
	Complete(ctx context.Context, senderID, key, fingerprint string, result *domain.TransferResult) error
	Release(ctx context.Context, senderID, key string) error
}

// idempotencyRecord is the stored value of a committed key.
type idempotencyRecord struct {
	Fingerprint string                `json:"fingerprint"`
	Result      domain.TransferResult `json:"result"`
}

// RedisIdempotencyStore keeps claims and results in Redis with a TTL.
type RedisIdempotencyStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisIdempotencyStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisIdempotencyStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisIdempotencyStore{
		client: client,
		prefix: keyPrefix(prefix, "idempotency"),
		ttl:    ttl,
	}
}

func (s *RedisIdempotencyStore) key(senderID, key string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, senderID, key)
}

func (s *RedisIdempotencyStore) Begin(ctx context.Context, senderID, key, fingerprint string) (*domain.TransferResult, error) {
	redisKey := s.key(senderID, key)
	claimed, err := s.client.SetNX(ctx, redisKey, pendingMarker+fingerprint, s.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("claim idempotency key: %w", err)
	}
	if claimed {
		return nil, nil
	}

	raw, err := s.client.Get(ctx, redisKey).Result()
	if errors.Is(err, redis.Nil) {
		// Released between SETNX and GET; let the caller retry the request.
		return nil, domain.ErrTransferInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("read idempotency key: %w", err)
	}
	if pending, ok := strings.CutPrefix(raw, pendingMarker); ok {
		if pending != fingerprint {
			return nil, domain.ErrIdempotencyKeyReused
		}
		return nil, domain.ErrTransferInProgress
	}

	var record idempotencyRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("decode cached transfer result: %w", err)
	}
	if record.Fingerprint != fingerprint {
		return nil, domain.ErrIdempotencyKeyReused
	}
	return &record.Result, nil
}

func (s *RedisIdempotencyStore) Complete(ctx context.Context, senderID, key, fingerprint string, result *domain.TransferResult) error {
	payload, err := json.Marshal(idempotencyRecord{Fingerprint: fingerprint, Result: *result})
	if err != nil {
		return fmt.Errorf("encode transfer result: %w", err)
	}
	return s.client.Set(ctx, s.key(senderID, key), payload, s.ttl).Err()
}

func (s *RedisIdempotencyStore) Release(ctx context.Context, senderID, key string) error {
	return s.client.Del(ctx, s.key(senderID, key)).Err()
}

// MemoryIdempotencyStore is the single-process variant used when Redis is
// not configured.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]memoryClaim
}

type memoryClaim struct {
	fingerprint string
	result      *domain.TransferResult
}

func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{entries: make(map[string]memoryClaim)}
}

func (s *MemoryIdempotencyStore) Begin(ctx context.Context, senderID, key, fingerprint string) (*domain.TransferResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := senderID + ":" + key
	claim, exists := s.entries[k]
	if !exists {
		s.entries[k] = memoryClaim{fingerprint: fingerprint}
		return nil, nil
	}
	if claim.fingerprint != fingerprint {
		return nil, domain.ErrIdempotencyKeyReused
	}
	if claim.result == nil {
		return nil, domain.ErrTransferInProgress
	}
	cached := *claim.result
	return &cached, nil
}

func (s *MemoryIdempotencyStore) Complete(ctx context.Context, senderID, key, fingerprint string, result *domain.TransferResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *result
	s.entries[senderID+":"+key] = memoryClaim{fingerprint: fingerprint, result: &stored}
	return nil
}

func (s *MemoryIdempotencyStore) Release(ctx context.Context, senderID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, senderID+":"+key)
	return nil
}

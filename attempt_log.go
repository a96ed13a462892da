package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type AttemptKind string

const (
	AttemptRegister     AttemptKind = "register"
	AttemptAuthenticate AttemptKind = "authenticate"
)

// Attempt outcomes. A rejected match is not a failure of the operation,
// it is a completed operation with a negative verdict.
const (
	OutcomeSuccess       = "success"
	OutcomeNotRecognized = "not_recognized"
	OutcomeFailure       = "failure"
)

// AttemptRecord is one completed biometric operation as seen by the
// gateway. Confidence is only meaningful for authentication attempts.
type AttemptRecord struct {
	Id         string      `json:"id"`
	Kind       AttemptKind `json:"kind"`
	Email      string      `json:"email,omitempty"`
	Outcome    string      `json:"outcome"`
	Confidence float64     `json:"confidence,omitempty"`
	At         time.Time   `json:"at"`
}

// Should be safe to use in concurrency
type AttemptStore interface {
	// RecordAttempt appends one attempt to the log. The log is capped;
	// old records may be discarded to make room.
	RecordAttempt(record AttemptRecord) error

	// RecentAttempts returns up to limit attempts, newest first.
	RecentAttempts(limit int) ([]AttemptRecord, error)
}

// Retention cap shared by both implementations.
const maxRetainedAttempts = 200

// ------------------------------------------------------------------------------

type InMemoryAttemptStore struct {
	attempts []AttemptRecord
	mutex    sync.Mutex
}

func NewInMemoryAttemptStore() *InMemoryAttemptStore {
	return &InMemoryAttemptStore{}
}

func (s *InMemoryAttemptStore) RecordAttempt(record AttemptRecord) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.attempts = append(s.attempts, record)
	if len(s.attempts) > maxRetainedAttempts {
		s.attempts = s.attempts[len(s.attempts)-maxRetainedAttempts:]
	}
	return nil
}

func (s *InMemoryAttemptStore) RecentAttempts(limit int) ([]AttemptRecord, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if limit <= 0 || limit > len(s.attempts) {
		limit = len(s.attempts)
	}

	result := make([]AttemptRecord, 0, limit)
	for i := len(s.attempts) - 1; i >= len(s.attempts)-limit; i-- {
		result = append(result, s.attempts[i])
	}
	return result, nil
}

// ------------------------------------------------------------------------------

type RedisAttemptStore struct {
	client    *redis.Client
	namespace string
}

func NewRedisAttemptStore(client *redis.Client, namespace string) *RedisAttemptStore {
	return &RedisAttemptStore{client: client, namespace: namespace}
}

func attemptKey(namespace string) string {
	return fmt.Sprintf("%s:attempts", namespace)
}

func (s *RedisAttemptStore) RecordAttempt(record AttemptRecord) error {
	ctx := context.Background()

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal attempt record: %w", err)
	}

	key := attemptKey(s.namespace)
	if err := s.client.LPush(ctx, key, payload).Err(); err != nil {
		return err
	}
	return s.client.LTrim(ctx, key, 0, maxRetainedAttempts-1).Err()
}

func (s *RedisAttemptStore) RecentAttempts(limit int) ([]AttemptRecord, error) {
	ctx := context.Background()

	if limit <= 0 || limit > maxRetainedAttempts {
		limit = maxRetainedAttempts
	}

	entries, err := s.client.LRange(ctx, attemptKey(s.namespace), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, err
	}

	result := make([]AttemptRecord, 0, len(entries))
	for _, entry := range entries {
		var record AttemptRecord
		if err := json.Unmarshal([]byte(entry), &record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal attempt record: %w", err)
		}
		result = append(result, record)
	}
	return result, nil
}

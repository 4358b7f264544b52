package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/diagnosis/smartregister/pkg/clock"
	"github.com/diagnosis/smartregister/services/registration/internal/domain"
)

// SessionRepository keeps booking-flow sessions. Sessions expire ttl after
// their last save.
type SessionRepository interface {
	Get(ctx context.Context, id string) (*domain.Session, error)
	Save(ctx context.Context, s *domain.Session) error
}

type redisSessionRepository struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisSessionRepository(client *redis.Client, ttl time.Duration) SessionRepository {
	return &redisSessionRepository{client: client, ttl: ttl}
}

func sessionKey(id string) string {
	return "registration:session:" + id
}

func (r *redisSessionRepository) Get(ctx context.Context, id string) (*domain.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	raw, err := r.client.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, domain.StoreError("get session", err)
	}

	var s domain.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &s, nil
}

func (r *redisSessionRepository) Save(ctx context.Context, s *domain.Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", s.ID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := r.client.Set(ctx, sessionKey(s.ID), raw, r.ttl).Err(); err != nil {
		return domain.StoreError("save session", err)
	}
	return nil
}

type memorySessionRepository struct {
	mu       sync.Mutex
	clock    clock.Clock
	ttl      time.Duration
	sessions map[string]memorySession
}

type memorySession struct {
	session   domain.Session
	expiresAt time.Time
}

// NewMemorySessionRepository is the single-process fallback when Redis is not configured.
func NewMemorySessionRepository(clk clock.Clock, ttl time.Duration) SessionRepository {
	return &memorySessionRepository{
		clock:    clk,
		ttl:      ttl,
		sessions: make(map[string]memorySession),
	}
}

func (r *memorySessionRepository) Get(_ context.Context, id string) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	if !r.clock.Now().Before(entry.expiresAt) {
		delete(r.sessions, id)
		return nil, domain.ErrSessionNotFound
	}
	s := entry.session
	return &s, nil
}

func (r *memorySessionRepository) Save(_ context.Context, s *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	for id, entry := range r.sessions {
		if !now.Before(entry.expiresAt) {
			delete(r.sessions, id)
		}
	}
	r.sessions[s.ID] = memorySession{session: *s, expiresAt: now.Add(r.ttl)}
	return nil
}

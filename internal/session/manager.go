package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relay-ai/orchestrator/internal/circuitbreaker"
	"github.com/relay-ai/orchestrator/internal/metrics"
)

const (
	sessionKeyPrefix  = "relay:session:"
	defaultSessionTTL = 24 * time.Hour
	defaultMaxHistory = 100
	localCacheLimit   = 10000
)

// Manager stores chat sessions in Redis behind the circuit breaker,
// with a small in-process cache in front. Redis expiry is the source of
// truth for session lifetime; the cache only mirrors it.
type Manager struct {
	client     *circuitbreaker.RedisWrapper
	logger     *zap.Logger
	ttl        time.Duration
	maxHistory int

	mu          sync.RWMutex
	localCache  map[string]*Session
	cacheAccess map[string]time.Time
	maxCached   int
}

func NewManager(redisAddr string, logger *zap.Logger) (*Manager, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         redisAddr,
		Password:     os.Getenv("REDIS_PASSWORD"),
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	client := circuitbreaker.NewRedisWrapper(rdb, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Manager{
		client:      client,
		logger:      logger,
		ttl:         defaultSessionTTL,
		maxHistory:  defaultMaxHistory,
		localCache:  make(map[string]*Session),
		cacheAccess: make(map[string]time.Time),
		maxCached:   localCacheLimit,
	}, nil
}

// CreateSession starts a fresh session under a generated id.
func (m *Manager) CreateSession(ctx context.Context, userID, projectID string, metadata map[string]interface{}) (*Session, error) {
	return m.create(ctx, uuid.New().String(), userID, projectID, metadata)
}

// CreateSessionWithID starts a session under a caller-chosen id, as
// chat clients do when they mint the id up front. An id already owned
// by another user is never reused; the caller gets a fresh session
// under a new id instead.
func (m *Manager) CreateSessionWithID(ctx context.Context, sessionID, userID, projectID string, metadata map[string]interface{}) (*Session, error) {
	existing, _ := m.GetSession(ctx, sessionID)
	if existing != nil {
		if existing.UserID == userID {
			return existing, nil
		}
		m.logger.Warn("Session id owned by another user, assigning a new one",
			zap.String("requested_session_id", sessionID),
			zap.String("requesting_user", userID),
		)
		return m.CreateSession(ctx, userID, projectID, metadata)
	}
	return m.create(ctx, sessionID, userID, projectID, metadata)
}

func (m *Manager) create(ctx context.Context, sessionID, userID, projectID string, metadata map[string]interface{}) (*Session, error) {
	now := time.Now()
	sess := &Session{
		ID:        sessionID,
		UserID:    userID,
		ProjectID: projectID,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(m.ttl),
		Metadata:  metadata,
		Context:   make(map[string]interface{}),
		History:   make([]Message, 0),
	}
	if err := m.save(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	m.cachePut(sess)

	m.logger.Info("Session created",
		zap.String("session_id", sessionID),
		zap.String("user_id", userID),
	)
	metrics.SessionsCreated.Inc()
	return sess, nil
}

// GetSession looks up a session, cache first, then Redis.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.RLock()
	cached := m.localCache[sessionID]
	m.mu.RUnlock()

	if cached != nil {
		metrics.SessionCacheHits.Inc()
		if cached.IsExpired() {
			_ = m.DeleteSession(ctx, sessionID)
			return nil, ErrSessionExpired
		}
		m.mu.Lock()
		m.cacheAccess[sessionID] = time.Now()
		m.mu.Unlock()
		return cached, nil
	}
	metrics.SessionCacheMisses.Inc()

	data, err := m.client.Get(ctx, sessionKeyPrefix+sessionID).Bytes()
	if err == redis.Nil {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if sess.IsExpired() {
		_ = m.DeleteSession(ctx, sessionID)
		return nil, ErrSessionExpired
	}

	m.cachePut(&sess)
	return &sess, nil
}

// UpdateSession writes the session back and refreshes UpdatedAt.
func (m *Manager) UpdateSession(ctx context.Context, sess *Session) error {
	if sess == nil {
		return ErrInvalidSession
	}
	sess.UpdatedAt = time.Now()
	if err := m.save(ctx, sess); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	m.mu.Lock()
	m.localCache[sess.ID] = sess
	m.mu.Unlock()
	return nil
}

func (m *Manager) DeleteSession(ctx context.Context, sessionID string) error {
	if err := m.client.Del(ctx, sessionKeyPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	m.mu.Lock()
	delete(m.localCache, sessionID)
	delete(m.cacheAccess, sessionID)
	metrics.SessionCacheSize.Set(float64(len(m.localCache)))
	m.mu.Unlock()
	return nil
}

// AddMessage appends one turn to the session history, trimming to the
// newest maxHistory entries.
func (m *Manager) AddMessage(ctx context.Context, sessionID string, msg Message) error {
	sess, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	sess.History = append(sess.History, msg)
	if len(sess.History) > m.maxHistory {
		sess.History = sess.History[len(sess.History)-m.maxHistory:]
	}
	return m.UpdateSession(ctx, sess)
}

// UpdateContext sets one key in the session's context map.
func (m *Manager) UpdateContext(ctx context.Context, sessionID, key string, value interface{}) error {
	sess, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	sess.SetContextValue(key, value)
	return m.UpdateSession(ctx, sess)
}

// GetUserSessions returns the user's live sessions. Session volume is
// bounded by the Redis TTL, so a key scan stays affordable here.
func (m *Manager) GetUserSessions(ctx context.Context, userID string) ([]*Session, error) {
	keys, err := m.client.Keys(ctx, sessionKeyPrefix+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var out []*Session
	for _, key := range keys {
		data, err := m.client.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			continue
		}
		if sess.UserID == userID && !sess.IsExpired() {
			out = append(out, &sess)
		}
	}
	return out, nil
}

func (m *Manager) save(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		ttl = m.ttl
	}
	return m.client.Set(ctx, sessionKeyPrefix+sess.ID, data, ttl).Err()
}

func (m *Manager) cachePut(sess *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.localCache[sess.ID] = sess
	m.cacheAccess[sess.ID] = time.Now()
	if len(m.localCache) > m.maxCached {
		m.evictOldest(m.maxCached / 2)
	}
	metrics.SessionCacheSize.Set(float64(len(m.localCache)))
}

// evictOldest drops n least-recently-used cache entries. Caller holds
// the lock.
func (m *Manager) evictOldest(n int) {
	ids := make([]string, 0, len(m.localCache))
	for id := range m.localCache {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return m.cacheAccess[ids[i]].Before(m.cacheAccess[ids[j]])
	})
	if n > len(ids) {
		n = len(ids)
	}
	for _, id := range ids[:n] {
		delete(m.localCache, id)
		delete(m.cacheAccess, id)
		metrics.SessionCacheEvictions.Inc()
	}
}

func (m *Manager) Close() error {
	return m.client.Close()
}

// RedisWrapper exposes the wrapped client so health checks can probe
// the same connection and breaker the sessions use.
func (m *Manager) RedisWrapper() *circuitbreaker.RedisWrapper {
	return m.client
}

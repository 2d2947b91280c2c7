package gateway

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/toolmux/toolmux/pkg/logging"
)

const (
	// DefaultSessionTTL evicts SSE sessions idle longer than this.
	DefaultSessionTTL = 30 * time.Minute
	// DefaultMaxSessions caps concurrent SSE sessions; the stalest one is
	// evicted to make room.
	DefaultMaxSessions = 128

	sessionOutboundBuffer = 64
	sessionCleanupPeriod  = time.Minute
)

// Session is one SSE client connection. Outbound messages queue on a
// buffered channel drained by the stream writer.
type Session struct {
	ID string

	out      chan []byte
	created  time.Time
	mu       sync.Mutex
	lastSeen time.Time
	closed   bool
}

// Send queues a message for the client. Returns false when the session is
// closed or the queue is full; a client that slow is treated as gone.
// The mutex is held across the channel send so close cannot race it; the
// send never blocks, so the lock is held only briefly.
func (s *Session) Send(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.lastSeen = time.Now()

	select {
	case s.out <- data:
		return true
	default:
		return false
	}
}

// Out returns the outbound message channel for the stream writer.
func (s *Session) Out() <-chan []byte { return s.out }

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.out)
}

// SessionManager tracks live SSE sessions with idle eviction.
type SessionManager struct {
	ttl    time.Duration
	max    int
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessionManager creates a session manager. Zero ttl or max take the
// defaults.
func NewSessionManager(ttl time.Duration, max int, logger *slog.Logger) *SessionManager {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if max <= 0 {
		max = DefaultMaxSessions
	}
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &SessionManager{
		ttl:      ttl,
		max:      max,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Create registers a new session. When the cap is reached the stalest
// session is evicted first.
func (m *SessionManager) Create() *Session {
	now := time.Now()
	s := &Session{
		ID:       uuid.New().String(),
		out:      make(chan []byte, sessionOutboundBuffer),
		created:  now,
		lastSeen: now,
	}

	m.mu.Lock()
	if len(m.sessions) >= m.max {
		m.evictStalestLocked()
	}
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.logger.Debug("session created", "session", s.ID)
	return s
}

// Get returns a live session and refreshes its idle timer.
func (m *SessionManager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if ok {
		s.touch()
	}
	return s, ok
}

// Remove closes and forgets a session. Idempotent.
func (m *SessionManager) Remove(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		s.close()
		m.logger.Debug("session removed", "session", id)
	}
}

// Count returns the number of live sessions.
func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *SessionManager) evictStalestLocked() {
	var stalest *Session
	for _, s := range m.sessions {
		if stalest == nil || s.idleSince().Before(stalest.idleSince()) {
			stalest = s
		}
	}
	if stalest != nil {
		delete(m.sessions, stalest.ID)
		stalest.close()
		m.logger.Warn("session cap reached, evicted stalest", "session", stalest.ID)
	}
}

// CleanupStale removes sessions idle longer than the TTL. Returns the
// number removed.
func (m *SessionManager) CleanupStale() int {
	cutoff := time.Now().Add(-m.ttl)

	m.mu.Lock()
	var stale []*Session
	for id, s := range m.sessions {
		if s.idleSince().Before(cutoff) {
			stale = append(stale, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	sort.Slice(stale, func(i, j int) bool { return stale[i].ID < stale[j].ID })
	for _, s := range stale {
		s.close()
		m.logger.Info("evicted stale session", "session", s.ID)
	}
	return len(stale)
}

// StartCleanup runs periodic stale-session eviction until ctx ends.
func (m *SessionManager) StartCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(sessionCleanupPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CleanupStale()
			}
		}
	}()
}

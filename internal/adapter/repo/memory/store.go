// Package memory keeps accounts and conversations in process memory. It is
// used when no database is configured; idle sessions are pruned periodically.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/ai-chat-proxy/internal/domain"
)

type sessionKey struct {
	userID    string
	sessionID string
}

type session struct {
	turns      []domain.Turn
	lastActive time.Time
	lastSeq    uint64
}

// Store implements domain.UserRepository and domain.TurnRepository.
type Store struct {
	mu       sync.RWMutex
	users    map[string]domain.User
	byName   map[string]string
	sessions map[sessionKey]*session
	seq      uint64
	now      func() time.Time
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		users:    make(map[string]domain.User),
		byName:   make(map[string]string),
		sessions: make(map[sessionKey]*session),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

var (
	_ domain.UserRepository = (*Store)(nil)
	_ domain.TurnRepository = (*Store)(nil)
)

// Create stores a user; usernames are unique case-insensitively.
func (s *Store) Create(_ domain.Context, u domain.User) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := strings.ToLower(u.Username)
	if _, taken := s.byName[name]; taken {
		return "", fmt.Errorf("op=memory.user_create: %w: username taken", domain.ErrConflict)
	}
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now()
	}
	s.users[u.ID] = u
	s.byName[name] = u.ID
	return u.ID, nil
}

// GetByUsername loads a user by case-insensitive username.
func (s *Store) GetByUsername(_ domain.Context, username string) (domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byName[strings.ToLower(username)]
	if !ok {
		return domain.User{}, fmt.Errorf("op=memory.user_get_by_username: %w", domain.ErrNotFound)
	}
	return s.users[id], nil
}

// GetByID loads a user by id.
func (s *Store) GetByID(_ domain.Context, id string) (domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return domain.User{}, fmt.Errorf("op=memory.user_get: %w", domain.ErrNotFound)
	}
	return u, nil
}

// Append stores turns in order. All turns are validated before any is stored.
func (s *Store) Append(_ domain.Context, turns ...domain.Turn) error {
	for _, t := range turns {
		if !t.Role.Valid() {
			return fmt.Errorf("op=memory.turn_append: %w: role %q", domain.ErrInvalidArgument, t.Role)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, t := range turns {
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		k := sessionKey{userID: t.UserID, sessionID: t.SessionID}
		sess, ok := s.sessions[k]
		if !ok {
			sess = &session{}
			s.sessions[k] = sess
		}
		s.seq++
		sess.turns = append(sess.turns, t)
		sess.lastActive = now
		sess.lastSeq = s.seq
	}
	return nil
}

// Recent returns the last n turns of a session, oldest first.
func (s *Store) Recent(_ domain.Context, userID, sessionID string, n int) ([]domain.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionKey{userID: userID, sessionID: sessionID}]
	if !ok {
		return []domain.Turn{}, nil
	}
	turns := sess.turns
	if n > 0 && len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	return append([]domain.Turn(nil), turns...), nil
}

// ListSessions summarises a user's sessions, most recently active first.
func (s *Store) ListSessions(_ domain.Context, userID string) ([]domain.SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	type entry struct {
		summary domain.SessionSummary
		seq     uint64
	}
	entries := make([]entry, 0)
	for k, sess := range s.sessions {
		if k.userID != userID || len(sess.turns) == 0 {
			continue
		}
		entries = append(entries, entry{
			summary: domain.SessionSummary{
				SessionID:    k.sessionID,
				LastMessage:  sess.turns[len(sess.turns)-1].CreatedAt,
				MessageCount: len(sess.turns),
			},
			seq: sess.lastSeq,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq > entries[j].seq })
	out := make([]domain.SessionSummary, len(entries))
	for i, e := range entries {
		out[i] = e.summary
	}
	return out, nil
}

// LatestSessionID returns the user's most recently active session.
func (s *Store) LatestSessionID(_ domain.Context, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best    string
		bestSeq uint64
	)
	for k, sess := range s.sessions {
		if k.userID == userID && sess.lastSeq > bestSeq {
			best, bestSeq = k.sessionID, sess.lastSeq
		}
	}
	if best == "" {
		return "", fmt.Errorf("op=memory.latest_session: %w", domain.ErrNotFound)
	}
	return best, nil
}

// CountActiveSessions counts sessions active at or after since.
func (s *Store) CountActiveSessions(_ domain.Context, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, sess := range s.sessions {
		if !sess.lastActive.Before(since) {
			n++
		}
	}
	return n, nil
}

// PruneIdle drops sessions with no activity for longer than maxIdle and
// returns how many were removed.
func (s *Store) PruneIdle(maxIdle time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-maxIdle)
	removed := 0
	for k, sess := range s.sessions {
		if sess.lastActive.Before(cutoff) {
			delete(s.sessions, k)
			removed++
		}
	}
	return removed
}

// RunPeriodic prunes idle sessions every interval until ctx is done.
func (s *Store) RunPeriodic(ctx context.Context, interval, maxIdle time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("session pruner stopping")
			return
		case <-ticker.C:
			if n := s.PruneIdle(maxIdle); n > 0 {
				slog.Info("pruned idle sessions", slog.Int("removed", n), slog.Duration("max_idle", maxIdle))
			}
		}
	}
}

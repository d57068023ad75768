package domain

import (
	"context"
	"time"
)

// Role identifies the speaker of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool { return r == RoleUser || r == RoleAssistant }

// Turn is one message exchanged in a chat session.
// Invariants: Role in {user, assistant}; Text non-empty; turns of a session are
// append-only and kept in insertion order.
type Turn struct {
	ID        string
	SessionID string
	UserID    string
	Role      Role
	Text      string
	CreatedAt time.Time
}

// User is an authenticated account. IsDeveloper selects the developer persona.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	IsDeveloper  bool
	CreatedAt    time.Time
}

// SessionSummary describes one conversation of a user for the history listing.
type SessionSummary struct {
	SessionID    string
	LastMessage  time.Time
	MessageCount int
}

// Repositories (ports)

type UserRepository interface {
	Create(ctx Context, u User) (string, error)
	GetByUsername(ctx Context, username string) (User, error)
	GetByID(ctx Context, id string) (User, error)
}

type TurnRepository interface {
	// Append stores turns in the given order.
	Append(ctx Context, turns ...Turn) error
	// Recent returns at most n most recent turns of a session, oldest first.
	// n <= 0 returns the whole session.
	Recent(ctx Context, userID, sessionID string, n int) ([]Turn, error)
	// ListSessions returns the sessions of a user, most recently active first.
	ListSessions(ctx Context, userID string) ([]SessionSummary, error)
	// LatestSessionID returns the most recently active session of a user or ErrNotFound.
	LatestSessionID(ctx Context, userID string) (string, error)
	// CountActiveSessions counts sessions with a turn newer than since.
	CountActiveSessions(ctx Context, since time.Time) (int64, error)
}

// SessionLocker serialises chat calls against the same conversation.
type SessionLocker interface {
	// Lock blocks until the session lock is held or ctx is done. The returned
	// func releases the lock.
	Lock(ctx Context, sessionID string) (unlock func(), err error)
}

// Dispatcher (port) sends one logical chat call upstream.

type Dispatcher interface {
	// Dispatch returns the reply for newUserText given a persona prompt and
	// prior turns (oldest first). It never persists anything.
	Dispatch(ctx Context, personaPrompt string, history []Turn, newUserText string) (string, error)
}

// Context is an alias so ports read the same across adapters and usecases.
type Context = context.Context

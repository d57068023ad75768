// Package usecase contains application business logic services.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/ai-chat-proxy/internal/adapter/observability"
	"github.com/fairyhunter13/ai-chat-proxy/internal/config"
	"github.com/fairyhunter13/ai-chat-proxy/internal/domain"
	"github.com/fairyhunter13/ai-chat-proxy/pkg/textx"
)

// MaxMessageRunes bounds one user message.
const MaxMessageRunes = 4000

// HistoryBudget trims history to a prompt token budget.
type HistoryBudget interface {
	TrimHistory(persona string, history []domain.Turn, newText string, maxTokens int) ([]domain.Turn, int)
}

// QuotaLimiter decides whether a caller may send another message.
type QuotaLimiter interface {
	Allow(ctx context.Context, key string, cost int64) (bool, time.Duration, error)
}

// Caller identifies the authenticated user sending a message.
type Caller struct {
	UserID      string
	Username    string
	IsDeveloper bool
}

// ChatResult is the outcome of one successful chat call.
type ChatResult struct {
	Reply     string
	SessionID string
}

// ChatService runs one conversational exchange: load history, dispatch
// upstream, persist the exchange.
type ChatService struct {
	Turns      domain.TurnRepository
	Locker     domain.SessionLocker
	Dispatcher domain.Dispatcher
	Personas   config.Personas

	// Optional collaborators.
	Budget  HistoryBudget
	Limiter QuotaLimiter

	HistoryLimit     int
	HistoryMaxTokens int
	SessionIdleTTL   time.Duration
}

// NewChatService constructs a ChatService with its required dependencies.
func NewChatService(turns domain.TurnRepository, locker domain.SessionLocker, d domain.Dispatcher, personas config.Personas, cfg config.Config) ChatService {
	return ChatService{
		Turns:            turns,
		Locker:           locker,
		Dispatcher:       d,
		Personas:         personas,
		HistoryLimit:     cfg.HistoryLimit,
		HistoryMaxTokens: cfg.HistoryMaxTokens,
		SessionIdleTTL:   cfg.SessionIdleTTL,
	}
}

// NewSessionID returns a fresh, sortable conversation id.
func NewSessionID() string { return ulid.Make().String() }

// Send validates message, dispatches it with the session history and, only
// on success, appends the user turn and the reply to the session. An empty
// sessionID starts a new conversation.
func (s ChatService) Send(ctx domain.Context, caller Caller, sessionID, message string) (ChatResult, error) {
	message = textx.SanitizeText(message)
	if message == "" {
		return ChatResult{}, fmt.Errorf("%w: message is required", domain.ErrInvalidArgument)
	}
	if utf8.RuneCountInString(message) > MaxMessageRunes {
		return ChatResult{}, fmt.Errorf("%w: message exceeds %d characters", domain.ErrInvalidArgument, MaxMessageRunes)
	}
	if caller.UserID == "" {
		return ChatResult{}, fmt.Errorf("%w: caller required", domain.ErrUnauthorized)
	}
	if sessionID == "" {
		sessionID = NewSessionID()
	}
	lg := observability.LoggerFromContext(ctx).With(
		slog.String("user_id", caller.UserID),
		slog.String("session_id", sessionID),
	)

	if s.Limiter != nil {
		allowed, retryAfter, err := s.Limiter.Allow(ctx, "chat:"+caller.UserID, 1)
		if err != nil {
			lg.Warn("chat quota check failed; allowing", slog.Any("error", err))
		}
		if !allowed {
			return ChatResult{}, fmt.Errorf("%w: retry after %s", domain.ErrRateLimited, retryAfter)
		}
	}

	unlock, err := s.Locker.Lock(ctx, sessionID)
	if err != nil {
		return ChatResult{}, fmt.Errorf("op=chat.send: %w", err)
	}
	defer unlock()

	history, err := s.Turns.Recent(ctx, caller.UserID, sessionID, s.HistoryLimit)
	if err != nil {
		return ChatResult{}, fmt.Errorf("op=chat.send: load history: %w", err)
	}
	persona := s.Personas.For(caller.IsDeveloper)
	if s.Budget != nil {
		var tokens int
		history, tokens = s.Budget.TrimHistory(persona, history, message, s.HistoryMaxTokens)
		observability.ObservePromptTokens(tokens)
	}

	askedAt := time.Now().UTC()
	reply, err := s.Dispatcher.Dispatch(ctx, persona, history, message)
	if err != nil {
		lg.Warn("chat dispatch failed", slog.String("kind", string(domain.KindOf(err))), slog.Any("error", err))
		return ChatResult{}, err
	}

	err = s.Turns.Append(ctx,
		domain.Turn{SessionID: sessionID, UserID: caller.UserID, Role: domain.RoleUser, Text: message, CreatedAt: askedAt},
		domain.Turn{SessionID: sessionID, UserID: caller.UserID, Role: domain.RoleAssistant, Text: reply, CreatedAt: time.Now().UTC()},
	)
	if err != nil {
		return ChatResult{}, fmt.Errorf("op=chat.send: persist: %w", err)
	}
	observability.RecordChatMessage(string(domain.RoleUser))
	observability.RecordChatMessage(string(domain.RoleAssistant))
	lg.Info("chat exchange stored",
		slog.Int("history_turns", len(history)),
		slog.String("persona", string(s.Personas.Variant(caller.IsDeveloper))))
	return ChatResult{Reply: reply, SessionID: sessionID}, nil
}

// History returns the turns of a session, oldest first. An empty sessionID
// selects the caller's latest session; a caller without sessions gets none.
func (s ChatService) History(ctx domain.Context, userID, sessionID string) (string, []domain.Turn, error) {
	if sessionID == "" {
		latest, err := s.Turns.LatestSessionID(ctx, userID)
		if errors.Is(err, domain.ErrNotFound) {
			return "", []domain.Turn{}, nil
		}
		if err != nil {
			return "", nil, fmt.Errorf("op=chat.history: %w", err)
		}
		sessionID = latest
	}
	turns, err := s.Turns.Recent(ctx, userID, sessionID, 0)
	if err != nil {
		return "", nil, fmt.Errorf("op=chat.history: %w", err)
	}
	return sessionID, turns, nil
}

// Sessions lists the caller's conversations, most recent first.
func (s ChatService) Sessions(ctx domain.Context, userID string) ([]domain.SessionSummary, error) {
	out, err := s.Turns.ListSessions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("op=chat.sessions: %w", err)
	}
	return out, nil
}

// ActiveSessions counts conversations active within the idle window.
func (s ChatService) ActiveSessions(ctx domain.Context) (int64, error) {
	idle := s.SessionIdleTTL
	if idle <= 0 {
		idle = time.Hour
	}
	return s.Turns.CountActiveSessions(ctx, time.Now().UTC().Add(-idle))
}

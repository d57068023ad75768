package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/ai-chat-proxy/internal/config"
	"github.com/fairyhunter13/ai-chat-proxy/internal/domain"
	"github.com/fairyhunter13/ai-chat-proxy/internal/usecase"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 64 << 10

// KeyStats exposes credential pool gauges to the health endpoint.
type KeyStats interface {
	AvailableCount() int
	Size() int
}

// ReadinessCheck is one named dependency probe for /readyz.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server aggregates handlers dependencies.
type Server struct {
	Cfg      config.Config
	Chat     usecase.ChatService
	Accounts usecase.AccountService
	Sessions *SessionManager
	Keys     KeyStats
	Checks   []ReadinessCheck
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, chat usecase.ChatService, accounts usecase.AccountService, sessions *SessionManager, keys KeyStats, checks ...ReadinessCheck) *Server {
	return &Server{Cfg: cfg, Chat: chat, Accounts: accounts, Sessions: sessions, Keys: keys, Checks: checks}
}

// decodeJSON reads a bounded JSON body into dst and validates it.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return fmt.Errorf("%w: request body too large", domain.ErrInvalidArgument)
		}
		return fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument)
	}
	if err := getValidator().Struct(dst); err != nil {
		return err
	}
	return nil
}

// writeDecodeError renders decodeJSON failures, listing validator tags per field.
func writeDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		verrs := map[string]string{}
		for _, fe := range ve {
			verrs[strings.ToLower(fe.Field())] = fe.Tag()
		}
		writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), verrs)
		return
	}
	writeError(w, r, err, nil)
}

// RootHandler describes the service and its endpoints.
func (s *Server) RootHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"message": s.Cfg.AppName + " Server is running!",
			"endpoints": map[string]string{
				"health":      "/health",
				"info":        "/info",
				"register":    "/api/register (POST)",
				"login":       "/api/login (POST)",
				"chat":        "/api/chat (POST)",
				"chatHistory": "/api/chat-history",
				"sessions":    "/api/sessions",
			},
		})
	}
}

// InfoHandler returns static service metadata.
func (s *Server) InfoHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"name":    s.Cfg.AppName,
			"version": s.Cfg.AppVersion,
			"creator": s.Cfg.AppCreator,
		})
	}
}

// HealthHandler reports liveness with conversation and credential counts.
// A failing session count degrades to 0 instead of failing the probe.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		active, err := s.Chat.ActiveSessions(r.Context())
		if err != nil {
			LoggerFrom(r).Warn("count active sessions failed", slog.Any("error", err))
			active = 0
		}
		available := 0
		if s.Keys != nil {
			available = s.Keys.AvailableCount()
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":         "OK",
			"timestamp":      time.Now().UTC().Format(time.RFC3339Nano),
			"activeSessions": active,
			"availableKeys":  available,
		})
	}
}

// ReadyzHandler returns a readiness handler that runs every configured check.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, len(s.Checks))
		ok := true
		for _, c := range s.Checks {
			if err := c.Check(ctx); err != nil {
				ok = false
				checks = append(checks, check{Name: c.Name, OK: false, Details: err.Error()})
				continue
			}
			checks = append(checks, check{Name: c.Name, OK: true})
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}

type credentialsRequest struct {
	Username string `json:"username" validate:"required,min=3,max=32"`
	Password string `json:"password" validate:"required,min=6,max=128"`
}

type userResponse struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	IsDeveloper bool   `json:"isDeveloper"`
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request, u domain.User, status int) {
	value, err := s.Sessions.CreateSession(u)
	if err != nil {
		writeError(w, r, fmt.Errorf("create session: %w", err), nil)
		return
	}
	s.Sessions.SetSessionCookie(w, value)
	writeJSON(w, status, map[string]any{
		"success": true,
		"user":    userResponse{ID: u.ID, Username: u.Username, IsDeveloper: u.IsDeveloper},
	})
}

// RegisterHandler creates an account and logs it in.
func (s *Server) RegisterHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req credentialsRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeDecodeError(w, r, err)
			return
		}
		u, err := s.Accounts.Register(r.Context(), req.Username, req.Password)
		if err != nil {
			if errors.Is(err, domain.ErrConflict) {
				err = fmt.Errorf("%w: username already taken", domain.ErrConflict)
			}
			writeError(w, r, err, nil)
			return
		}
		LoggerFrom(r).Info("user registered", slog.String("user_id", u.ID), slog.Bool("developer", u.IsDeveloper))
		s.startSession(w, r, u, http.StatusCreated)
	}
}

// LoginHandler verifies credentials and sets the session cookie.
func (s *Server) LoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Username string `json:"username" validate:"required"`
			Password string `json:"password" validate:"required"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			writeDecodeError(w, r, err)
			return
		}
		u, err := s.Accounts.Authenticate(r.Context(), req.Username, req.Password)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		s.startSession(w, r, u, http.StatusOK)
	}
}

// LogoutHandler clears the session cookie.
func (s *Server) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		s.Sessions.ClearSessionCookie(w)
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

// CheckAuthHandler reports whether the request carries a valid session for
// an account that still exists.
func (s *Server) CheckAuthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sd, ok := s.Sessions.Lookup(r)
		if !ok {
			writeJSON(w, http.StatusOK, map[string]bool{"authenticated": false})
			return
		}
		// Reload so a deleted account or a changed developer flag wins over the cookie.
		u, err := s.Accounts.Get(r.Context(), sd.UserID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				s.Sessions.ClearSessionCookie(w)
				writeJSON(w, http.StatusOK, map[string]bool{"authenticated": false})
				return
			}
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"user":          userResponse{ID: u.ID, Username: u.Username, IsDeveloper: u.IsDeveloper},
		})
	}
}

// ChatHandler sends one message and returns the reply.
func (s *Server) ChatHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sd, ok := SessionFromContext(r.Context())
		if !ok {
			writeError(w, r, fmt.Errorf("%w: login required", domain.ErrUnauthorized), nil)
			return
		}
		var req struct {
			Message   string `json:"message"`
			SessionID string `json:"sessionId"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			writeDecodeError(w, r, err)
			return
		}
		if strings.TrimSpace(req.Message) == "" {
			writeError(w, r, fmt.Errorf("%w: message must not be empty", domain.ErrInvalidArgument), map[string]string{"message": "required"})
			return
		}
		if req.SessionID != "" {
			if res := ValidateSessionID(req.SessionID); !res.Valid {
				writeError(w, r, fmt.Errorf("%w: invalid sessionId", domain.ErrInvalidArgument), res.Errors)
				return
			}
		}
		caller := usecase.Caller{UserID: sd.UserID, Username: sd.Username, IsDeveloper: sd.IsDeveloper}
		res, err := s.Chat.Send(r.Context(), caller, req.SessionID, req.Message)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"reply":     res.Reply,
			"sessionId": res.SessionID,
			"success":   true,
		})
	}
}

type chatEntry struct {
	SessionID string    `json:"sessionId"`
	Role      string    `json:"role"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatHistoryHandler returns the turns of one session, oldest first.
func (s *Server) ChatHistoryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sd, ok := SessionFromContext(r.Context())
		if !ok {
			writeError(w, r, fmt.Errorf("%w: login required", domain.ErrUnauthorized), nil)
			return
		}
		sessionID := r.URL.Query().Get("sessionId")
		if sessionID != "" {
			if res := ValidateSessionID(sessionID); !res.Valid {
				writeError(w, r, fmt.Errorf("%w: invalid sessionId", domain.ErrInvalidArgument), res.Errors)
				return
			}
		}
		sessionID, turns, err := s.Chat.History(r.Context(), sd.UserID, sessionID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		chats := make([]chatEntry, 0, len(turns))
		for _, t := range turns {
			chats = append(chats, chatEntry{SessionID: t.SessionID, Role: string(t.Role), Message: t.Text, Timestamp: t.CreatedAt})
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessionId": sessionID, "chats": chats})
	}
}

type sessionEntry struct {
	ID           string    `json:"_id"`
	LastMessage  time.Time `json:"lastMessage"`
	MessageCount int       `json:"messageCount"`
}

// SessionsHandler lists the caller's conversations, most recent first.
func (s *Server) SessionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sd, ok := SessionFromContext(r.Context())
		if !ok {
			writeError(w, r, fmt.Errorf("%w: login required", domain.ErrUnauthorized), nil)
			return
		}
		list, err := s.Chat.Sessions(r.Context(), sd.UserID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]sessionEntry, 0, len(list))
		for _, ss := range list {
			out = append(out, sessionEntry{ID: ss.SessionID, LastMessage: ss.LastMessage, MessageCount: ss.MessageCount})
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
	}
}

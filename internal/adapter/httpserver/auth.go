package httpserver

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fairyhunter13/ai-chat-proxy/internal/adapter/observability"
	"github.com/fairyhunter13/ai-chat-proxy/internal/config"
	"github.com/fairyhunter13/ai-chat-proxy/internal/domain"
)

// SessionCookieName is the cookie carrying the signed login session.
const SessionCookieName = "session"

// SessionData represents session information
type SessionData struct {
	UserID      string
	Username    string
	IsDeveloper bool
	LoginTime   time.Time
	ExpiresAt   time.Time
}

// SessionManager handles session management with HMAC-signed cookies
type SessionManager struct {
	secret []byte
	cfg    config.Config
	now    func() time.Time
}

// NewSessionManager creates a new session manager. Without SESSION_SECRET a
// random per-process secret is used, so sessions do not survive restarts.
func NewSessionManager(cfg config.Config) *SessionManager {
	secret := []byte(cfg.SessionSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			panic(fmt.Sprintf("session secret: %v", err))
		}
		slog.Warn("SESSION_SECRET not set; using an ephemeral secret")
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	return &SessionManager{secret: secret, cfg: cfg, now: time.Now}
}

func (sm *SessionManager) sign(payload string) string {
	mac := hmac.New(sha256.New, sm.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// CreateSession creates a new session for u and returns the cookie value.
func (sm *SessionManager) CreateSession(u domain.User) (string, error) {
	if u.ID == "" || strings.ContainsAny(u.ID+u.Username, ":") {
		return "", fmt.Errorf("%w: user not sessionable", domain.ErrInvalidArgument)
	}
	now := sm.now()
	expiresAt := now.Add(sm.cfg.SessionTTL)
	dev := "0"
	if u.IsDeveloper {
		dev = "1"
	}
	// userID:username:dev:loginTime:expiresAt
	payload := fmt.Sprintf("%s:%s:%s:%d:%d", u.ID, u.Username, dev, now.Unix(), expiresAt.Unix())
	return payload + "." + sm.sign(payload), nil
}

// ValidateSession validates a session cookie value and returns session data
func (sm *SessionManager) ValidateSession(sessionValue string) (*SessionData, error) {
	if sessionValue == "" {
		return nil, errors.New("empty session value")
	}
	// Usernames may contain '.', the signature never does.
	i := strings.LastIndex(sessionValue, ".")
	if i <= 0 {
		return nil, errors.New("invalid session format")
	}
	payload, sig := sessionValue[:i], sessionValue[i+1:]
	if !hmac.Equal([]byte(sm.sign(payload)), []byte(sig)) {
		return nil, errors.New("invalid session signature")
	}

	parts := strings.Split(payload, ":")
	if len(parts) != 5 {
		return nil, errors.New("invalid payload format")
	}
	loginUnix, err1 := strconv.ParseInt(parts[3], 10, 64)
	expUnix, err2 := strconv.ParseInt(parts[4], 10, 64)
	if err1 != nil || err2 != nil {
		return nil, errors.New("invalid payload timestamps")
	}
	expiresAt := time.Unix(expUnix, 0)
	if sm.now().After(expiresAt) {
		return nil, errors.New("session expired")
	}
	return &SessionData{
		UserID:      parts[0],
		Username:    parts[1],
		IsDeveloper: parts[2] == "1",
		LoginTime:   time.Unix(loginUnix, 0),
		ExpiresAt:   expiresAt,
	}, nil
}

func (sm *SessionManager) secureCookies() bool { return !sm.cfg.IsDev() && !sm.cfg.IsTest() }

// SetSessionCookie sets the session cookie on the response
func (sm *SessionManager) SetSessionCookie(w http.ResponseWriter, sessionValue string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    sessionValue,
		Path:     "/",
		HttpOnly: true,
		Secure:   sm.secureCookies(),
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(sm.cfg.SessionTTL.Seconds()),
	})
}

// ClearSessionCookie clears the session cookie
func (sm *SessionManager) ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   sm.secureCookies(),
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// sessionKey is an unexported context key type for session data.
type sessionKey struct{}

// SessionFromContext returns the session attached by AuthRequired.
func SessionFromContext(ctx context.Context) (*SessionData, bool) {
	sd, ok := ctx.Value(sessionKey{}).(*SessionData)
	return sd, ok && sd != nil
}

// Lookup returns the valid session carried by r, if any.
func (sm *SessionManager) Lookup(r *http.Request) (*SessionData, bool) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil, false
	}
	sd, err := sm.ValidateSession(cookie.Value)
	if err != nil {
		return nil, false
	}
	return sd, true
}

// AuthRequired rejects requests without a valid session with a JSON 401 and
// attaches the session to the request context otherwise.
func (sm *SessionManager) AuthRequired(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sd, ok := sm.Lookup(r)
		if !ok {
			if _, err := r.Cookie(SessionCookieName); err == nil {
				sm.ClearSessionCookie(w)
			}
			writeError(w, r, fmt.Errorf("%w: login required", domain.ErrUnauthorized), nil)
			return
		}
		ctx := context.WithValue(r.Context(), sessionKey{}, sd)
		ctx = observability.WithLogAttrs(ctx, slog.String("user_id", sd.UserID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

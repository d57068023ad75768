package httpserver

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-chat-proxy/internal/config"
	"github.com/fairyhunter13/ai-chat-proxy/internal/domain"
)

func testSessions() *SessionManager {
	return NewSessionManager(config.Config{AppEnv: "test", SessionSecret: "test-secret", SessionTTL: time.Hour})
}

var devUser = domain.User{ID: "u-1", Username: "alwayslanz.dev", IsDeveloper: true}

func TestSession_CreateValidateRoundTrip(t *testing.T) {
	sm := testSessions()
	v, err := sm.CreateSession(devUser)
	require.NoError(t, err)

	sd, err := sm.ValidateSession(v)
	require.NoError(t, err)
	assert.Equal(t, "u-1", sd.UserID)
	assert.Equal(t, "alwayslanz.dev", sd.Username)
	assert.True(t, sd.IsDeveloper)
	assert.WithinDuration(t, sd.LoginTime.Add(time.Hour), sd.ExpiresAt, time.Second)
}

func TestSession_Rejections(t *testing.T) {
	sm := testSessions()
	v, err := sm.CreateSession(devUser)
	require.NoError(t, err)

	_, err = sm.ValidateSession("")
	assert.Error(t, err)
	_, err = sm.ValidateSession("no-signature")
	assert.Error(t, err)
	_, err = sm.ValidateSession(strings.Replace(v, "u-1", "u-2", 1))
	assert.Error(t, err, "tampered payload must fail")

	other := NewSessionManager(config.Config{SessionSecret: "other"})
	_, err = other.ValidateSession(v)
	assert.Error(t, err, "foreign secret must fail")

	sm.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = sm.ValidateSession(v)
	assert.ErrorContains(t, err, "expired")
}

func TestSession_CreateRejectsColon(t *testing.T) {
	_, err := testSessions().CreateSession(domain.User{ID: "a:b", Username: "x"})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestAuthRequired(t *testing.T) {
	sm := testSessions()
	var got *SessionData
	h := sm.AuthRequired(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = SessionFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "garbage.sig"})
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("Set-Cookie"), "Max-Age=0")

	v, err := sm.CreateSession(devUser)
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: v})
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, "u-1", got.UserID)
}

func TestSessionCookies(t *testing.T) {
	sm := NewSessionManager(config.Config{AppEnv: "prod", SessionSecret: "s", SessionTTL: time.Hour})
	rec := httptest.NewRecorder()
	sm.SetSessionCookie(rec, "value")
	c := rec.Result().Cookies()
	require.Len(t, c, 1)
	assert.True(t, c[0].Secure)
	assert.True(t, c[0].HttpOnly)
	assert.Equal(t, 3600, c[0].MaxAge)

	rec = httptest.NewRecorder()
	sm.ClearSessionCookie(rec)
	assert.Contains(t, rec.Header().Get("Set-Cookie"), "Max-Age=0")
}

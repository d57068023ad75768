package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-chat-proxy/internal/adapter/ai/gemini"
	httpserver "github.com/fairyhunter13/ai-chat-proxy/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-chat-proxy/internal/adapter/keypool"
	"github.com/fairyhunter13/ai-chat-proxy/internal/adapter/repo/memory"
	"github.com/fairyhunter13/ai-chat-proxy/internal/app"
	"github.com/fairyhunter13/ai-chat-proxy/internal/config"
	"github.com/fairyhunter13/ai-chat-proxy/internal/service/sessionlock"
	"github.com/fairyhunter13/ai-chat-proxy/internal/usecase"
)

type stack struct {
	handler http.Handler
	pool    *keypool.Pool
	store   *memory.Store
}

// newStack wires the router against an upstream that rejects the "bad" key
// and answers every other key.
func newStack(t *testing.T, keys ...string) *stack {
	t.Helper()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") == "bad" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":{"code":403}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"Halo juga!"}]}}]}`))
	}))
	t.Cleanup(upstream.Close)

	cfg := config.Config{
		AppEnv: "test", AppName: "Elaina AI", AppVersion: "2.0.0", AppCreator: "alwayslanz",
		SessionSecret: "router-secret", SessionTTL: time.Hour, SessionIdleTTL: time.Hour,
		HistoryLimit: 20, RateLimitPerMin: 100, HTTPWriteTimeout: 10 * time.Second,
		UpstreamTimeout: 2 * time.Second, GeminiBaseURL: upstream.URL, GeminiModel: "gemini-2.0-flash",
	}
	pool := keypool.New(keys)
	store := memory.NewStore()
	personas, err := config.LoadPersonas(cfg)
	require.NoError(t, err)

	chat := usecase.NewChatService(store, sessionlock.NewLocalLocker(), gemini.NewFromConfig(cfg, pool), personas, cfg)
	accounts := usecase.NewAccountService(store, cfg)
	accounts.Params = usecase.Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLen: 8, KeyLen: 16}
	srv := httpserver.NewServer(cfg, chat, accounts, httpserver.NewSessionManager(cfg), pool,
		app.BuildReadinessChecks(nil, nil, pool)...)
	return &stack{handler: app.BuildRouter(cfg, srv), pool: pool, store: store}
}

func (s *stack) do(t *testing.T, method, path string, body any, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func TestRouter_PublicEndpoints(t *testing.T) {
	s := newStack(t, "k1")
	for _, path := range []string{"/", "/info", "/health", "/healthz", "/readyz", "/metrics"} {
		rec := s.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.NotEmpty(t, rec.Header().Get("X-Request-Id"), path)
		assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"), path)
	}
}

func TestRouter_ReadyzFailsWithoutKeys(t *testing.T) {
	s := newStack(t)
	rec := s.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "keypool")
}

func TestRouter_ProtectedRoutesRequireSession(t *testing.T) {
	s := newStack(t, "k1")
	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/api/chat"},
		{http.MethodGet, "/api/chat-history"},
		{http.MethodGet, "/api/sessions"},
	} {
		rec := s.do(t, tc.method, tc.path, map[string]string{"message": "hi"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code, tc.path)
		assert.Contains(t, rec.Body.String(), "UNAUTHORIZED")
	}
}

func TestRouter_ChatRotatesPastRejectedKey(t *testing.T) {
	s := newStack(t, "bad", "good")

	rec := s.do(t, http.MethodPost, "/api/register", map[string]string{"username": "alice", "password": "secret-pw"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == httpserver.SessionCookieName {
			cookie = c
		}
	}
	require.NotNil(t, cookie)

	rec = s.do(t, http.MethodPost, "/api/chat", map[string]string{"message": "Halo Elaina"}, cookie)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out struct {
		Reply     string `json:"reply"`
		SessionID string `json:"sessionId"`
		Success   bool   `json:"success"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "Halo juga!", out.Reply)
	assert.True(t, out.Success)
	assert.Equal(t, 1, s.pool.AvailableCount())

	rec = s.do(t, http.MethodGet, "/api/chat-history?sessionId="+out.SessionID, nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, strings.Count(rec.Body.String(), `"role"`))

	rec = s.do(t, http.MethodGet, "/health", nil)
	assert.Contains(t, rec.Body.String(), `"availableKeys":1`)
	assert.NotContains(t, rec.Body.String(), "bad")
}

func TestRouter_ChatWithoutKeys(t *testing.T) {
	s := newStack(t)
	rec := s.do(t, http.MethodPost, "/api/register", map[string]string{"username": "alice", "password": "secret-pw"})
	require.Equal(t, http.StatusCreated, rec.Code)
	cookies := rec.Result().Cookies()

	rec = s.do(t, http.MethodPost, "/api/chat", map[string]string{"message": "hi"}, cookies...)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "NO_CREDENTIALS")
}

func TestRouter_CORSPreflightAllowsCredentials(t *testing.T) {
	s := newStack(t, "k1")
	req := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
	req.Header.Set("Origin", "https://elaina.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestBuildReadinessChecks(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	checks := app.BuildReadinessChecks(nil, rdb, keypool.New([]string{"k1"}))
	require.Len(t, checks, 2)
	assert.Equal(t, "redis", checks[0].Name)
	assert.NoError(t, checks[0].Check(context.Background()))
	assert.NoError(t, checks[1].Check(context.Background()))

	mr.Close()
	assert.Error(t, checks[0].Check(context.Background()))

	assert.Empty(t, app.BuildReadinessChecks(nil, nil, nil))
}

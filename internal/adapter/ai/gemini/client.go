// Package gemini implements the chat dispatcher against the Gemini
// generateContent API with credential failover over a key pool.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/fairyhunter13/ai-chat-proxy/internal/adapter/keypool"
	"github.com/fairyhunter13/ai-chat-proxy/internal/adapter/observability"
	"github.com/fairyhunter13/ai-chat-proxy/internal/config"
	"github.com/fairyhunter13/ai-chat-proxy/internal/domain"
)

const (
	provider  = "gemini"
	operation = "generate"

	// FallbackReply is returned when a successful response has no reply text.
	FallbackReply = "Maaf, saya tidak bisa merespons saat ini."

	maxResponseBytes = 4 << 20
	snippetBytes     = 512
)

// KeyPool is the part of keypool.Pool the dispatcher depends on.
type KeyPool interface {
	Acquire() (keypool.Credential, bool)
	Block(secret string)
	Size() int
}

// Options configures a Dispatcher.
type Options struct {
	BaseURL string
	Model   string
	// Timeout bounds one upstream attempt.
	Timeout time.Duration
	// BlockOnRateLimit treats HTTP 429 as a credential failure.
	BlockOnRateLimit bool
	HTTPClient       *http.Client
}

// Dispatcher implements domain.Dispatcher.
type Dispatcher struct {
	opts Options
	pool KeyPool
	hc   *http.Client
}

// New constructs a Dispatcher over pool.
func New(opts Options, pool KeyPool) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = config.MinUpstreamTimeout
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	hc := opts.HTTPClient
	if hc == nil {
		// Per-attempt deadlines come from the request context.
		hc = &http.Client{}
	}
	return &Dispatcher{opts: opts, pool: pool, hc: hc}
}

// NewFromConfig constructs a Dispatcher from application configuration.
func NewFromConfig(cfg config.Config, pool KeyPool) *Dispatcher {
	return New(Options{
		BaseURL:          cfg.GeminiBaseURL,
		Model:            cfg.GeminiModel,
		Timeout:          cfg.GetUpstreamTimeout(),
		BlockOnRateLimit: cfg.BlockOnRateLimit,
	}, pool)
}

var _ domain.Dispatcher = (*Dispatcher)(nil)

// Dispatch sends one logical chat call, rotating credentials on 401/403 (and
// 429 when configured) until a reply, a terminal failure, or pool exhaustion.
// Each credential is tried at most once per call, so the loop runs at most
// pool-size attempts plus one final selection that finds the pool empty.
func (d *Dispatcher) Dispatch(ctx domain.Context, personaPrompt string, history []domain.Turn, newUserText string) (string, error) {
	tracer := otel.Tracer("ai.gemini")
	ctx, span := tracer.Start(ctx, "gemini.Dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("ai.provider", provider),
		attribute.String("ai.model", d.opts.Model),
		attribute.Int("chat.history_turns", len(history)),
	)
	lg := observability.LoggerFromContext(ctx)

	body, err := json.Marshal(generateRequest{Contents: BuildContents(personaPrompt, history, newUserText)})
	if err != nil {
		return "", fmt.Errorf("op=gemini.Dispatch: %w: encode request: %v", domain.ErrUpstreamUnknown, err)
	}

	tried := make(map[string]struct{}, d.pool.Size())
	attempt := 0
	var reply string
	op := func() error {
		cred, ok := d.pool.Acquire()
		if !ok {
			return backoff.Permanent(domain.ErrNoCredentials)
		}
		if _, seen := tried[cred.Secret]; seen {
			return backoff.Permanent(domain.ErrCredentialsExhausted)
		}
		tried[cred.Secret] = struct{}{}
		attempt++

		out, err := d.call(ctx, cred.Secret, body)
		if err == nil {
			reply = out
			lg.Info("gemini call succeeded",
				slog.String("provider", provider),
				slog.String("key", keypool.Mask(cred.Secret)),
				slog.Int("attempt", attempt))
			return nil
		}
		if errors.Is(err, domain.ErrCredentialRejected) {
			lg.Warn("gemini rejected key; rotating",
				slog.String("provider", provider),
				slog.String("key", keypool.Mask(cred.Secret)),
				slog.Int("attempt", attempt),
				slog.Any("error", err))
			d.pool.Block(cred.Secret)
			return err
		}
		return backoff.Permanent(err)
	}

	// Zero delay between rotations; the retry budget is the pool size.
	policy := backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(d.pool.Size())), ctx)
	err = backoff.Retry(op, policy)
	err = terminalError(err)

	kind := domain.KindOf(err)
	observability.RecordDispatch(string(kind))
	span.SetAttributes(attribute.Int("chat.attempts", attempt))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(kind))
		lg.Error("gemini dispatch failed",
			slog.String("provider", provider),
			slog.String("kind", string(kind)),
			slog.Int("attempts", attempt),
			slog.Any("error", err))
		return "", fmt.Errorf("op=gemini.Dispatch: %w", err)
	}
	return reply, nil
}

// terminalError maps what the retry loop returned onto the caller-facing
// taxonomy. A rejected credential never leaves the dispatcher.
func terminalError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrCredentialRejected):
		return fmt.Errorf("%w: last attempt: %v", domain.ErrCredentialsExhausted, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", domain.ErrUpstreamTimeout, err)
	case domain.KindOf(err) == domain.KindUnknown && !errors.Is(err, domain.ErrUpstreamUnknown):
		return fmt.Errorf("%w: %v", domain.ErrUpstreamUnknown, err)
	default:
		return err
	}
}

// call performs one upstream attempt with secret and classifies the outcome.
func (d *Dispatcher) call(ctx context.Context, secret string, body []byte) (_ string, err error) {
	tracer := otel.Tracer("ai.gemini")
	ctx, span := tracer.Start(ctx, "gemini.call")
	defer span.End()
	span.SetAttributes(attribute.String("ai.key", keypool.Mask(secret)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(domain.KindOf(err)))
		}
	}()

	attemptCtx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, d.endpoint(secret), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", domain.ErrUpstreamUnknown, stripURL(err))
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := d.hc.Do(req)
	if err != nil {
		observability.ObserveAIRequest(provider, operation, "error", time.Since(start))
		if isTimeout(err) {
			return "", fmt.Errorf("%w: no response within %s", domain.ErrUpstreamTimeout, d.opts.Timeout)
		}
		return "", fmt.Errorf("%w: %v", domain.ErrUpstreamUnknown, stripURL(err))
	}
	defer func() { _ = resp.Body.Close() }()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	observability.ObserveAIRequest(provider, operation, http.StatusText(resp.StatusCode), time.Since(start))
	if err != nil {
		if isTimeout(err) {
			return "", fmt.Errorf("%w: reading response after %s", domain.ErrUpstreamTimeout, d.opts.Timeout)
		}
		return "", fmt.Errorf("%w: read response: %v", domain.ErrUpstreamUnknown, err)
	}

	if cerr := d.classifyStatus(resp.StatusCode); cerr != nil {
		lg := observability.LoggerFromContext(ctx)
		lg.Warn("gemini non-2xx",
			slog.String("provider", provider),
			slog.String("op", operation),
			slog.Int("status", resp.StatusCode),
			slog.String("model", d.opts.Model),
			slog.String("body", snippet(raw)))
		return "", fmt.Errorf("%w: status %d", cerr, resp.StatusCode)
	}

	var out generateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", domain.ErrUpstreamUnknown, err)
	}
	text, ok := out.replyText()
	if !ok {
		observability.LoggerFromContext(ctx).Warn("gemini response without reply text; using fallback",
			slog.String("provider", provider),
			slog.String("body", snippet(raw)))
		return FallbackReply, nil
	}
	return text, nil
}

// classifyStatus maps an HTTP status onto the dispatch taxonomy; nil means success.
func (d *Dispatcher) classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.ErrCredentialRejected
	case status == http.StatusTooManyRequests:
		if d.opts.BlockOnRateLimit {
			return domain.ErrCredentialRejected
		}
		return domain.ErrUpstreamRateLimit
	case status >= 500:
		return domain.ErrUpstreamUnavailable
	default:
		return domain.ErrUpstreamUnknown
	}
}

func (d *Dispatcher) endpoint(secret string) string {
	return fmt.Sprintf("%s/models/%s:generateContent?key=%s", d.opts.BaseURL, url.PathEscape(d.opts.Model), url.QueryEscape(secret))
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// stripURL drops the request URL (which carries the key) from transport errors.
func stripURL(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}

func snippet(b []byte) string {
	if len(b) > snippetBytes {
		b = b[:snippetBytes]
	}
	return string(b)
}

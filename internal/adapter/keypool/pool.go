// Package keypool owns the upstream credential pool and its blocked/active state.
//
// Credentials are tried in configuration order. Blocking is permanent for the
// lifetime of the process; a restart with corrected configuration is the only
// way to bring a blocked credential back.
package keypool

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/fairyhunter13/ai-chat-proxy/internal/adapter/observability"
)

// Credential is one upstream API key.
type Credential struct {
	Secret  string
	Blocked bool
}

// KeyStatus is a loggable view of a credential.
type KeyStatus struct {
	Key     string `json:"key"`
	Blocked bool   `json:"blocked"`
}

// Pool is safe for concurrent use.
type Pool struct {
	mu    sync.RWMutex
	creds []Credential
}

// New builds a pool from secrets in order. Blank entries are dropped and
// duplicates collapse onto their first occurrence.
func New(secrets []string) *Pool {
	p := &Pool{creds: make([]Credential, 0, len(secrets))}
	seen := make(map[string]struct{}, len(secrets))
	for _, s := range secrets {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		p.creds = append(p.creds, Credential{Secret: s})
	}
	observability.SetKeyPool(len(p.creds), len(p.creds))
	return p
}

// Acquire returns the first active credential in pool order. ok is false when
// every credential is blocked or the pool is empty.
func (p *Pool) Acquire() (Credential, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, c := range p.creds {
		if !c.Blocked {
			return c, true
		}
	}
	return Credential{}, false
}

// Block permanently retires secret. Unknown or already blocked secrets are a no-op.
func (p *Pool) Block(secret string) {
	p.mu.Lock()
	changed := false
	for i := range p.creds {
		if p.creds[i].Secret == secret {
			if !p.creds[i].Blocked {
				p.creds[i].Blocked = true
				changed = true
			}
			break
		}
	}
	available := p.availableLocked()
	p.mu.Unlock()

	if changed {
		observability.KeyBlocked(available)
		slog.Warn("upstream key blocked",
			slog.String("key", Mask(secret)),
			slog.Int("available_keys", available))
	}
}

// AvailableCount returns how many credentials are still active.
func (p *Pool) AvailableCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.availableLocked()
}

// Size returns the number of credentials in the pool, blocked or not.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.creds)
}

// Snapshot returns the masked state of every credential in pool order.
func (p *Pool) Snapshot() []KeyStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]KeyStatus, len(p.creds))
	for i, c := range p.creds {
		out[i] = KeyStatus{Key: Mask(c.Secret), Blocked: c.Blocked}
	}
	return out
}

func (p *Pool) availableLocked() int {
	n := 0
	for _, c := range p.creds {
		if !c.Blocked {
			n++
		}
	}
	return n
}

// Mask keeps the first 10 characters of a secret for logs.
func Mask(secret string) string {
	if len(secret) <= 10 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:10] + "..."
}

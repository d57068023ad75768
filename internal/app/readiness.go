package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	httpserver "github.com/fairyhunter13/ai-chat-proxy/internal/adapter/httpserver"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// RedisClient is the minimal interface for a Redis client needed for readiness.
type RedisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

// BuildReadinessChecks returns the probes for the configured backends. A nil
// db or rdb means that backend runs in-process and is not probed. The key
// pool is ready while at least one credential is unblocked.
func BuildReadinessChecks(db Pinger, rdb RedisClient, keys httpserver.KeyStats) []httpserver.ReadinessCheck {
	checks := make([]httpserver.ReadinessCheck, 0, 3)
	if db != nil {
		checks = append(checks, httpserver.ReadinessCheck{Name: "db", Check: db.Ping})
	}
	if rdb != nil {
		checks = append(checks, httpserver.ReadinessCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}
	if keys != nil {
		checks = append(checks, httpserver.ReadinessCheck{Name: "keypool", Check: func(context.Context) error {
			if keys.AvailableCount() == 0 {
				return fmt.Errorf("no available credentials (%d configured)", keys.Size())
			}
			return nil
		}})
	}
	return checks
}

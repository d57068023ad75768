package observability

import (
	"io"
	"log/slog"
	"os"

	"github.com/fairyhunter13/ai-chat-proxy/internal/config"
)

// SetupLogger configures a JSON slog logger with service fields.
func SetupLogger(cfg config.Config) *slog.Logger {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{}
	// Debug in dev and test; info elsewhere
	if cfg.IsDev() || cfg.IsTest() {
		opts.Level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(w, opts)
	return slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
		slog.String("version", cfg.AppVersion),
	)
}

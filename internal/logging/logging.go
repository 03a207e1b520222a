package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/receiptflow/internal/config"
)

// New builds the root logger. process names the running role (serve, worker,
// cli) and is attached to every event.
func New(cfg config.LoggingConfig, process string) zerolog.Logger {
	return NewWithWriter(cfg, process, os.Stderr)
}

func NewWithWriter(cfg config.LoggingConfig, process string, w io.Writer) zerolog.Logger {
	if strings.EqualFold(strings.TrimSpace(cfg.Format), "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	ctx := zerolog.New(w).Level(ParseLevel(cfg.Level)).With().Timestamp().Str("service", "receiptflow")
	if process = strings.TrimSpace(process); process != "" {
		ctx = ctx.Str("process", process)
	}
	return ctx.Logger()
}

// ParseLevel maps a configured level name to a zerolog level. Unknown names
// fall back to info.
func ParseLevel(raw string) zerolog.Level {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return zerolog.InfoLevel
	}
	level, err := zerolog.ParseLevel(raw)
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

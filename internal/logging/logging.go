// Package logging builds the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"pulse/config"
)

// logger fields
const (
	Component = "component"
	UserID    = "user_id"
	ChatID    = "chat_id"
	ConnID    = "conn_id"
	Event     = "event"
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// New returns a logger writing JSON to w, or a console writer when pretty is set.
func New(w io.Writer, level string, pretty bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// ProvideLogger is a Wire provider function that creates the root logger
func ProvideLogger(cfg *config.Config) zerolog.Logger {
	return New(os.Stdout, cfg.LogLevel, cfg.LogPretty)
}

// ForComponent returns a child logger tagged with the component name.
func ForComponent(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str(Component, name).Logger()
}

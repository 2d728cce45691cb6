package observ

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogConfig controls the process-wide logger.
type LogConfig struct {
	Level  string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" default:"json" validate:"oneof=json console"`
	Output string `yaml:"output" default:"stdout"`
}

var (
	logMu  sync.RWMutex
	logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
)

// Init replaces the process logger.
func Init(cfg LogConfig) {
	var out io.Writer = os.Stdout
	switch strings.ToLower(cfg.Output) {
	case "stderr":
		out = os.Stderr
	case "", "stdout":
	default:
		if f, err := os.OpenFile(cfg.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644); err == nil {
			out = f
		}
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	SetLogger(zerolog.New(out).Level(level).With().Timestamp().Logger())
}

// SetLogger swaps the process logger; tests use it to capture output.
func SetLogger(l zerolog.Logger) {
	logMu.Lock()
	logger = l
	logMu.Unlock()
}

// Logger returns the process logger.
func Logger() *zerolog.Logger {
	logMu.RLock()
	l := logger
	logMu.RUnlock()
	return &l
}

// With returns a child logger tagged with a component name.
func With(component string) zerolog.Logger {
	return Logger().With().Str("component", component).Logger()
}

// Log writes a single structured event line.
func Log(event string, kv map[string]any) {
	l := Logger()
	e := l.Info()
	if lvl, ok := kv["level"].(string); ok {
		if parsed, err := zerolog.ParseLevel(lvl); err == nil {
			e = l.WithLevel(parsed)
		}
	}
	for k, v := range kv {
		if k == "level" {
			continue
		}
		e = e.Interface(k, v)
	}
	e.Str("event", event).Send()
}

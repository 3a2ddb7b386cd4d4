package obs

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogConfig configures the process-wide logger.
type LogConfig struct {
	// Level is one of trace, debug, info, warn, error.
	Level string
	// Format is json or console.
	Format string
	// Output defaults to stdout.
	Output io.Writer
}

var (
	loggerMu sync.RWMutex
	logger   zerolog.Logger
	current  LogConfig
)

func init() {
	zerolog.TimestampFieldName = "ts"
	zerolog.MessageFieldName = "msg"
	zerolog.TimeFieldFormat = time.RFC3339Nano
	current = LogConfig{Level: "info", Format: "json", Output: os.Stdout}
	logger = build(current)
}

// InitLogger reconfigures the shared logger. Safe to call more than once.
func InitLogger(cfg LogConfig) {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	loggerMu.Lock()
	defer loggerMu.Unlock()
	current = cfg
	logger = build(cfg)
}

// SetOutput redirects the shared logger and returns a func restoring the previous writer.
func SetOutput(w io.Writer) (restore func()) {
	loggerMu.Lock()
	prev := current
	next := current
	next.Output = w
	current = next
	logger = build(next)
	loggerMu.Unlock()
	return func() { InitLogger(prev) }
}

// Logger returns the shared structured logger used across the service.
func Logger() *zerolog.Logger {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	return &l
}

// Ctx returns the shared logger enriched with the request id found in ctx.
func Ctx(ctx context.Context) *zerolog.Logger {
	l := Logger()
	if rid := RequestIDFromContext(ctx); rid != "" {
		enriched := l.With().Str("request_id", rid).Logger()
		return &enriched
	}
	return l
}

func build(cfg LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	out := cfg.Output
	if strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{Out: cfg.Output, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

type ctxKey struct{}

// WithRequestID attaches the request correlation id to ctx.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, requestID)
}

// RequestIDFromContext returns the request id stored by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ctxKey{}).(string); ok {
		return v
	}
	return ""
}

// Package audit records security events. Events are written asynchronously
// to the structured log and to the event store.
package audit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"shahin-ai.com/grc-auth/internal/auth"
	"shahin-ai.com/grc-auth/internal/obs"
)

// DefaultBufferSize is the queue length used when New is given zero.
const DefaultBufferSize = 1024

const storeWriteTimeout = 5 * time.Second

// Sink persists or forwards one event.
type Sink interface {
	Write(ctx context.Context, ev auth.SecurityEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev auth.SecurityEvent) error

func (f SinkFunc) Write(ctx context.Context, ev auth.SecurityEvent) error { return f(ctx, ev) }

type queued struct {
	ctx context.Context
	ev  auth.SecurityEvent
}

// Logger fans events out to its sinks from a background goroutine. When the
// queue is full or the logger is closed, Record writes synchronously so no
// event is dropped. Logger implements auth.EventRecorder.
type Logger struct {
	sinks []Sink
	queue chan queued
	done  chan struct{}
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// Option configures a Logger.
type Option func(*Logger)

// WithSink adds a sink.
func WithSink(s Sink) Option {
	return func(l *Logger) { l.sinks = append(l.sinks, s) }
}

// WithStore persists events through an auth.EventStore.
func WithStore(store auth.EventStore) Option {
	return WithSink(SinkFunc(func(ctx context.Context, ev auth.SecurityEvent) error {
		ctx, cancel := context.WithTimeout(ctx, storeWriteTimeout)
		defer cancel()
		return store.InsertSecurityEvent(ctx, ev)
	}))
}

// WithLogSink writes events to the shared structured logger.
func WithLogSink() Option {
	return WithSink(SinkFunc(LogEvent))
}

// New starts a Logger with the given queue size.
func New(bufferSize int, opts ...Option) *Logger {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	l := &Logger{
		queue: make(chan queued, bufferSize),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.wg.Add(1)
	go l.process()
	return l
}

// Record enriches ev from ctx and queues it.
func (l *Logger) Record(ctx context.Context, ev auth.SecurityEvent) {
	if ctx == nil {
		ctx = context.Background()
	}
	ev = Enrich(ctx, ev)
	// Sinks run after the request finishes; keep the values, drop the deadline.
	item := queued{ctx: context.WithoutCancel(ctx), ev: ev}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.closed {
		select {
		case l.queue <- item:
			return
		default:
			obs.Ctx(ctx).Warn().Str("event", ev.Type).Msg("audit queue full, writing synchronously")
		}
	}
	l.write(item)
}

func (l *Logger) process() {
	defer l.wg.Done()
	for {
		select {
		case item := <-l.queue:
			l.write(item)
		case <-l.done:
			for {
				select {
				case item := <-l.queue:
					l.write(item)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) write(item queued) {
	for _, s := range l.sinks {
		if err := s.Write(item.ctx, item.ev); err != nil {
			obs.Ctx(item.ctx).Error().Err(err).Str("event", item.ev.Type).Str("event_id", item.ev.ID).Msg("audit sink write failed")
		}
	}
}

// Close drains the queue and stops the background writer. Events recorded
// after Close are written synchronously.
func (l *Logger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	close(l.done)
	l.wg.Wait()
	return nil
}

type clientKey struct{}

type clientInfo struct {
	remoteAddr string
	userAgent  string
}

// WithClient attaches the caller's address and user agent to ctx.
func WithClient(ctx context.Context, remoteAddr, userAgent string) context.Context {
	return context.WithValue(ctx, clientKey{}, clientInfo{
		remoteAddr: strings.TrimSpace(remoteAddr),
		userAgent:  strings.TrimSpace(userAgent),
	})
}

// Enrich fills request id, caller and user fields the event leaves empty.
func Enrich(ctx context.Context, ev auth.SecurityEvent) auth.SecurityEvent {
	if ev.RequestID == "" {
		ev.RequestID = obs.RequestIDFromContext(ctx)
	}
	if c, ok := ctx.Value(clientKey{}).(clientInfo); ok {
		if ev.RemoteAddr == "" {
			ev.RemoteAddr = c.remoteAddr
		}
		if ev.UserAgent == "" {
			ev.UserAgent = c.userAgent
		}
	}
	if p, ok := auth.PrincipalFromContext(ctx); ok {
		if ev.UserID == "" {
			ev.UserID = p.UserID
		}
		if ev.TenantID == "" {
			ev.TenantID = p.TenantID
		}
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	return ev
}

// LogEvent writes ev as a structured audit line.
func LogEvent(ctx context.Context, ev auth.SecurityEvent) error {
	level := zerolog.InfoLevel
	if ev.Outcome != auth.OutcomeSuccess {
		level = zerolog.WarnLevel
	}
	e := obs.Ctx(ctx).WithLevel(level).
		Str("type", "audit").
		Str("event", ev.Type).
		Str("event_id", ev.ID).
		Str("outcome", ev.Outcome).
		Time("occurred_at", ev.OccurredAt)
	str := func(key, v string) {
		if v != "" {
			e = e.Str(key, v)
		}
	}
	str("user_id", ev.UserID)
	str("tenant_id", ev.TenantID)
	str("provider", ev.Provider)
	str("action", ev.Action)
	str("resource", ev.Resource)
	str("reason", ev.Reason)
	str("remote_addr", ev.RemoteAddr)
	str("user_agent", ev.UserAgent)
	if len(ev.Details) > 0 {
		e = e.Interface("details", ev.Details)
	}
	e.Msg("security event")
	return nil
}

// Package obslog wraps zerolog behind the category+fields call shape the
// teacher codebase uses (logger.InfoCF(category, msg, fields)), and fans
// every record out to the process-wide Log Stream (spec §4.8) by
// dispatching it directly to the registered callbacks from the same call
// that writes it to zerolog, so "log to stderr" and "log to subscribed
// frontends" are a single code path.
package obslog

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Record is one structured log line, matching spec §4.8's shape.
type Record struct {
	Level     string         `json:"level"`
	Category  string         `json:"category"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
	MessageID string         `json:"messageId,omitempty"`
}

// Callback receives every log record produced anywhere in the process.
type Callback func(Record)

// streamFanout is the registry behind AddLogStreamCallback. It is not a
// zerolog.Hook — zerolog hooks only see the rendered message, not the
// structured fields attached via .Interface(), so emit() below dispatches
// the Record directly instead of going through zerolog's hook chain.
type streamFanout struct {
	mu        sync.RWMutex
	callbacks map[int]Callback
	nextID    int
}

func (h *streamFanout) subscribe(cb Callback) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.callbacks[id] = cb
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.callbacks, id)
		h.mu.Unlock()
	}
}

func (h *streamFanout) dispatch(r Record) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, cb := range h.callbacks {
		cb(r)
	}
}

var globalHook = &streamFanout{callbacks: make(map[int]Callback)}

// AddLogStreamCallback registers cb to receive every log record produced by
// this process from now on. The returned func unsubscribes. Safe to call
// concurrently with logging.
func AddLogStreamCallback(cb Callback) (unsubscribe func()) {
	return globalHook.subscribe(cb)
}

// Logger is the category-scoped logger handed out by New.
type Logger struct {
	zl       zerolog.Logger
	category string
}

var base zerolog.Logger

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
	Configure(os.Stderr, zerolog.InfoLevel)
}

// Configure rebinds the base logger's output and minimum level. Intended
// for process startup (wired from runtimeconfig) and tests.
func Configure(w io.Writer, level zerolog.Level) {
	base = zerolog.New(w).With().Timestamp().Logger().Level(level)
}

// New returns a Logger scoped to category (e.g. "agent", "eventbus",
// "storage"), mirroring the teacher's per-package logger.XxxCF(category, ...)
// call sites.
func New(category string) *Logger {
	return &Logger{zl: base, category: category}
}

func (l *Logger) emit(level zerolog.Level, msg string, fields map[string]any) {
	evt := l.zl.WithLevel(level)
	for k, v := range fields {
		evt = evt.Interface(k, v)
	}
	evt.Str("category", l.category).Msg(msg)

	globalHook.dispatch(Record{
		Level:     level.String(),
		Category:  l.category,
		Message:   msg,
		Timestamp: time.Now(),
		Data:      fields,
	})
}

// DebugCF logs at debug level with structured fields, category-scoped.
func (l *Logger) DebugCF(msg string, fields map[string]any) { l.emit(zerolog.DebugLevel, msg, fields) }

// InfoCF logs at info level with structured fields, category-scoped.
func (l *Logger) InfoCF(msg string, fields map[string]any) { l.emit(zerolog.InfoLevel, msg, fields) }

// WarnCF logs at warn level with structured fields, category-scoped.
func (l *Logger) WarnCF(msg string, fields map[string]any) { l.emit(zerolog.WarnLevel, msg, fields) }

// ErrorCF logs at error level with structured fields, category-scoped.
func (l *Logger) ErrorCF(msg string, fields map[string]any) { l.emit(zerolog.ErrorLevel, msg, fields) }

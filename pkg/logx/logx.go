// Package logx provides leveled, component-tagged logging with context-aware debug output.
package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level is a log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

const timestampFormat = "2006-01-02T15:04:05.000Z"

// Logger writes lines of the form "[ts] [component] LEVEL: message".
type Logger struct {
	component string
}

// Entry is a captured log line kept in the in-memory buffer.
type Entry struct {
	Timestamp string `json:"timestamp"`
	Component string `json:"component"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Domain    string `json:"domain,omitempty"`
	RunID     string `json:"run_id,omitempty"`
}

// DebugConfig controls debug logging.
type DebugConfig struct {
	Enabled bool
	Domains map[string]bool // nil enables every domain
}

type ctxKey string

const runIDKey ctxKey = "run_id"

const defaultBufferSize = 1000

//nolint:gochecknoglobals // process-wide logging sinks
var (
	writer   io.Writer = os.Stderr
	writerMu sync.Mutex

	debugConfig = DebugConfig{}
	debugMu     sync.RWMutex

	buffer = &ringBuffer{max: defaultBufferSize}
)

func init() { //nolint:gochecknoinits // env-driven debug switch
	configureFromEnv()
}

func configureFromEnv() {
	debugMu.Lock()
	defer debugMu.Unlock()

	if v := os.Getenv("DEBUG"); v == "1" || strings.EqualFold(v, "true") {
		debugConfig.Enabled = true
	}
	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		debugConfig.Domains = parseDomains(strings.Split(domains, ","))
	}
}

func parseDomains(domains []string) map[string]bool {
	if len(domains) == 0 {
		return nil
	}
	out := make(map[string]bool, len(domains))
	for _, d := range domains {
		if d = strings.TrimSpace(d); d != "" {
			out[d] = true
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// NewLogger creates a logger tagged with the given component name.
func NewLogger(component string) *Logger {
	return &Logger{component: component}
}

// SetOutput redirects all loggers. Passing nil restores stderr.
func SetOutput(w io.Writer) {
	writerMu.Lock()
	defer writerMu.Unlock()
	if w == nil {
		w = os.Stderr
	}
	writer = w
}

// SetDebug enables or disables debug output, optionally restricted to domains.
func SetDebug(enabled bool, domains ...string) {
	debugMu.Lock()
	defer debugMu.Unlock()
	debugConfig.Enabled = enabled
	debugConfig.Domains = parseDomains(domains)
}

// IsDebugEnabled reports whether debug logging is on for domain ("" means any).
func IsDebugEnabled(domain string) bool {
	debugMu.RLock()
	defer debugMu.RUnlock()
	if !debugConfig.Enabled {
		return false
	}
	if debugConfig.Domains == nil || domain == "" {
		return true
	}
	return debugConfig.Domains[domain]
}

// WithRunID stores a workflow run ID in ctx so debug lines can be correlated.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// RunID returns the run ID stored by WithRunID, or "".
func RunID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(runIDKey).(string); ok {
		return id
	}
	return ""
}

func emit(component string, level Level, domain, runID, message string) {
	ts := time.Now().UTC().Format(timestampFormat)

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] [%s] %s: ", ts, component, level)
	if runID != "" {
		fmt.Fprintf(&b, "(%s) ", runID)
	}
	if domain != "" {
		fmt.Fprintf(&b, "[%s] ", domain)
	}
	b.WriteString(message)
	b.WriteByte('\n')

	writerMu.Lock()
	_, _ = io.WriteString(writer, b.String())
	writerMu.Unlock()

	buffer.add(Entry{
		Timestamp: ts,
		Component: component,
		Level:     string(level),
		Message:   message,
		Domain:    domain,
		RunID:     runID,
	})
}

func (l *Logger) Debug(format string, args ...any) {
	if !IsDebugEnabled("") {
		return
	}
	emit(l.component, LevelDebug, "", "", fmt.Sprintf(format, args...))
}

func (l *Logger) Info(format string, args ...any) {
	emit(l.component, LevelInfo, "", "", fmt.Sprintf(format, args...))
}

func (l *Logger) Warn(format string, args ...any) {
	emit(l.component, LevelWarn, "", "", fmt.Sprintf(format, args...))
}

func (l *Logger) Error(format string, args ...any) {
	emit(l.component, LevelError, "", "", fmt.Sprintf(format, args...))
}

// Component returns the logger's component tag.
func (l *Logger) Component() string {
	return l.component
}

// WithComponent returns a logger sharing the same sinks under a different tag.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{component: component}
}

// Debug logs a domain-filtered debug line, tagging it with the run ID in ctx.
//
//	DEBUG=1                          # all domains
//	DEBUG=1 DEBUG_DOMAINS=graph      # only the graph domain
//	DEBUG=1 DEBUG_DOMAINS=graph,gate # several domains
func Debug(ctx context.Context, domain, format string, args ...any) {
	if !IsDebugEnabled(domain) {
		return
	}
	emit("debug", LevelDebug, domain, RunID(ctx), fmt.Sprintf(format, args...))
}

// DebugState logs a state transition in the given domain.
func DebugState(ctx context.Context, domain, from, to string) {
	Debug(ctx, domain, "State %s → %s", from, to)
}

// Recent returns buffered entries, optionally filtered by domain and run ID.
func Recent(domain, runID string) []Entry {
	return buffer.filter(domain, runID)
}

type ringBuffer struct {
	mu      sync.RWMutex
	entries []Entry
	max     int
}

func (b *ringBuffer) add(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, e)
	if len(b.entries) > b.max {
		b.entries = b.entries[len(b.entries)-b.max:]
	}
}

func (b *ringBuffer) filter(domain, runID string) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Entry, 0, len(b.entries))
	for i := range b.entries {
		e := &b.entries[i]
		if domain != "" && !strings.EqualFold(e.Domain, domain) {
			continue
		}
		if runID != "" && e.RunID != runID {
			continue
		}
		out = append(out, *e)
	}
	return out
}

//nolint:gochecknoglobals // convenience logger for package-level helpers
var defaultLogger = NewLogger("pulse")

func Infof(format string, args ...any) {
	defaultLogger.Info(format, args...)
}

func Warnf(format string, args ...any) {
	defaultLogger.Warn(format, args...)
}

// Errorf logs and returns the formatted error.
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}

// Wrap logs msg + ": " + err and returns the wrapped error. A nil err yields nil.
//
//	if err != nil { return logx.Wrap(err, "open session db") }
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrapped.Error())
	return wrapped
}

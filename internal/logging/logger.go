package logging

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity level of a log message
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	// LevelOff suppresses every entry.
	LevelOff LogLevel = "off"
)

var levelRank = map[LogLevel]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
	LevelOff:   4,
}

// ParseLevel maps a config string to a LogLevel, defaulting to info.
func ParseLevel(s string) LogLevel {
	level := LogLevel(strings.ToLower(strings.TrimSpace(s)))
	switch level {
	case "warning":
		return LevelWarn
	case "none", "silent":
		return LevelOff
	}
	if _, ok := levelRank[level]; ok {
		return level
	}
	return LevelInfo
}

// sensitiveKeys never reach the output in clear. Their values are replaced
// by a fingerprint so two entries about the same secret can be correlated.
var sensitiveKeys = map[string]bool{
	"access_token":   true,
	"refresh_token":  true,
	"id_token":       true,
	"code":           true,
	"code_verifier":  true,
	"client_secret":  true,
	"api_key":        true,
	"authorization":  true,
	"encryption_key": true,
	"password":       true,
}

// Logger writes one JSON object per line. Loggers derived with With share
// the writer and its lock.
type Logger struct {
	mu      *sync.Mutex
	output  io.Writer
	level   LogLevel
	service string
	now     func() time.Time
	base    map[string]interface{}
}

// LoggerOption is a function that configures a Logger
type LoggerOption func(*Logger)

// WithOutput sets the output writer for the logger
func WithOutput(w io.Writer) LoggerOption {
	return func(l *Logger) {
		l.output = w
	}
}

// WithLevel sets the minimum log level
func WithLevel(level LogLevel) LoggerOption {
	return func(l *Logger) {
		l.level = level
	}
}

// WithService sets the service name for logs
func WithService(service string) LoggerOption {
	return func(l *Logger) {
		l.service = service
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) LoggerOption {
	return func(l *Logger) {
		l.now = now
	}
}

// NewLogger creates a new Logger with the specified options
func NewLogger(opts ...LoggerOption) *Logger {
	logger := &Logger{
		mu:      &sync.Mutex{},
		output:  os.Stdout,
		level:   LevelInfo,
		service: "tokenvault",
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(logger)
	}
	return logger
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return NewLogger(WithOutput(io.Discard), WithLevel(LevelOff))
}

// With returns a logger that adds the given key-value pairs to every entry.
func (l *Logger) With(fields ...interface{}) *Logger {
	_, extra := parseFields(fields)
	child := *l
	child.base = make(map[string]interface{}, len(l.base)+len(extra))
	for k, v := range l.base {
		child.base[k] = v
	}
	for k, v := range extra {
		child.base[k] = v
	}
	return &child
}

// Enabled reports whether entries at level would be written.
func (l *Logger) Enabled(level LogLevel) bool {
	return level != LevelOff && levelRank[level] >= levelRank[l.level]
}

type logEntry struct {
	Timestamp     string                 `json:"timestamp"`
	Level         LogLevel               `json:"level"`
	Service       string                 `json:"service"`
	Message       string                 `json:"message"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Fields        map[string]interface{} `json:"fields,omitempty"`
}

func (l *Logger) log(level LogLevel, message, correlationID string, fields map[string]interface{}) {
	if !l.Enabled(level) {
		return
	}
	for k, v := range l.base {
		if _, ok := fields[k]; !ok {
			fields[k] = v
		}
	}
	for k, v := range fields {
		fields[k] = sanitize(k, v)
	}

	entry := logEntry{
		Timestamp:     l.now().UTC().Format(time.RFC3339Nano),
		Level:         level,
		Service:       l.service,
		Message:       message,
		CorrelationID: correlationID,
		Fields:        fields,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		log.Printf("logging: dropping %q: %v", message, err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.output, string(data))
}

func sanitize(key string, v interface{}) interface{} {
	if sensitiveKeys[strings.ToLower(key)] {
		s, ok := v.(string)
		if !ok || s == "" {
			return "[redacted]"
		}
		return "[redacted:" + Fingerprint(s) + "]"
	}
	switch val := v.(type) {
	case error:
		return val.Error()
	case time.Duration:
		return val.String()
	case fmt.Stringer:
		return val.String()
	}
	return v
}

// Debug logs a debug message
func (l *Logger) Debug(message string, fields ...interface{}) {
	cid, m := parseFields(fields)
	l.log(LevelDebug, message, cid, m)
}

// Info logs an info message
func (l *Logger) Info(message string, fields ...interface{}) {
	cid, m := parseFields(fields)
	l.log(LevelInfo, message, cid, m)
}

// Warn logs a warning message
func (l *Logger) Warn(message string, fields ...interface{}) {
	cid, m := parseFields(fields)
	l.log(LevelWarn, message, cid, m)
}

// Error logs an error message
func (l *Logger) Error(message string, fields ...interface{}) {
	cid, m := parseFields(fields)
	l.log(LevelError, message, cid, m)
}

// DebugWithContext logs at debug with the correlation ID carried by ctx.
func (l *Logger) DebugWithContext(ctx context.Context, message string, fields ...interface{}) {
	l.logContext(ctx, LevelDebug, message, fields)
}

// InfoWithContext logs at info with the correlation ID carried by ctx.
func (l *Logger) InfoWithContext(ctx context.Context, message string, fields ...interface{}) {
	l.logContext(ctx, LevelInfo, message, fields)
}

// WarnWithContext logs at warn with the correlation ID carried by ctx.
func (l *Logger) WarnWithContext(ctx context.Context, message string, fields ...interface{}) {
	l.logContext(ctx, LevelWarn, message, fields)
}

// ErrorWithContext logs at error with the correlation ID carried by ctx.
func (l *Logger) ErrorWithContext(ctx context.Context, message string, fields ...interface{}) {
	l.logContext(ctx, LevelError, message, fields)
}

func (l *Logger) logContext(ctx context.Context, level LogLevel, message string, fields []interface{}) {
	cid, m := parseFields(fields)
	if id := GetCorrelationID(ctx); id != "" {
		cid = id
	}
	l.log(level, message, cid, m)
}

// parseFields reads key, value pairs. A correlation_id pair is pulled out of
// the field map; non-string keys and a trailing key are skipped.
func parseFields(fields []interface{}) (string, map[string]interface{}) {
	var correlationID string
	m := make(map[string]interface{}, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		if key == "correlation_id" {
			if id, ok := fields[i+1].(string); ok {
				correlationID = id
				continue
			}
		}
		m[key] = fields[i+1]
	}
	return correlationID, m
}

// Fingerprint returns a short, non-reversible label for a secret or an
// opaque reference so it can appear in logs.
func Fingerprint(secret string) string {
	if secret == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])[:12]
}

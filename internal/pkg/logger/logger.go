package logger

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Level represents the severity of a log entry.
type Level = zerolog.Level

const (
	DEBUG = zerolog.DebugLevel
	INFO  = zerolog.InfoLevel
	WARN  = zerolog.WarnLevel
	ERROR = zerolog.ErrorLevel
)

// Logger provides structured JSON logging with secret and PII redaction.
type Logger struct {
	mu        sync.RWMutex
	base      zerolog.Logger
	redactPII bool
}

var defaultLogger = New(os.Stderr, INFO)

// New returns a logger writing JSON lines to w.
func New(w io.Writer, level Level) *Logger {
	return &Logger{
		base:      zerolog.New(w).Level(level).With().Timestamp().Logger(),
		redactPII: true,
	}
}

// Default returns the package-level logger.
func Default() *Logger { return defaultLogger }

// SetOutput replaces the writer of the default logger, keeping its level.
func SetOutput(w io.Writer) {
	defaultLogger.mu.Lock()
	defaultLogger.base = defaultLogger.base.Output(w)
	defaultLogger.mu.Unlock()
}

// SetLevel sets the minimum log level for the default logger.
func SetLevel(l Level) {
	defaultLogger.mu.Lock()
	defaultLogger.base = defaultLogger.base.Level(l)
	defaultLogger.mu.Unlock()
}

// ParseLevel maps a config string to a level, defaulting to INFO.
func ParseLevel(s string) Level {
	l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || l == zerolog.NoLevel {
		return INFO
	}
	return l
}

// SetRedactPII enables or disables PII redaction for the default logger.
func SetRedactPII(r bool) {
	defaultLogger.mu.Lock()
	defaultLogger.redactPII = r
	defaultLogger.mu.Unlock()
}

// Debug emits a DEBUG-level structured log entry.
func Debug(msg string, fields ...interface{}) { defaultLogger.Log(DEBUG, msg, fields...) }

// Info emits an INFO-level structured log entry.
func Info(msg string, fields ...interface{}) { defaultLogger.Log(INFO, msg, fields...) }

// Warn emits a WARN-level structured log entry.
func Warn(msg string, fields ...interface{}) { defaultLogger.Log(WARN, msg, fields...) }

// Error emits an ERROR-level structured log entry.
func Error(msg string, fields ...interface{}) { defaultLogger.Log(ERROR, msg, fields...) }

// Log writes msg with key-value pairs. An odd trailing key is dropped.
func (l *Logger) Log(level Level, msg string, fields ...interface{}) {
	l.mu.RLock()
	base, redact := l.base, l.redactPII
	l.mu.RUnlock()

	e := base.WithLevel(level)
	if e == nil {
		return
	}

	for i := 0; i < len(fields)-1; i += 2 {
		key := fmt.Sprintf("%v", fields[i])
		switch v := fields[i+1].(type) {
		case error:
			e.Str(key, redactValue(key, v.Error(), redact))
		case int:
			e.Int(key, v)
		case int64:
			e.Int64(key, v)
		case bool:
			e.Bool(key, v)
		case fmt.Stringer:
			e.Str(key, redactValue(key, v.String(), redact))
		default:
			e.Str(key, redactValue(key, fmt.Sprintf("%v", v), redact))
		}
	}
	e.Msg(msg)
}

var emailRegex = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

var secretKeys = []string{"token", "secret", "password", "authorization", "api_key"}

func redactValue(key, val string, redactPII bool) string {
	key = strings.ToLower(key)
	for _, s := range secretKeys {
		if strings.Contains(key, s) {
			return RedactSecret(val)
		}
	}
	if !redactPII {
		return val
	}
	if strings.Contains(key, "email") {
		return RedactEmail(val)
	}
	// Redact any embedded emails in generic fields
	return emailRegex.ReplaceAllStringFunc(val, RedactEmail)
}

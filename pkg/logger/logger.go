package logger

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a level name to a Level. Unknown names return INFO
// together with an error so callers can fall back to the default.
func ParseLevel(name string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return DEBUG, nil
	case "INFO":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	default:
		return INFO, fmt.Errorf("unknown log level: %s", name)
	}
}

// Logger is a leveled key=value logger. Loggers derived with WithField share
// the underlying writer and level with their parent.
type Logger struct {
	shared *shared
	fields []field
}

type shared struct {
	mu    sync.Mutex
	out   io.Writer
	level Level
}

type field struct {
	key   string
	value interface{}
}

// New returns a logger writing text lines to stderr at INFO level.
func New() *Logger {
	return NewWithWriter(os.Stderr, INFO)
}

// NewWithWriter returns a logger writing to out at the given level.
func NewWithWriter(out io.Writer, level Level) *Logger {
	return &Logger{shared: &shared{out: out, level: level}}
}

// WithField returns a child logger carrying one additional context field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.WithFields(key, value)
}

// WithFields returns a child logger carrying additional context fields given
// as alternating key/value pairs.
func (l *Logger) WithFields(keyVals ...interface{}) *Logger {
	child := &Logger{
		shared: l.shared,
		fields: make([]field, 0, len(l.fields)+len(keyVals)/2),
	}
	child.fields = append(child.fields, l.fields...)
	for i := 0; i+1 < len(keyVals); i += 2 {
		child.fields = append(child.fields, field{fmt.Sprintf("%v", keyVals[i]), keyVals[i+1]})
	}
	return child
}

func (l *Logger) Debug(msg string, keyVals ...interface{}) { l.log(DEBUG, msg, keyVals...) }
func (l *Logger) Info(msg string, keyVals ...interface{})  { l.log(INFO, msg, keyVals...) }
func (l *Logger) Warn(msg string, keyVals ...interface{})  { l.log(WARN, msg, keyVals...) }
func (l *Logger) Error(msg string, keyVals ...interface{}) { l.log(ERROR, msg, keyVals...) }

func (l *Logger) Fatal(msg string, keyVals ...interface{}) {
	l.log(ERROR, msg, keyVals...)
	os.Exit(1)
}

func (l *Logger) SetLevel(level Level) {
	l.shared.mu.Lock()
	l.shared.level = level
	l.shared.mu.Unlock()
}

func (l *Logger) GetLevel() Level {
	l.shared.mu.Lock()
	defer l.shared.mu.Unlock()
	return l.shared.level
}

func (l *Logger) IsDebugEnabled() bool { return l.GetLevel() <= DEBUG }

func (l *Logger) log(level Level, msg string, keyVals ...interface{}) {
	l.shared.mu.Lock()
	defer l.shared.mu.Unlock()
	if level < l.shared.level {
		return
	}

	fields := make([]field, 0, len(l.fields)+len(keyVals)/2)
	fields = append(fields, l.fields...)
	for i := 0; i+1 < len(keyVals); i += 2 {
		fields = append(fields, field{fmt.Sprintf("%v", keyVals[i]), keyVals[i+1]})
	}
	// Context fields keep insertion order; call-site fields are sorted so the
	// same call always renders the same line.
	rest := fields[len(l.fields):]
	sort.SliceStable(rest, func(i, j int) bool { return rest[i].key < rest[j].key })

	var b strings.Builder
	b.WriteString("[")
	b.WriteString(time.Now().Format("2006-01-02T15:04:05.000Z07:00"))
	b.WriteString("] [")
	b.WriteString(level.String())
	b.WriteString("] ")
	b.WriteString(msg)
	if len(fields) > 0 {
		b.WriteString(" |")
		for _, f := range fields {
			b.WriteString(" ")
			b.WriteString(f.key)
			b.WriteString("=")
			b.WriteString(formatValue(f.value))
		}
	}
	b.WriteString("\n")
	_, _ = io.WriteString(l.shared.out, b.String())
}

func formatValue(value interface{}) string {
	switch v := value.(type) {
	case string:
		if strings.ContainsAny(v, " \t") {
			return fmt.Sprintf("%q", v)
		}
		return v
	case error:
		return fmt.Sprintf("%q", v.Error())
	case time.Duration:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// package-level default logger
var defaultLogger = New()

func Default() *Logger { return defaultLogger }

func Debug(msg string, keyVals ...interface{}) { defaultLogger.Debug(msg, keyVals...) }
func Info(msg string, keyVals ...interface{})  { defaultLogger.Info(msg, keyVals...) }
func Warn(msg string, keyVals ...interface{})  { defaultLogger.Warn(msg, keyVals...) }
func Error(msg string, keyVals ...interface{}) { defaultLogger.Error(msg, keyVals...) }

func WithField(key string, value interface{}) *Logger {
	return defaultLogger.WithField(key, value)
}

func SetLevel(level Level) { defaultLogger.SetLevel(level) }

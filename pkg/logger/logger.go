// Package logger provides leveled, structured logging for the database core.
// The facade and executor emit lifecycle/query events through it; callers can
// redirect or silence output entirely.
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

// Level is the log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Event is a single structured log event. DurationMs and RowCount are -1 when
// not applicable.
type Event struct {
	Time       time.Time
	Level      Level
	Name       string
	Subject    string
	DurationMs int64
	RowCount   int64
	Fields     map[string]any
}

// Sink consumes structured events. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(Event)
}

// Logger writes leveled messages and structured events.
type Logger struct {
	name  string
	level Level

	mu   sync.Mutex
	out  io.Writer
	sink Sink
}

// New creates a logger writing to stderr at Info level.
func New(name string) *Logger {
	return &Logger{name: name, level: LevelInfo, out: os.Stderr}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{name: "nop", level: LevelError + 1, out: io.Discard}
}

// SetLevel sets the minimum severity that is written.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// SetOutput redirects message output.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = w
}

// SetSink installs a structured event sink in addition to message output.
func (l *Logger) SetSink(s Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = s
}

// Named returns a child logger with a dotted name suffix sharing the parent's
// output and sink.
func (l *Logger) Named(suffix string) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &Logger{
		name:  l.name + "." + suffix,
		level: l.level,
		out:   l.out,
		sink:  l.sink,
	}
}

func (l *Logger) Debugf(format string, args ...any) { l.logf(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.logf(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.logf(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.logf(LevelError, format, args...) }

func (l *Logger) logf(level Level, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.level {
		return
	}
	fmt.Fprintf(l.out, "%s %-5s [%s] %s\n",
		time.Now().Format("2006-01-02 15:04:05.000"),
		level.String(),
		l.name,
		fmt.Sprintf(format, args...))
}

// EmitEvent writes a structured event at the given level. The event also
// appears on the message output so plain-console runs stay readable.
func (l *Logger) EmitEvent(level Level, name, subject string, durationMs, rowCount int64, fields map[string]any) {
	ev := Event{
		Time:       time.Now(),
		Level:      level,
		Name:       name,
		Subject:    subject,
		DurationMs: durationMs,
		RowCount:   rowCount,
		Fields:     fields,
	}

	l.mu.Lock()
	sink := l.sink
	if level >= l.level {
		fmt.Fprintf(l.out, "%s %-5s [%s] %s %s\n",
			ev.Time.Format("2006-01-02 15:04:05.000"),
			level.String(),
			l.name,
			name,
			formatEvent(ev))
	}
	l.mu.Unlock()

	if sink != nil {
		sink.Emit(ev)
	}
}

func formatEvent(ev Event) string {
	var b strings.Builder
	if ev.Subject != "" {
		fmt.Fprintf(&b, "subject=%s", ev.Subject)
	}
	if ev.DurationMs >= 0 {
		fmt.Fprintf(&b, " duration_ms=%d", ev.DurationMs)
	}
	if ev.RowCount >= 0 {
		fmt.Fprintf(&b, " rows=%d", ev.RowCount)
	}
	if len(ev.Fields) > 0 {
		keys := make([]string, 0, len(ev.Fields))
		for k := range ev.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, ev.Fields[k])
		}
	}
	return strings.TrimSpace(b.String())
}

package logger

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *captureSink) Emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *captureSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New("core")
	l.SetOutput(&buf)

	l.Debugf("hidden %d", 1)
	l.Infof("shown %d", 2)
	l.Errorf("also shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "INFO")
	assert.Contains(t, out, "shown 2")
	assert.Contains(t, out, "ERROR")

	buf.Reset()
	l.SetLevel(LevelDebug)
	l.Debugf("now visible")
	assert.Contains(t, buf.String(), "now visible")
}

func TestNopDiscardsEverything(t *testing.T) {
	l := Nop()
	l.Errorf("nothing happens")
}

func TestNamedSharesOutput(t *testing.T) {
	var buf bytes.Buffer
	parent := New("core")
	parent.SetOutput(&buf)

	child := parent.Named("pool")
	child.Infof("from child")

	assert.Contains(t, buf.String(), "[core.pool]")
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "INFO", LevelInfo.String())
	assert.Equal(t, "WARN", LevelWarn.String())
	assert.Equal(t, "ERROR", LevelError.String())
	assert.Equal(t, "UNKNOWN", Level(42).String())
}

func TestEmitEvent(t *testing.T) {
	var buf bytes.Buffer
	sink := &captureSink{}
	l := New("core")
	l.SetOutput(&buf)
	l.SetSink(sink)

	l.EmitEvent(LevelInfo, "query", "orders", 12, 3, map[string]any{"engine": "postgres"})

	events := sink.Events()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, "query", ev.Name)
	assert.Equal(t, "orders", ev.Subject)
	assert.Equal(t, int64(12), ev.DurationMs)
	assert.Equal(t, int64(3), ev.RowCount)
	assert.Equal(t, "postgres", ev.Fields["engine"])

	out := buf.String()
	assert.Contains(t, out, "subject=orders")
	assert.Contains(t, out, "duration_ms=12")
	assert.Contains(t, out, "rows=3")
	assert.Contains(t, out, "engine=postgres")
}

func TestEmitEventBelowLevelStillReachesSink(t *testing.T) {
	var buf bytes.Buffer
	sink := &captureSink{}
	l := New("core")
	l.SetOutput(&buf)
	l.SetSink(sink)

	l.EmitEvent(LevelDebug, "acquire", "", -1, -1, nil)

	assert.Empty(t, buf.String())
	require.Len(t, sink.Events(), 1)
}

func TestFormatEventOmitsMissingParts(t *testing.T) {
	line := formatEvent(Event{Subject: "orders", DurationMs: -1, RowCount: -1})
	assert.Equal(t, "subject=orders", line)

	line = formatEvent(Event{DurationMs: 5, RowCount: -1, Fields: map[string]any{"b": 2, "a": 1}})
	assert.Equal(t, "duration_ms=5 a=1 b=2", line)
	assert.False(t, strings.HasPrefix(line, " "))
}

package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()

	var out []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		m := make(map[string]any)
		require.NoError(t, json.Unmarshal(line, &m))
		out = append(out, m)
	}
	return out
}

func TestLogger_WritesServiceTraceAndAttributes(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	traceFn := func(context.Context) string { return "abc123" }
	log := New(&buf, LevelInfo, "harvester", traceFn)

	log.Debug(context.Background(), "hidden")
	log.With("task", "A/x").Info(context.Background(), "task completed", "records", 3)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "task completed", lines[0]["msg"])
	assert.Equal(t, "harvester", lines[0]["service"])
	assert.Equal(t, "abc123", lines[0]["trace_id"])
	assert.Equal(t, "A/x", lines[0]["task"])
	assert.Equal(t, float64(3), lines[0]["records"])
	assert.Contains(t, lines[0]["file"], "logger_test.go")
}

func TestLogger_ErrorEventFires(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	var got Record
	events := Events{Error: func(_ context.Context, r Record) { got = r }}
	log := NewWithMetadata(&buf, LevelDebug, "harvester", nil, events, map[string]string{"host": "h1"})

	log.Error(context.Background(), "flush failed", "failed", 2)

	assert.Equal(t, "flush failed", got.Message)
	assert.Equal(t, LevelError, got.Level)
	assert.Equal(t, int64(2), got.Attributes["failed"])

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "h1", lines[0]["host"])
}

func TestLoggerContext_AccumulatesAttributes(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	lc := NewLoggerContext(New(&buf, LevelDebug, "harvester", nil))
	lc.Add("dim1", 0)
	lc.Add("dim2", 1)
	lc.Warn(context.Background(), "page drift", "page", 4)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, float64(0), lines[0]["dim1"])
	assert.Equal(t, float64(1), lines[0]["dim2"])
	assert.Equal(t, float64(4), lines[0]["page"])
}

func TestNoop_DropsEverything(t *testing.T) {
	t.Parallel()

	log := Noop()
	log.With("k", "v").Error(context.Background(), "ignored")
	NewLoggerContext(log).Info(context.Background(), "ignored")
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: "debug", want: LevelDebug},
		{in: "", want: LevelInfo},
		{in: "WARN", want: LevelWarn},
		{in: "error", want: LevelError},
		{in: "verbose", want: LevelInfo, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

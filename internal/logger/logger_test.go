package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSON(&buf, slog.LevelDebug).WithIndex("db.users", "a_1").WithTable("index-1")

	l.Warn("record id not found in index for key", "rid", 7)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "db.users", rec["ns"])
	assert.Equal(t, "a_1", rec["index"])
	assert.Equal(t, "index-1", rec["table"])
	assert.Equal(t, float64(7), rec["rid"])
}

func TestLogger_Noop(t *testing.T) {
	l := OrNoop(nil)
	require.NotNil(t, l)
	assert.False(t, l.Enabled(context.Background(), slog.LevelError))
}

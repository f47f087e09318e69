package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewJSONRespectsLevel(t *testing.T) {
	assert := require.New(t)
	var buf bytes.Buffer
	l := New(&buf, "warn", "json")

	l.Info("dropped")
	assert.Zero(buf.Len())

	l.Warn("kept", "segment", 3)
	var line map[string]any
	assert.NoError(json.Unmarshal(buf.Bytes(), &line))
	assert.Equal("kept", line["msg"])
	assert.EqualValues(3, line["segment"])
}

func TestParseLevel(t *testing.T) {
	assert := require.New(t)
	assert.Equal(slog.LevelDebug, parseLevel("debug"))
	assert.Equal(slog.LevelError, parseLevel("error"))
	assert.Equal(slog.LevelInfo, parseLevel("nonsense"))
}

func TestRequestIDRoundTrip(t *testing.T) {
	assert := require.New(t)
	ctx := WithRequestID(context.Background(), "abc")
	assert.Equal("abc", RequestID(ctx))
	assert.Empty(RequestID(context.Background()))
	assert.NotNil(FromContext(ctx))
}

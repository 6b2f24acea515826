package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").Component("scanner").With(Post("p1"))

	log.Warn("enqueue failed", Channel("c1"), Err(errors.New("boom")), Int("attempt", 2))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "warn", m["level"])
	assert.Equal(t, "enqueue failed", m["message"])
	assert.Equal(t, "scanner", m["comp"])
	assert.Equal(t, "p1", m["post"])
	assert.Equal(t, "c1", m["channel"])
	assert.Equal(t, "boom", m["err"])
	assert.EqualValues(t, 2, m["attempt"])
	assert.Contains(t, m["caller"], "logging_test.go")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("hidden")
	assert.Zero(t, buf.Len())
	assert.False(t, log.Enabled(LevelDebug))
	assert.True(t, log.Enabled(LevelError))
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var log Logger
	assert.True(t, log.IsZero())
	log.Error("nothing happens")
	assert.False(t, Nop().IsZero())
}

func TestParseLevel(t *testing.T) {
	lvl, ok := ParseLevel("warning")
	assert.True(t, ok)
	assert.Equal(t, LevelWarn, lvl)

	_, ok = ParseLevel("loud")
	assert.False(t, ok)

	_, ok = ParseLevel("")
	assert.True(t, ok)
}

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithOutput(LevelInfo, FormatJSON, &buf)

	l.ForProject("p-1").ForWallet("w-1").WithField("stage", "first_tx").Info("stage achieved")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "stage achieved", entry["message"])
	assert.Equal(t, "p-1", entry["project_id"])
	assert.Equal(t, "w-1", entry["wallet_id"])
	assert.Equal(t, "first_tx", entry["stage"])
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithOutput(LevelWarn, FormatJSON, &buf)

	l.Info("hidden")
	assert.Zero(t, buf.Len())

	l.WithError(fmt.Errorf("boom")).Warn("visible")
	assert.Contains(t, buf.String(), "boom")
}

func TestLogger_DerivedDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := NewLoggerWithOutput(LevelInfo, FormatJSON, &buf)
	_ = parent.WithField("k", "v")

	parent.Info("plain")
	assert.NotContains(t, buf.String(), `"k"`)
}

func TestFromContext(t *testing.T) {
	l := NewLogger(LevelDebug, FormatText)
	ctx := WithLogger(context.Background(), l)
	assert.Same(t, l, FromContext(ctx))
	assert.NotNil(t, FromContext(context.Background()))
}

func TestParse(t *testing.T) {
	assert.Equal(t, LevelWarn, ParseLogLevel("WARNING"))
	assert.Equal(t, LevelInfo, ParseLogLevel("bogus"))
	assert.Equal(t, FormatText, ParseLogFormat("text"))
	assert.Equal(t, FormatJSON, ParseLogFormat(""))
}

package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogSinkWritesStructuredRecord(t *testing.T) {
	var buf bytes.Buffer
	sink := LogSink{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}

	sink.Report(context.Background(), Failure{
		Machine:    "identity",
		EntityID:   "alice",
		State:      "outdated",
		Transition: "fetch",
		Attempt:    2,
		Err:        errors.New("boom"),
	})

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "ERROR", rec["level"])
	assert.Equal(t, "transition failed", rec["msg"])
	assert.Equal(t, "identity", rec["machine"])
	assert.Equal(t, "alice", rec["entity_id"])
	assert.Equal(t, "fetch", rec["transition"])
	assert.EqualValues(t, 2, rec["attempt"])
	assert.Equal(t, false, rec["exhausted"])
	assert.Equal(t, "boom", rec["error"])
}

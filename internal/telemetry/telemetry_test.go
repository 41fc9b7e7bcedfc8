package telemetry

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestLoggerWritesJSONWithService(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "warn", "runner")

	logger.Info("dropped")
	logger.Warn("lease lost", "machine", "identity")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "runner", rec["service"])
	assert.Equal(t, "identity", rec["machine"])
	assert.Equal(t, "lease lost", rec["msg"])
}

func TestMetricsHandler(t *testing.T) {
	Claims.WithLabelValues("identity").Inc()
	Transitions.WithLabelValues("identity", "fetch", OutcomeAdvanced).Inc()

	// Handler registers once; a second call must not panic.
	_ = Handler()
	h := Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `stator_claims_total{machine="identity"}`)
	assert.Contains(t, body, `stator_transitions_total{machine="identity",outcome="advanced",transition="fetch"}`)
}

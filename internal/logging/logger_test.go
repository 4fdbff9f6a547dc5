package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestLogger(buf *bytes.Buffer, level LogLevel) *Logger {
	return NewLogger(
		WithOutput(buf),
		WithLevel(level),
		WithService("custody"),
		WithClock(func() time.Time { return fixedTime }),
	)
}

func lastEntry(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NotEmpty(t, lines[0], "no log output")
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &entry))
	return entry
}

func TestLoggerEntryShape(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelInfo)

	logger.Debug("skipped")
	assert.Zero(t, buf.Len())

	logger.Info("credential stored", "correlation_id", "req-1", "provider", "google", "attempt", 2)
	entry := lastEntry(t, &buf)

	assert.Equal(t, "credential stored", entry["message"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "custody", entry["service"])
	assert.Equal(t, "req-1", entry["correlation_id"])
	assert.Equal(t, "2026-03-01T12:00:00Z", entry["timestamp"])
	fields := entry["fields"].(map[string]interface{})
	assert.Equal(t, "google", fields["provider"])
	assert.EqualValues(t, 2, fields["attempt"])
	assert.NotContains(t, fields, "correlation_id")
}

func TestLoggerContextCorrelation(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelWarn)
	ctx := WithCorrelationID(context.Background(), "ctx-id")

	logger.InfoWithContext(ctx, "skipped")
	assert.Zero(t, buf.Len())

	logger.WarnWithContext(ctx, "refresh rejected", "correlation_id", "ignored")
	assert.Equal(t, "ctx-id", lastEntry(t, &buf)["correlation_id"])

	logger.ErrorWithContext(context.Background(), "no id", "correlation_id", "explicit")
	assert.Equal(t, "explicit", lastEntry(t, &buf)["correlation_id"])
}

func TestLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelDebug)

	logger.Info("exchange",
		"access_token", "ya29.secret-access",
		"Refresh_Token", "1//secret-refresh",
		"code_verifier", "",
		"api_key", 12345,
		"email", "user@example.com",
	)

	out := buf.String()
	assert.NotContains(t, out, "secret-access")
	assert.NotContains(t, out, "secret-refresh")

	fields := lastEntry(t, &buf)["fields"].(map[string]interface{})
	assert.Equal(t, "[redacted:"+Fingerprint("ya29.secret-access")+"]", fields["access_token"])
	assert.Equal(t, "[redacted]", fields["code_verifier"])
	assert.Equal(t, "[redacted]", fields["api_key"])
	assert.Equal(t, "user@example.com", fields["email"])
}

func TestLoggerFormatsValues(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelDebug)

	logger.Warn("slow", "error", errors.New("connection reset"), "elapsed", 1500*time.Millisecond)

	fields := lastEntry(t, &buf)["fields"].(map[string]interface{})
	assert.Equal(t, "connection reset", fields["error"])
	assert.Equal(t, "1.5s", fields["elapsed"])
}

func TestLoggerWith(t *testing.T) {
	var buf bytes.Buffer
	base := newTestLogger(&buf, LevelDebug)
	child := base.With("provider", "microsoft", "client_secret", "s3cret")

	child.Info("refreshed", "provider", "override")
	fields := lastEntry(t, &buf)["fields"].(map[string]interface{})
	assert.Equal(t, "override", fields["provider"])
	assert.NotEqual(t, "s3cret", fields["client_secret"])

	base.Info("plain")
	assert.Nil(t, lastEntry(t, &buf)["fields"])
}

func TestLoggerMarshalFailureDropsEntry(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelDebug)

	logger.Info("bad", "field", func() {})
	assert.Zero(t, buf.Len())
}

func TestParseFields(t *testing.T) {
	cid, fields := parseFields([]interface{}{"correlation_id", "cid", "foo", 1, 42, "bad", "dangling"})
	assert.Equal(t, "cid", cid)
	assert.Equal(t, map[string]interface{}{"foo": 1}, fields)
}

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   LevelDebug,
		" WARN ":  LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"silent":  LevelOff,
		"":        LevelInfo,
		"verbose": LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), "ParseLevel(%q)", in)
	}
}

func TestFingerprint(t *testing.T) {
	assert.Empty(t, Fingerprint(""))
	a := Fingerprint("token-ref-1")
	assert.Len(t, a, 12)
	assert.NotEqual(t, a, Fingerprint("token-ref-2"))
	assert.NotContains(t, a, "token")
}

func TestDiscardLogger(t *testing.T) {
	d := Discard()
	assert.False(t, d.Enabled(LevelError))
	d.Error("dropped", "k", "v")
}

package logging

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestCorrelationIDRoundTrip(t *testing.T) {
	assert.Empty(t, GetCorrelationID(context.Background()))

	ctx := WithCorrelationID(context.Background(), "cid")
	assert.Equal(t, "cid", GetCorrelationID(ctx))

	same, id := EnsureCorrelationID(ctx)
	assert.Equal(t, "cid", id)
	assert.Equal(t, ctx, same)

	fresh, id := EnsureCorrelationID(context.Background())
	assert.NotEmpty(t, id)
	assert.Equal(t, id, GetCorrelationID(fresh))
}

func TestAcceptCorrelationID(t *testing.T) {
	assert.Equal(t, "req-42_a.b", AcceptCorrelationID("req-42_a.b"))

	for _, bad := range []string{"", "has space", "line\nbreak", `quote"`, strings.Repeat("a", maxCorrelationIDLen+1)} {
		got := AcceptCorrelationID(bad)
		assert.NotEqual(t, bad, got)
		_, err := uuid.Parse(got)
		assert.NoError(t, err, "replacement for %q", bad)
	}
}

func TestClientIP(t *testing.T) {
	assert.Empty(t, GetClientIP(context.Background()))
	ctx := WithClientIP(context.Background(), "203.0.113.9")
	assert.Equal(t, "203.0.113.9", GetClientIP(ctx))
}

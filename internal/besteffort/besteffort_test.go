package besteffort

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenvault/tokenvault/internal/logging"
)

func TestAwaitReportsEveryOutcome(t *testing.T) {
	r := NewRunner(nil, time.Second)

	results := r.Await(context.Background(),
		Op{Name: "revoke", Run: func(context.Context) error { return errors.New("offline") }},
		Op{Name: "delete", Run: func(context.Context) error { return nil }},
		Op{Name: "explode", Run: func(context.Context) error { panic("boom") }},
	)

	require.Len(t, results, 3)
	assert.Equal(t, "revoke", results[0].Name)
	assert.False(t, results[0].OK())
	assert.True(t, results[1].OK())
	assert.ErrorContains(t, results[2].Err, "panic: boom")
}

func TestAwaitAppliesTimeout(t *testing.T) {
	r := NewRunner(nil, 20*time.Millisecond)

	results := r.Await(context.Background(), Op{Name: "slow", Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	assert.ErrorIs(t, results[0].Err, context.DeadlineExceeded)
}

func TestFireSurvivesCallerCancellation(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLogger(logging.WithOutput(&buf), logging.WithLevel(logging.LevelDebug))
	r := NewRunner(logger, time.Second)

	ctx, cancel := context.WithCancel(logging.WithCorrelationID(context.Background(), "cid-9"))
	release := make(chan struct{})
	var ran atomic.Bool

	r.Fire(ctx, Op{Name: "revoke", Run: func(opCtx context.Context) error {
		<-release
		if opCtx.Err() != nil {
			return opCtx.Err()
		}
		ran.Store(true)
		return errors.New("provider unreachable")
	}})

	cancel()
	close(release)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	require.NoError(t, r.Wait(waitCtx))

	assert.True(t, ran.Load())
	assert.Contains(t, buf.String(), "best-effort operation failed")
	assert.Contains(t, buf.String(), "cid-9")
}

func TestFireSharesCorrelationID(t *testing.T) {
	r := NewRunner(nil, time.Second)

	ids := make(chan string, 2)
	record := func(ctx context.Context) error {
		ids <- logging.GetCorrelationID(ctx)
		return nil
	}
	r.Fire(context.Background(), Op{Name: "revoke", Run: record}, Op{Name: "custody-delete", Run: record})

	waitCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Wait(waitCtx))

	first, second := <-ids, <-ids
	assert.NotEmpty(t, first)
	assert.Equal(t, first, second)
}

func TestWaitHonoursContext(t *testing.T) {
	r := NewRunner(nil, time.Second)
	block := make(chan struct{})
	defer close(block)

	r.Fire(context.Background(), Op{Name: "stuck", Run: func(context.Context) error {
		<-block
		return nil
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Wait(ctx), context.DeadlineExceeded)
}

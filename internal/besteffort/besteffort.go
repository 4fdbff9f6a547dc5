// Package besteffort runs operations whose failure must never reach the
// caller: provider revocation and remote custody deletes during teardown.
// Failures are logged and reported, never returned as errors.
package besteffort

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tokenvault/tokenvault/internal/logging"
)

// DefaultTimeout caps each operation when the runner has no explicit timeout.
const DefaultTimeout = 10 * time.Second

// Op is a named operation that may fail without consequence.
type Op struct {
	Name string
	Run  func(ctx context.Context) error
}

// Result is the outcome of one Op.
type Result struct {
	Name     string
	Err      error
	Duration time.Duration
}

// OK reports whether the operation succeeded.
func (r Result) OK() bool {
	return r.Err == nil
}

// Runner executes best-effort operations.
type Runner struct {
	logger  *logging.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewRunner(logger *logging.Logger, timeout time.Duration) *Runner {
	if logger == nil {
		logger = logging.Discard()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{logger: logger, timeout: timeout}
}

// Fire starts every op in the background and returns immediately. The ops
// outlive ctx cancellation but keep its values (correlation ID).
func (r *Runner) Fire(ctx context.Context, ops ...Op) {
	// Ops fired together share one correlation ID so their logs can be
	// joined after the caller has returned.
	detached, _ := logging.EnsureCorrelationID(context.WithoutCancel(ctx))
	for _, op := range ops {
		r.wg.Add(1)
		go func(op Op) {
			defer r.wg.Done()
			r.run(detached, op)
		}(op)
	}
}

// Await runs every op concurrently and waits for all of them. Results are
// returned in the order the ops were given.
func (r *Runner) Await(ctx context.Context, ops ...Op) []Result {
	results := make([]Result, len(ops))
	var wg sync.WaitGroup
	for i, op := range ops {
		wg.Add(1)
		go func(i int, op Op) {
			defer wg.Done()
			results[i] = r.run(ctx, op)
		}(i, op)
	}
	wg.Wait()
	return results
}

// Wait blocks until every fired op has finished or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) run(ctx context.Context, op Op) (res Result) {
	start := time.Now()
	res.Name = op.Name

	opCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			res.Err = fmt.Errorf("panic: %v", p)
		}
		res.Duration = time.Since(start)
		if res.Err != nil {
			r.logger.WarnWithContext(ctx, "best-effort operation failed",
				"operation", op.Name,
				"error", res.Err.Error(),
				"duration_ms", res.Duration.Milliseconds(),
			)
			return
		}
		r.logger.DebugWithContext(ctx, "best-effort operation completed",
			"operation", op.Name,
			"duration_ms", res.Duration.Milliseconds(),
		)
	}()

	if op.Run == nil {
		return res
	}
	res.Err = op.Run(opCtx)
	return res
}

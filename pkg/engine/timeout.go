package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// EvalTimeout is the hard limit for a single evaluation.
const EvalTimeout = 5 * time.Second

var (
	// ErrTimeout is returned when evaluation outlives EvalTimeout.
	ErrTimeout = errors.New("engine: evaluation timed out")
	// ErrSuperseded is returned to a call overtaken by a newer Evaluate
	// on the same Engine.
	ErrSuperseded = errors.New("engine: evaluation superseded by a newer request")
)

type evalResult struct {
	result *Result
	errors []EvalError
	err    error
}

// await blocks until ch yields, ctx ends, or EvalTimeout passes. The
// evaluating goroutine is not interrupted; a late result lands in the
// buffered channel and is dropped.
func (e *Engine) await(ctx context.Context, ch <-chan evalResult, gen uint64) (*Result, []EvalError, error) {
	timer := time.NewTimer(EvalTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if !e.current(gen) {
			return nil, nil, ErrSuperseded
		}
		return res.result, res.errors, res.err
	case <-timer.C:
		return nil, nil, fmt.Errorf("%w after %s", ErrTimeout, EvalTimeout)
	case <-ctx.Done():
		return nil, nil, fmt.Errorf("engine: %w", ctx.Err())
	}
}

func (e *Engine) current(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generation == gen
}

// Package runnertest provides a scripted Runner for tests.
package runnertest

import (
	"context"
	"sync"
	"time"

	"github.com/tphummel/staging_kit/internal/runner"
)

// Handler answers one command.
type Handler func(ctx context.Context, cmd runner.Command) (runner.Output, error)

// Fake is an in-memory Runner. Commands with no handler succeed with empty
// output. It records every call and the peak number of concurrent calls.
type Fake struct {
	// Delay is slept inside each call, to widen overlap windows.
	Delay time.Duration

	mu       sync.Mutex
	handlers map[runner.Op]Handler
	calls    []runner.Command
	inFlight int
	peak     int
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{handlers: make(map[runner.Op]Handler)}
}

// Handle installs h for op.
func (f *Fake) Handle(op runner.Op, h Handler) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[op] = h
	return f
}

// Reply installs a handler returning stdout for op.
func (f *Fake) Reply(op runner.Op, stdout string) *Fake {
	return f.Handle(op, func(context.Context, runner.Command) (runner.Output, error) {
		return runner.Output{Stdout: []byte(stdout)}, nil
	})
}

// Fail installs a handler returning a runner.Error with diag for op.
func (f *Fake) Fail(op runner.Op, diag string) *Fake {
	return f.Handle(op, func(context.Context, runner.Command) (runner.Output, error) {
		return runner.Output{}, &runner.Error{Op: op, Diagnostic: diag}
	})
}

func (f *Fake) Run(ctx context.Context, cmd runner.Command) (runner.Output, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	f.inFlight++
	if f.inFlight > f.peak {
		f.peak = f.inFlight
	}
	h := f.handlers[cmd.Op]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if f.Delay > 0 {
		time.Sleep(f.Delay)
	}
	if h == nil {
		return runner.Output{}, nil
	}
	return h(ctx, cmd)
}

// Calls returns a copy of the recorded commands.
func (f *Fake) Calls() []runner.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]runner.Command, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsTo returns the recorded commands for op.
func (f *Fake) CallsTo(op runner.Op) []runner.Command {
	var out []runner.Command
	for _, c := range f.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Peak returns the highest number of calls observed in flight at once.
func (f *Fake) Peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

// Package lifecycle implements the lifecycle and shutdown capability
// (spec.md §4.6, component C6): a process-wide "is running" gate that every
// loop polls once per iteration, plus task-tracking counters a supervisor
// can read to see in-flight work.
//
// Grounded on the teacher's EventProcessor.StartSync/StopSync daemon-context
// pattern (pkg/eventprocessor/impl/eventprocessor.go), generalized from a
// single daemon guarding one background goroutine into a Runner that an
// arbitrary number of C3/C4/C5-owned loops share. Per spec.md §9 ("global
// state... pass by shared reference, never accessed from the top of the
// module graph"), this is a constructed value, not a package-level global.
package lifecycle

import (
	"context"
	"sync"

	"go.uber.org/atomic"
)

// Runner owns the is-running gate and in-flight task counters for one
// engine instance. The zero value is not usable; construct with New.
type Runner struct {
	running atomic.Bool

	mu           sync.Mutex
	cancel       context.CancelFunc
	stoppedCh    chan struct{}
	inFlight     atomic.Int64
	totalStarted atomic.Int64
	totalDone    atomic.Int64
}

// New returns a Runner in the running state, and a context that every
// engine loop should derive its own work from: it's cancelled by Stop.
func New() (*Runner, context.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{cancel: cancel, stoppedCh: make(chan struct{})}
	r.running.Store(true)
	return r, ctx
}

// IsRunning reports the gate's current state. Loops check this once per
// iteration (spec.md §4.6: "on false, they exit promptly").
func (r *Runner) IsRunning() bool {
	return r.running.Load()
}

// Stop flips the gate to false and cancels the context returned by New.
// It does not wait for in-flight handlers; callers that need that should
// poll InFlight() or use Wait via their own WaitGroup composition.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	r.cancel()
}

// EventProcessingStarted marks one callback invocation as in flight
// (spec.md §4.6: "task tracker counters... bracket each callback
// invocation").
func (r *Runner) EventProcessingStarted() {
	r.inFlight.Add(1)
	r.totalStarted.Add(1)
}

// EventProcessingFinished marks one callback invocation as complete.
func (r *Runner) EventProcessingFinished() {
	r.inFlight.Add(-1)
	r.totalDone.Add(1)
}

// InFlight returns the number of callback invocations currently running.
func (r *Runner) InFlight() int64 {
	return r.inFlight.Load()
}

// Counts returns the lifetime totals of started and finished callback
// invocations, for a supervisor to compare against InFlight.
func (r *Runner) Counts() (started, finished int64) {
	return r.totalStarted.Load(), r.totalDone.Load()
}

// Tracker is the narrow view of a Runner that C4/C5 need: bracketing a
// callback invocation, without the shutdown-gate surface. Accepting this
// interface (rather than *Runner) lets pkg/eventprocessor and pkg/scheduler
// depend on the capability without depending on this package's lifecycle
// concerns.
type Tracker interface {
	EventProcessingStarted()
	EventProcessingFinished()
}

var _ Tracker = (*Runner)(nil)

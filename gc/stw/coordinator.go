// Package stw brings every mutator to a safe point around a collection.
//
// # Protocol
//
// The coordinator drives a strict state machine:
//
//	Running -> StopRequested -> AllStopped -> Marking -> ResumeRequested -> Running
//
// Stopping is cooperative: registered mutators park at safe points
// (allocation boundaries and explicit Safepoint calls), or declare
// themselves blocked around external waits with EnterBlocked/ExitBlocked.
// A mutator that reaches neither within the retry budget is excluded from
// the collection - its roots are not scanned and its cache loans are
// pinned - so a stuck thread can never wedge the collector. Exclusions
// are reported on the diagnostics channel.
//
// Goroutines that allocate without registering hold the world read-lock
// for the duration of each heap operation; the coordinator's stop takes
// the write side, so such operations simply delay the pause briefly
// rather than participating in the safepoint dance.
package stw

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// State is the coordinator's collection phase.
type State int32

const (
	// Running: mutators execute freely.
	Running State = iota
	// StopRequested: a collection is bringing mutators to safe points.
	StopRequested
	// AllStopped: every included mutator is parked, blocked, or excluded.
	AllStopped
	// Marking: the mark engine is walking the heap.
	Marking
	// ResumeRequested: mutators are being released.
	ResumeRequested
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Running:
		return "Running"
	case StopRequested:
		return "StopRequested"
	case AllStopped:
		return "AllStopped"
	case Marking:
		return "Marking"
	case ResumeRequested:
		return "ResumeRequested"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ErrStopTimeout reports a mutator that could not be brought to a safe
// point within the retry budget.
var ErrStopTimeout = errors.New("stw: mutator did not reach a safepoint")

// Diagnostic describes a non-fatal coordination failure.
type Diagnostic struct {
	Mutator string
	Err     error
}

const (
	defaultStopWait    = 2 * time.Millisecond
	defaultStopRetries = 50
)

// Coordinator suspends and resumes the world.
type Coordinator struct {
	mu       sync.Mutex
	mutators map[*Mutator]struct{}

	state    atomic.Int32
	stopFlag atomic.Bool
	gate     atomic.Pointer[chan struct{}]

	worldMu sync.RWMutex

	stopWait    time.Duration
	stopRetries int

	diags chan Diagnostic

	stats Stats
}

// Stats holds coordination counters.
type Stats struct {
	Stops      int
	Exclusions int
	StopNanos  int64 // cumulative time spent bringing the world to a stop
}

// New creates a coordinator. stopWait is the poll interval while waiting
// for mutators, stopRetries bounds the polls before exclusion; zero
// values select defaults. diags may be nil.
func New(stopWait time.Duration, stopRetries int, diags chan Diagnostic) *Coordinator {
	if stopWait <= 0 {
		stopWait = defaultStopWait
	}
	if stopRetries <= 0 {
		stopRetries = defaultStopRetries
	}
	c := &Coordinator{
		mutators:    make(map[*Mutator]struct{}),
		stopWait:    stopWait,
		stopRetries: stopRetries,
		diags:       diags,
	}
	gate := make(chan struct{})
	close(gate) // world starts running
	c.gate.Store(&gate)
	return c
}

// State returns the current phase.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Register adds a mutator to the stop protocol.
func (c *Coordinator) Register(name string) *Mutator {
	m := &Mutator{name: name, coord: c}
	m.state.Store(int32(mutActive))
	c.mu.Lock()
	c.mutators[m] = struct{}{}
	c.mu.Unlock()
	return m
}

// StopWorld brings every mutator to a safe point and returns those that
// complied (parked or blocked). Excluded mutators are diagnosed and left
// out of the returned set; the collection proceeds without their roots.
func (c *Coordinator) StopWorld() []*Mutator {
	start := time.Now()
	c.state.Store(int32(StopRequested))

	gate := make(chan struct{})
	c.gate.Store(&gate)
	c.stopFlag.Store(true)

	// Block out unregistered allocators for the whole pause.
	c.worldMu.Lock()

	var stopped []*Mutator
	for try := 0; ; try++ {
		stopped = stopped[:0]
		pending := 0
		c.mu.Lock()
		for m := range c.mutators {
			switch mutState(m.state.Load()) {
			case mutParked, mutBlocked:
				stopped = append(stopped, m)
			case mutExited:
				// Left the protocol, nothing to scan.
			default:
				pending++
			}
		}
		c.mu.Unlock()

		if pending == 0 {
			break
		}
		if try >= c.stopRetries {
			c.excludeActive()
			break
		}
		time.Sleep(c.stopWait)
	}

	c.state.Store(int32(AllStopped))
	c.mu.Lock()
	c.stats.Stops++
	c.stats.StopNanos += time.Since(start).Nanoseconds()
	c.mu.Unlock()
	return stopped
}

// excludeActive diagnoses every mutator still running after the retry
// budget.
func (c *Coordinator) excludeActive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for m := range c.mutators {
		if mutState(m.state.Load()) == mutActive {
			c.stats.Exclusions++
			c.report(Diagnostic{
				Mutator: m.name,
				Err:     fmt.Errorf("%w after %d retries", ErrStopTimeout, c.stopRetries),
			})
		}
	}
}

// MarkingStarted transitions AllStopped -> Marking.
func (c *Coordinator) MarkingStarted() {
	c.state.Store(int32(Marking))
}

// StartWorld releases every parked mutator and reopens the heap to
// unregistered allocators.
func (c *Coordinator) StartWorld() {
	c.state.Store(int32(ResumeRequested))
	c.stopFlag.Store(false)
	close(*c.gate.Load())
	c.worldMu.Unlock()
	c.state.Store(int32(Running))
}

// RLockWorld enters an unregistered heap operation; it blocks while a
// collection is in progress.
func (c *Coordinator) RLockWorld() { c.worldMu.RLock() }

// RUnlockWorld leaves an unregistered heap operation.
func (c *Coordinator) RUnlockWorld() { c.worldMu.RUnlock() }

// Excluded returns the registered mutators that are not part of stopped.
// Their cache loans must be pinned by the collector.
func (c *Coordinator) Excluded(stopped []*Mutator) []*Mutator {
	in := make(map[*Mutator]struct{}, len(stopped))
	for _, m := range stopped {
		in[m] = struct{}{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Mutator
	for m := range c.mutators {
		if _, ok := in[m]; !ok && mutState(m.state.Load()) != mutExited {
			out = append(out, m)
		}
	}
	return out
}

// MutatorCount returns the number of registered, unexited mutators.
func (c *Coordinator) MutatorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for m := range c.mutators {
		if mutState(m.state.Load()) != mutExited {
			n++
		}
	}
	return n
}

// Snapshot returns a copy of the coordination counters.
func (c *Coordinator) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Coordinator) report(d Diagnostic) {
	if c.diags == nil {
		return
	}
	select {
	case c.diags <- d:
	default: // diagnostics are best-effort, never block the collector
	}
}

func (c *Coordinator) remove(m *Mutator) {
	c.mu.Lock()
	delete(c.mutators, m)
	c.mu.Unlock()
}

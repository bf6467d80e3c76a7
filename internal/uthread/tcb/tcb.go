// Package tcb implements the fixed-capacity thread table.
//
// Each logical thread is described by a TCB (thread control block) holding
// its identity, lifecycle state, saved context and owned stack region. The
// table is append-only: handles are allocated from a monotonic counter and a
// slot is never reused, so a handle stays valid (and joinable) for the life
// of the process.
//
// Handle 0 is the bootstrap thread. It is created by NewTable in state
// Running, owns no stack region and has no saved context until it is first
// switched away from.
//
// The table itself does no locking. All mutation happens on the running
// logical thread inside a scheduler critical section.
package tcb

import (
	"github.com/kolkov/greenthreads/internal/uthread/ctxstore"
	"github.com/kolkov/greenthreads/internal/uthread/errs"
)

// Handle identifies a thread within its table.
type Handle int

// Bootstrap is the handle of the thread that was running when the runtime
// started.
const Bootstrap Handle = 0

// None is used where no thread is referenced (e.g. a TCB not joining).
const None Handle = -1

// State is a thread lifecycle state.
type State int

const (
	// Ready threads are eligible for selection.
	Ready State = iota
	// Running is the single thread that owns the CPU.
	Running
	// Blocked threads wait on a join or a semaphore.
	Blocked
	// Exited is terminal.
	Exited
)

// String returns the upper-case state name.
func (s State) String() string {
	switch s {
	case Ready:
		return "READY"
	case Running:
		return "RUNNING"
	case Blocked:
		return "BLOCKED"
	case Exited:
		return "EXITED"
	default:
		return "UNKNOWN"
	}
}

// StartRoutine is the body of a logical thread. Its return value becomes the
// thread's exit value.
type StartRoutine func(arg any) any

// TCB is the control block of one logical thread.
type TCB struct {
	// Handle is the thread's identity, fixed at allocation.
	Handle Handle

	// State is the lifecycle state. Only the scheduler mutates it.
	State State

	// Ctx is the saved execution context.
	Ctx *ctxstore.Context

	// Stack is the owned stack region; nil for the bootstrap thread and
	// after the region has been reaped.
	Stack []byte

	// Start and Arg are consumed once by the trampoline.
	Start StartRoutine
	Arg   any

	// ExitValue is recorded once, by the thread itself, before Exited.
	// ExitSet distinguishes an explicit nil from a thread that was
	// terminated without recording a value.
	ExitValue any
	ExitSet   bool

	// JoinTarget is the handle this thread is joined on, None otherwise.
	JoinTarget Handle

	// Reason says what a Blocked thread waits for ("join 3", "semaphore 0").
	Reason string

	// Masked is the thread's critical-section nesting depth. Preemption is
	// deferred while it is above zero.
	Masked int

	// GoID is the ID of the goroutine backing this thread, 0 until known.
	GoID int64

	// CreatedAt is the stackdepot hash of the creation site.
	CreatedAt uint64

	// Turns counts how many times the thread was dispatched.
	Turns uint64
}

// TakeStart returns the start routine and argument and clears them so they
// are consumed exactly once.
func (t *TCB) TakeStart() (StartRoutine, any) {
	fn, arg := t.Start, t.Arg
	t.Start, t.Arg = nil, nil
	return fn, arg
}

// Table is the fixed-capacity registry of thread control blocks.
type Table struct {
	slots    []*TCB
	capacity int
}

// NewTable creates a table with room for capacity threads, including the
// bootstrap thread which it registers as handle 0 in state Running.
func NewTable(capacity int) *Table {
	if capacity < 1 {
		capacity = 1
	}
	t := &Table{
		slots:    make([]*TCB, 0, capacity),
		capacity: capacity,
	}
	t.slots = append(t.slots, &TCB{
		Handle:     Bootstrap,
		State:      Running,
		Ctx:        ctxstore.Bootstrap(),
		JoinTarget: None,
	})
	return t
}

// Alloc appends a new TCB in state Ready and returns it.
//
// Fails with errs.ErrCapacityExceeded when the table is full. The caller
// fills in the context, stack and start routine.
func (t *Table) Alloc() (*TCB, error) {
	if len(t.slots) >= t.capacity {
		return nil, errs.Newf("create", errs.NoHandle, errs.ErrCapacityExceeded,
			"thread table holds %d entries", t.capacity)
	}
	tcb := &TCB{
		Handle:     Handle(len(t.slots)),
		State:      Ready,
		JoinTarget: None,
	}
	t.slots = append(t.slots, tcb)
	return tcb, nil
}

// Rollback removes the most recently allocated TCB. It is used when
// creation fails after Alloc, so a failed create leaves the table as before.
func (t *Table) Rollback(tcb *TCB) {
	if n := len(t.slots); n > 1 && t.slots[n-1] == tcb {
		t.slots[n-1] = nil
		t.slots = t.slots[:n-1]
	}
}

// Get returns the TCB for h.
func (t *Table) Get(h Handle) (*TCB, bool) {
	if h < 0 || int(h) >= len(t.slots) {
		return nil, false
	}
	return t.slots[h], true
}

// At returns the TCB for a handle known to be valid.
func (t *Table) At(h Handle) *TCB {
	return t.slots[h]
}

// Len returns the number of allocated TCBs.
func (t *Table) Len() int {
	return len(t.slots)
}

// Cap returns the fixed capacity.
func (t *Table) Cap() int {
	return t.capacity
}

// Each calls fn for every TCB in ascending handle order until fn returns
// false.
func (t *Table) Each(fn func(*TCB) bool) {
	for _, tcb := range t.slots {
		if !fn(tcb) {
			return
		}
	}
}

// Count returns the number of TCBs in state s.
func (t *Table) Count(s State) int {
	n := 0
	for _, tcb := range t.slots {
		if tcb.State == s {
			n++
		}
	}
	return n
}

// Live reports whether any thread is not yet Exited.
func (t *Table) Live() bool {
	for _, tcb := range t.slots {
		if tcb.State != Exited {
			return true
		}
	}
	return false
}

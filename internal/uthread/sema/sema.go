// Package sema implements counting semaphores for logical threads.
//
// Semaphores live in a fixed-capacity table and are referred to by handle.
// A slot released by Destroy goes on a free list and is handed out again by
// a later Init, lowest handle first.
//
// Algorithm (all steps run inside a scheduler critical section):
//
//	Wait(s):  if s.count > 0 { s.count-- }
//	          else { enqueue(self); block }        // resumes after a Post
//
//	Post(s):  if waiters { wake(dequeue()) }       // hand-off, count unchanged
//	          else { s.count++ }
//
// Hand-off keeps the invariant count > 0 ⇒ no waiters: capacity released
// while someone waits goes straight to the oldest waiter (FIFO), so a
// woken thread never has to compete for it and nobody busy-spins.
package sema

import (
	"fmt"
	"sort"

	"github.com/kolkov/greenthreads/internal/uthread/errs"
	"github.com/kolkov/greenthreads/internal/uthread/tcb"
)

// DefaultCapacity is the default size of the semaphore table.
const DefaultCapacity = 128

// Handle identifies a semaphore within its table.
type Handle int

// Invalid is the handle returned alongside an error.
const Invalid Handle = -1

// Scheduler is what the semaphore table needs from the dispatcher.
type Scheduler interface {
	Enter(op string) error
	Mask()
	Unmask()
	Self() tcb.Handle
	Block(reason string) error
	Wake(h tcb.Handle)
}

// Semaphore is one counting semaphore.
//
// Invariant: count > 0 implies len(waiters) == 0.
type Semaphore struct {
	count   int
	waiters []tcb.Handle
}

// Table is the fixed-capacity semaphore registry.
type Table struct {
	sched    Scheduler
	slots    []*Semaphore // nil slot = free
	free     []Handle     // released slots, kept sorted ascending
	capacity int
}

// NewTable creates an empty table with room for capacity semaphores.
func NewTable(s Scheduler, capacity int) *Table {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Table{
		sched:    s,
		slots:    make([]*Semaphore, 0, capacity),
		capacity: capacity,
	}
}

// Init allocates a semaphore with the given initial count.
//
// Fails with errs.ErrInvalidSize for a negative count and
// errs.ErrCapacityExceeded when every slot is in use.
func (t *Table) Init(count int) (Handle, error) {
	if err := t.sched.Enter("sem_init"); err != nil {
		return Invalid, err
	}
	if count < 0 {
		return Invalid, errs.Newf("sem_init", errs.NoHandle, errs.ErrInvalidSize, "negative count %d", count)
	}
	t.sched.Mask()
	defer t.sched.Unmask()

	sem := &Semaphore{count: count}
	if len(t.free) > 0 {
		h := t.free[0]
		t.free = t.free[1:]
		t.slots[h] = sem
		return h, nil
	}
	if len(t.slots) >= t.capacity {
		return Invalid, errs.Newf("sem_init", errs.NoHandle, errs.ErrCapacityExceeded,
			"semaphore table holds %d entries", t.capacity)
	}
	t.slots = append(t.slots, sem)
	return Handle(len(t.slots) - 1), nil
}

func (t *Table) lookup(op string, h Handle) (*Semaphore, error) {
	if h < 0 || int(h) >= len(t.slots) || t.slots[h] == nil {
		return nil, errs.New(op, int(h), errs.ErrInvalidHandle)
	}
	return t.slots[h], nil
}

// Wait decrements the semaphore, blocking the caller while the count is
// zero. Fails with errs.ErrInvalidHandle for an unknown or destroyed handle
// and errs.ErrDeadlock when no thread is left that could post.
func (t *Table) Wait(h Handle) error {
	if err := t.sched.Enter("sem_wait"); err != nil {
		return err
	}
	t.sched.Mask()
	defer t.sched.Unmask()

	sem, err := t.lookup("sem_wait", h)
	if err != nil {
		return err
	}
	if sem.count > 0 {
		sem.count--
		return nil
	}

	self := t.sched.Self()
	sem.waiters = append(sem.waiters, self)
	if err := t.sched.Block(fmt.Sprintf("semaphore %d", h)); err != nil {
		sem.remove(self)
		return errs.New("sem_wait", int(h), err)
	}
	// Woken by Post: the unit was handed to us directly.
	return nil
}

// Post releases one unit: the oldest waiter is woken if there is one,
// otherwise the count is incremented. Fails with errs.ErrInvalidHandle for
// an unknown or destroyed handle.
func (t *Table) Post(h Handle) error {
	if err := t.sched.Enter("sem_post"); err != nil {
		return err
	}
	t.sched.Mask()
	defer t.sched.Unmask()

	sem, err := t.lookup("sem_post", h)
	if err != nil {
		return err
	}
	if len(sem.waiters) > 0 {
		next := sem.waiters[0]
		sem.waiters = sem.waiters[1:]
		t.sched.Wake(next)
		return nil
	}
	sem.count++
	return nil
}

// Destroy releases the slot of h for reuse.
//
// Fails with errs.ErrInvalidHandle for an unknown or destroyed handle, and
// also while threads are still queued on it: destroying a semaphore with
// blocked waiters would strand them.
func (t *Table) Destroy(h Handle) error {
	if err := t.sched.Enter("sem_destroy"); err != nil {
		return err
	}
	t.sched.Mask()
	defer t.sched.Unmask()

	sem, err := t.lookup("sem_destroy", h)
	if err != nil {
		return err
	}
	if n := len(sem.waiters); n > 0 {
		return errs.Newf("sem_destroy", int(h), errs.ErrInvalidHandle, "%d waiters queued", n)
	}
	t.slots[h] = nil
	t.free = append(t.free, h)
	sort.Slice(t.free, func(i, j int) bool { return t.free[i] < t.free[j] })
	return nil
}

// Value returns the current count of h.
func (t *Table) Value(h Handle) (int, error) {
	sem, err := t.lookup("sem_getvalue", h)
	if err != nil {
		return 0, err
	}
	return sem.count, nil
}

// Waiters returns the handles queued on h, oldest first.
func (t *Table) Waiters(h Handle) ([]tcb.Handle, error) {
	sem, err := t.lookup("sem_waiters", h)
	if err != nil {
		return nil, err
	}
	return append([]tcb.Handle(nil), sem.waiters...), nil
}

// InUse returns the number of live semaphores.
func (t *Table) InUse() int {
	return len(t.slots) - len(t.free)
}

func (s *Semaphore) remove(h tcb.Handle) {
	for i, w := range s.waiters {
		if w == h {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

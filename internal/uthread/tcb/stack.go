package tcb

import (
	"golang.org/x/sys/unix"

	"github.com/kolkov/greenthreads/internal/uthread/errs"
)

// StackAllocator obtains and releases thread stack regions.
type StackAllocator interface {
	AllocStack(size int) ([]byte, error)
	FreeStack(stack []byte) error
}

// MmapStacks allocates stacks as private anonymous read-write mappings.
//
// The region is a reservation, not the execution stack: the thread's
// goroutine runs on a stack the Go runtime manages, and nothing executes in
// the mapped bytes. The region is owned exclusively by its TCB, counts
// against the process's memory budget like a real stack would, and its top
// is the stack pointer recorded in the saved context.
type MmapStacks struct{}

// AllocStack maps size bytes. Failures are reported as
// errs.ErrAllocationFailed.
func (MmapStacks) AllocStack(size int) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errs.Newf("create", errs.NoHandle, errs.ErrAllocationFailed, "mmap stack: %v", err)
	}
	return mem, nil
}

// FreeStack unmaps a region returned by AllocStack.
func (MmapStacks) FreeStack(stack []byte) error {
	return unix.Munmap(stack)
}

// Reap releases the stacks of Exited threads other than current. A thread
// that is not current is provably not running, so its region can go.
//
// Returns the number of regions released.
func (t *Table) Reap(current Handle, alloc StackAllocator) int {
	n := 0
	for _, tcb := range t.slots {
		if tcb.State != Exited || tcb.Handle == current || tcb.Stack == nil {
			continue
		}
		// An unmap failure leaves the region mapped; the TCB forgets it
		// either way so it is never released twice.
		_ = alloc.FreeStack(tcb.Stack)
		tcb.Stack = nil
		n++
	}
	return n
}

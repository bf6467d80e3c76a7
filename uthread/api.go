package uthread

import (
	"fmt"
	"os"
	"sync"

	"github.com/kolkov/greenthreads/internal/uthread/config"
)

var (
	defaultOnce    sync.Once
	defaultRuntime *Runtime
)

// Default returns the process-wide runtime, building it on first use from
// config.Load. The goroutine making the first call becomes its bootstrap
// thread. A configuration that fails to load is reported on stderr and the
// built-in defaults are used instead.
func Default() *Runtime {
	defaultOnce.Do(func() {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "uthread: %v; using defaults\n", err) //nolint:errcheck // best-effort warning
			cfg = config.Default()
		}
		rt, err := New(cfg)
		if err != nil {
			rt, err = New(config.Default())
			if err != nil {
				panic(fmt.Sprintf("uthread: cannot start runtime: %v", err))
			}
		}
		defaultRuntime = rt
	})
	return defaultRuntime
}

// Create starts a new thread running start(arg) and returns its handle.
//
// The new thread is READY and a scheduling pass runs before Create returns,
// so it may already have run. Fails with ErrCapacityExceeded when the
// thread table is full and ErrAllocationFailed when no stack can be mapped.
//
// Timer preemption only takes effect when the running thread calls into
// the runtime. A routine that computes for long stretches without doing so
// should call Checkpoint in its loop, or it keeps every other thread
// waiting.
//
// Example:
//
//	h, err := uthread.Create(worker, 3)
//	if err != nil {
//		log.Fatal(err)
//	}
//	v, _ := uthread.Join(h)
func Create(start StartRoutine, arg any) (Thread, error) {
	return Default().Create(start, arg)
}

// Exit terminates the calling thread with exit value v and never returns.
// Deferred calls of a created thread run first. The main (bootstrap) thread
// does not unwind: its deferred calls never run. When no thread is left the
// process exits.
func Exit(v any) {
	Default().Exit(v)
}

// Join blocks until thread h exits and returns its exit value.
//
// Joining an exited thread returns immediately. Fails with ErrNotFound for
// an unknown handle and ErrDeadlock when h is the caller or can never exit.
// A thread terminated for an isolation violation yields nil.
func Join(h Thread) (any, error) {
	return Default().Join(h)
}

// Self returns the calling thread's handle.
func Self() Thread {
	return Default().Self()
}

// Yield hands the CPU to the next READY thread in round-robin order.
func Yield() {
	Default().Yield()
}

// Checkpoint lets a pending timer preemption take effect. Long loops that
// make no runtime calls should call it periodically.
func Checkpoint() {
	Default().Checkpoint()
}

// Critical runs fn with preemption deferred, so no other logical thread
// runs until fn returns (unless fn itself blocks or yields).
func Critical(fn func()) {
	Default().Critical(fn)
}

// SemInit creates a counting semaphore with the given initial count.
//
// Fails with ErrCapacityExceeded when the semaphore table is full and
// ErrInvalidSize for a negative count.
func SemInit(count int) (Sem, error) {
	return Default().SemInit(count)
}

// SemWait decrements s, blocking the caller while the count is zero.
// Waiters are released in FIFO order.
func SemWait(s Sem) error {
	return Default().SemWait(s)
}

// SemPost wakes the oldest waiter of s, or increments the count if there is
// none.
func SemPost(s Sem) error {
	return Default().SemPost(s)
}

// SemDestroy releases s for reuse. Fails with ErrInvalidHandle when s is
// unknown or still has waiters.
func SemDestroy(s Sem) error {
	return Default().SemDestroy(s)
}

// SemValue returns the current count of s.
func SemValue(s Sem) (int, error) {
	return Default().SemValue(s)
}

// StorageCreate gives the calling thread a private segment of size bytes,
// rounded up to whole pages.
func StorageCreate(size int) error {
	return Default().StorageCreate(size)
}

// StorageDestroy releases the calling thread's segment.
func StorageDestroy() error {
	return Default().StorageDestroy()
}

// StorageRead copies len(p) bytes at offset of the caller's segment into p.
func StorageRead(offset int, p []byte) error {
	return Default().StorageRead(offset, p)
}

// StorageWrite copies p into the caller's segment at offset, copying shared
// pages first.
func StorageWrite(offset int, p []byte) error {
	return Default().StorageWrite(offset, p)
}

// StorageClone gives the caller a segment sharing src's pages until either
// side writes.
func StorageClone(src Thread) error {
	return Default().StorageClone(src)
}

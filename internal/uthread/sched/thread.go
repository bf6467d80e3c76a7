package sched

import (
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"unsafe"

	"github.com/kolkov/greenthreads/internal/uthread/ctxstore"
	"github.com/kolkov/greenthreads/internal/uthread/errs"
	"github.com/kolkov/greenthreads/internal/uthread/goid"
	"github.com/kolkov/greenthreads/internal/uthread/report"
	"github.com/kolkov/greenthreads/internal/uthread/stackdepot"
	"github.com/kolkov/greenthreads/internal/uthread/tcb"
)

// Create starts a new thread running start(arg) and returns its handle.
//
// Fails with errs.ErrCapacityExceeded when the thread table is full and
// errs.ErrAllocationFailed when no stack region can be mapped; the table is
// unchanged in both cases. On success the new thread is READY and a
// scheduling pass runs before Create returns, so the new thread may already
// have run (the round-robin successor of the caller is picked first).
func (s *Scheduler) Create(start tcb.StartRoutine, arg any) (tcb.Handle, error) {
	if err := s.Enter("create"); err != nil {
		return tcb.None, err
	}
	s.Mask()
	defer s.Unmask()

	t, err := s.table.Alloc()
	if err != nil {
		return tcb.None, err
	}
	stack, err := s.cfg.Stacks.AllocStack(s.cfg.StackSize)
	if err != nil {
		s.table.Rollback(t)
		if !errors.Is(err, errs.ErrAllocationFailed) {
			err = errs.Newf("create", errs.NoHandle, errs.ErrAllocationFailed, "stack: %v", err)
		}
		return tcb.None, err
	}

	t.Stack = stack
	t.Start, t.Arg = start, arg
	t.CreatedAt = stackdepot.Capture(1)

	// The context records the 16-byte aligned top of the owned region and
	// the routine's entry PC.
	sp := (uintptr(unsafe.Pointer(&stack[0])) + uintptr(len(stack))) &^ 15
	t.Ctx = ctxstore.NewSuspended(sp, entryPC(start), func() { s.trampoline(t) })

	s.log.Debug("create", "thread", t.Handle, "routine", s.routineName(t), "by", s.current)

	s.cur().State = tcb.Ready
	s.schedule()
	return t.Handle, nil
}

// trampoline is the first code a created thread runs. It invokes the start
// routine and routes the result into Exit, so falling off the end of the
// routine is the same as calling Exit explicitly.
//
// The deferred call is the thread's last word in every outcome: explicit
// Exit (runtime.Goexit), an isolation violation (fault panic), or a stray
// runtime.Goexit from user code. It hands the CPU to the next thread.
// Unrelated panics are re-raised so they crash the process as usual.
func (s *Scheduler) trampoline(t *tcb.TCB) {
	defer func() {
		if r := recover(); r != nil {
			if !s.intercept(t, r) {
				panic(r)
			}
		}
		if t.State != tcb.Exited {
			t.Masked = 1
			s.markExited(t, nil, false)
		}
		s.dispatchFinal()
	}()

	debug.SetPanicOnFault(true)
	t.GoID = goid.Get()
	s.reap()

	start, arg := t.TakeStart()
	var v any
	if start != nil {
		v = start(arg)
	}
	s.Exit(v)
}

// Exit terminates the running thread with exit value v. It never returns.
//
// Every thread joined on the caller is woken. When no thread remains that
// has not exited, the process terminates.
//
// A created thread unwinds: its deferred calls run before the next thread
// is dispatched. The bootstrap thread has no trampoline to unwind into, so
// its goroutine parks forever and its deferred calls never run, as with
// pthread_exit from main.
func (s *Scheduler) Exit(v any) {
	if err := s.Enter("exit"); err != nil {
		panic(err)
	}
	t := s.cur()
	t.Masked++
	s.markExited(t, v, true)
	s.log.Debug("exit", "thread", t.Handle)

	if t.Handle == tcb.Bootstrap {
		s.dispatchFinal()
		ctxstore.Park(t.Ctx)
	}
	runtime.Goexit()
}

// markExited records the exit value, moves t to EXITED and wakes joiners.
// Must be called masked.
func (s *Scheduler) markExited(t *tcb.TCB, v any, set bool) {
	t.ExitValue, t.ExitSet = v, set
	t.State = tcb.Exited
	s.table.Each(func(o *tcb.TCB) bool {
		if o.State == tcb.Blocked && o.JoinTarget == t.Handle {
			s.Wake(o.Handle)
		}
		return true
	})
}

// Join waits for thread h to exit and returns its exit value.
//
// Fails with errs.ErrNotFound for an unknown handle and errs.ErrDeadlock
// when joining oneself or when no thread could ever make h exit. A thread
// that was terminated for an isolation violation yields a nil value.
func (s *Scheduler) Join(h tcb.Handle) (any, error) {
	if err := s.Enter("join"); err != nil {
		return nil, err
	}
	s.Mask()
	defer s.Unmask()

	target, ok := s.table.Get(h)
	if !ok {
		return nil, errs.New("join", int(h), errs.ErrNotFound)
	}
	t := s.cur()
	if target == t {
		return nil, errs.Newf("join", int(h), errs.ErrDeadlock, "thread joined itself")
	}

	for target.State != tcb.Exited {
		t.JoinTarget = h
		if err := s.Block(fmt.Sprintf("join %d", h)); err != nil {
			t.JoinTarget = tcb.None
			return nil, errs.New("join", int(h), err)
		}
	}
	return target.ExitValue, nil
}

// ExitValue returns the recorded exit value of h and whether it was set by
// the thread itself.
func (s *Scheduler) ExitValue(h tcb.Handle) (v any, set bool, err error) {
	t, ok := s.table.Get(h)
	if !ok {
		return nil, false, errs.New("exit_value", int(h), errs.ErrNotFound)
	}
	return t.ExitValue, t.ExitSet, nil
}

// faultAddr is implemented by the runtime.Error a fault panic carries when
// debug.SetPanicOnFault is enabled.
type faultAddr interface {
	Addr() uintptr
}

// intercept decides whether panic value r is an isolation violation by t.
// On a match the violation is reported and t is moved to EXITED without an
// exit value. Returns false for anything else.
func (s *Scheduler) intercept(t *tcb.TCB, r any) bool {
	if s.resolver == nil {
		return false
	}
	rerr, ok := r.(runtime.Error)
	if !ok {
		return false
	}
	fa, ok := rerr.(faultAddr)
	if !ok {
		return false
	}
	owner, page, ok := s.resolver.Owner(fa.Addr())
	if !ok {
		return false
	}

	s.violations++
	err := errs.Newf("access", int(t.Handle), errs.ErrIsolationViolation,
		"addr %#x in segment of thread %d", fa.Addr(), owner)
	v := &report.Violation{
		Addr:      fa.Addr(),
		Page:      page,
		Owner:     int(owner),
		Thread:    int(t.Handle),
		Routine:   s.routineName(t),
		Site:      stackdepot.Capture(2),
		CreatedAt: t.CreatedAt,
		Session:   s.cfg.Session,
		Err:       err,
	}
	v.Format(s.cfg.Reports)
	s.log.Warn("thread terminated", "thread", t.Handle, "err", err)

	t.Masked = 1
	s.markExited(t, nil, false)
	return true
}

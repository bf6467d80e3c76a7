package sched

import (
	"log/slog"
	"reflect"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kolkov/greenthreads/internal/uthread/ctxstore"
	"github.com/kolkov/greenthreads/internal/uthread/errs"
	"github.com/kolkov/greenthreads/internal/uthread/goid"
	"github.com/kolkov/greenthreads/internal/uthread/report"
	"github.com/kolkov/greenthreads/internal/uthread/stackdepot"
	"github.com/kolkov/greenthreads/internal/uthread/tcb"
)

// FaultResolver maps a faulting address to the thread whose private storage
// page contains it.
type FaultResolver interface {
	Owner(addr uintptr) (owner tcb.Handle, page uintptr, ok bool)
}

// Scheduler multiplexes logical threads onto the goroutine that created it.
//
// The goroutine calling New becomes the bootstrap thread (handle 0).
// All methods except Stats must be called from the running logical thread.
type Scheduler struct {
	cfg   Config
	log   *slog.Logger
	table *tcb.Table

	// current is the handle of the RUNNING thread. It is written only by
	// the thread giving the CPU away, before the hand-off.
	current tcb.Handle

	resolver FaultResolver

	timerOnce sync.Once
	preempt   atomic.Bool
	ticks     atomic.Uint64

	switches    uint64
	preemptions uint64
	violations  uint64
	reaped      uint64
}

// New creates a scheduler whose bootstrap thread is the calling goroutine.
// The preemption timer is armed on first use.
func New(cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		cfg:     cfg,
		log:     cfg.Logger.With("session", cfg.Session),
		table:   tcb.NewTable(cfg.MaxThreads),
		current: tcb.Bootstrap,
	}
	boot := s.table.At(tcb.Bootstrap)
	boot.GoID = goid.Get()
	boot.CreatedAt = stackdepot.Capture(1)
	return s
}

// SetFaultResolver registers the component that owns protected pages.
func (s *Scheduler) SetFaultResolver(r FaultResolver) {
	s.resolver = r
}

// Session returns the runtime instance identifier.
func (s *Scheduler) Session() string {
	return s.cfg.Session
}

// Self returns the running thread's handle. It never fails.
func (s *Scheduler) Self() tcb.Handle {
	return s.current
}

func (s *Scheduler) cur() *tcb.TCB {
	return s.table.At(s.current)
}

// Enter is the prologue of every runtime operation: it arms the timer on
// first use and, in strict mode, verifies the caller.
func (s *Scheduler) Enter(op string) error {
	s.timerOnce.Do(s.startTimer)
	if s.cfg.Strict {
		if id := goid.Get(); id != s.cur().GoID {
			return errs.Newf(op, errs.NoHandle, errs.ErrNotRunning,
				"goroutine %d, running thread %d is goroutine %d", id, s.current, s.cur().GoID)
		}
	}
	return nil
}

// startTimer arms the periodic preemption timer. There is no teardown: the
// ticker lives as long as the process.
func (s *Scheduler) startTimer() {
	if s.cfg.Timeslice < 0 {
		return
	}
	tk := time.NewTicker(s.cfg.Timeslice)
	go func() {
		for range tk.C {
			s.ticks.Add(1)
			s.preempt.Store(true)
		}
	}()
	s.log.Debug("timer armed", "timeslice", s.cfg.Timeslice)
}

// Mask enters a critical section on the running thread.
func (s *Scheduler) Mask() {
	s.cur().Masked++
}

// Unmask leaves a critical section. Leaving the outermost one is a safe
// point: a pending preemption is delivered here.
func (s *Scheduler) Unmask() {
	t := s.cur()
	if t.Masked == 0 {
		panic("sched: Unmask without matching Mask")
	}
	t.Masked--
	if t.Masked == 0 {
		s.deliver()
	}
}

// Critical runs fn inside a critical section.
func (s *Scheduler) Critical(fn func()) {
	s.Mask()
	defer s.Unmask()
	fn()
}

// Checkpoint is an explicit safe point for long-running threads.
func (s *Scheduler) Checkpoint() {
	s.timerOnce.Do(s.startTimer)
	s.deliver()
}

// deliver takes a pending timer interrupt if the running thread is not
// masked.
func (s *Scheduler) deliver() {
	t := s.cur()
	if t.Masked > 0 || !s.preempt.CompareAndSwap(true, false) {
		return
	}
	s.preemptions++
	t.Masked++
	t.State = tcb.Ready
	s.schedule()
	t.Masked--
}

// Yield gives up the CPU voluntarily. The caller stays READY and resumes on
// its next round-robin turn (immediately if nothing else is READY).
func (s *Scheduler) Yield() {
	s.timerOnce.Do(s.startTimer)
	t := s.cur()
	t.Masked++
	s.preempt.Store(false)
	t.State = tcb.Ready
	s.schedule()
	t.Masked--
}

// pick selects the next thread: the first READY one after the current
// handle in ascending, wrapping order; failing that the bootstrap thread
// unless it has exited. Returns nil when no thread can run.
func (s *Scheduler) pick() *tcb.TCB {
	n := s.table.Len()
	for i := 1; i <= n; i++ {
		t := s.table.At(tcb.Handle((int(s.current) + i) % n))
		if t.State == tcb.Ready {
			return t
		}
	}
	if boot := s.table.At(tcb.Bootstrap); boot.State != tcb.Exited {
		return boot
	}
	return nil
}

// schedule dispatches the next thread and returns when the caller is
// resumed. The caller must be masked and must have set its own state
// (READY to stay eligible, BLOCKED to wait).
func (s *Scheduler) schedule() {
	cur := s.cur()
	next := s.pick()
	if next == nil {
		s.deadlock()
	}
	if next.State == tcb.Ready {
		next.State = tcb.Running
	}
	next.Turns++
	if next == cur {
		return
	}

	s.current = next.Handle
	s.switches++
	s.log.Debug("switch", "from", cur.Handle, "to", next.Handle)
	ctxstore.Switch(cur.Ctx, next.Ctx)

	// Resumed: whoever switched back set s.current to us.
	s.reap()
}

// dispatchFinal hands the CPU away for good. Used by exiting threads.
func (s *Scheduler) dispatchFinal() {
	next := s.pick()
	if next == nil {
		if !s.table.Live() {
			s.log.Debug("all threads exited")
			s.cfg.Terminate(0)
			return
		}
		s.deadlock()
	}
	if next.State == tcb.Ready {
		next.State = tcb.Running
	}
	next.Turns++
	s.current = next.Handle
	s.switches++
	ctxstore.Restore(next.Ctx)
}

func (s *Scheduler) reap() {
	s.reaped += uint64(s.table.Reap(s.current, s.cfg.Stacks))
}

// Block parks the running thread as BLOCKED until Wake makes it READY and
// it is selected again. It must be called masked.
//
// If the thread is resumed while still BLOCKED (bootstrap fallback) and no
// other thread is READY, nothing can ever wake it: the thread is set back
// to RUNNING and errs.ErrDeadlock is returned so the caller can undo its
// wait registration.
func (s *Scheduler) Block(reason string) error {
	t := s.cur()
	t.State = tcb.Blocked
	t.Reason = reason
	for {
		s.schedule()
		if t.State != tcb.Blocked {
			t.Reason = ""
			return nil
		}
		if s.table.Count(tcb.Ready) == 0 {
			t.State = tcb.Running
			t.Reason = ""
			return errs.ErrDeadlock
		}
	}
}

// Wake makes a BLOCKED thread READY. Other states are left alone.
func (s *Scheduler) Wake(h tcb.Handle) {
	t, ok := s.table.Get(h)
	if !ok || t.State != tcb.Blocked {
		return
	}
	t.State = tcb.Ready
	t.JoinTarget = tcb.None
}

// deadlock reports that every remaining thread is blocked and terminates.
func (s *Scheduler) deadlock() {
	d := &report.Deadlock{Session: s.cfg.Session}
	s.table.Each(func(t *tcb.TCB) bool {
		if t.State == tcb.Blocked {
			d.Blocked = append(d.Blocked, report.BlockedThread{
				Handle:    int(t.Handle),
				Routine:   s.routineName(t),
				Waiting:   t.Reason,
				CreatedAt: t.CreatedAt,
			})
		}
		return true
	})
	d.Format(s.cfg.Reports)
	s.cfg.Terminate(2)
	// Terminate returned (test hook): the thread can never run again.
	select {}
}

func (s *Scheduler) routineName(t *tcb.TCB) string {
	if t.Ctx == nil {
		return ""
	}
	pc := t.Ctx.PC()
	if pc == 0 {
		return ""
	}
	if fn := runtime.FuncForPC(pc); fn != nil {
		return fn.Name()
	}
	return ""
}

func entryPC(fn tcb.StartRoutine) uintptr {
	if fn == nil {
		return 0
	}
	return reflect.ValueOf(fn).Pointer()
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	Session     string
	Threads     int
	Capacity    int
	Ready       int
	Blocked     int
	Exited      int
	Switches    uint64
	Preemptions uint64
	Ticks       uint64
	Violations  uint64
	Reaped      uint64

	// Traces counts the distinct creation and fault sites captured so far,
	// TraceBytes their approximate footprint. The depot is process-wide.
	Traces     int
	TraceBytes int64
}

// Stats returns the current counters. Call it from the running thread.
func (s *Scheduler) Stats() Stats {
	traces, traceBytes := stackdepot.Stats()
	return Stats{
		Session:     s.cfg.Session,
		Threads:     s.table.Len(),
		Capacity:    s.table.Cap(),
		Ready:       s.table.Count(tcb.Ready),
		Blocked:     s.table.Count(tcb.Blocked),
		Exited:      s.table.Count(tcb.Exited),
		Switches:    s.switches,
		Preemptions: s.preemptions,
		Ticks:       s.ticks.Load(),
		Violations:  s.violations,
		Reaped:      s.reaped,
		Traces:      traces,
		TraceBytes:  traceBytes,
	}
}

// State returns the lifecycle state of h.
func (s *Scheduler) State(h tcb.Handle) (tcb.State, bool) {
	t, ok := s.table.Get(h)
	if !ok {
		return 0, false
	}
	return t.State, true
}

// Turns returns how many times h has been dispatched.
func (s *Scheduler) Turns(h tcb.Handle) uint64 {
	t, ok := s.table.Get(h)
	if !ok {
		return 0
	}
	return t.Turns
}

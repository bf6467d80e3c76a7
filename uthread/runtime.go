package uthread

import (
	"io"
	"log/slog"
	"os"

	"github.com/kolkov/greenthreads/internal/uthread/config"
	"github.com/kolkov/greenthreads/internal/uthread/errs"
	"github.com/kolkov/greenthreads/internal/uthread/sched"
	"github.com/kolkov/greenthreads/internal/uthread/sema"
	"github.com/kolkov/greenthreads/internal/uthread/storage"
	"github.com/kolkov/greenthreads/internal/uthread/tcb"
)

// Thread identifies a logical thread.
type Thread = tcb.Handle

// Sem identifies a semaphore.
type Sem = sema.Handle

// StartRoutine is the body of a thread; its result is the exit value.
type StartRoutine = tcb.StartRoutine

// Config is the runtime configuration.
type Config = config.Config

// Sentinel errors. Match with errors.Is.
var (
	ErrCapacityExceeded = errs.ErrCapacityExceeded
	ErrAllocationFailed = errs.ErrAllocationFailed
	ErrNotFound         = errs.ErrNotFound
	ErrInvalidHandle    = errs.ErrInvalidHandle
	ErrOutOfRange       = errs.ErrOutOfRange
	ErrInvalidSize      = errs.ErrInvalidSize
	ErrAlreadyExists    = errs.ErrAlreadyExists
	ErrDeadlock         = errs.ErrDeadlock
	ErrNotRunning       = errs.ErrNotRunning
)

// Runtime is one instance of the thread runtime: a scheduler, a semaphore
// table and a storage manager sharing one bootstrap thread.
type Runtime struct {
	sched *sched.Scheduler
	sems  *sema.Table
	store *storage.Manager
	cfg   Config
}

// Option adjusts how New wires a runtime.
type Option func(*options)

type options struct {
	logger    *slog.Logger
	reports   io.Writer
	stacks    tcb.StackAllocator
	pages     storage.PageAllocator
	terminate func(int)
	session   string
}

// WithLogger overrides the trace logger built from the configuration.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithReports sends violation and deadlock reports to w.
func WithReports(w io.Writer) Option {
	return func(o *options) { o.reports = w }
}

// WithStackAllocator replaces the mmap stack allocator.
func WithStackAllocator(a tcb.StackAllocator) Option {
	return func(o *options) { o.stacks = a }
}

// WithPageAllocator replaces the mmap page allocator of private storage.
func WithPageAllocator(a storage.PageAllocator) Option {
	return func(o *options) { o.pages = a }
}

// WithTerminate replaces os.Exit as the end-of-process hook.
func WithTerminate(fn func(code int)) Option {
	return func(o *options) { o.terminate = fn }
}

// WithSession sets the session identifier printed in reports.
func WithSession(id string) Option {
	return func(o *options) { o.session = id }
}

// New builds a runtime whose bootstrap thread is the calling goroutine.
//
// The configuration is validated first; reports go to the destination it
// names unless WithReports overrides it.
func New(cfg Config, opts ...Option) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = cfg.Logger(os.Stderr)
	}
	if o.reports == nil {
		w, _, err := cfg.ReportWriter()
		if err != nil {
			return nil, err
		}
		o.reports = w
	}

	s := sched.New(sched.Config{
		Timeslice:  cfg.Sched.Timeslice,
		MaxThreads: cfg.Sched.MaxThreads,
		StackSize:  cfg.Sched.StackSize,
		Strict:     cfg.Sched.Strict,
		Stacks:     o.stacks,
		Logger:     o.logger,
		Reports:    o.reports,
		Session:    o.session,
		Terminate:  o.terminate,
	})

	storeOpts := []storage.Option{storage.WithLogger(o.logger)}
	if o.pages != nil {
		storeOpts = append(storeOpts, storage.WithPageAllocator(o.pages))
	}
	store := storage.NewManager(s, storeOpts...)
	s.SetFaultResolver(store)

	return &Runtime{
		sched: s,
		sems:  sema.NewTable(s, cfg.Sync.MaxSemaphores),
		store: store,
		cfg:   cfg,
	}, nil
}

// Config returns the configuration the runtime was built with.
func (r *Runtime) Config() Config { return r.cfg }

// Session returns the runtime instance identifier.
func (r *Runtime) Session() string { return r.sched.Session() }

// Create starts a thread running start(arg). Long computations should call
// Checkpoint so the timer can preempt them.
func (r *Runtime) Create(start StartRoutine, arg any) (Thread, error) {
	return r.sched.Create(start, arg)
}

// Exit terminates the calling thread with value v. It does not return.
// Deferred calls run for created threads only.
func (r *Runtime) Exit(v any) { r.sched.Exit(v) }

// Join waits for h to exit and returns its exit value.
func (r *Runtime) Join(h Thread) (any, error) { return r.sched.Join(h) }

// Self returns the calling thread's handle.
func (r *Runtime) Self() Thread { return r.sched.Self() }

// Yield gives the CPU to the next READY thread.
func (r *Runtime) Yield() { r.sched.Yield() }

// Checkpoint is a preemption safe point for long computations.
func (r *Runtime) Checkpoint() { r.sched.Checkpoint() }

// Critical runs fn without interleaving other logical threads.
func (r *Runtime) Critical(fn func()) { r.sched.Critical(fn) }

// State returns the lifecycle state name of h ("READY", "RUNNING", ...).
func (r *Runtime) State(h Thread) (string, bool) {
	st, ok := r.sched.State(h)
	if !ok {
		return "", false
	}
	return st.String(), true
}

// SemInit creates a semaphore with the given initial count.
func (r *Runtime) SemInit(count int) (Sem, error) { return r.sems.Init(count) }

// SemWait decrements s, blocking while it is zero.
func (r *Runtime) SemWait(s Sem) error { return r.sems.Wait(s) }

// SemPost increments s or hands the unit to its oldest waiter.
func (r *Runtime) SemPost(s Sem) error { return r.sems.Post(s) }

// SemDestroy releases s. It fails while threads wait on it.
func (r *Runtime) SemDestroy(s Sem) error { return r.sems.Destroy(s) }

// SemValue returns the current count of s.
func (r *Runtime) SemValue(s Sem) (int, error) { return r.sems.Value(s) }

// StorageCreate gives the calling thread a private segment of size bytes.
func (r *Runtime) StorageCreate(size int) error { return r.store.Create(size) }

// StorageDestroy releases the calling thread's segment.
func (r *Runtime) StorageDestroy() error { return r.store.Destroy() }

// StorageRead copies len(p) bytes at offset of the caller's segment into p.
func (r *Runtime) StorageRead(offset int, p []byte) error { return r.store.Read(offset, p) }

// StorageWrite copies p into the caller's segment at offset.
func (r *Runtime) StorageWrite(offset int, p []byte) error { return r.store.Write(offset, p) }

// StorageClone shares the segment of thread src copy-on-write.
func (r *Runtime) StorageClone(src Thread) error { return r.store.Clone(src) }

// StorageAddr returns the raw address of byte offset of the caller's
// segment. Dereferencing it is an isolation violation.
func (r *Runtime) StorageAddr(offset int) (uintptr, error) { return r.store.Addr(offset) }

// Stats is a snapshot of runtime counters.
type Stats struct {
	Sched      sched.Stats
	Semaphores int
	Storage    storage.Stats
}

// Stats returns the current counters. Call it from a running thread.
func (r *Runtime) Stats() Stats {
	var st Stats
	r.sched.Critical(func() {
		st = Stats{
			Sched:      r.sched.Stats(),
			Semaphores: r.sems.InUse(),
			Storage:    r.store.Stats(),
		}
	})
	return st
}

package sched

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/kolkov/greenthreads/internal/uthread/tcb"
)

// Defaults used when a Config field is left zero.
const (
	DefaultTimeslice  = 50 * time.Millisecond
	DefaultMaxThreads = 128
	DefaultStackSize  = 32 * 1024
)

// Config parameterises a Scheduler.
type Config struct {
	// Timeslice is the preemption timer period. Zero selects
	// DefaultTimeslice; a negative value disables the timer so that only
	// voluntary yields switch threads.
	Timeslice time.Duration

	// MaxThreads bounds the thread table, bootstrap thread included.
	MaxThreads int

	// StackSize is the size of each created thread's stack region.
	StackSize int

	// Strict makes every operation verify that it is called from the
	// goroutine backing the running thread.
	Strict bool

	// Stacks allocates stack regions. Defaults to tcb.MmapStacks.
	Stacks tcb.StackAllocator

	// Logger receives debug traces of scheduling events. Defaults to a
	// discarding logger.
	Logger *slog.Logger

	// Reports receives violation and deadlock reports. Defaults to stderr.
	Reports io.Writer

	// Session identifies this runtime instance in reports. Defaults to a
	// random UUID.
	Session string

	// Terminate ends the process once no thread remains (code 0) or on a
	// fatal deadlock (code 2). Defaults to os.Exit.
	Terminate func(code int)
}

func (c Config) withDefaults() Config {
	if c.Timeslice == 0 {
		c.Timeslice = DefaultTimeslice
	}
	if c.MaxThreads <= 0 {
		c.MaxThreads = DefaultMaxThreads
	}
	if c.StackSize <= 0 {
		c.StackSize = DefaultStackSize
	}
	if c.Stacks == nil {
		c.Stacks = tcb.MmapStacks{}
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.Reports == nil {
		c.Reports = os.Stderr
	}
	if c.Session == "" {
		c.Session = uuid.NewString()
	}
	if c.Terminate == nil {
		c.Terminate = os.Exit
	}
	return c
}

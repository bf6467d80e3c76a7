// Package stackdepot stores deduplicated stack traces for runtime reports.
//
// The scheduler records where every thread was created, and the fault
// interceptor records where an isolation violation happened. Both sites are
// captured as a 64-bit hash into a process-wide depot, so a thread control
// block pays 8 bytes per recorded stack and identical creation sites (a
// worker pool spawning from one loop) are stored once.
//
// Usage:
//
//	hash := stackdepot.Capture(1)
//	...
//	fmt.Print(stackdepot.Get(hash).Format())
package stackdepot

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"runtime"
	"strings"
	"sync"
)

// MaxFrames is the maximum number of frames kept per trace.
const MaxFrames = 16

// Trace is a captured stack trace. Unused trailing slots are zero.
type Trace struct {
	PC [MaxFrames]uintptr
}

// depot maps FNV-1a hashes of program counters to *Trace.
var depot sync.Map // uint64 -> *Trace

// Capture records the caller's stack and returns its hash.
//
// skip counts frames above Capture's caller: 0 starts the trace at the
// function calling Capture, 1 at its caller, and so on.
//
// Returns 0 if no frame was available.
func Capture(skip int) uint64 {
	var pcs [MaxFrames]uintptr
	// +2 skips runtime.Callers and Capture itself.
	n := runtime.Callers(skip+2, pcs[:])
	if n == 0 {
		return 0
	}

	h := hash(pcs[:n])
	if _, ok := depot.Load(h); ok {
		return h
	}
	depot.Store(h, &Trace{PC: pcs})
	return h
}

// Get returns the trace stored under h, or nil when h is 0 or unknown.
func Get(h uint64) *Trace {
	if h == 0 {
		return nil
	}
	v, ok := depot.Load(h)
	if !ok {
		return nil
	}
	return v.(*Trace)
}

// Frames returns the non-zero program counters of t.
func (t *Trace) Frames() []uintptr {
	if t == nil {
		return nil
	}
	for i, pc := range t.PC {
		if pc == 0 {
			return t.PC[:i]
		}
	}
	return t.PC[:]
}

// Format renders t in the layout of Go's own tracebacks:
//
//	main.worker()
//	    /path/to/file.go:45
//
// Go runtime frames and frames of the scheduler machinery are filtered
// out so the report points at user code.
func (t *Trace) Format() string {
	return FormatPCs(t.Frames())
}

// FormatPCs renders raw program counters the same way as Trace.Format.
func FormatPCs(pcs []uintptr) string {
	if len(pcs) == 0 {
		return "  <unknown>\n"
	}

	frames := runtime.CallersFrames(pcs)
	var buf strings.Builder
	for {
		frame, more := frames.Next()
		if frame.PC == 0 {
			break
		}
		if !internalFrame(frame.Function) {
			fmt.Fprintf(&buf, "  %s()\n", frame.Function)
			fmt.Fprintf(&buf, "      %s:%d\n", frame.File, frame.Line)
		}
		if !more {
			break
		}
	}

	if buf.Len() == 0 {
		return "  <runtime internal>\n"
	}
	return buf.String()
}

// machinery lists the runtime packages whose frames are hidden in reports.
var machinery = []string{
	"/internal/uthread/ctxstore.",
	"/internal/uthread/sched.",
	"/internal/uthread/sema.",
	"/internal/uthread/storage.",
	"/internal/uthread/stackdepot.Capture",
}

func internalFrame(fn string) bool {
	if strings.HasPrefix(fn, "runtime.") {
		return true
	}
	for _, m := range machinery {
		if strings.Contains(fn, m) {
			return true
		}
	}
	return false
}

// hash computes the FNV-1a hash of pcs.
func hash(pcs []uintptr) uint64 {
	h := fnv.New64a()
	var b [8]byte
	for _, pc := range pcs {
		binary.LittleEndian.PutUint64(b[:], uint64(pc))
		_, _ = h.Write(b[:]) // hash.Hash never returns an error
	}
	return h.Sum64()
}

// Reset clears the depot. Tests only; not safe for concurrent use.
func Reset() {
	depot = sync.Map{}
}

// Stats returns the number of unique traces and their approximate footprint.
func Stats() (unique int, bytes int64) {
	depot.Range(func(_, _ any) bool {
		unique++
		return true
	})
	// Trace array plus ~32 bytes of sync.Map entry overhead.
	const perTrace = MaxFrames*8 + 32
	return unique, int64(unique) * perTrace
}

package ctxstore

import (
	"math/bits"
	"math/rand/v2"
)

// mangleRotate is the rotation applied after the XOR with the guard.
// glibc uses 0x11 on x86-64.
const mangleRotate = 17

// guard is the per-process pointer guard. Never zero so that Mangle is not
// the identity after rotation is undone.
var guard = uint(rand.Uint64()) | 1

// Mangle obfuscates a pointer-valued field before it is stored in a Context.
//
//go:nosplit
func Mangle(p uintptr) uintptr {
	return uintptr(bits.RotateLeft(uint(p)^guard, mangleRotate))
}

// Demangle reverses Mangle.
//
//go:nosplit
func Demangle(v uintptr) uintptr {
	return uintptr(bits.RotateLeft(uint(v), -mangleRotate) ^ guard)
}

// Context is the saved execution state of one logical thread.
//
// Layout:
//   - resume: save point; receives one token per restore
//   - sp: mangled top of the thread's stack region (0 for bootstrap)
//   - pc: mangled entry PC of the start routine (0 for bootstrap)
type Context struct {
	resume chan struct{}
	sp     uintptr
	pc     uintptr
}

// Bootstrap returns the context of the thread that is already running when
// the runtime starts. It owns no stack region and has no entry point.
func Bootstrap() *Context {
	return &Context{resume: make(chan struct{}, 1)}
}

// NewSuspended synthesises the context of a thread that has not run yet.
//
// The backing goroutine is started at once but parks until the context is
// restored for the first time, then runs body. body is the trampoline: it
// invokes the start routine and routes its result into the exit path, so it
// must never return control to anyone that expects a value.
func NewSuspended(sp, pc uintptr, body func()) *Context {
	c := &Context{
		resume: make(chan struct{}, 1),
		sp:     Mangle(sp),
		pc:     Mangle(pc),
	}
	go func() {
		<-c.resume
		body()
	}()
	return c
}

// SP returns the saved stack pointer, or 0 for the bootstrap context.
func (c *Context) SP() uintptr {
	if c.sp == 0 {
		return 0
	}
	return Demangle(c.sp)
}

// PC returns the saved entry PC, or 0 for the bootstrap context.
func (c *Context) PC() uintptr {
	if c.pc == 0 {
		return 0
	}
	return Demangle(c.pc)
}

// Switch suspends the caller, which must be running on from, and resumes to.
// It returns when from is restored again. Switching to oneself is a no-op.
func Switch(from, to *Context) {
	if from == to {
		return
	}
	to.restore()
	<-from.resume
}

// Restore resumes to without saving the caller. The caller must not touch
// runtime state afterwards: it no longer owns the CPU.
func Restore(to *Context) {
	to.restore()
}

// Park blocks the caller on c's save point for good. It is the end of a
// thread whose goroutine must not unwind, because unwinding would run code
// after the CPU was handed away. Restoring a parked context panics.
func Park(c *Context) {
	<-c.resume
	panic("ctxstore: parked context restored")
}

func (c *Context) restore() {
	select {
	case c.resume <- struct{}{}:
	default:
		panic("ctxstore: context restored twice")
	}
}

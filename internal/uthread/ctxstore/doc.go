// Package ctxstore implements saved execution contexts for logical threads.
//
// A Context is the opaque snapshot a suspended thread leaves behind. Each
// logical thread is backed by a goroutine that executes only while it holds
// the runtime's single execution token; the Context is the point where that
// goroutine parks when it gives the token away and where it resumes when the
// token comes back:
//
//	Switch(from, to):  to.resume  <- token   (restore the next thread)
//	                   <-from.resume          (save point of the current one)
//
// Switch therefore either returns normally, because the current thread was
// selected again later, or never returns at all.
//
// A new thread's context is synthesised by NewSuspended: the goroutine is
// started immediately but parks on its resume channel before running the
// trampoline, so it is indistinguishable from a thread that was suspended
// right at its entry point.
//
// Pointer-valued fields (saved stack pointer, entry PC) are stored mangled
// with a per-process random guard and demangled on read, in the manner of
// glibc's PTR_MANGLE. A corrupted snapshot decodes to garbage instead of a
// plausible pointer.
package ctxstore

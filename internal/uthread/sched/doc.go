// Package sched implements the round-robin dispatcher of the thread runtime.
//
// Exactly one logical thread runs at a time. Every thread is backed by a
// goroutine that holds the execution token while it runs; dispatching means
// choosing the next thread, handing it the token and parking on the current
// thread's save point (see ctxstore).
//
// State machine per thread:
//
//	READY ──select──► RUNNING ──preempt/yield──► READY
//	                     │
//	                     ├──join/semaphore──► BLOCKED ──wake──► READY
//	                     │
//	                     └──exit/violation──► EXITED (terminal)
//
// Dispatch policy: strict round-robin over the thread table by ascending
// handle, wrapping, considering only READY threads. The bootstrap thread
// (handle 0) is selected as a fallback whenever it has not exited, even if it
// is BLOCKED; it then re-checks its own wait condition, which is how a
// program whose created threads have all exited gets back to its main
// thread.
//
// Preemption: a ticker (50ms by default) raises a pending-preemption flag.
// The flag is the interrupt; it is delivered at the running thread's next
// safe point: leaving the outermost critical section (so returning from any
// runtime operation) or calling Checkpoint. A thread that never reaches a
// safe point is never preempted.
//
// Critical sections: Mask/Unmask nest per thread. While a thread's depth is
// above zero the timer cannot interleave it, which makes the multi-step TCB,
// semaphore and storage table updates atomic with respect to the other
// logical threads.
//
// Exit never returns: Exit records the value and calls runtime.Goexit; the
// trampoline's outermost deferred call then hands the CPU to the next thread
// and the goroutine ends. User defers run before the hand-off, while the
// exiting thread still owns the CPU.
//
// Fault interception: every created thread runs with
// debug.SetPanicOnFault(true). A fault panic whose address belongs to a
// registered private-storage page is an isolation violation; the thread is
// reported and terminated. Any other panic is re-raised unchanged.
package sched

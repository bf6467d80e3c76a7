// Package uthread provides user-space logical threads multiplexed onto a
// single execution token, with round-robin timer preemption, counting
// semaphores and page-protected private storage.
//
// Exactly one logical thread runs at a time. The goroutine that first uses
// the runtime becomes the bootstrap thread (handle 0); every thread created
// with [Create] runs on its own goroutine but only while it holds the token.
//
// # Quick Start
//
//	package main
//
//	import (
//		"fmt"
//
//		"github.com/kolkov/greenthreads/uthread"
//	)
//
//	func main() {
//		h, _ := uthread.Create(func(arg any) any {
//			return arg.(int) * 2
//		}, 21)
//		v, _ := uthread.Join(h)
//		fmt.Println(v) // 42
//	}
//
// # API Overview
//
// The package provides functions for:
//   - Thread lifecycle: [Create], [Exit], [Join], [Self], [Yield], [Checkpoint]
//   - Critical sections: [Critical]
//   - Semaphores: [SemInit], [SemWait], [SemPost], [SemDestroy], [SemValue]
//   - Private storage: [StorageCreate], [StorageDestroy], [StorageRead],
//     [StorageWrite], [StorageClone]
//   - Version information: [GetInfo], [Version], [CompatibleWith]
//
// The package-level functions operate on a process-wide [Runtime] built
// lazily from the configuration (see [Default]). Independent runtimes can be
// built with [New]; each has its own bootstrap thread.
//
// # Scheduling
//
// Dispatch is strict round-robin by ascending handle over READY threads. A
// periodic timer (50ms by default) marks the running thread for preemption;
// the mark is acted on at the thread's next safe point: returning from any
// runtime call or calling [Checkpoint]. Code inside [Critical] is never
// interleaved with other logical threads.
//
// # Private Storage
//
// Each thread may own one storage segment. Its pages are inaccessible except
// inside [StorageRead] and [StorageWrite]. [StorageClone] shares the pages of
// another thread's segment copy-on-write. A thread that touches a segment
// page directly (for example through an address obtained with
// [Runtime.StorageAddr]) commits an isolation violation: a report is printed
// and the thread is terminated; joining it yields nil.
//
// # Errors
//
// Failures are returned as errors wrapping one of the sentinel values
// ([ErrCapacityExceeded], [ErrNotFound], [ErrInvalidHandle], ...). Match
// them with errors.Is. A failed call leaves the runtime unchanged.
//
// # Configuration
//
// Defaults can be overridden with a TOML file ($GREENTHREADS_CONFIG or
// ~/.config/greenthreads/config.toml) or GREENTHREADS_* environment
// variables:
//
//	GREENTHREADS_SCHED_TIMESLICE=10ms
//	GREENTHREADS_SCHED_MAX_THREADS=64
//	GREENTHREADS_LOG_LEVEL=debug
package uthread

// Package report formats the runtime's fatal and near-fatal diagnostics.
//
// Two events are reported: an isolation violation (a thread dereferenced a
// private-storage page directly instead of going through the storage API and
// was terminated for it) and a deadlock (every remaining thread is blocked
// and nothing can ever wake them). The output follows the layout Go uses for
// its own race reports:
//
//	==================
//	WARNING: ISOLATION VIOLATION
//	Access to 0x00007f3a1c2b4000 (page 0x00007f3a1c2b4000 of thread 2) by thread 3:
//	  main.snoop()
//	      /path/to/main.go:41
//
//	Thread 3 (main.snoop) created at:
//	  main.main()
//	      /path/to/main.go:60
//
//	Thread 3 terminated: access 3: isolation violation (addr 0x7f3a1c2b4000 in segment of thread 2)
//	Session: 9f1c...
//	==================
package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/kolkov/greenthreads/internal/uthread/stackdepot"
)

const rule = "==================\n"

// Violation describes a direct access to a protected storage page.
type Violation struct {
	// Addr is the faulting address.
	Addr uintptr

	// Page is Addr aligned down to its page boundary.
	Page uintptr

	// Owner is the thread whose segment holds the page.
	Owner int

	// Thread is the offending (terminated) thread.
	Thread int

	// Routine is the offending thread's start routine name, if known.
	Routine string

	// Site is the stackdepot hash of the faulting stack.
	Site uint64

	// CreatedAt is the stackdepot hash of the thread's creation site.
	CreatedAt uint64

	// Session identifies the runtime instance.
	Session string

	// Err is the error recorded against the offending thread, if any.
	Err error
}

// Format writes the report to w.
//
//nolint:errcheck // best-effort diagnostics on stderr
func (v *Violation) Format(w io.Writer) {
	fmt.Fprint(w, rule)
	fmt.Fprintf(w, "WARNING: ISOLATION VIOLATION\n")
	fmt.Fprintf(w, "Access to 0x%016x (page 0x%016x of thread %d) by thread %d:\n",
		v.Addr, v.Page, v.Owner, v.Thread)
	fmt.Fprint(w, stackdepot.Get(v.Site).Format())
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Thread %d%s created at:\n", v.Thread, routine(v.Routine))
	fmt.Fprint(w, stackdepot.Get(v.CreatedAt).Format())
	fmt.Fprintln(w)

	if v.Err != nil {
		fmt.Fprintf(w, "Thread %d terminated: %v\n", v.Thread, v.Err)
	} else {
		fmt.Fprintf(w, "Thread %d terminated.\n", v.Thread)
	}
	if v.Session != "" {
		fmt.Fprintf(w, "Session: %s\n", v.Session)
	}
	fmt.Fprint(w, rule)
}

// String renders the report.
func (v *Violation) String() string {
	var buf strings.Builder
	v.Format(&buf)
	return buf.String()
}

// BlockedThread is one entry of a deadlock report.
type BlockedThread struct {
	Handle    int
	Routine   string
	Waiting   string // "join 3", "semaphore", ...
	CreatedAt uint64
}

// Deadlock describes a state in which no thread can make progress.
type Deadlock struct {
	Blocked []BlockedThread
	Session string
}

// Format writes the report to w.
//
//nolint:errcheck // best-effort diagnostics on stderr
func (d *Deadlock) Format(w io.Writer) {
	fmt.Fprint(w, rule)
	fmt.Fprintf(w, "fatal error: all threads are asleep - deadlock!\n")
	for _, b := range d.Blocked {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "thread %d%s [%s], created at:\n", b.Handle, routine(b.Routine), b.Waiting)
		fmt.Fprint(w, stackdepot.Get(b.CreatedAt).Format())
	}
	if d.Session != "" {
		fmt.Fprintf(w, "\nSession: %s\n", d.Session)
	}
	fmt.Fprint(w, rule)
}

// String renders the report.
func (d *Deadlock) String() string {
	var buf strings.Builder
	d.Format(&buf)
	return buf.String()
}

func routine(name string) string {
	if name == "" {
		return ""
	}
	return " (" + name + ")"
}

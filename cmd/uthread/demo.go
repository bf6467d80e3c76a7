package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"
	"unsafe"

	"github.com/kolkov/greenthreads/internal/uthread/config"
	"github.com/kolkov/greenthreads/uthread"
)

// scenario runs one demo on rt, writing its narrative to w.
type scenario func(rt *uthread.Runtime, w io.Writer, args []string) error

var scenarioNames = []string{"pingpong", "cow", "violation", "fair"}

var scenarios = map[string]scenario{
	"pingpong":  demoPingPong,
	"cow":       demoCopyOnWrite,
	"violation": demoViolation,
	"fair":      demoFair,
}

// demoCommand implements 'uthread demo <scenario> [args]'.
func demoCommand(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Error: demo needs a scenario name")
		fmt.Fprintf(os.Stderr, "Available: %v\n", scenarioNames)
		os.Exit(1)
	}
	name := args[0]
	run, ok := scenarios[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: unknown scenario %q\n", name)
		if s := suggest(name, scenarioNames); s != "" {
			fmt.Fprintf(os.Stderr, "Did you mean %q?\n", s)
		}
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	rt, err := uthread.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("session %s\n", rt.Session())
	if err := run(rt, os.Stdout, args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func intArg(args []string, i, def int) (int, error) {
	if len(args) <= i {
		return def, nil
	}
	n, err := strconv.Atoi(args[i])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("argument %q: want a positive integer", args[i])
	}
	return n, nil
}

// demoPingPong alternates two threads strictly with a pair of semaphores.
func demoPingPong(rt *uthread.Runtime, w io.Writer, args []string) error {
	rounds, err := intArg(args, 0, 3)
	if err != nil {
		return err
	}
	ping, err := rt.SemInit(1)
	if err != nil {
		return err
	}
	pong, err := rt.SemInit(0)
	if err != nil {
		return err
	}

	player := func(mine, theirs uthread.Sem, word string) uthread.StartRoutine {
		return func(any) any {
			for i := 1; i <= rounds; i++ {
				if err := rt.SemWait(mine); err != nil {
					return err
				}
				fmt.Fprintf(w, "thread %d: %s %d\n", rt.Self(), word, i)
				if err := rt.SemPost(theirs); err != nil {
					return err
				}
			}
			return nil
		}
	}

	a, err := rt.Create(player(ping, pong, "ping"), nil)
	if err != nil {
		return err
	}
	b, err := rt.Create(player(pong, ping, "pong"), nil)
	if err != nil {
		return err
	}
	for _, h := range []uthread.Thread{a, b} {
		v, err := rt.Join(h)
		if err != nil {
			return err
		}
		if e, ok := v.(error); ok {
			return fmt.Errorf("thread %d: %w", h, e)
		}
	}
	if err := rt.SemDestroy(ping); err != nil {
		return err
	}
	return rt.SemDestroy(pong)
}

// demoCopyOnWrite walks through clone and the first diverging write.
func demoCopyOnWrite(rt *uthread.Runtime, w io.Writer, _ []string) error {
	read := func() byte {
		buf := make([]byte, 1)
		if err := rt.StorageRead(0, buf); err != nil {
			fmt.Fprintf(w, "thread %d: read: %v\n", rt.Self(), err)
		}
		return buf[0]
	}

	step, err := rt.SemInit(0)
	if err != nil {
		return err
	}
	done, err := rt.SemInit(0)
	if err != nil {
		return err
	}

	owner, err := rt.Create(func(any) any {
		if err := rt.StorageCreate(1); err != nil {
			return err
		}
		if err := rt.StorageWrite(0, []byte{0xAA}); err != nil {
			return err
		}
		fmt.Fprintf(w, "thread %d: wrote 0x%02X\n", rt.Self(), read())
		_ = rt.SemPost(step)
		_ = rt.SemWait(done)
		fmt.Fprintf(w, "thread %d: still reads 0x%02X\n", rt.Self(), read())
		return nil
	}, nil)
	if err != nil {
		return err
	}

	cloner, err := rt.Create(func(arg any) any {
		_ = rt.SemWait(step)
		if err := rt.StorageClone(arg.(uthread.Thread)); err != nil {
			return err
		}
		fmt.Fprintf(w, "thread %d: cloned, reads 0x%02X\n", rt.Self(), read())
		if err := rt.StorageWrite(0, []byte{0xBB}); err != nil {
			return err
		}
		fmt.Fprintf(w, "thread %d: wrote 0x%02X\n", rt.Self(), read())
		_ = rt.SemPost(done)
		return nil
	}, owner)
	if err != nil {
		return err
	}

	for _, h := range []uthread.Thread{owner, cloner} {
		if v, err := rt.Join(h); err != nil {
			return err
		} else if e, ok := v.(error); ok {
			return fmt.Errorf("thread %d: %w", h, e)
		}
	}
	stats := rt.Stats()
	st := stats.Storage
	fmt.Fprintf(w, "pages: %d live, %d shared, %d copied on write\n", st.Pages, st.SharedPages, st.CowCopies)
	fmt.Fprintf(w, "creation sites: %d (%d bytes)\n", stats.Sched.Traces, stats.Sched.TraceBytes)
	return nil
}

//go:noinline
func snoop(addr uintptr) byte {
	return *(*byte)(unsafe.Pointer(addr)) //nolint:govet // the point of the demo
}

// demoViolation lets one thread dereference its own protected storage while
// another keeps running.
func demoViolation(rt *uthread.Runtime, w io.Writer, _ []string) error {
	offender, err := rt.Create(func(any) any {
		if err := rt.StorageCreate(32); err != nil {
			return err
		}
		addr, err := rt.StorageAddr(0)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "thread %d: reading 0x%x directly\n", rt.Self(), addr)
		return snoop(addr)
	}, nil)
	if err != nil {
		return err
	}

	bystander, err := rt.Create(func(any) any {
		for i := 0; i < 3; i++ {
			fmt.Fprintf(w, "thread %d: tick %d\n", rt.Self(), i)
			rt.Yield()
		}
		return "finished"
	}, nil)
	if err != nil {
		return err
	}

	v, err := rt.Join(offender)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "thread %d joined with %v\n", offender, v)
	v, err = rt.Join(bystander)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "thread %d joined with %v\n", bystander, v)
	return nil
}

// demoFair runs busy threads that only reach safe points through
// Checkpoint, so every switch is a timer preemption.
func demoFair(rt *uthread.Runtime, w io.Writer, args []string) error {
	workers, err := intArg(args, 0, 3)
	if err != nil {
		return err
	}
	ms, err := intArg(args, 1, 500)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(time.Duration(ms) * time.Millisecond)

	handles := make([]uthread.Thread, 0, workers)
	for i := 0; i < workers; i++ {
		h, err := rt.Create(func(any) any {
			units := 0
			for time.Now().Before(deadline) {
				units++
				rt.Checkpoint()
			}
			return units
		}, nil)
		if err != nil {
			return err
		}
		handles = append(handles, h)
	}

	for _, h := range handles {
		v, err := rt.Join(h)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "thread %d: %d units\n", h, v)
	}
	st := rt.Stats().Sched
	fmt.Fprintf(w, "preemptions: %d, switches: %d, timer ticks: %d\n", st.Preemptions, st.Switches, st.Ticks)
	fmt.Fprintf(w, "creation sites: %d (%d bytes)\n", st.Traces, st.TraceBytes)
	return nil
}

// Package main implements the uthread CLI tool.
//
// The tool runs small demonstration programs on the greenthreads runtime
// and inspects its configuration:
//
//	uthread demo pingpong     # two threads alternating through semaphores
//	uthread demo cow          # copy-on-write private storage
//	uthread demo violation    # a thread touching protected storage is killed
//	uthread demo fair         # timer preemption of busy threads
//	uthread config            # print the effective configuration
//	uthread config save       # write it to the config file
package main

import (
	"fmt"
	"os"

	"github.com/kolkov/greenthreads/uthread"
)

var commands = []string{"demo", "config", "version", "help"}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "demo":
		demoCommand(os.Args[2:])
	case "config":
		configCommand(os.Args[2:])
	case "version", "--version", "-v":
		info := uthread.GetInfo()
		fmt.Printf("uthread version %s (%s, %s)\n", info.Version, info.Scheduler, info.Preemption)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		if s := suggest(command, commands); s != "" {
			fmt.Fprintf(os.Stderr, "Did you mean %q?\n", s)
		}
		fmt.Fprintln(os.Stderr)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`uthread - user-space thread runtime demos

USAGE:
    uthread <command> [arguments]

COMMANDS:
    demo       Run a demonstration scenario
    config     Show (or save) the effective configuration
    version    Show version information
    help       Show this help message

SCENARIOS:
    pingpong   Two threads alternate strictly through a pair of semaphores
    cow        A cloned storage segment diverges on first write
    violation  A thread dereferences protected storage and is terminated
    fair       Busy threads share the CPU through timer preemption

EXAMPLES:
    uthread demo pingpong 5
    GREENTHREADS_SCHED_TIMESLICE=5ms uthread demo fair
    GREENTHREADS_LOG_LEVEL=debug uthread demo cow
    uthread config save

CONFIGURATION:
    File:        $GREENTHREADS_CONFIG or ~/.config/greenthreads/config.toml
    Environment: GREENTHREADS_<SECTION>_<KEY>, e.g. GREENTHREADS_SCHED_MAX_THREADS

`)
}

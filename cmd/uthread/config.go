package main

import (
	"fmt"
	"io"
	"os"

	"github.com/kolkov/greenthreads/internal/uthread/config"
)

// configCommand implements 'uthread config [save]'.
func configCommand(args []string) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if len(args) == 0 {
		printConfig(os.Stdout, cfg)
		return
	}

	switch args[0] {
	case "save":
		path := config.Path()
		if err := config.Save(path, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("wrote %s\n", path)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown config action %q\n", args[0])
		if s := suggest(args[0], []string{"save"}); s != "" {
			fmt.Fprintf(os.Stderr, "Did you mean %q?\n", s)
		}
		os.Exit(1)
	}
}

//nolint:errcheck // terminal output
func printConfig(w io.Writer, c config.Config) {
	fmt.Fprintf(w, "# source: defaults, %s, %s_* environment\n", config.Path(), config.EnvPrefix)
	fmt.Fprintf(w, "sched.timeslice      = %s\n", c.Sched.Timeslice)
	fmt.Fprintf(w, "sched.max_threads    = %d\n", c.Sched.MaxThreads)
	fmt.Fprintf(w, "sched.stack_size     = %d\n", c.Sched.StackSize)
	fmt.Fprintf(w, "sched.strict         = %t\n", c.Sched.Strict)
	fmt.Fprintf(w, "sync.max_semaphores  = %d\n", c.Sync.MaxSemaphores)
	fmt.Fprintf(w, "log.level            = %s\n", c.Log.Level)
	fmt.Fprintf(w, "log.format           = %s\n", c.Log.Format)
	fmt.Fprintf(w, "report.output        = %s\n", c.Report.Output)
}

package main

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/kolkov/greenthreads/internal/uthread/config"
	"github.com/kolkov/greenthreads/uthread"
)

func TestSuggest(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"demo", "demo"},
		{"dmeo", "demo"},
		{"confg", "config"},
		{"VERSION", "version"},
		{"hlp", "help"},
		{"frobnicate", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := suggest(tt.input, commands); got != tt.want {
				t.Errorf("suggest(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}

	if got := suggest("pinpong", scenarioNames); got != "pingpong" {
		t.Errorf("scenario suggestion = %q, want pingpong", got)
	}
	if got := suggest("violatoin", scenarioNames); got != "violation" {
		t.Errorf("scenario suggestion = %q, want violation", got)
	}
}

func TestScenarioTable(t *testing.T) {
	if len(scenarios) != len(scenarioNames) {
		t.Fatalf("%d scenarios, %d names", len(scenarios), len(scenarioNames))
	}
	for _, name := range scenarioNames {
		if scenarios[name] == nil {
			t.Errorf("scenario %q not registered", name)
		}
	}
}

func TestIntArg(t *testing.T) {
	tests := []struct {
		args    []string
		want    int
		wantErr bool
	}{
		{nil, 3, false},
		{[]string{"7"}, 7, false},
		{[]string{"0"}, 0, true},
		{[]string{"x"}, 0, true},
	}
	for _, tt := range tests {
		got, err := intArg(tt.args, 0, 3)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("intArg(%v) = %d, %v", tt.args, got, err)
		}
	}
}

// runScenario runs a demo on a fresh runtime whose bootstrap thread is the
// test goroutine.
func runScenario(t *testing.T, name string, timeslice time.Duration, args ...string) (string, string) {
	t.Helper()
	cfg := config.Default()
	cfg.Sched.Timeslice = timeslice

	var out, reports bytes.Buffer
	rt, err := uthread.New(cfg,
		uthread.WithReports(&reports),
		uthread.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		uthread.WithTerminate(func(code int) { t.Errorf("unexpected terminate(%d)", code) }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := scenarios[name](rt, &out, args); err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return out.String(), reports.String()
}

func TestDemoPingPong(t *testing.T) {
	out, _ := runScenario(t, "pingpong", -1, "2")
	want := "thread 1: ping 1\nthread 2: pong 1\nthread 1: ping 2\nthread 2: pong 2\n"
	if out != want {
		t.Errorf("output:\n%s\nwant:\n%s", out, want)
	}
}

func TestDemoCopyOnWrite(t *testing.T) {
	out, _ := runScenario(t, "cow", -1)
	for _, want := range []string{
		"thread 1: wrote 0xAA",
		"thread 2: cloned, reads 0xAA",
		"thread 2: wrote 0xBB",
		"thread 1: still reads 0xAA",
		"pages: 2 live, 0 shared, 1 copied on write",
		"creation sites: ",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestDemoViolation(t *testing.T) {
	out, reports := runScenario(t, "violation", -1)
	if !strings.Contains(out, "thread 1 joined with <nil>") {
		t.Errorf("offender not joined with nil:\n%s", out)
	}
	if !strings.Contains(out, "thread 2 joined with finished") {
		t.Errorf("bystander did not finish:\n%s", out)
	}
	if !strings.Contains(reports, "WARNING: ISOLATION VIOLATION") {
		t.Errorf("no violation report:\n%s", reports)
	}
}

func TestDemoFair(t *testing.T) {
	out, _ := runScenario(t, "fair", time.Millisecond, "2", "50")
	for _, want := range []string{"thread 1:", "thread 2:", "preemptions:", "creation sites: "} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "preemptions: 0,") {
		t.Errorf("no preemption happened:\n%s", out)
	}
}

func TestPrintConfig(t *testing.T) {
	var buf bytes.Buffer
	printConfig(&buf, config.Default())
	for _, want := range []string{"sched.timeslice      = 50ms", "sync.max_semaphores  = 128", "report.output        = stderr"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("config output missing %q:\n%s", want, buf.String())
		}
	}
}

// Copyright 2025 The greenthreads Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package goid extracts the current goroutine ID.
//
// The scheduler records the goroutine that backs each logical thread. In
// strict mode every runtime call compares the caller's goroutine ID with the
// one recorded for the running thread, which catches calls made from plain
// goroutines that the scheduler knows nothing about.
//
// The ID is parsed from the first line of runtime.Stack:
//
//	goroutine 123 [running]:
//
// Performance: ~1500ns per call (dominated by runtime.Stack), which is why
// the check is opt-in.
package goid

import "runtime"

// Get returns the current goroutine ID, or 0 if it cannot be parsed.
func Get() int64 {
	// We only need the first line, so 64 bytes is sufficient.
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	return Parse(buf[:n])
}

// Parse extracts the goroutine ID from stack trace bytes.
//
// Expected format: "goroutine 123 [running]:..."
// Returns the numeric ID (123 in this example) or 0 if the format is invalid.
func Parse(buf []byte) int64 {
	const prefix = "goroutine "
	const prefixLen = 10 // len("goroutine ")

	if len(buf) < prefixLen {
		return 0
	}
	if string(buf[:prefixLen]) != prefix {
		return 0
	}

	var id int64
	for i := prefixLen; i < len(buf); i++ {
		//nolint:gosec // G602: i is always < len(buf) due to loop condition
		c := buf[i]
		if c < '0' || c > '9' {
			// Non-digit terminates the ID (usually space before "[running]").
			break
		}
		id = id*10 + int64(c-'0')
	}
	return id
}

// Package xlog provides the leveled diagnostics used across the analysis
// pipeline. Develop messages are verbose internals, off unless enabled;
// Runtime messages are user facing; Fatal logs and terminates.
package xlog

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/fatih/color"
)

var develop atomic.Bool

// exit is swapped out in tests.
var exit = os.Exit

var (
	developTag = color.New(color.FgCyan).SprintFunc()
	runtimeTag = color.New(color.FgYellow).SprintFunc()
	fatalTag   = color.New(color.FgRed, color.Bold).SprintFunc()
)

// SetDevelop toggles develop-level output.
func SetDevelop(on bool) { develop.Store(on) }

// Developf logs internal diagnostics. No-op unless SetDevelop(true).
func Developf(format string, args ...any) {
	if !develop.Load() {
		return
	}
	fmt.Fprintf(os.Stderr, "%s %s\n", developTag("[dev]"), fmt.Sprintf(format, args...))
}

// Runtimef logs a user-facing diagnostic.
func Runtimef(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", runtimeTag("[run]"), fmt.Sprintf(format, args...))
}

// Fatalf logs and terminates the process. Reserved for structural
// invariant violations that leave no safe way to continue.
func Fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", fatalTag("[fatal]"), fmt.Sprintf(format, args...))
	exit(1)
}

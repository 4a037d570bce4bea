// Package monitoring holds the diagnostic logger shared by the analysis
// packages. Commands log with the standard logger directly.
package monitoring

import (
	"fmt"
	"log"
	"strings"
	"sync"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but
// may be replaced by SetLogger; tests mute it with SetLogger(nil).
var Logf func(format string, v ...any) = log.Printf

// SetLogger replaces the package logger. Passing nil installs a no-op logger.
func SetLogger(f func(format string, v ...any)) {
	if f == nil {
		Logf = func(string, ...any) {}
		return
	}
	Logf = f
}

// With returns a logger that prefixes every line with key=value pairs, e.g.
// With("patient", "F001", "group", 12). It resolves Logf at call time so
// later SetLogger calls still apply.
func With(kv ...any) func(format string, v ...any) {
	var b strings.Builder
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(&b, "%v=%v ", kv[i], kv[i+1])
	}
	prefix := b.String()
	return func(format string, v ...any) {
		Logf(prefix+format, v...)
	}
}

// Recorder collects formatted log lines. It is safe for concurrent use.
type Recorder struct {
	mu    sync.Mutex
	lines []string
}

// Logf records one line.
func (r *Recorder) Logf(format string, v ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, fmt.Sprintf(format, v...))
}

// Lines returns a copy of the recorded lines.
func (r *Recorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

// Capture installs a Recorder as the logger and returns it with a function
// restoring the previous logger.
func Capture() (*Recorder, func()) {
	prev := Logf
	r := &Recorder{}
	Logf = r.Logf
	return r, func() { Logf = prev }
}

// Package executor runs one external program per call, capturing exit
// status and bounded stdio tails for diagnostics.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"time"
)

var ErrStart = errors.New("executor: failed to start program")

// Spec describes one program invocation.
type Spec struct {
	Program string
	Args    []string
	Env     map[string]string
	WorkDir string
	Stdin   io.Reader
}

// Result captures one finished invocation. ExitCode is -1 when the
// process died on a signal.
type Result struct {
	ExitCode   int
	Signaled   bool
	StdoutTail string
	StderrTail string
	Duration   time.Duration
}

// Failed reports whether the invocation ended abnormally.
func (r Result) Failed() bool { return r.ExitCode != 0 || r.Signaled }

// Reason renders a one-line diagnostic for failure reports.
func (r Result) Reason() string {
	if r.Signaled {
		return fmt.Sprintf("killed by signal; stderr: %s", r.StderrTail)
	}
	return fmt.Sprintf("exit status %d; stderr: %s", r.ExitCode, r.StderrTail)
}

const tailLimit = 4 * 1024

// tailWriter keeps the last tailLimit bytes written.
type tailWriter struct {
	buf []byte
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	if len(w.buf) > tailLimit {
		w.buf = w.buf[len(w.buf)-tailLimit:]
	}
	return len(p), nil
}

// Run executes spec to completion or ctx cancellation. A cancelled ctx
// kills the process; the partial result is still returned. The error is
// non-nil only when the program could not be started at all.
func Run(ctx context.Context, spec Spec) (Result, error) {
	cmd := exec.CommandContext(ctx, spec.Program, spec.Args...)
	cmd.Dir = spec.WorkDir
	cmd.Stdin = spec.Stdin
	cmd.Env = flattenEnv(spec.Env)

	var stdout, stderr tailWriter
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("%w: %s: %v", ErrStart, spec.Program, err)
	}
	err := cmd.Wait()
	res := Result{
		StdoutTail: string(stdout.buf),
		StderrTail: string(stderr.buf),
		Duration:   time.Since(start),
	}

	if err == nil {
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		if res.ExitCode == -1 {
			res.Signaled = true
		}
		return res, nil
	}
	// I/O plumbing failure after a successful start; report it the same
	// way as an abnormal exit so retry policy applies.
	res.ExitCode = -1
	res.StderrTail = err.Error()
	return res, nil
}

func flattenEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

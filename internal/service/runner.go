package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"
)

const (
	maxLineSize   = 1 << 20
	maxStderrTail = 64 << 10
	// pipeDelay bounds how long output pipes held open by orphaned
	// descendants may delay Wait once the runner itself exited.
	pipeDelay = 2 * time.Second
)

var ErrNotFinished = errors.New("process not finished")

// LineFunc receives the output of a process line by line.
type LineFunc func(ctx context.Context, line string)

type Command struct {
	Path string
	Args []string
	Env  []string
	Dir  string
	// Timeout after which the process gets SIGTERM. Zero means none.
	Timeout time.Duration
}

type Result struct {
	Path     string
	Args     []string
	Started  time.Time
	Stopped  time.Time
	State    *os.ProcessState
	Stdout   string
	Stderr   string
	TimedOut bool
	Err      error
}

// ExitCode is the process exit code or -1 when it did not exit normally.
func (r Result) ExitCode() int {
	if r.State == nil {
		return -1
	}
	return r.State.ExitCode()
}

// Runner supervises a single started process. Unlike exec.Cmd, Wait may be
// called from any number of goroutines.
type Runner struct {
	cmd    *exec.Cmd
	done   chan struct{}
	result Result
}

// StartRunner launches proto and returns once the process is running.
// stdoutFunc and stderrFunc may be nil. Lines of one stream are delivered in
// order from a single goroutine and all of them before Wait returns.
//
// Cancelling ctx or hitting the timeout terminates the process and its
// children with SIGTERM. There is no forced kill.
func StartRunner(ctx context.Context, proto Command, stdoutFunc, stderrFunc LineFunc) (*Runner, error) {
	r := &Runner{
		done: make(chan struct{}),
		result: Result{
			Path: proto.Path,
			Args: append([]string(nil), proto.Args...),
			Err:  ErrNotFinished,
		},
	}

	var stdoutBuf strings.Builder
	stderrBuf := &tailBuffer{max: maxStderrTail}
	stdout := &lineWriter{ctx: ctx, fn: stdoutFunc, out: &stdoutBuf}
	stderr := &lineWriter{ctx: ctx, fn: stderrFunc, out: stderrBuf}

	cmd := exec.Command(proto.Path, proto.Args...)
	cmd.Env = proto.Env
	cmd.Dir = proto.Dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = pipeDelay
	r.cmd = cmd

	r.result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	if proto.Timeout > 0 {
		watchCtx, cancel = context.WithTimeout(ctx, proto.Timeout)
	}
	var timedOut atomic.Bool
	exited := make(chan struct{})
	go func() {
		select {
		case <-exited:
			return
		case <-watchCtx.Done():
		}
		if errors.Is(watchCtx.Err(), context.DeadlineExceeded) {
			timedOut.Store(true)
		}
		slog.WarnContext(ctx, "terminating runner", "pid", cmd.Process.Pid, "reason", watchCtx.Err())
		if err := terminateTree(cmd.Process.Pid); err != nil {
			slog.WarnContext(ctx, "terminating runner", "pid", cmd.Process.Pid, "error", err)
		}
	}()

	go func() {
		err := cmd.Wait()
		close(exited)
		cancel()
		if errors.Is(err, exec.ErrWaitDelay) {
			slog.WarnContext(ctx, "runner descendants kept output open", "pid", cmd.Process.Pid)
			err = nil
		}
		stdout.flush()
		stderr.flush()

		r.result.Stopped = time.Now().UTC()
		r.result.State = cmd.ProcessState
		r.result.Stdout = stdoutBuf.String()
		r.result.Stderr = stderrBuf.String()
		r.result.TimedOut = timedOut.Load()
		r.result.Err = err
		close(r.done)
	}()
	return r, nil
}

func (r *Runner) PID() int {
	return r.cmd.Process.Pid
}

// Terminate sends SIGTERM to the process and its descendants.
func (r *Runner) Terminate() error {
	select {
	case <-r.done:
		return nil
	default:
	}
	return terminateTree(r.cmd.Process.Pid)
}

// Done is closed once the process exited and its output was consumed.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the process finishes and returns its Result.
func (r *Runner) Wait() Result {
	<-r.done
	return r.result
}

// lineWriter splits a stream into lines. exec.Cmd writes to it from a single
// goroutine.
type lineWriter struct {
	ctx     context.Context
	fn      LineFunc
	out     io.Writer
	partial []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	n := len(p)
	_, _ = w.out.Write(p)
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.emit(w.partial[:i])
		w.partial = w.partial[i+1:]
	}
	if len(w.partial) > maxLineSize {
		w.emit(w.partial)
		w.partial = nil
	}
	return n, nil
}

func (w *lineWriter) emit(line []byte) {
	if w.fn != nil {
		w.fn(w.ctx, string(bytes.TrimSuffix(line, []byte{'\r'})))
	}
}

// flush delivers a trailing line without newline.
func (w *lineWriter) flush() {
	if len(w.partial) > 0 {
		w.emit(w.partial)
		w.partial = nil
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	buf bytes.Buffer
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) > t.max {
		p = p[len(p)-t.max:]
		t.buf.Reset()
	}
	if over := t.buf.Len() + len(p) - t.max; over > 0 {
		t.buf.Next(over)
	}
	t.buf.Write(p)
	return n, nil
}

func (t *tailBuffer) String() string {
	return t.buf.String()
}

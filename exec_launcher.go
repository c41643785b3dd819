//go:build linux || darwin

package proxyrotate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/axondata/go-proxyrotate/internal/unix"
)

// ExecLauncher starts workers as local child processes, optionally
// dispatched through a Transport such as SSHTransport.
type ExecLauncher struct {
	// Command renders the worker argv
	Command *CommandBuilder
	// Transport, when set, wraps the argv for remote execution
	Transport Transport
	// StartupGrace is how long the worker must stay up before Launch returns
	StartupGrace time.Duration
	// OutputLimit is the number of trailing output bytes kept for ExitResult
	OutputLimit int
	// Env is appended to the manager's environment
	Env []string
	// Dir is the working directory of the worker
	Dir string
}

// NewExecLauncher creates an ExecLauncher with default settings
func NewExecLauncher(command *CommandBuilder) *ExecLauncher {
	return &ExecLauncher{
		Command:      command,
		StartupGrace: DefaultStartupGrace,
		OutputLimit:  DefaultOutputLimit,
	}
}

// Argv returns the full command line Launch would run for spec
func (l *ExecLauncher) Argv(spec WorkerSpec) ([]string, error) {
	if l.Command == nil {
		return nil, errors.New("no command builder configured")
	}

	argv, err := l.Command.Build(spec)
	if err != nil {
		return nil, err
	}

	if l.Transport != nil {
		argv = l.Transport.Wrap(argv)
	}
	return argv, nil
}

// Launch implements Launcher
func (l *ExecLauncher) Launch(ctx context.Context, spec WorkerSpec) (Worker, error) {
	argv, err := l.Argv(spec)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = unix.SysProcAttr()
	cmd.Dir = l.Dir
	if len(l.Env) > 0 {
		cmd.Env = append(os.Environ(), l.Env...)
	}

	tail := newTailBuffer(l.OutputLimit)
	var out io.Writer = tail

	var logFile *os.File
	if spec.LogFile != "" {
		logFile, err = os.OpenFile(spec.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, PrivateFileMode)
		if err != nil {
			return nil, fmt.Errorf("opening worker log: %w", err)
		}
		out = io.MultiWriter(tail, logFile)
	}

	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		return nil, fmt.Errorf("starting %s: %w", argv[0], err)
	}

	w := &execWorker{
		cmd:  cmd,
		tail: tail,
		done: make(chan struct{}),
	}
	go w.wait(logFile)

	if l.StartupGrace <= 0 {
		return w, nil
	}

	grace := time.NewTimer(l.StartupGrace)
	defer grace.Stop()

	select {
	case <-w.done:
		res := w.Exit()
		return nil, fmt.Errorf("worker exited during startup with code %d: %s", res.Code, res.Output)
	case <-ctx.Done():
		_ = w.Kill()
		<-w.done
		return nil, ctx.Err()
	case <-grace.C:
		return w, nil
	}
}

type execWorker struct {
	cmd  *exec.Cmd
	tail *tailBuffer
	done chan struct{}
	res  ExitResult
}

func (w *execWorker) wait(logFile *os.File) {
	err := w.cmd.Wait()

	code := -1
	if w.cmd.ProcessState != nil {
		code = w.cmd.ProcessState.ExitCode()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// A non-zero exit is reported through Code
		err = nil
	}

	w.res = ExitResult{
		Code:   code,
		Err:    err,
		Output: strings.TrimSpace(w.tail.String()),
	}

	if logFile != nil {
		_ = logFile.Close()
	}
	close(w.done)
}

func (w *execWorker) PID() int {
	return w.cmd.Process.Pid
}

func (w *execWorker) Alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

func (w *execWorker) Stop() error {
	if !w.Alive() {
		return nil
	}
	return unix.Terminate(w.PID())
}

func (w *execWorker) Kill() error {
	if !w.Alive() {
		return nil
	}
	return unix.Kill(w.PID())
}

func (w *execWorker) Done() <-chan struct{} {
	return w.done
}

func (w *execWorker) Exit() ExitResult {
	<-w.done
	return w.res
}

// tailBuffer keeps the last limit bytes written to it
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

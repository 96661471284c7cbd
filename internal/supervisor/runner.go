package supervisor

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

var (
	ErrNotStarted = errors.New("process not started")
	ErrRunning    = errors.New("process already running")
)

// stderrTail is the number of stderr lines kept for a ProcessError.
const stderrTail = 50

type Command struct {
	Path string
	Args []string
	Env  []string
	// WaitDelay bounds waiting for stderr after the process exited, see
	// exec.Cmd.WaitDelay.
	WaitDelay time.Duration
}

type Result struct {
	Path    string
	Args    []string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Stderr  []string
	Err     error
}

// ExitCode returns the exit code of a finished process, -1 when it was
// killed by a signal or never ran.
func (r Result) ExitCode() int {
	if r.State == nil {
		return -1
	}
	return r.State.ExitCode()
}

// Runner runs a single long lived process at a time. Stderr lines are
// logged at debug level and the last ones are kept for diagnostics.
type Runner struct {
	mx     sync.RWMutex
	cmd    *exec.Cmd
	tail   *tail
	result Result
}

func NewRunner() *Runner {
	return &Runner{
		result: Result{Err: ErrNotStarted},
	}
}

// Start runs the process and returns a channel receiving its Result once
// it exits. The channel is closed afterwards. ErrRunning is returned while
// a previous process is alive.
func (r *Runner) Start(ctx context.Context, proto Command) (<-chan Result, error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		return nil, ErrRunning
	}

	r.tail = newTail(ctx, stderrTail)
	r.result = Result{
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
	}

	cmd := exec.Command(proto.Path, proto.Args...)
	if proto.Env != nil {
		cmd.Env = proto.Env
	}
	cmd.Stderr = r.tail
	cmd.WaitDelay = proto.WaitDelay

	r.result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		r.result.Stopped = time.Now().UTC()
		r.result.Err = err
		return nil, err
	}
	slog.DebugContext(ctx, "process started", "path", proto.Path, "pid", cmd.Process.Pid)
	r.cmd = cmd

	done := make(chan Result, 1)
	go r.wait(cmd, done)
	return done, nil
}

func (r *Runner) wait(cmd *exec.Cmd, done chan<- Result) {
	err := cmd.Wait()
	stopped := time.Now().UTC()

	r.mx.Lock()
	r.result.Stopped = stopped
	r.result.State = cmd.ProcessState
	r.result.Stderr = r.tail.Lines()
	r.result.Err = err
	r.cmd = nil
	result := r.result
	r.mx.Unlock()

	done <- result
	close(done)
}

// Pid of the running process, 0 when there is none.
func (r *Runner) Pid() int {
	r.mx.RLock()
	defer r.mx.RUnlock()
	if r.cmd == nil {
		return 0
	}
	return r.cmd.Process.Pid
}

// Terminate asks the process to exit. Platforms without SIGTERM get the
// process killed.
func (r *Runner) Terminate() error {
	return r.signal(syscall.SIGTERM)
}

func (r *Runner) Kill() error {
	return r.signal(os.Kill)
}

func (r *Runner) signal(sig os.Signal) error {
	r.mx.RLock()
	cmd := r.cmd
	r.mx.RUnlock()
	if cmd == nil {
		return nil
	}
	err := cmd.Process.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	if err != nil && sig != os.Kill {
		return r.Kill()
	}
	return err
}

// Stderr returns the current tail of the stderr output.
func (r *Runner) Stderr() []string {
	r.mx.RLock()
	t := r.tail
	r.mx.RUnlock()
	if t == nil {
		return nil
	}
	return t.Lines()
}

// Result returns the last process result, or a result with ErrNotStarted
// if nothing ran yet.
func (r *Runner) Result() Result {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.result
}

// maxLine splits overlong stderr lines.
const maxLine = 4096

type tail struct {
	ctx     context.Context
	mx      sync.Mutex
	max     int
	lines   []string
	partial []byte
}

func newTail(ctx context.Context, n int) *tail {
	return &tail{ctx: ctx, max: n}
}

func (t *tail) Write(p []byte) (int, error) {
	t.mx.Lock()
	defer t.mx.Unlock()
	t.partial = append(t.partial, p...)
	for {
		i := bytes.IndexByte(t.partial, '\n')
		if i < 0 {
			break
		}
		t.add(string(bytes.TrimSuffix(t.partial[:i], []byte{'\r'})))
		t.partial = t.partial[i+1:]
	}
	if len(t.partial) > maxLine {
		t.add(string(t.partial))
		t.partial = t.partial[:0]
	}
	return len(p), nil
}

func (t *tail) add(line string) {
	slog.DebugContext(t.ctx, "stderr", "line", line)
	if len(t.lines) == t.max {
		copy(t.lines, t.lines[1:])
		t.lines = t.lines[:t.max-1]
	}
	t.lines = append(t.lines, line)
}

func (t *tail) Lines() []string {
	t.mx.Lock()
	defer t.mx.Unlock()
	lines := append([]string(nil), t.lines...)
	if len(t.partial) > 0 {
		lines = append(lines, string(t.partial))
		if len(lines) > t.max {
			lines = lines[1:]
		}
	}
	return lines
}

// Package proc owns external subprocesses: it starts them in their own
// process group, forwards their stderr to the logger, and tears them down
// with a terminate, wait, kill, wait sequence that always reaps the child.
package proc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultGrace is how long Stop waits after SIGTERM before sending SIGKILL.
const DefaultGrace = 5 * time.Second

// Process is a started subprocess. Stop and Close may be called any number
// of times from any goroutine.
type Process struct {
	name string
	cmd  *exec.Cmd
	log  *slog.Logger

	done    chan struct{}
	waitErr error
	stderr  sync.WaitGroup

	stopOnce sync.Once
	stopErr  error
}

// Start launches cmd. The child is placed in its own process group so a
// terminal interrupt reaches only this process, letting the caller tear
// children down in order. If cmd.Stderr is unset, stderr lines are logged at
// debug level.
func Start(name string, cmd *exec.Cmd, log *slog.Logger) (*Process, error) {
	if log == nil {
		log = slog.Default()
	}
	p := &Process{
		name: name,
		cmd:  cmd,
		log:  log.With("component", "proc", "proc", name),
		done: make(chan struct{}),
	}

	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true

	var stderr io.ReadCloser
	if cmd.Stderr == nil {
		var err error
		stderr, err = cmd.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("%s: stderr pipe: %w", name, err)
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%s: start: %w", name, err)
	}
	p.log.Debug("process started", "pid", cmd.Process.Pid, "args", cmd.Args)

	if stderr != nil {
		p.stderr.Add(1)
		go p.logStderr(stderr)
	}
	go p.wait()
	return p, nil
}

func (p *Process) logStderr(r io.Reader) {
	defer p.stderr.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 64*1024)
	for sc.Scan() {
		p.log.Debug("stderr", "line", sc.Text())
	}
}

func (p *Process) wait() {
	// Wait must not run before the stderr pipe is drained.
	p.stderr.Wait()
	p.waitErr = p.cmd.Wait()
	close(p.done)

	if p.waitErr != nil {
		p.log.Debug("process exited", "pid", p.cmd.Process.Pid, "error", p.waitErr)
	} else {
		p.log.Debug("process exited", "pid", p.cmd.Process.Pid)
	}
}

// Name returns the label given at Start.
func (p *Process) Name() string { return p.name }

// Pid returns the operating system process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether the process has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Err returns the wait error. It is only meaningful after Done is closed.
func (p *Process) Err() error {
	<-p.done
	return p.waitErr
}

// ExitCode returns the exit status, or -1 if the process was killed by a
// signal or has not exited.
func (p *Process) ExitCode() int {
	if !p.Exited() {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// Signal delivers sig to the process group led by the process unless the
// process has already exited. Anything the child spawned receives it too.
func (p *Process) Signal(sig syscall.Signal) error {
	if p.Exited() {
		return nil
	}
	if err := unix.Kill(-p.cmd.Process.Pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("%s: signal %s: %w", p.name, sig, err)
	}
	return nil
}

// WaitTimeout waits up to d for the process to exit and reports whether it did.
func (p *Process) WaitTimeout(d time.Duration) bool {
	if d <= 0 {
		return p.Exited()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.done:
		return true
	case <-t.C:
		return false
	}
}

// Stop asks the process to terminate, waits up to grace, then kills it and
// waits for it to be reaped. Only the first call acts; later calls return the
// first result.
func (p *Process) Stop(grace time.Duration) error {
	p.stopOnce.Do(func() {
		p.stopErr = p.stop(grace)
	})
	return p.stopErr
}

func (p *Process) stop(grace time.Duration) error {
	if p.Exited() {
		return nil
	}
	if err := p.Signal(syscall.SIGTERM); err != nil {
		p.log.Warn("terminate failed", "error", err)
	}
	if p.WaitTimeout(grace) {
		return nil
	}

	p.log.Warn("process did not exit after terminate, killing", "grace", grace)
	if err := p.Signal(syscall.SIGKILL); err != nil {
		return err
	}
	<-p.done
	return nil
}

// Close stops the process with DefaultGrace.
func (p *Process) Close() error {
	return p.Stop(DefaultGrace)
}

package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

const outputWaitDelay = time.Second

// Process is a handle to a running process whose output is being streamed.
type Process interface {
	IsAlive() bool
	Destroy() error
	// ExitValue blocks until the process has terminated and returns its exit code.
	ExitValue() (int, error)
}

type StartRequest struct {
	Command string
	Args    []string
	Env     []string
	WD      string
	Stdin   io.Reader
}

// Command is a local process whose stdout and stderr are merged into one stream.
type Command struct {
	cmd    *exec.Cmd
	output *io.PipeReader
	start  time.Time

	done   chan struct{}
	code   int
	err    error
	timeMS int64
}

// StartCommand starts a local process. The returned Command's Output must be read until it returns
// an error, or the process must be destroyed, for the process to be reaped.
// The process is killed if ctx is canceled.
func StartCommand(ctx context.Context, req StartRequest) (*Command, error) {
	cmd := exec.Command(req.Command, req.Args...)
	if len(req.Env) > 0 {
		cmd.Env = append(os.Environ(), req.Env...)
	}
	cmd.Dir = req.WD
	cmd.Stdin = req.Stdin
	// children that inherited the output must not keep Wait from returning
	cmd.WaitDelay = outputWaitDelay

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	c := &Command{
		cmd:    cmd,
		output: pr,
		start:  time.Now(),
		done:   make(chan struct{}),
	}

	err := cmd.Start()
	if err != nil {
		pw.Close()
		return nil, fmt.Errorf("starting command: %w", err)
	}

	go func() {
		err := cmd.Wait()
		c.timeMS = time.Since(c.start).Milliseconds()
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				c.code = exitErr.ExitCode()
			} else {
				c.err = err
				c.code = -1
			}
		}
		pw.Close()
		close(c.done)
	}()

	// kill the process if the context is canceled
	go func() {
		select {
		case <-ctx.Done():
			c.Destroy()
		case <-c.done:
		}
	}()

	return c, nil
}

// Output is the merged stdout and stderr of the process.
func (c *Command) Output() io.Reader { return c.output }

func (c *Command) Pid() int { return c.cmd.Process.Pid }

func (c *Command) IsAlive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Destroy kills the process and stops accepting its output, so that it can be reaped even if
// nobody reads the rest of it.
func (c *Command) Destroy() error {
	err := c.cmd.Process.Kill()
	c.output.CloseWithError(io.ErrClosedPipe)
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing process %d: %w", c.cmd.Process.Pid, err)
	}
	return nil
}

func (c *Command) ExitValue() (int, error) {
	<-c.done
	return c.code, c.err
}

// Duration is how long the process ran. It is zero until the process has exited.
func (c *Command) Duration() time.Duration {
	if c.IsAlive() {
		return 0
	}
	return time.Duration(c.timeMS) * time.Millisecond
}

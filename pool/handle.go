package pool

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
)

// Handle is a live subprocess seen through its stdio pipes. The pool never
// assumes the process behind a handle is well-behaved: it must tolerate
// missing responses, garbage output, and exits at any time.
type Handle interface {
	// Stdin is the process's request pipe.
	Stdin() io.WriteCloser
	// Stdout is the process's response pipe.
	Stdout() io.ReadCloser
	// Done is closed after the process has exited.
	Done() <-chan struct{}
	// Err reports the exit error once Done is closed.
	Err() error
	// Kill forcibly terminates the process. Idempotent.
	Kill()
}

// Launcher spawns a subprocess for a descriptor. The exec-backed
// implementation is used in production; tests substitute scripted in-memory
// handles.
type Launcher interface {
	Launch(ctx context.Context, d Descriptor) (Handle, error)
}

// ExecLauncher launches descriptors with os/exec. Stderr is drained into the
// logger line by line so a chatty subprocess cannot block.
type ExecLauncher struct {
	Log *slog.Logger
}

func (l *ExecLauncher) logger() *slog.Logger {
	if l.Log != nil {
		return l.Log
	}
	return slog.New(slog.DiscardHandler)
}

// Launch implements Launcher.
func (l *ExecLauncher) Launch(ctx context.Context, d Descriptor) (Handle, error) {
	cmd := exec.Command(d.Command, d.Args...)
	cmd.Dir = d.WorkingDir
	cmd.Env = os.Environ()
	for k, v := range d.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", d.Command, err)
	}

	h := &execHandle{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		done:   make(chan struct{}),
	}

	log := l.logger()
	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			log.Debug("server stderr", slog.String("server_id", d.ID), slog.String("line", sc.Text()))
		}
	}()
	go func() {
		h.err = cmd.Wait()
		close(h.done)
	}()

	return h, nil
}

type execHandle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	done   chan struct{}
	err    error
}

func (h *execHandle) Stdin() io.WriteCloser { return h.stdin }
func (h *execHandle) Stdout() io.ReadCloser { return h.stdout }
func (h *execHandle) Done() <-chan struct{} { return h.done }

func (h *execHandle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

func (h *execHandle) Kill() {
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
}

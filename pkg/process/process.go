// Package process launches the external stage executables without blocking
// the caller. A started process delivers exactly one Exit on its Done
// channel when it terminates.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"

	"github.com/chazu/beso/internal/logging"
	"golang.org/x/sync/errgroup"
)

// Mode selects how a command is wired to the orchestrator.
type Mode int

const (
	// Logged captures stdout and stderr line by line and forwards each
	// line to the runner's sink.
	Logged Mode = iota
	// Shell starts an interactive shell and feeds it Input lines on stdin.
	// Output is passed through, not captured.
	Shell
)

func (m Mode) String() string {
	switch m {
	case Logged:
		return "logged"
	case Shell:
		return "shell"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Stream names the output stream a captured line came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Command describes one launch.
type Command struct {
	Name  string   // label used in logs
	Path  string   // executable; in Shell mode, the shell (DefaultShell when empty)
	Args  []string // arguments after Path
	Dir   string   // working directory; inherited when empty
	Env   []string // extra environment, appended to the parent's
	Mode  Mode
	Input []string // Shell mode: lines written to stdin, then stdin is closed

	// Elevated asks for an administrator launch of a Shell mode command.
	// Only Windows honors it; the output then appears in the elevated
	// console rather than Passthrough.
	Elevated bool

	// Sink overrides the runner's sink for this command.
	Sink LineFunc
}

// LineFunc receives one captured output line.
type LineFunc func(stream Stream, line string)

// Exit is the completion signal of a process.
type Exit struct {
	Code int   // exit status; -1 if the process did not exit normally
	Err  error // wait or cancellation error, nil for a normal exit
}

// Success reports a normal exit with status 0.
func (e Exit) Success() bool {
	return e.Err == nil && e.Code == 0
}

// Process is a launched command.
type Process interface {
	// Done delivers one Exit and is then closed.
	Done() <-chan Exit
	// Pid returns the operating system process id.
	Pid() int
}

// Runner starts commands.
type Runner interface {
	Start(ctx context.Context, cmd Command) (Process, error)
}

// StartError is returned when the operating system refuses a launch.
// No Exit is ever delivered for a command that failed to start.
type StartError struct {
	Path string
	Err  error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("process: start %s: %v", e.Path, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// DefaultShell returns the platform command interpreter.
func DefaultShell() string {
	if runtime.GOOS == "windows" {
		return "cmd.exe"
	}
	return "/bin/sh"
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	// Sink receives captured lines in Logged mode. Lines are logged at
	// Info level when nil.
	Sink LineFunc
	// Passthrough receives Shell mode output; os.Stdout when nil.
	Passthrough io.Writer
}

// NewExecRunner returns an ExecRunner that logs captured output.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Compile-time interface check.
var _ Runner = (*ExecRunner)(nil)

// handle is the Process returned by ExecRunner.
type handle struct {
	cmd  *exec.Cmd
	done chan Exit
}

func (h *handle) Done() <-chan Exit { return h.done }
func (h *handle) Pid() int          { return h.cmd.Process.Pid }

// Start launches cmd and returns immediately. Cancelling ctx kills the
// process; its Exit then carries the context error.
func (r *ExecRunner) Start(ctx context.Context, c Command) (Process, error) {
	switch c.Mode {
	case Logged:
		return r.startLogged(ctx, c)
	case Shell:
		return r.startShell(ctx, c)
	}
	return nil, fmt.Errorf("process: unknown mode %v", c.Mode)
}

func (r *ExecRunner) command(ctx context.Context, path string, c Command) *exec.Cmd {
	cmd := exec.CommandContext(ctx, path, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	configure(cmd, c.Mode)
	return cmd
}

func (r *ExecRunner) sink(c Command) LineFunc {
	if c.Sink != nil {
		return c.Sink
	}
	if r.Sink != nil {
		return r.Sink
	}
	log := logging.New("process").With(slog.String("command", c.Name))
	return func(stream Stream, line string) {
		log.Info("process output", "stream", string(stream), "line", line)
	}
}

func (r *ExecRunner) startLogged(ctx context.Context, c Command) (Process, error) {
	cmd := r.command(ctx, c.Path, c)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &StartError{Path: c.Path, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &StartError{Path: c.Path, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &StartError{Path: c.Path, Err: err}
	}

	h := &handle{cmd: cmd, done: make(chan Exit, 1)}
	sink := lockedSink(r.sink(c))

	var g errgroup.Group
	g.Go(func() error { return scanLines(stdout, Stdout, sink) })
	g.Go(func() error { return scanLines(stderr, Stderr, sink) })

	go func() {
		// Pipes must be drained before Wait closes them.
		scanErr := g.Wait()
		exit := exitOf(ctx, cmd.Wait())
		if exit.Err == nil && scanErr != nil {
			exit.Err = fmt.Errorf("process: read output: %w", scanErr)
		}
		h.done <- exit
		close(h.done)
	}()
	return h, nil
}

func (r *ExecRunner) startShell(ctx context.Context, c Command) (Process, error) {
	path := c.Path
	if path == "" {
		path = DefaultShell()
	}
	if c.Elevated && elevationSupported() {
		path, c.Args = elevated(path, c)
		c.Input = nil
	}
	cmd := r.command(ctx, path, c)
	out := r.Passthrough
	if out == nil {
		out = os.Stdout
	}
	cmd.Stdout = out
	cmd.Stderr = out
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &StartError{Path: path, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &StartError{Path: path, Err: err}
	}

	h := &handle{cmd: cmd, done: make(chan Exit, 1)}
	go func() {
		eol := "\n"
		if runtime.GOOS == "windows" {
			eol = "\r\n"
		}
		_, werr := io.WriteString(stdin, strings.Join(c.Input, eol)+eol)
		cerr := stdin.Close()
		exit := exitOf(ctx, cmd.Wait())
		if exit.Err == nil {
			// A shell that exits before reading all input is not an error
			// as long as its status is clean.
			if werr != nil && !errors.Is(werr, os.ErrClosed) && exit.Code != 0 {
				exit.Err = fmt.Errorf("process: write input: %w", werr)
			} else if cerr != nil && !errors.Is(cerr, os.ErrClosed) && exit.Code != 0 {
				exit.Err = fmt.Errorf("process: close input: %w", cerr)
			}
		}
		h.done <- exit
		close(h.done)
	}()
	return h, nil
}

// maxLine bounds a single captured line. Longer lines are cut to maxLine
// and the rest of the line is read and dropped, so the pipe never stops
// draining.
const maxLine = 1 << 20

func scanLines(r io.Reader, stream Stream, sink LineFunc) error {
	br := bufio.NewReaderSize(r, 64*1024)
	line := make([]byte, 0, 64*1024)
	for {
		chunk, err := br.ReadSlice('\n')
		if room := maxLine - len(line); room > 0 {
			line = append(line, chunk[:min(room, len(chunk))]...)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if s := strings.TrimRight(string(line), "\r\n"); s != "" {
			sink(stream, s)
		}
		line = line[:0]
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// lockedSink serializes calls so sinks need not be safe for concurrent use.
func lockedSink(f LineFunc) LineFunc {
	var mu sync.Mutex
	return func(stream Stream, line string) {
		mu.Lock()
		defer mu.Unlock()
		f(stream, line)
	}
}

func exitOf(ctx context.Context, err error) Exit {
	if err == nil {
		return Exit{Code: 0}
	}
	if ctx.Err() != nil {
		return Exit{Code: -1, Err: ctx.Err()}
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		code := ee.ExitCode()
		if code < 0 {
			return Exit{Code: -1, Err: err}
		}
		return Exit{Code: code}
	}
	return Exit{Code: -1, Err: err}
}

// Package subprocess runs external commands from an exact argument vector and
// captures their complete output.
//
// Standard output and standard error are separate pipes with bounded kernel
// buffers, so each is drained by its own goroutine while a third waits for the
// child to exit. Run joins all three before it builds a CompletedProcess;
// callers never observe partial output.
//
// On Unix the child is placed in its own process group so that cancellation
// can bring down anything it spawned. On Windows only the direct child is
// killed; grandchildren that inherited the pipes keep them open until the
// grace period expires and the pipes are closed from this side.
package subprocess

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

	"github.com/charmbracelet/log"
	"golang.org/x/text/encoding"

	"github.com/Paintersrp/subproc/internal/metrics"
)

// DefaultGracePeriod is how long an interrupted Run waits for its stream
// readers before closing the pipes underneath them.
const DefaultGracePeriod = 2 * time.Second

var (
	// ErrInvalidArgument reports a contract violation by the caller, such as
	// an empty argument vector or a missing working directory.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrIO reports that the child could not be spawned or its output could
	// not be read.
	ErrIO = errors.New("subprocess i/o failure")
	// ErrInterrupted reports that the context was cancelled while waiting
	// for the child.
	ErrInterrupted = errors.New("subprocess interrupted")
)

// CompletedProcess is the outcome of one Run.
type CompletedProcess struct {
	Args     []string `json:"args"`
	ExitCode int      `json:"returncode"`
	Stdout   []string `json:"stdout"`
	Stderr   []string `json:"stderr"`
}

func (cp *CompletedProcess) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "<completed-process rc=%q>\n", fmt.Sprint(cp.ExitCode))
	fmt.Fprintf(&b, "<args>%s</args>\n", strings.Join(cp.Args, " "))
	fmt.Fprintf(&b, "<stdout>%s</stdout>\n", strings.Join(cp.Stdout, "\n"))
	fmt.Fprintf(&b, "<stderr>%s</stderr>\n", strings.Join(cp.Stderr, "\n"))
	b.WriteString("</completed-process>\n")
	return b.String()
}

// Executor runs a command to completion. Runner is the production
// implementation; components above it depend on this interface only.
type Executor interface {
	Run(ctx context.Context, argv []string, dir string) (*CompletedProcess, error)
}

// Option configures a Runner.
type Option func(*Runner)

// WithDir sets the working directory used when Run is given an empty dir.
func WithDir(dir string) Option {
	return func(r *Runner) {
		r.dir = dir
	}
}

// WithGracePeriod overrides DefaultGracePeriod.
func WithGracePeriod(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.grace = d
		}
	}
}

// WithEncoding decodes child output from enc instead of treating it as UTF-8.
func WithEncoding(enc encoding.Encoding) Option {
	return func(r *Runner) {
		r.enc = enc
	}
}

// WithLogger attaches a logger for spawn and exit events.
func WithLogger(logger *log.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Runner spawns child processes. A Runner holds configuration only and is
// safe for concurrent use; every Run owns its own child and readers.
type Runner struct {
	dir    string
	grace  time.Duration
	enc    encoding.Encoding
	logger *log.Logger
}

// New constructs a Runner.
func New(opts ...Option) *Runner {
	r := &Runner{
		grace:  DefaultGracePeriod,
		logger: log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes argv in dir and blocks until the child has exited and both of
// its output streams have reached end of file. An empty dir falls back to the
// Runner's directory, then to the current working directory.
//
// A non-zero exit status is not an error. Errors wrap ErrInvalidArgument,
// ErrIO or ErrInterrupted.
func (r *Runner) Run(ctx context.Context, argv []string, dir string) (*CompletedProcess, error) {
	if err := ValidateArgv(argv); err != nil {
		return nil, err
	}
	if dir == "" {
		dir = r.dir
	}
	if dir != "" {
		if err := ValidateDir(dir); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInterrupted, argv[0], err)
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %w", ErrIO, err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("%w: stderr pipe: %w", ErrIO, err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Stdout = outW
	cmd.Stderr = errW
	configureSysProcAttr(cmd)

	started := time.Now()
	startErr := cmd.Start()
	// The child holds its own copies of the write ends; ours must go so the
	// readers see EOF when the child exits.
	outW.Close()
	errW.Close()
	if startErr != nil {
		outR.Close()
		errR.Close()
		r.logger.Debug("spawn failed", "command", argv[0], "err", startErr)
		return nil, fmt.Errorf("%w: start %s: %w", ErrIO, argv[0], startErr)
	}
	r.logger.Debug("spawned", "command", argv[0], "pid", cmd.Process.Pid, "dir", dir)

	var stdout, stderr lineCollector
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		stdout.drain(outR, r.enc)
	}()
	go func() {
		defer wg.Done()
		stderr.drain(errR, r.enc)
	}()
	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	var waitErr error
	waitDone := make(chan struct{})
	go func() {
		waitErr = cmd.Wait()
		close(waitDone)
	}()

	// Both the exit and the end of both streams are required; either order.
	waitCh, drainCh := (<-chan struct{})(waitDone), (<-chan struct{})(drained)
	for waitCh != nil || drainCh != nil {
		select {
		case <-waitCh:
			waitCh = nil
		case <-drainCh:
			drainCh = nil
		case <-ctx.Done():
			r.abort(cmd, waitCh, drainCh, outR, errR)
			r.logger.Debug("interrupted", "command", argv[0], "pid", cmd.Process.Pid)
			return nil, fmt.Errorf("%w: %s: %w", ErrInterrupted, argv[0], ctx.Err())
		}
	}
	outR.Close()
	errR.Close()

	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, fmt.Errorf("%w: wait %s: %w", ErrIO, argv[0], waitErr)
		}
	}
	if err := errors.Join(stdout.err, stderr.err); err != nil {
		return nil, fmt.Errorf("%w: read %s output: %w", ErrIO, argv[0], err)
	}

	cp := &CompletedProcess{
		Args:     append([]string(nil), argv...),
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   nonNil(stdout.lines),
		Stderr:   nonNil(stderr.lines),
	}
	metrics.ObserveCommand(argv[0], cp.ExitCode, time.Since(started))
	r.logger.Debug("exited", "command", argv[0], "pid", cmd.Process.Pid, "code", cp.ExitCode,
		"stdout_lines", len(cp.Stdout), "stderr_lines", len(cp.Stderr))
	return cp, nil
}

// abort kills the child and gives the readers the grace period to finish
// before closing the pipes underneath them. Nil channels are already done.
func (r *Runner) abort(cmd *exec.Cmd, waitDone, drained <-chan struct{}, outR, errR *os.File) {
	if err := killProcess(cmd); err != nil {
		r.logger.Warn("kill interrupted child", "pid", cmd.Process.Pid, "err", err)
	}
	if drained != nil {
		select {
		case <-drained:
		case <-time.After(r.grace):
			outR.Close()
			errR.Close()
			<-drained
		}
	}
	outR.Close()
	errR.Close()
	if waitDone != nil {
		<-waitDone
	}
}

// ValidateArgv checks that argv is non-empty and free of NUL bytes.
func ValidateArgv(argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("%w: argument vector must not be empty", ErrInvalidArgument)
	}
	if argv[0] == "" {
		return fmt.Errorf("%w: command name must not be empty", ErrInvalidArgument)
	}
	for i, arg := range argv {
		if strings.IndexByte(arg, 0) >= 0 {
			return fmt.Errorf("%w: argument %d contains a NUL byte", ErrInvalidArgument, i)
		}
	}
	return nil
}

// ValidateDir checks that dir exists and is a directory.
func ValidateDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s does not exist", ErrInvalidArgument, dir)
		}
		return fmt.Errorf("%w: stat %s: %w", ErrInvalidArgument, dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrInvalidArgument, dir)
	}
	return nil
}

func nonNil(lines []string) []string {
	if lines == nil {
		return []string{}
	}
	return lines
}

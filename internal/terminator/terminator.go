// Package terminator kills the process listening on a TCP port.
//
// The listener is first identified with the finder and then terminated with
// "kill <pid>" on macOS and Unix or "taskkill /f /pid <pid>" on Windows. A
// Terminator never issues a kill against its own process: the discovered PID
// is compared with the caller's PID before any command runs.
//
// Lookup and kill are two separate commands. Between them the listener may
// exit and its PID may be reused by an unrelated process, which the kill will
// then hit. Callers that cannot accept this window should confirm the finding
// (see KillProcessByPID) immediately before killing.
package terminator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/Paintersrp/subproc/internal/finder"
	"github.com/Paintersrp/subproc/internal/metrics"
	"github.com/Paintersrp/subproc/internal/platform"
	"github.com/Paintersrp/subproc/internal/subprocess"
)

// Returncodes reported by the Terminator besides a failing kill command's own
// exit status, which is passed through unchanged.
const (
	OK                  = 0
	Interrupted         = -895
	IOFailure           = -896
	UnsupportedPlatform = -897
	NoListener          = -898
	WouldKillSelf       = -899
)

// Result is the outcome of a termination attempt. Finding is the lookup the
// attempt was based on and may be nil when the lookup itself failed.
type Result struct {
	Finding    *finder.Result `json:"finding,omitempty"`
	Command    []string       `json:"command,omitempty"`
	Returncode int            `json:"returncode"`
	Message    string         `json:"message"`
}

// Killed reports whether the kill command succeeded.
func (r *Result) Killed() bool {
	return r.Returncode == OK
}

func (r *Result) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "<process-termination-result rc=%q>\n", fmt.Sprint(r.Returncode))
	fmt.Fprintf(&b, "<message>%s</message>\n", r.Message)
	if r.Finding != nil {
		b.WriteString(r.Finding.String())
	}
	b.WriteString("</process-termination-result>\n")
	return b.String()
}

// Option configures a Terminator.
type Option func(*Terminator)

// WithLogger attaches a logger.
func WithLogger(logger *log.Logger) Option {
	return func(t *Terminator) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithSelfPID overrides the identifier treated as the calling process.
func WithSelfPID(pid int) Option {
	return func(t *Terminator) {
		t.selfPID = pid
	}
}

// Terminator finds and kills listening processes.
type Terminator struct {
	platform platform.Platform
	exec     subprocess.Executor
	finder   *finder.Finder
	selfPID  int
	logger   *log.Logger
}

// New constructs a Terminator. The finder shares the executor and the logger.
func New(p platform.Platform, exec subprocess.Executor, opts ...Option) *Terminator {
	t := &Terminator{
		platform: p,
		exec:     exec,
		selfPID:  finder.CurrentPID(),
		logger:   log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.finder = finder.New(p, exec, finder.WithLogger(t.logger))
	return t
}

// Finder returns the finder used for lookups.
func (t *Terminator) Finder() *finder.Finder {
	return t.finder
}

// KillProcessOnPort finds the process listening on port and kills it.
// An out-of-range port is the only error; every other outcome is in the Result.
func (t *Terminator) KillProcessOnPort(ctx context.Context, port int) (*Result, error) {
	found, err := t.finder.FindPIDByListeningPort(ctx, port)
	if err != nil {
		return nil, err
	}
	if !found.Found() {
		result := &Result{Finding: found}
		switch found.Returncode {
		case finder.UnsupportedPlatform:
			result.Returncode = UnsupportedPlatform
			result.Message = fmt.Sprintf("platform %s is unsupported", t.platform)
		case finder.IOFailure:
			result.Returncode = IOFailure
			result.Message = fmt.Sprintf("lookup of port %d failed: %s", port, found.Message)
		case finder.Interrupted:
			result.Returncode = Interrupted
			result.Message = fmt.Sprintf("lookup of port %d interrupted: %s", port, found.Message)
		default:
			result.Returncode = NoListener
			result.Message = fmt.Sprintf("no process found listening on port %d: %s", port, found.Message)
		}
		return t.done(result), nil
	}
	return t.KillProcessByPID(ctx, found)
}

// KillProcessByPID kills the process described by an existing finding.
func (t *Terminator) KillProcessByPID(ctx context.Context, found *finder.Result) (*Result, error) {
	if found == nil {
		return nil, fmt.Errorf("%w: finding must not be nil", subprocess.ErrInvalidArgument)
	}
	result := &Result{Finding: found}

	if !found.Found() {
		result.Returncode = NoListener
		result.Message = fmt.Sprintf("no process found listening on port %d", found.Port)
		return t.done(result), nil
	}
	if found.PID == t.selfPID {
		result.Returncode = WouldKillSelf
		result.Message = fmt.Sprintf("process %d listening on port %d is the current process", found.PID, found.Port)
		t.logger.Warn("refusing to kill self", "pid", found.PID, "port", found.Port)
		return t.done(result), nil
	}

	switch t.platform {
	case platform.Mac, platform.Unix:
		result.Command = KillCommand(found.PID)
	case platform.Windows:
		result.Command = TaskkillCommand(found.PID)
	default:
		result.Returncode = UnsupportedPlatform
		result.Message = fmt.Sprintf("platform %s is unsupported", t.platform)
		return t.done(result), nil
	}

	cp, err := t.exec.Run(ctx, result.Command, "")
	if err != nil {
		if errors.Is(err, subprocess.ErrInvalidArgument) {
			return nil, err
		}
		result.Returncode = IOFailure
		if errors.Is(err, subprocess.ErrInterrupted) {
			result.Returncode = Interrupted
		}
		result.Message = err.Error()
		return t.done(result), nil
	}

	result.Returncode = cp.ExitCode
	if cp.ExitCode != 0 {
		result.Message = strings.Join(cp.Stderr, "\n")
		return t.done(result), nil
	}
	result.Message = fmt.Sprintf("killed process %d listening on port %d", found.PID, found.Port)
	t.logger.Info("killed process", "pid", found.PID, "port", found.Port, "platform", t.platform)
	return t.done(result), nil
}

func (t *Terminator) done(result *Result) *Result {
	metrics.ObserveTermination(result.Returncode)
	if result.Returncode != OK && result.Returncode != WouldKillSelf {
		t.logger.Debug("termination", "returncode", result.Returncode, "message", result.Message)
	}
	return result
}

// KillCommand is the macOS and Unix termination command.
func KillCommand(pid int) []string {
	return []string{"kill", strconv.Itoa(pid)}
}

// TaskkillCommand is the Windows termination command.
func TaskkillCommand(pid int) []string {
	return []string{"taskkill", "/f", "/pid", strconv.Itoa(pid)}
}

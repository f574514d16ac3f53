// Package locator resolves a command name to the absolute path of its
// executable using the platform's own lookup command, "where" on Windows and
// "which" elsewhere.
//
// Environment-dependent outcomes, including failures of the lookup command
// itself, are reported through Result.Returncode rather than as errors. Only
// caller mistakes such as an empty command name are returned as errors.
package locator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/Paintersrp/subproc/internal/platform"
	"github.com/Paintersrp/subproc/internal/subprocess"
)

// Returncodes reported by Find.
const (
	OK                  = 0
	NotFound            = -1
	Ambiguous           = -2
	StillAmbiguous      = -3
	UnsupportedPlatform = -701
	IOFailure           = -702
	Interrupted         = -703
)

// Result is the outcome of a lookup.
type Result struct {
	Returncode int      `json:"returncode"`
	Command    string   `json:"command"`
	Stdout     []string `json:"stdout"`
	Stderr     []string `json:"stderr"`
}

// OK reports whether exactly one path was resolved.
func (r *Result) OK() bool {
	return r.Returncode == OK
}

func (r *Result) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "<command-locating-result rc=%q>\n", fmt.Sprint(r.Returncode))
	fmt.Fprintf(&b, "<command>%s</command>\n", r.Command)
	fmt.Fprintf(&b, "<stdout>%s</stdout>\n", strings.Join(r.Stdout, "\n"))
	fmt.Fprintf(&b, "<stderr>%s</stderr>\n", strings.Join(r.Stderr, "\n"))
	b.WriteString("</command-locating-result>\n")
	return b.String()
}

// Option configures a Locator.
type Option func(*Locator)

// WithLogger attaches a logger.
func WithLogger(logger *log.Logger) Option {
	return func(l *Locator) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// Locator runs the lookup command through an Executor.
type Locator struct {
	platform platform.Platform
	exec     subprocess.Executor
	logger   *log.Logger
}

// New constructs a Locator for the given platform.
func New(p platform.Platform, exec subprocess.Executor, opts ...Option) *Locator {
	l := &Locator{
		platform: p,
		exec:     exec,
		logger:   log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Find resolves name. When the lookup yields several candidates, pred, if
// non-nil, must select exactly one of them.
func (l *Locator) Find(ctx context.Context, name string, pred Predicate) (*Result, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: command name must not be empty", subprocess.ErrInvalidArgument)
	}

	result := &Result{Returncode: NotFound, Stdout: []string{}, Stderr: []string{}}

	var argv []string
	switch l.platform {
	case platform.Windows:
		argv = []string{"where", name}
	case platform.Mac, platform.Unix:
		argv = []string{"which", name}
	default:
		result.Returncode = UnsupportedPlatform
		result.Stderr = append(result.Stderr, fmt.Sprintf("unsupported platform %s", l.platform))
		return result, nil
	}

	cp, err := l.exec.Run(ctx, argv, "")
	if err != nil {
		if errors.Is(err, subprocess.ErrInvalidArgument) {
			return nil, err
		}
		result.Returncode = IOFailure
		if errors.Is(err, subprocess.ErrInterrupted) {
			result.Returncode = Interrupted
		}
		result.Stderr = append(result.Stderr, err.Error())
		l.logger.Debug("lookup failed", "command", name, "returncode", result.Returncode, "err", err)
		return result, nil
	}
	result.Stdout = append(result.Stdout, cp.Stdout...)
	result.Stderr = append(result.Stderr, cp.Stderr...)

	candidates := normalize(cp.Stdout)
	switch {
	case len(candidates) == 0:
		result.Returncode = NotFound
	case len(candidates) == 1:
		result.Returncode = OK
		result.Command = candidates[0]
	case pred == nil:
		result.Returncode = Ambiguous
	default:
		var matched []string
		for _, candidate := range candidates {
			if pred(candidate) {
				matched = append(matched, candidate)
			}
		}
		switch len(matched) {
		case 0:
			result.Returncode = NotFound
		case 1:
			result.Returncode = OK
			result.Command = matched[0]
		default:
			result.Returncode = StillAmbiguous
		}
	}

	l.logger.Debug("lookup", "command", name, "candidates", len(candidates), "returncode", result.Returncode, "path", result.Command)
	return result, nil
}

// normalize trims each line and drops blank ones.
func normalize(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if s := strings.TrimSpace(line); s != "" {
			out = append(out, s)
		}
	}
	return out
}

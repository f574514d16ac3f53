// Package finder identifies the process listening on a TCP port by running
// the platform's socket listing command and parsing its text output.
//
// On macOS and Unix the command is "lsof -i:<port> -P" and the only line kept
// is the one containing ":<port> (LISTEN)". On Windows it is "netstat -ano"
// and lines must fully match WindowsNetstatPattern. Lines for IPv6 listeners
// in netstat's bracketed form ("[::]:8080") never match that pattern, so a
// Windows process listening only on IPv6 is reported as not found.
package finder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/Paintersrp/subproc/internal/metrics"
	"github.com/Paintersrp/subproc/internal/platform"
	"github.com/Paintersrp/subproc/internal/subprocess"
)

// NoPID is the process identifier of a result that found nothing.
const NoPID = -1

// Returncodes reported by FindPIDByListeningPort besides a failing command's
// own exit status, which is passed through unchanged.
const (
	OK                  = 0
	UnsupportedPlatform = -999
	NoListener          = -1001
	TooFewFields        = -1002
	UnparsablePID       = -1003
	IOFailure           = -1901
	Interrupted         = -1902
	NetstatNotUnique    = -2002
	NetstatUnparsable   = -2003
)

// Result describes one lookup. A zero Returncode always carries a positive
// PID; any other Returncode carries NoPID.
type Result struct {
	Platform       platform.Platform `json:"platform"`
	Port           int               `json:"port"`
	Command        []string          `json:"command"`
	Stdout         []string          `json:"stdout"`
	FilteredStdout []string          `json:"filtered_stdout"`
	Stderr         []string          `json:"stderr"`
	PID            int               `json:"pid"`
	Returncode     int               `json:"returncode"`
	Message        string            `json:"message"`
}

// Found reports whether a single listening process was identified.
func (r *Result) Found() bool {
	return r.Returncode == OK && r.PID > 0
}

func (r *Result) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "<process-finding-result rc=%q>\n", fmt.Sprint(r.Returncode))
	fmt.Fprintf(&b, "<platform>%s</platform>\n", r.Platform)
	fmt.Fprintf(&b, "<port>%d</port>\n", r.Port)
	fmt.Fprintf(&b, "<command>%s</command>\n", strings.Join(r.Command, " "))
	fmt.Fprintf(&b, "<pid>%d</pid>\n", r.PID)
	fmt.Fprintf(&b, "<message>%s</message>\n", r.Message)
	fmt.Fprintf(&b, "<filtered-stdout>%s</filtered-stdout>\n", strings.Join(r.FilteredStdout, "\n"))
	fmt.Fprintf(&b, "<stderr>%s</stderr>\n", strings.Join(r.Stderr, "\n"))
	b.WriteString("</process-finding-result>\n")
	return b.String()
}

func (r *Result) fail(returncode int, message string) *Result {
	r.PID = NoPID
	r.Returncode = returncode
	r.Message = message
	return r
}

// Option configures a Finder.
type Option func(*Finder)

// WithLogger attaches a logger.
func WithLogger(logger *log.Logger) Option {
	return func(f *Finder) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// Finder looks up listening processes through an Executor.
type Finder struct {
	platform platform.Platform
	exec     subprocess.Executor
	logger   *log.Logger
}

// New constructs a Finder for the given platform.
func New(p platform.Platform, exec subprocess.Executor, opts ...Option) *Finder {
	f := &Finder{
		platform: p,
		exec:     exec,
		logger:   log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Platform returns the platform the Finder builds commands for.
func (f *Finder) Platform() platform.Platform {
	return f.platform
}

// CurrentPID returns the identifier of the calling process.
func CurrentPID() int {
	return os.Getpid()
}

// FindPIDByListeningPort identifies the single process listening on port.
// Only an out-of-range port is returned as an error; every environmental
// outcome is described by the Result.
func (f *Finder) FindPIDByListeningPort(ctx context.Context, port int) (*Result, error) {
	if err := ValidatePort(port); err != nil {
		return nil, err
	}

	result := &Result{
		Platform:       f.platform,
		Port:           port,
		Command:        []string{},
		Stdout:         []string{},
		FilteredStdout: []string{},
		Stderr:         []string{},
		PID:            NoPID,
		Returncode:     NoListener,
	}

	switch f.platform {
	case platform.Mac, platform.Unix:
		result.Command = LsofCommand(port)
	case platform.Windows:
		result.Command = NetstatCommand()
	default:
		result.fail(UnsupportedPlatform, fmt.Sprintf("platform %s is unsupported", f.platform))
		return f.done(result), nil
	}

	cp, err := f.exec.Run(ctx, result.Command, "")
	if err != nil {
		if errors.Is(err, subprocess.ErrInvalidArgument) {
			return nil, err
		}
		rc := IOFailure
		if errors.Is(err, subprocess.ErrInterrupted) {
			rc = Interrupted
		}
		result.fail(rc, err.Error())
		return f.done(result), nil
	}
	result.Stdout = append(result.Stdout, cp.Stdout...)

	if cp.ExitCode != 0 {
		result.Stderr = append(result.Stderr, cp.Stderr...)
		result.fail(cp.ExitCode, fmt.Sprintf("%s command failed; perhaps no process is listening on port %d", result.Command[0], port))
		return f.done(result), nil
	}

	if f.platform == platform.Windows {
		parseNetstat(result, cp.Stdout)
	} else {
		parseLsof(result, cp.Stdout)
	}
	return f.done(result), nil
}

func (f *Finder) done(result *Result) *Result {
	metrics.ObserveFinding(string(result.Platform), result.Returncode)
	f.logger.Debug("port lookup", "port", result.Port, "platform", result.Platform,
		"returncode", result.Returncode, "pid", result.PID, "message", result.Message)
	return result
}

// LsofCommand is the macOS and Unix socket listing command for port.
func LsofCommand(port int) []string {
	return []string{"lsof", "-i:" + strconv.Itoa(port), "-P"}
}

// NetstatCommand is the Windows socket listing command.
func NetstatCommand() []string {
	return []string{"netstat", "-ano"}
}

// parseLsof handles output such as
//
//	COMMAND     PID  USER   FD   TYPE  DEVICE SIZE/OFF NODE NAME
//	com.docke   910  kaz    91u  IPv6  0xbff5      0t0  TCP *:80 (LISTEN)
//	katalon   12497  kaz   147u  IPv6  0xbff5      0t0  TCP 192.168.0.8:58990->host:80 (ESTABLISHED)
func parseLsof(result *Result, stdout []string) {
	needle := fmt.Sprintf(":%d (LISTEN)", result.Port)
	for _, line := range stdout {
		if strings.Contains(line, needle) {
			result.FilteredStdout = append(result.FilteredStdout, line)
		}
	}
	if len(result.FilteredStdout) != 1 {
		result.fail(NoListener, fmt.Sprintf("no single process found listening on port %d (%d candidate lines)", result.Port, len(result.FilteredStdout)))
		return
	}
	fields := strings.Fields(result.FilteredStdout[0])
	if len(fields) < 2 {
		result.fail(TooFewFields, "too few fields in lsof output")
		return
	}
	pid, err := strconv.Atoi(fields[1])
	if err != nil || pid <= 0 {
		result.fail(UnparsablePID, fmt.Sprintf("parse pid %q: invalid process identifier", fields[1]))
		return
	}
	result.PID = pid
	result.Returncode = OK
	result.Message = ""
}

// parseNetstat handles output such as
//
//	TCP    0.0.0.0:13688    0.0.0.0:0    LISTENING    4080
//	TCP    [::]:13688       [::]:0       LISTENING    4080
func parseNetstat(result *Result, stdout []string) {
	pattern := WindowsNetstatPattern(result.Port)
	for _, line := range stdout {
		if strings.Contains(line, "LISTENING") && pattern.MatchString(line) {
			result.FilteredStdout = append(result.FilteredStdout, line)
		}
	}
	if len(result.FilteredStdout) != 1 {
		result.fail(NetstatNotUnique, fmt.Sprintf("expected one listening line for port %d, found %d", result.Port, len(result.FilteredStdout)))
		return
	}
	m := pattern.FindStringSubmatch(result.FilteredStdout[0])
	if m == nil {
		result.fail(NetstatUnparsable, fmt.Sprintf("%s does not match %q", pattern, result.FilteredStdout[0]))
		return
	}
	pid, err := strconv.Atoi(m[8])
	if err != nil || pid <= 0 {
		result.fail(NetstatUnparsable, fmt.Sprintf("parse pid %q: invalid process identifier", m[8]))
		return
	}
	result.PID = pid
	result.Returncode = OK
	result.Message = ""
}

// WindowsNetstatPattern matches a whole netstat line for an IPv4 TCP listener
// on port. Groups: 1 local address, 2 local host, 3 local port, 4 remote
// address, 5 remote host, 6 remote port, 7 state, 8 process identifier.
func WindowsNetstatPattern(port int) *regexp.Regexp {
	return regexp.MustCompile(`^\s*TCP\s+(([\d\.]+):(` + strconv.Itoa(port) + `))\s+(([\d\.]+):(\d+))\s+(LISTENING)\s+(\d+)\s*$`)
}

// ValidatePort rejects ports outside 1..65535.
func ValidatePort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%w: port %d out of range", subprocess.ErrInvalidArgument, port)
	}
	return nil
}

package cli

import (
	"bytes"
	stdcontext "context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"testing"

	"github.com/Paintersrp/subproc/internal/config"
	"github.com/Paintersrp/subproc/internal/finder"
	"github.com/Paintersrp/subproc/internal/subprocess"
	"github.com/Paintersrp/subproc/internal/subprocess/subprocesstest"
	"github.com/Paintersrp/subproc/internal/terminator"
)

const dockerPath = "/usr/bin/docker"

var lsofListening = []string{
	"COMMAND     PID  USER   FD   TYPE             DEVICE SIZE/OFF NODE NAME",
	"python3    4080  kaz    3u   IPv4 0xbff5a4b0c0ea1a6b      0t0  TCP 127.0.0.1:8500 (LISTEN)",
}

type harness struct {
	fake    *subprocesstest.Fake
	selfPID int
	stdin   string
	ctx     stdcontext.Context
}

func (h harness) execute(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	root, ctx := newRootCommand()
	ctx.exec = h.fake
	ctx.selfPID = h.selfPID
	ctx.getenv = func(string) string { return "" }

	outBuf := &bytes.Buffer{}
	errBuf := &bytes.Buffer{}
	root.SetOut(outBuf)
	root.SetErr(errBuf)
	root.SetIn(strings.NewReader(h.stdin))
	root.SetArgs(append([]string{"--os", "Linux"}, args...))

	runCtx := h.ctx
	if runCtx == nil {
		runCtx = stdcontext.Background()
	}
	err = root.ExecuteContext(runCtx)
	return outBuf.String(), errBuf.String(), err
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	if err == nil {
		return 0
	}
	var exitErr *exitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected exit error, got %v", err)
	}
	return exitErr.code
}

func TestRunCommand(t *testing.T) {
	fake := subprocesstest.New(map[string]subprocesstest.Response{
		"git": {ExitCode: 3, Stdout: []string{"usage: git"}, Stderr: []string{"unknown option"}},
	})
	stdout, _, err := harness{fake: fake}.execute(t, "run", "--dir", t.TempDir(), "--", "git", "--bogus")

	if code := exitCode(t, err); code != 3 {
		t.Fatalf("expected the child's exit status, got %d", code)
	}
	if !strings.HasPrefix(stdout, `<completed-process rc="3">`) || !strings.Contains(stdout, "<stderr>unknown option</stderr>") {
		t.Fatalf("unexpected output:\n%s", stdout)
	}
	if calls := fake.Calls(); len(calls) != 1 || !reflect.DeepEqual(calls[0], []string{"git", "--bogus"}) {
		t.Fatalf("flags after the command must reach it untouched: %q", calls)
	}
}

func TestRunCommandRecords(t *testing.T) {
	fake := subprocesstest.New(map[string]subprocesstest.Response{
		"env": {Stdout: []string{"PATH=/usr/bin", "API_KEY=abc123"}},
	})
	stdout, _, err := harness{fake: fake}.execute(t, "run", "--records", "env")
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected one record per line, got:\n%s", stdout)
	}
	if strings.Contains(stdout, "abc123") {
		t.Fatalf("secret leaked into records: %s", stdout)
	}
}

func TestWhichCommand(t *testing.T) {
	fake := subprocesstest.New(map[string]subprocesstest.Response{
		"which": {Stdout: []string{"/usr/bin/python3", "/opt/homebrew/bin/python3"}},
	})

	stdout, _, err := harness{fake: fake}.execute(t, "which", "python3")
	if code := exitCode(t, err); code != 1 {
		t.Fatalf("ambiguous lookup should fail, got %d", code)
	}
	if !strings.Contains(stdout, `rc="-2"`) {
		t.Fatalf("expected ambiguous returncode:\n%s", stdout)
	}

	stdout, _, err = harness{fake: fake}.execute(t, "which", "--starts-with", "/opt/homebrew", "python3")
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if !strings.Contains(stdout, "<command>/opt/homebrew/bin/python3</command>") {
		t.Fatalf("predicate did not select the candidate:\n%s", stdout)
	}
}

func TestFindPortJSON(t *testing.T) {
	fake := subprocesstest.New(map[string]subprocesstest.Response{"lsof": {Stdout: lsofListening}})
	stdout, _, err := harness{fake: fake}.execute(t, "--json", "find-port", "8500")
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	var result finder.Result
	if err := json.Unmarshal([]byte(stdout), &result); err != nil {
		t.Fatalf("decode output: %v\n%s", err, stdout)
	}
	if result.PID != 4080 || result.Returncode != finder.OK || result.Port != 8500 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestFindPortInvalid(t *testing.T) {
	for _, arg := range []string{"http", "0", "70000"} {
		t.Run(arg, func(t *testing.T) {
			_, _, err := harness{fake: subprocesstest.New(nil)}.execute(t, "find-port", arg)
			if !errors.Is(err, subprocess.ErrInvalidArgument) {
				t.Fatalf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}
}

func TestKillPortRequiresConfirmation(t *testing.T) {
	fake := subprocesstest.New(map[string]subprocesstest.Response{"lsof": {Stdout: lsofListening}})
	_, _, err := harness{fake: fake, stdin: "y\n"}.execute(t, "kill-port", "8500")
	if !errors.Is(err, errNotInteractive) {
		t.Fatalf("expected errNotInteractive, got %v", err)
	}
	if n := fake.CallsTo("kill"); n != 0 {
		t.Fatalf("kill must not run without confirmation, ran %d times", n)
	}
}

func TestKillPortWithYes(t *testing.T) {
	fake := subprocesstest.New(map[string]subprocesstest.Response{"lsof": {Stdout: lsofListening}})
	stdout, _, err := harness{fake: fake}.execute(t, "--json", "kill-port", "--yes", "8500")
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	var result terminator.Result
	if err := json.Unmarshal([]byte(stdout), &result); err != nil {
		t.Fatalf("decode output: %v\n%s", err, stdout)
	}
	if !result.Killed() || result.Finding == nil || result.Finding.PID != 4080 {
		t.Fatalf("unexpected result: %+v", result)
	}
	calls := fake.Calls()
	if last := calls[len(calls)-1]; !reflect.DeepEqual(last, []string{"kill", "4080"}) {
		t.Fatalf("unexpected kill invocation: %q", last)
	}
}

func lsofFor(port int) []string {
	return []string{
		lsofListening[0],
		fmt.Sprintf("python3    4080  kaz    3u   IPv4 0xbff5a4b0c0ea1a6b      0t0  TCP 127.0.0.1:%d (LISTEN)", port),
	}
}

func TestKillPortWaitsForRelease(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	fake := subprocesstest.New(map[string]subprocesstest.Response{"lsof": {Stdout: lsofFor(port)}})
	_, _, err = harness{fake: fake}.execute(t, "kill-port", "--yes", "--wait", "200ms", strconv.Itoa(port))
	if code := exitCode(t, err); code != 1 || !strings.Contains(err.Error(), "not released") {
		t.Fatalf("expected release timeout while the listener is open, got %d %v", code, err)
	}

	ln.Close()
	if _, _, err := (harness{fake: fake}).execute(t, "kill-port", "--yes", "--wait", "2s", strconv.Itoa(port)); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
}

func TestKillPortRefusesSelfWithoutPrompt(t *testing.T) {
	fake := subprocesstest.New(map[string]subprocesstest.Response{"lsof": {Stdout: lsofListening}})
	stdout, _, err := harness{fake: fake, selfPID: 4080}.execute(t, "kill-port", "8500")
	if code := exitCode(t, err); code != 1 {
		t.Fatalf("expected failure exit, got %d", code)
	}
	if !strings.Contains(stdout, `rc="-899"`) {
		t.Fatalf("expected WouldKillSelf:\n%s", stdout)
	}
	if n := fake.CallsTo("kill"); n != 0 {
		t.Fatalf("kill must not run against the current process, ran %d times", n)
	}
}

func TestKillPortNoListener(t *testing.T) {
	fake := subprocesstest.New(map[string]subprocesstest.Response{"lsof": {ExitCode: 1}})
	stdout, _, err := harness{fake: fake}.execute(t, "kill-port", "8500")
	if code := exitCode(t, err); code != 1 {
		t.Fatalf("expected failure exit, got %d", code)
	}
	if !strings.Contains(stdout, "<process-termination-result") {
		t.Fatalf("unexpected output:\n%s", stdout)
	}
}

func TestAskYesNo(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{in: "y\n", want: true},
		{in: "YES\n", want: true},
		{in: "n\n", want: false},
		{in: "\n", want: false},
		{in: "", want: false},
	}
	for _, tc := range tests {
		t.Run(strings.TrimSpace(tc.in), func(t *testing.T) {
			var out bytes.Buffer
			got, err := askYesNo(strings.NewReader(tc.in), &out, "Kill?")
			if err != nil {
				t.Fatalf("askYesNo returned error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("askYesNo(%q) = %v", tc.in, got)
			}
			if out.String() != "Kill? [y/N] " {
				t.Fatalf("unexpected prompt %q", out.String())
			}
		})
	}
}

func TestContainerRunProfile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "subproc.yaml")
	manifest := `containers:
  flaskr:
    image: kazurayam/flaskr-kazurayam:1.1.0
    env:
      DB_PASSWORD: hunter2
    ports: ["80:8080"]
`
	if err := os.WriteFile(path, []byte(manifest), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	fake := subprocesstest.New(map[string]subprocesstest.Response{
		"which":    {Stdout: []string{dockerPath}},
		dockerPath: {Stdout: []string{"d4d4a795d76d"}},
	})

	stdout, _, err := harness{fake: fake}.execute(t, "--config", path, "container", "run", "--profile", "flaskr", "-e", "FLASK_ENV=development")
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	want := []string{dockerPath, "run", "-d", "-e", "DB_PASSWORD=hunter2", "-e", "FLASK_ENV=development", "-p", "80:8080", "kazurayam/flaskr-kazurayam:1.1.0"}
	calls := fake.Calls()
	if len(calls) != 2 || !reflect.DeepEqual(calls[1], want) {
		t.Fatalf("unexpected invocations: %q", calls)
	}
	if strings.Contains(stdout, "hunter2") || !strings.Contains(stdout, "DB_PASSWORD=[redacted]") {
		t.Fatalf("secret not masked in output:\n%s", stdout)
	}
	if !strings.Contains(stdout, "<containerId>d4d4a795d76d</containerId>") {
		t.Fatalf("unexpected output:\n%s", stdout)
	}
}

func TestContainerRunUnknownProfile(t *testing.T) {
	_, _, err := harness{fake: subprocesstest.New(nil)}.execute(t, "container", "run", "--profile", "nope")
	if err == nil || !strings.Contains(err.Error(), `unknown container profile "nope"`) {
		t.Fatalf("expected unknown profile error, got %v", err)
	}
}

func TestContainerFindNotUnique(t *testing.T) {
	fake := subprocesstest.New(map[string]subprocesstest.Response{
		"which":    {Stdout: []string{dockerPath}},
		dockerPath: {Stdout: []string{"a", "b"}},
	})
	stdout, _, err := harness{fake: fake}.execute(t, "container", "find", "80")
	if code := exitCode(t, err); code != 1 {
		t.Fatalf("expected failure exit, got %d", code)
	}
	if !strings.Contains(stdout, `rc="-3003"`) {
		t.Fatalf("unexpected output:\n%s", stdout)
	}
}

func TestServeStopsWithContext(t *testing.T) {
	ctx, cancel := stdcontext.WithCancel(stdcontext.Background())
	cancel()

	stdout, _, err := harness{fake: subprocesstest.New(nil), ctx: ctx}.execute(t, "serve", "--addr", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if !strings.HasPrefix(stdout, "Serving on http://127.0.0.1:") {
		t.Fatalf("unexpected output: %q", stdout)
	}
}

func TestVersionCommand(t *testing.T) {
	stdout, _, err := harness{fake: subprocesstest.New(nil)}.execute(t, "version")
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if !strings.HasPrefix(stdout, "subproc dev") {
		t.Fatalf("unexpected output: %q", stdout)
	}
}

func TestInvalidLogFormatFlag(t *testing.T) {
	_, _, err := harness{fake: subprocesstest.New(nil)}.execute(t, "--log-format", "xml", "find-port", "80")
	if err == nil || !strings.Contains(err.Error(), "log.format") {
		t.Fatalf("expected log format error, got %v", err)
	}
}

func TestFlagNamesAcceptUnderscores(t *testing.T) {
	_, _, err := harness{fake: subprocesstest.New(nil)}.execute(t, "--log_format", "xml", "find-port", "80")
	if err == nil || !strings.Contains(err.Error(), "log.format") {
		t.Fatalf("expected --log_format to reach the log format check, got %v", err)
	}
}

func TestTextLoggerLevelLabels(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, config.LogConfig{Level: "debug", Format: config.FormatText})
	if err != nil {
		t.Fatalf("newLogger returned error: %v", err)
	}
	logger.Warn("port still open", "port", 8500)
	if out := buf.String(); !strings.Contains(out, "WRN") || !strings.Contains(out, "port=8500") {
		t.Fatalf("unexpected log line: %q", out)
	}
}

package subprocess

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"testing"
	"time"

	"golang.org/x/text/encoding/japanese"
)

const helperEnv = "SUBPROC_WANT_HELPER_PROCESS"

// TestHelperProcess is not a real test. It is the child spawned by the tests
// below, driven by the instructions that follow "--" on its command line.
func TestHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "helper: missing instructions")
		os.Exit(2)
	}
	args = args[1:]

	stdout := bufio.NewWriter(os.Stdout)
	stderr := bufio.NewWriter(os.Stderr)
	flush := func() {
		stdout.Flush()
		stderr.Flush()
	}
	for i := 0; i+1 < len(args); i += 2 {
		op, arg := args[i], args[i+1]
		switch op {
		case "out", "err":
			n, _ := strconv.Atoi(arg)
			w := stdout
			if op == "err" {
				w = stderr
			}
			for j := 0; j < n; j++ {
				fmt.Fprintf(w, "%s line %07d\n", op, j)
			}
			flush()
		case "raw":
			stdout.WriteString(arg)
			flush()
		case "sjis":
			// "テスト" encoded as Shift_JIS.
			stdout.Write([]byte{0x83, 0x65, 0x83, 0x58, 0x83, 0x67, '\n'})
			flush()
		case "pwd":
			wd, _ := os.Getwd()
			fmt.Fprintln(stdout, wd)
			flush()
		case "sleep":
			d, _ := time.ParseDuration(arg)
			time.Sleep(d)
		case "exit":
			code, _ := strconv.Atoi(arg)
			flush()
			os.Exit(code)
		}
	}
	flush()
	os.Exit(0)
}

func helperArgv(t *testing.T, instructions ...string) []string {
	t.Helper()
	t.Setenv(helperEnv, "1")
	return append([]string{os.Args[0], "-test.run=^TestHelperProcess$", "--"}, instructions...)
}

func TestRunCapturesLargeOutputOnBothStreams(t *testing.T) {
	const lines = 300000 // roughly 5MB per stream

	// stderr is written in full before stdout; a runner that drains the
	// streams one after the other would deadlock here.
	argv := helperArgv(t, "err", strconv.Itoa(lines), "out", strconv.Itoa(lines))

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	cp, err := New().Run(ctx, argv, "")
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if cp.ExitCode != 0 {
		t.Fatalf("expected exit 0, got %d (stderr tail %v)", cp.ExitCode, tail(cp.Stderr))
	}
	if len(cp.Stdout) != lines {
		t.Fatalf("expected %d stdout lines, got %d", lines, len(cp.Stdout))
	}
	if len(cp.Stderr) != lines {
		t.Fatalf("expected %d stderr lines, got %d", lines, len(cp.Stderr))
	}
	if got, want := cp.Stdout[lines-1], fmt.Sprintf("out line %07d", lines-1); got != want {
		t.Fatalf("last stdout line = %q, want %q", got, want)
	}
	if got, want := cp.Stderr[0], "err line 0000000"; got != want {
		t.Fatalf("first stderr line = %q, want %q", got, want)
	}
}

func TestRunPreservesLineOrder(t *testing.T) {
	cp, err := New().Run(context.Background(), helperArgv(t, "out", "1000"), "")
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	for i, line := range cp.Stdout {
		if want := fmt.Sprintf("out line %07d", i); line != want {
			t.Fatalf("line %d = %q, want %q", i, line, want)
		}
	}
}

func TestRunEmptyOutput(t *testing.T) {
	cp, err := New().Run(context.Background(), helperArgv(t), "")
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if cp.ExitCode != 0 {
		t.Fatalf("expected exit 0, got %d", cp.ExitCode)
	}
	if cp.Stdout == nil || cp.Stderr == nil {
		t.Fatalf("expected empty, non-nil slices; got stdout=%v stderr=%v", cp.Stdout, cp.Stderr)
	}
	if len(cp.Stdout) != 0 || len(cp.Stderr) != 0 {
		t.Fatalf("expected no output, got stdout=%v stderr=%v", cp.Stdout, cp.Stderr)
	}
}

func TestRunReportsExitCodeWithoutError(t *testing.T) {
	argv := helperArgv(t, "err", "2", "exit", "7")
	cp, err := New().Run(context.Background(), argv, "")
	if err != nil {
		t.Fatalf("non-zero exit must not be an error, got %v", err)
	}
	if cp.ExitCode != 7 {
		t.Fatalf("expected exit 7, got %d", cp.ExitCode)
	}
	if len(cp.Stderr) != 2 {
		t.Fatalf("expected 2 stderr lines, got %v", cp.Stderr)
	}
	if !reflect.DeepEqual(cp.Args, argv) {
		t.Fatalf("args not recorded: got %v want %v", cp.Args, argv)
	}
}

func TestRunSplitsUniversalNewlines(t *testing.T) {
	cp, err := New().Run(context.Background(), helperArgv(t, "raw", "a\r\nb\rc\n\nd"), "")
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	want := []string{"a", "b", "c", "", "d"}
	if !reflect.DeepEqual(cp.Stdout, want) {
		t.Fatalf("unexpected lines: got %q want %q", cp.Stdout, want)
	}
}

func TestRunUsesWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	cp, err := New().Run(context.Background(), helperArgv(t, "pwd", "-"), dir)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(cp.Stdout) != 1 {
		t.Fatalf("expected one line, got %v", cp.Stdout)
	}
	got, _ := filepath.EvalSymlinks(cp.Stdout[0])
	want, _ := filepath.EvalSymlinks(dir)
	if got != want {
		t.Fatalf("child ran in %q, want %q", got, want)
	}
}

func TestRunFallsBackToRunnerDirectory(t *testing.T) {
	dir := t.TempDir()
	cp, err := New(WithDir(dir)).Run(context.Background(), helperArgv(t, "pwd", "-"), "")
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	got, _ := filepath.EvalSymlinks(cp.Stdout[0])
	want, _ := filepath.EvalSymlinks(dir)
	if got != want {
		t.Fatalf("child ran in %q, want %q", got, want)
	}
}

func TestRunDecodesConfiguredEncoding(t *testing.T) {
	cp, err := New(WithEncoding(japanese.ShiftJIS)).Run(context.Background(), helperArgv(t, "sjis", "-"), "")
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(cp.Stdout) != 1 || cp.Stdout[0] != "テスト" {
		t.Fatalf("expected decoded text, got %q", cp.Stdout)
	}
}

func TestRunValidatesArguments(t *testing.T) {
	file := filepath.Join(t.TempDir(), "plain")
	if err := os.WriteFile(file, nil, 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	tests := []struct {
		name string
		argv []string
		dir  string
	}{
		{name: "nilArgv", argv: nil},
		{name: "emptyArgv", argv: []string{}},
		{name: "emptyCommand", argv: []string{""}},
		{name: "nulByte", argv: []string{"echo", "a\x00b"}},
		{name: "missingDir", argv: []string{"echo"}, dir: filepath.Join(t.TempDir(), "missing")},
		{name: "dirIsFile", argv: []string{"echo"}, dir: file},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cp, err := New().Run(context.Background(), tc.argv, tc.dir)
			if !errors.Is(err, ErrInvalidArgument) {
				t.Fatalf("expected ErrInvalidArgument, got %v", err)
			}
			if cp != nil {
				t.Fatalf("expected no result, got %+v", cp)
			}
		})
	}
}

func TestRunMissingExecutable(t *testing.T) {
	_, err := New().Run(context.Background(), []string{"a-command-guaranteed-not-to-exist-7c1f"}, "")
	if !errors.Is(err, ErrIO) {
		t.Fatalf("expected ErrIO, got %v", err)
	}
}

func TestRunInterrupted(t *testing.T) {
	argv := helperArgv(t, "out", "5", "sleep", "30s")

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	started := time.Now()
	cp, err := New(WithGracePeriod(500*time.Millisecond)).Run(ctx, argv, "")
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("expected ErrInterrupted, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled in chain, got %v", err)
	}
	if cp != nil {
		t.Fatalf("interrupted run must not return a partial result, got %+v", cp)
	}
	if elapsed := time.Since(started); elapsed > 10*time.Second {
		t.Fatalf("interrupted run took too long: %v", elapsed)
	}
}

func TestRunAlreadyCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().Run(ctx, helperArgv(t), "")
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("expected ErrInterrupted, got %v", err)
	}
}

func TestRunConcurrentInvocationsAreIndependent(t *testing.T) {
	runner := New()
	argv := helperArgv(t, "out", "2000", "err", "1000")

	errs := make(chan error, 8)
	for i := 0; i < cap(errs); i++ {
		go func() {
			cp, err := runner.Run(context.Background(), argv, "")
			if err != nil {
				errs <- err
				return
			}
			if len(cp.Stdout) != 2000 || len(cp.Stderr) != 1000 {
				errs <- fmt.Errorf("unexpected line counts %d/%d", len(cp.Stdout), len(cp.Stderr))
				return
			}
			errs <- nil
		}()
	}
	for i := 0; i < cap(errs); i++ {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}
}

func TestCompletedProcessString(t *testing.T) {
	cp := &CompletedProcess{
		Args:     []string{"git", "--version"},
		ExitCode: 0,
		Stdout:   []string{"git version 2.43.0"},
		Stderr:   []string{},
	}
	want := "<completed-process rc=\"0\">\n<args>git --version</args>\n<stdout>git version 2.43.0</stdout>\n<stderr></stderr>\n</completed-process>\n"
	if got := cp.String(); got != want {
		t.Fatalf("unexpected rendering:\n%s", got)
	}
}

func tail(lines []string) []string {
	if len(lines) > 3 {
		return lines[len(lines)-3:]
	}
	return lines
}

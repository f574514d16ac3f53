package container

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/Paintersrp/subproc/internal/platform"
	"github.com/Paintersrp/subproc/internal/subprocess"
	"github.com/Paintersrp/subproc/internal/subprocess/subprocesstest"
)

const dockerPath = "/usr/local/bin/docker"

func newFake(docker subprocesstest.Response) *subprocesstest.Fake {
	return subprocesstest.New(map[string]subprocesstest.Response{
		"which":    {Stdout: []string{dockerPath}},
		dockerPath: docker,
	})
}

func TestCLIRun(t *testing.T) {
	fake := newFake(subprocesstest.Response{Stdout: []string{"d4d4a795d76d0c1f"}})
	dir := t.TempDir()
	spec := Spec{
		Image: "kazurayam/flaskr-kazurayam:1.1.0",
		Dir:   dir,
		Env:   []EnvVar{{Name: "FLASK_ENV", Value: "development"}, {Name: "EMPTY"}},
		Ports: []string{"80:8080"},
	}

	result, err := NewCLI(platform.Mac, fake).Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !result.OK() || result.ContainerID != "d4d4a795d76d0c1f" {
		t.Fatalf("unexpected result: %s", result)
	}

	want := []string{dockerPath, "run", "-d", "-e", "FLASK_ENV=development", "-e", "EMPTY=", "-p", "80:8080", "kazurayam/flaskr-kazurayam:1.1.0"}
	calls := fake.Calls()
	if len(calls) != 2 || !reflect.DeepEqual(calls[0], []string{"which", "docker"}) || !reflect.DeepEqual(calls[1], want) {
		t.Fatalf("unexpected invocations: %q", calls)
	}
	if dirs := fake.Dirs(); dirs[1] != dir {
		t.Fatalf("docker run should execute in %q, got %q", dir, dirs[1])
	}
}

func TestCLIRunFailurePassesThrough(t *testing.T) {
	fake := newFake(subprocesstest.Response{ExitCode: 125, Stderr: []string{"docker: port is already allocated."}})
	result, err := NewCLI(platform.Unix, fake).Run(context.Background(), Spec{Image: "nginx", Ports: []string{"80:80"}})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if result.Returncode != 125 || result.Message != "docker run command failed" {
		t.Fatalf("unexpected result: %s", result)
	}
	if !reflect.DeepEqual(result.Stderr, []string{"docker: port is already allocated."}) {
		t.Fatalf("stderr not kept: %q", result.Stderr)
	}
}

func TestCLIFindByHostPort(t *testing.T) {
	tests := []struct {
		name   string
		stdout []string
		wantRC int
		wantID string
	}{
		{name: "one", stdout: []string{"fd5ad3b76b13"}, wantRC: OK, wantID: "fd5ad3b76b13"},
		{name: "none", stdout: nil, wantRC: NotUnique},
		{name: "blank", stdout: []string{""}, wantRC: NotUnique},
		{name: "several", stdout: []string{"fd5ad3b76b13", "a1b2c3d4e5f6"}, wantRC: NotUnique},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fake := newFake(subprocesstest.Response{Stdout: tc.stdout})
			result, err := NewCLI(platform.Unix, fake).FindByHostPort(context.Background(), 80)
			if err != nil {
				t.Fatalf("FindByHostPort returned error: %v", err)
			}
			if result.Returncode != tc.wantRC || result.ContainerID != tc.wantID {
				t.Fatalf("unexpected result: %s", result)
			}
			want := []string{dockerPath, "ps", "--filter", "publish=80", "--filter", "status=running", "-q"}
			if calls := fake.Calls(); !reflect.DeepEqual(calls[1], want) {
				t.Fatalf("unexpected invocation: %q", calls[1])
			}
		})
	}
}

func TestCLIStop(t *testing.T) {
	const dockerExe = `C:\Program Files\Docker\Docker\resources\bin\docker.exe`
	fake := subprocesstest.New(map[string]subprocesstest.Response{
		"where":   {Stdout: []string{dockerExe}},
		dockerExe: {Stdout: []string{"d4d4a795d76d"}},
	})
	result, err := NewCLI(platform.Windows, fake).Stop(context.Background(), "d4d4a795d76d")
	if err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if !result.OK() {
		t.Fatalf("unexpected result: %s", result)
	}
	want := []string{dockerExe, "stop", "d4d4a795d76d"}
	if calls := fake.Calls(); len(calls) != 2 || calls[0][0] != "where" || !reflect.DeepEqual(calls[1], want) {
		t.Fatalf("unexpected invocations: %q", calls)
	}
}

func TestCLILocateFailure(t *testing.T) {
	fake := subprocesstest.New(map[string]subprocesstest.Response{
		"which": {ExitCode: 1, Stderr: []string{"docker not found"}},
	})
	result, err := NewCLI(platform.Unix, fake).FindByHostPort(context.Background(), 80)
	if err != nil {
		t.Fatalf("FindByHostPort returned error: %v", err)
	}
	if result.Returncode != LocateFailed {
		t.Fatalf("expected LocateFailed, got %s", result)
	}
	if len(fake.Calls()) != 1 {
		t.Fatalf("docker must not run when it cannot be located: %q", fake.Calls())
	}
}

func TestCLIRunnerFault(t *testing.T) {
	fake := newFake(subprocesstest.Response{Err: fmt.Errorf("%w: docker: %w", subprocess.ErrInterrupted, context.Canceled)})
	result, err := NewCLI(platform.Unix, fake).Stop(context.Background(), "abc")
	if err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if result.Returncode != RunnerFault || result.Message == "" {
		t.Fatalf("expected RunnerFault, got %s", result)
	}
}

func TestCLIRejectsInvalidArguments(t *testing.T) {
	cli := NewCLI(platform.Unix, newFake(subprocesstest.Response{}))
	ctx := context.Background()

	if _, err := cli.Run(ctx, Spec{}); !errors.Is(err, subprocess.ErrInvalidArgument) {
		t.Fatalf("missing image: expected ErrInvalidArgument, got %v", err)
	}
	if _, err := cli.Run(ctx, Spec{Image: "nginx", Ports: []string{"not-a-port"}}); !errors.Is(err, subprocess.ErrInvalidArgument) {
		t.Fatalf("bad port: expected ErrInvalidArgument, got %v", err)
	}
	if _, err := cli.FindByHostPort(ctx, 70000); !errors.Is(err, subprocess.ErrInvalidArgument) {
		t.Fatalf("bad host port: expected ErrInvalidArgument, got %v", err)
	}
	if _, err := cli.Stop(ctx, " "); !errors.Is(err, subprocess.ErrInvalidArgument) {
		t.Fatalf("empty id: expected ErrInvalidArgument, got %v", err)
	}
}

func TestParseEnvVar(t *testing.T) {
	tests := []struct {
		in      string
		want    EnvVar
		wantErr bool
	}{
		{in: "A=1", want: EnvVar{Name: "A", Value: "1"}},
		{in: "A=", want: EnvVar{Name: "A"}},
		{in: "URL=a=b", want: EnvVar{Name: "URL", Value: "a=b"}},
		{in: "A", wantErr: true},
		{in: "=1", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseEnvVar(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tc.in)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Fatalf("ParseEnvVar(%q) = %+v, %v", tc.in, got, err)
			}
		})
	}
}

func TestSpecHostPorts(t *testing.T) {
	spec := Spec{Image: "x", Ports: []string{"8080:80", "127.0.0.1:9090:90/udp", "3000"}}
	got, err := spec.HostPorts()
	if err != nil {
		t.Fatalf("HostPorts returned error: %v", err)
	}
	if !reflect.DeepEqual(got, []int{8080, 9090}) {
		t.Fatalf("HostPorts = %v", got)
	}
}

func TestWaitPublished(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	spec := Spec{Image: "x", Ports: []string{strconv.Itoa(port) + ":80"}}
	if err := WaitPublished(ctx, spec, 10*time.Millisecond); err != nil {
		t.Fatalf("WaitPublished returned error: %v", err)
	}
}

func TestResultString(t *testing.T) {
	r := &Result{Operation: findOperation, ContainerID: "fd5ad3b76b13", Stdout: []string{"fd5ad3b76b13"}, Stderr: []string{}}
	s := r.String()
	if !strings.HasPrefix(s, `<container-finding-result rc="0">`) || !strings.Contains(s, "<containerId>fd5ad3b76b13</containerId>") {
		t.Fatalf("unexpected rendering:\n%s", s)
	}
}

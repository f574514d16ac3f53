package container

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/Paintersrp/subproc/internal/locator"
	"github.com/Paintersrp/subproc/internal/platform"
	"github.com/Paintersrp/subproc/internal/subprocess"
)

var _ Backend = (*CLI)(nil)

// LocateDocker resolves the docker executable.
func LocateDocker(ctx context.Context, loc *locator.Locator) (*locator.Result, error) {
	return loc.Find(ctx, "docker", nil)
}

// CLI drives the docker command line through the subprocess runner. Every
// operation resolves the docker executable first.
type CLI struct {
	locator *locator.Locator
	exec    subprocess.Executor
	logger  *log.Logger
}

// NewCLI constructs a command line backend.
func NewCLI(p platform.Platform, exec subprocess.Executor, opts ...Option) *CLI {
	o := buildOptions(opts)
	return &CLI{
		locator: locator.New(p, exec, locator.WithLogger(o.logger)),
		exec:    exec,
		logger:  o.logger,
	}
}

// Run executes "docker run -d [-e NAME=value]... [-p PORTS]... IMAGE [COMMAND]".
func (c *CLI) Run(ctx context.Context, spec Spec) (*Result, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	args := []string{"run", "-d"}
	for _, env := range spec.Env {
		args = append(args, "-e", env.String())
	}
	for _, port := range spec.Ports {
		args = append(args, "-p", port)
	}
	args = append(args, spec.Image)
	args = append(args, spec.Command...)

	result, cp, err := c.docker(ctx, runOperation, args, spec.Dir)
	if err != nil || cp == nil {
		return result, err
	}
	if cp.ExitCode != 0 {
		result.Returncode = cp.ExitCode
		result.Message = "docker run command failed"
		return result, nil
	}
	if ids := nonBlank(cp.Stdout); len(ids) > 0 {
		result.ContainerID = ids[len(ids)-1]
	}
	result.Returncode = OK
	c.logger.Info("container started", "image", spec.Image, "id", result.ContainerID)
	return result, nil
}

// FindByHostPort executes
// "docker ps --filter publish=PORT --filter status=running -q" and expects
// exactly one container id.
func (c *CLI) FindByHostPort(ctx context.Context, port int) (*Result, error) {
	if err := validateHostPort(port); err != nil {
		return nil, err
	}
	args := []string{"ps", "--filter", "publish=" + strconv.Itoa(port), "--filter", "status=running", "-q"}

	result, cp, err := c.docker(ctx, findOperation, args, "")
	if err != nil || cp == nil {
		return result, err
	}
	if cp.ExitCode != 0 {
		result.Returncode = cp.ExitCode
		result.Message = "docker ps command failed"
		return result, nil
	}
	ids := nonBlank(cp.Stdout)
	if len(ids) != 1 {
		result.Returncode = NotUnique
		result.Message = fmt.Sprintf("expected one running container publishing port %d, found %d", port, len(ids))
		return result, nil
	}
	result.ContainerID = ids[0]
	result.Returncode = OK
	return result, nil
}

// Stop executes "docker stop ID".
func (c *CLI) Stop(ctx context.Context, id string) (*Result, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	result, cp, err := c.docker(ctx, stopOperation, []string{"stop", id}, "")
	if err != nil || cp == nil {
		return result, err
	}
	result.ContainerID = id
	if cp.ExitCode != 0 {
		result.Returncode = cp.ExitCode
		result.Message = "docker stop command failed"
		return result, nil
	}
	result.Returncode = OK
	c.logger.Info("container stopped", "id", id)
	return result, nil
}

// docker locates the executable and runs it with args. A nil
// CompletedProcess with a nil error means result already carries the failure.
func (c *CLI) docker(ctx context.Context, operation string, args []string, dir string) (*Result, *subprocess.CompletedProcess, error) {
	result := newResult(operation)

	located, err := LocateDocker(ctx, c.locator)
	if err != nil {
		return nil, nil, err
	}
	if !located.OK() {
		result.Returncode = LocateFailed
		result.Message = fmt.Sprintf("docker command not found (locator rc=%d)", located.Returncode)
		result.Stderr = append(result.Stderr, located.Stderr...)
		return result, nil, nil
	}

	result.Command = append([]string{located.Command}, args...)
	cp, err := c.exec.Run(ctx, result.Command, dir)
	if err != nil {
		if errors.Is(err, subprocess.ErrInvalidArgument) {
			return nil, nil, err
		}
		result.Returncode = RunnerFault
		result.Message = err.Error()
		c.logger.Debug("docker command fault", "operation", operation, "err", err)
		return result, nil, nil
	}
	result.Stdout = append(result.Stdout, cp.Stdout...)
	result.Stderr = append(result.Stderr, cp.Stderr...)
	return result, cp, nil
}

func nonBlank(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if s := strings.TrimSpace(line); s != "" {
			out = append(out, s)
		}
	}
	return out
}

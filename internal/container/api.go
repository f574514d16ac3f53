package container

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/docker/docker/api/types"
	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
)

var _ Backend = (*API)(nil)

// API talks to the Docker engine directly. The client is created on first use.
type API struct {
	host   string
	logger *log.Logger

	client     *client.Client
	clientOnce sync.Once
	clientErr  error
}

// NewAPI constructs an engine API backend.
func NewAPI(opts ...Option) *API {
	o := buildOptions(opts)
	return &API{host: o.host, logger: o.logger}
}

func (a *API) getClient() (*client.Client, error) {
	a.clientOnce.Do(func() {
		clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
		if a.host != "" {
			clientOpts = append(clientOpts, client.WithHost(a.host))
		}
		cli, err := client.NewClientWithOpts(clientOpts...)
		if err != nil {
			a.clientErr = err
			return
		}
		a.client = cli
	})
	return a.client, a.clientErr
}

// Close releases the engine connection.
func (a *API) Close() error {
	if a.client == nil {
		return nil
	}
	return a.client.Close()
}

// Run pulls the image when missing, then creates and starts the container.
func (a *API) Run(ctx context.Context, spec Spec) (*Result, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	result := newResult(runOperation)

	cli, err := a.getClient()
	if err != nil {
		return a.engineFailure(result, fmt.Errorf("create docker client: %w", err)), nil
	}
	if err := ensureImage(ctx, cli, spec.Image); err != nil {
		return a.engineFailure(result, err), nil
	}

	containerCfg, hostCfg, err := buildConfigs(spec)
	if err != nil {
		return nil, err
	}

	createResp, err := cli.ContainerCreate(ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, "")
	if err != nil {
		return a.engineFailure(result, fmt.Errorf("container create: %w", err)), nil
	}
	result.ContainerID = createResp.ID
	result.Stderr = append(result.Stderr, createResp.Warnings...)

	if err := cli.ContainerStart(ctx, createResp.ID, types.ContainerStartOptions{}); err != nil {
		return a.engineFailure(result, fmt.Errorf("container start: %w", err)), nil
	}
	result.Stdout = append(result.Stdout, createResp.ID)
	result.Returncode = OK
	a.logger.Info("container started", "image", spec.Image, "id", createResp.ID)
	return result, nil
}

// FindByHostPort lists running containers publishing port and expects
// exactly one.
func (a *API) FindByHostPort(ctx context.Context, port int) (*Result, error) {
	if err := validateHostPort(port); err != nil {
		return nil, err
	}
	result := newResult(findOperation)

	cli, err := a.getClient()
	if err != nil {
		return a.engineFailure(result, fmt.Errorf("create docker client: %w", err)), nil
	}
	list, err := cli.ContainerList(ctx, types.ContainerListOptions{
		Filters: filters.NewArgs(
			filters.Arg("publish", strconv.Itoa(port)),
			filters.Arg("status", "running"),
		),
	})
	if err != nil {
		return a.engineFailure(result, fmt.Errorf("container list: %w", err)), nil
	}
	for _, c := range list {
		result.Stdout = append(result.Stdout, shortID(c.ID))
	}
	if len(list) != 1 {
		result.Returncode = NotUnique
		result.Message = fmt.Sprintf("expected one running container publishing port %d, found %d", port, len(list))
		return result, nil
	}
	result.ContainerID = list[0].ID
	result.Returncode = OK
	return result, nil
}

// Stop stops the container, killing it when the graceful stop fails.
func (a *API) Stop(ctx context.Context, id string) (*Result, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	result := newResult(stopOperation)
	result.ContainerID = id

	cli, err := a.getClient()
	if err != nil {
		return a.engineFailure(result, fmt.Errorf("create docker client: %w", err)), nil
	}
	sec := stopTimeoutSec
	if err := cli.ContainerStop(ctx, id, containertypes.StopOptions{Timeout: &sec}); err != nil {
		if client.IsErrNotFound(err) {
			return a.engineFailure(result, fmt.Errorf("container stop: %w", err)), nil
		}
		if killErr := cli.ContainerKill(ctx, id, "SIGKILL"); killErr != nil && !client.IsErrNotFound(killErr) {
			return a.engineFailure(result, fmt.Errorf("container stop: %v; kill: %w", err, killErr)), nil
		}
	}
	result.Stdout = append(result.Stdout, id)
	result.Returncode = OK
	a.logger.Info("container stopped", "id", id)
	return result, nil
}

func (a *API) engineFailure(result *Result, err error) *Result {
	result.Returncode = EngineFailure
	result.Message = err.Error()
	a.logger.Debug("docker engine failure", "operation", result.Operation, "err", err)
	return result
}

func ensureImage(ctx context.Context, cli *client.Client, imageName string) error {
	_, _, err := cli.ImageInspectWithRaw(ctx, imageName)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("inspect image: %w", err)
	}
	reader, err := cli.ImagePull(ctx, imageName, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pull image: %w", err)
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

func buildConfigs(spec Spec) (*containertypes.Config, *containertypes.HostConfig, error) {
	env := make([]string, 0, len(spec.Env))
	for _, e := range spec.Env {
		env = append(env, e.String())
	}

	exposed, bindings, err := spec.portMappings()
	if err != nil {
		return nil, nil, err
	}

	var cmd strslice.StrSlice
	if len(spec.Command) > 0 {
		cmd = strslice.StrSlice(append([]string(nil), spec.Command...))
	}

	config := &containertypes.Config{
		Image:        spec.Image,
		Env:          env,
		Cmd:          cmd,
		ExposedPorts: exposed,
	}
	host := &containertypes.HostConfig{PortBindings: bindings}
	return config, host, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

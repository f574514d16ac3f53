// Package container starts, finds and stops Docker containers that publish
// host ports, either by driving the docker command line or by talking to the
// engine API.
package container

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/docker/go-connections/nat"

	"github.com/Paintersrp/subproc/internal/probe"
	"github.com/Paintersrp/subproc/internal/subprocess"
)

// Returncodes reported by the backends besides a failing docker command's own
// exit status, which is passed through unchanged.
const (
	OK            = 0
	LocateFailed  = -3001
	RunnerFault   = -3002
	NotUnique     = -3003
	EngineFailure = -3004
)

const (
	runOperation  = "running"
	findOperation = "finding"
	stopOperation = "stopping"

	stopTimeoutSec = 10
)

// Backend manages containers.
type Backend interface {
	Run(ctx context.Context, spec Spec) (*Result, error)
	FindByHostPort(ctx context.Context, port int) (*Result, error)
	Stop(ctx context.Context, id string) (*Result, error)
}

// EnvVar is one NAME=value pair passed to a container.
type EnvVar struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

func (e EnvVar) String() string {
	return e.Name + "=" + e.Value
}

// ParseEnvVar parses NAME=value. The value may be empty or contain '='.
func ParseEnvVar(s string) (EnvVar, error) {
	name, value, ok := strings.Cut(s, "=")
	if !ok || strings.TrimSpace(name) == "" {
		return EnvVar{}, fmt.Errorf("%w: environment variable %q must be NAME=value", subprocess.ErrInvalidArgument, s)
	}
	return EnvVar{Name: name, Value: value}, nil
}

// Spec describes a container to run detached.
type Spec struct {
	Image string
	// Dir is the working directory of the docker command. Ignored by the
	// API backend.
	Dir string
	Env []EnvVar
	// Ports are publish specifications in docker's "-p" syntax, e.g.
	// "8080:80" or "127.0.0.1:8080:80/tcp".
	Ports   []string
	Command []string
}

// Validate checks the spec without contacting docker.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Image) == "" {
		return fmt.Errorf("%w: image is required", subprocess.ErrInvalidArgument)
	}
	for _, env := range s.Env {
		if strings.TrimSpace(env.Name) == "" {
			return fmt.Errorf("%w: environment variable without a name", subprocess.ErrInvalidArgument)
		}
	}
	if _, _, err := s.portMappings(); err != nil {
		return err
	}
	return nil
}

func (s Spec) portMappings() (nat.PortSet, nat.PortMap, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, spec := range s.Ports {
		mappings, err := nat.ParsePortSpec(spec)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: parse port %q: %w", subprocess.ErrInvalidArgument, spec, err)
		}
		for _, mapping := range mappings {
			exposed[mapping.Port] = struct{}{}
			bindings[mapping.Port] = append(bindings[mapping.Port], mapping.Binding)
		}
	}
	return exposed, bindings, nil
}

// HostPorts lists the published host ports, in spec order.
func (s Spec) HostPorts() ([]int, error) {
	var ports []int
	for _, spec := range s.Ports {
		mappings, err := nat.ParsePortSpec(spec)
		if err != nil {
			return nil, fmt.Errorf("%w: parse port %q: %w", subprocess.ErrInvalidArgument, spec, err)
		}
		for _, mapping := range mappings {
			if mapping.Binding.HostPort == "" {
				continue
			}
			port, err := strconv.Atoi(mapping.Binding.HostPort)
			if err != nil {
				return nil, fmt.Errorf("%w: host port %q: %w", subprocess.ErrInvalidArgument, mapping.Binding.HostPort, err)
			}
			ports = append(ports, port)
		}
	}
	return ports, nil
}

// WaitPublished blocks until every published host port of spec accepts TCP
// connections on the loopback interface.
func WaitPublished(ctx context.Context, spec Spec, interval time.Duration) error {
	ports, err := spec.HostPorts()
	if err != nil {
		return err
	}
	for _, port := range ports {
		addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
		if err := probe.WaitTCP(ctx, addr, interval); err != nil {
			return fmt.Errorf("wait for %s: %w", addr, err)
		}
	}
	return nil
}

// Result describes one container operation.
type Result struct {
	Operation   string   `json:"operation"`
	Command     []string `json:"command,omitempty"`
	ContainerID string   `json:"container_id,omitempty"`
	Stdout      []string `json:"stdout"`
	Stderr      []string `json:"stderr"`
	Returncode  int      `json:"returncode"`
	Message     string   `json:"message"`
}

func newResult(operation string) *Result {
	return &Result{Operation: operation, Stdout: []string{}, Stderr: []string{}, Returncode: -1}
}

// OK reports whether the operation succeeded.
func (r *Result) OK() bool {
	return r.Returncode == OK
}

func (r *Result) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "<container-%s-result rc=%q>\n", r.Operation, fmt.Sprint(r.Returncode))
	fmt.Fprintf(&b, "<message>%s</message>\n", r.Message)
	if r.ContainerID != "" {
		fmt.Fprintf(&b, "<containerId>%s</containerId>\n", r.ContainerID)
	}
	if len(r.Command) > 0 {
		fmt.Fprintf(&b, "<command>%s</command>\n", strings.Join(r.Command, " "))
	}
	fmt.Fprintf(&b, "<stdout>%s</stdout>\n", strings.Join(r.Stdout, "\n"))
	fmt.Fprintf(&b, "<stderr>%s</stderr>\n", strings.Join(r.Stderr, "\n"))
	fmt.Fprintf(&b, "</container-%s-result>\n", r.Operation)
	return b.String()
}

// Option configures a backend.
type Option func(*options)

type options struct {
	logger *log.Logger
	host   string
}

func buildOptions(opts []Option) options {
	o := options{logger: log.New(io.Discard)}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger attaches a logger.
func WithLogger(logger *log.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithHost points the API backend at a specific engine, e.g.
// "unix:///var/run/docker.sock". Without it DOCKER_HOST applies.
func WithHost(host string) Option {
	return func(o *options) {
		o.host = host
	}
}

func validateHostPort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%w: port %d out of range", subprocess.ErrInvalidArgument, port)
	}
	return nil
}

func validateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: container id is required", subprocess.ErrInvalidArgument)
	}
	return nil
}

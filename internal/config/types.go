package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/Paintersrp/subproc/internal/container"
	"github.com/Paintersrp/subproc/internal/platform"
)

// DefaultFile is loaded from the working directory when no path is given.
const DefaultFile = "subproc.yaml"

// Environment overrides.
const (
	EnvOSName   = platform.EnvOSName
	EnvEncoding = "SUBPROC_ENCODING"
	EnvLogLevel = "SUBPROC_LOG_LEVEL"
)

// Docker engines.
const (
	EngineCLI = "cli"
	EngineAPI = "api"
)

// Log formats.
const (
	FormatText   = "text"
	FormatJSON   = "json"
	FormatLogfmt = "logfmt"
)

// Duration wraps time.Duration for YAML unmarshalling.
type Duration struct {
	time.Duration
	explicit bool
}

// UnmarshalText parses a textual duration, accepting empty strings.
func (d *Duration) UnmarshalText(text []byte) error {
	d.explicit = true
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = dur
	return nil
}

// MarshalText renders the duration using time.Duration formatting.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// IsSet reports whether the duration was explicitly provided or non-zero.
func (d Duration) IsSet() bool {
	return d.explicit || d.Duration != 0
}

// Config mirrors the subproc.yaml document structure.
type Config struct {
	// OS overrides the detected operating system name, e.g. "Windows 10".
	OS string `yaml:"os"`
	// Encoding is the IANA or WHATWG name of the charset child processes
	// write, e.g. "shift_jis". Empty means UTF-8.
	Encoding    string                       `yaml:"encoding"`
	Workdir     string                       `yaml:"workdir"`
	GracePeriod Duration                     `yaml:"gracePeriod"`
	Log         LogConfig                    `yaml:"log"`
	Docker      DockerConfig                 `yaml:"docker"`
	Containers  map[string]*ContainerProfile `yaml:"containers"`

	// Path is the absolute path the document was loaded from, if any.
	Path string `yaml:"-"`
}

// LogConfig controls the CLI logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DockerConfig selects the container backend.
type DockerConfig struct {
	Engine string `yaml:"engine"`
	Host   string `yaml:"host"`
}

// ContainerProfile is a named container definition usable with
// "container run --profile".
type ContainerProfile struct {
	Image       string            `yaml:"image"`
	Env         map[string]string `yaml:"env"`
	EnvFromFile string            `yaml:"envFromFile"`
	Ports       []string          `yaml:"ports"`
	Command     []string          `yaml:"command"`
	Workdir     string            `yaml:"workdir"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = FormatText
	}
	if c.Docker.Engine == "" {
		c.Docker.Engine = EngineCLI
	}
}

// ApplyEnv overlays environment overrides read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := strings.TrimSpace(getenv(EnvOSName)); v != "" {
		c.OS = v
	}
	if v := strings.TrimSpace(getenv(EnvEncoding)); v != "" {
		c.Encoding = v
	}
	if v := strings.TrimSpace(getenv(EnvLogLevel)); v != "" {
		c.Log.Level = v
	}
}

// Validate enforces document invariants.
func (c *Config) Validate() error {
	if _, err := c.ResolveEncoding(); err != nil {
		return fmt.Errorf("%s: %w", fieldPath("encoding"), err)
	}
	if c.GracePeriod.Duration < 0 {
		return fmt.Errorf("%s: must not be negative", fieldPath("gracePeriod"))
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%s: %w", fieldPath("log", "level"), err)
	}
	switch c.Log.Format {
	case FormatText, FormatJSON, FormatLogfmt:
	default:
		return fmt.Errorf("%s: unsupported format %q (want text, json or logfmt)", fieldPath("log", "format"), c.Log.Format)
	}
	switch c.Docker.Engine {
	case EngineCLI, EngineAPI:
	default:
		return fmt.Errorf("%s: unsupported engine %q (want cli or api)", fieldPath("docker", "engine"), c.Docker.Engine)
	}
	if c.Docker.Host != "" && c.Docker.Engine != EngineAPI {
		return fmt.Errorf("%s: only used by the api engine", fieldPath("docker", "host"))
	}

	for _, name := range c.ContainersSorted() {
		profile := c.Containers[name]
		if profile == nil {
			return fmt.Errorf("%s: empty profile", containerField(name))
		}
		if err := profile.Spec().Validate(); err != nil {
			return fmt.Errorf("%s: %w", containerField(name), err)
		}
	}
	return validatePortCollisions(c)
}

// Platform classifies the configured or detected operating system.
func (c *Config) Platform() platform.Platform {
	return platform.Classify(platform.ResolveName(c.OS))
}

// ResolveEncoding returns the configured charset, or nil for UTF-8.
func (c *Config) ResolveEncoding() (encoding.Encoding, error) {
	name := strings.TrimSpace(c.Encoding)
	if name == "" {
		return nil, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("unknown encoding %q: %w", name, err)
	}
	return enc, nil
}

// Profile returns the named container profile.
func (c *Config) Profile(name string) (*ContainerProfile, error) {
	profile, ok := c.Containers[name]
	if !ok || profile == nil {
		return nil, fmt.Errorf("unknown container profile %q", name)
	}
	return profile, nil
}

// ContainersSorted returns profile names sorted alphabetically.
func (c *Config) ContainersSorted() []string {
	out := make([]string, 0, len(c.Containers))
	for name := range c.Containers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Spec converts the profile into a container spec. Environment variables are
// ordered by name.
func (p *ContainerProfile) Spec() container.Spec {
	names := make([]string, 0, len(p.Env))
	for name := range p.Env {
		names = append(names, name)
	}
	sort.Strings(names)
	env := make([]container.EnvVar, 0, len(names))
	for _, name := range names {
		env = append(env, container.EnvVar{Name: name, Value: p.Env[name]})
	}
	return container.Spec{
		Image:   p.Image,
		Dir:     p.Workdir,
		Env:     env,
		Ports:   append([]string(nil), p.Ports...),
		Command: append([]string(nil), p.Command...),
	}
}

func fieldPath(parts ...string) string {
	return strings.Join(parts, ".")
}

func containerField(name string, parts ...string) string {
	pathParts := append([]string{"containers", name}, parts...)
	return fieldPath(pathParts...)
}

package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/Paintersrp/subproc/internal/config"
	"github.com/Paintersrp/subproc/internal/container"
	"github.com/Paintersrp/subproc/internal/finder"
	"github.com/Paintersrp/subproc/internal/locator"
	"github.com/Paintersrp/subproc/internal/platform"
	"github.com/Paintersrp/subproc/internal/subprocess"
	"github.com/Paintersrp/subproc/internal/terminator"
)

func NewRootCmd() *cobra.Command {
	root, _ := newRootCommand()
	return root
}

func newRootCommand() (*cobra.Command, *context) {
	ctx := &context{getenv: os.Getenv}

	root := &cobra.Command{
		Use:   "subproc",
		Short: "Run commands, find listening processes and terminate them",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return ctx.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&ctx.configFile, "config", "c", "", "Path to configuration file (default ./subproc.yaml when present)")
	flags.StringVar(&ctx.osName, "os", "", "Operating system name used for platform detection, e.g. \"Windows 10\"")
	flags.BoolVar(&ctx.jsonOutput, "json", false, "Print results as JSON")
	flags.BoolVar(&ctx.debug, "debug", false, "Enable debug logging")
	flags.StringVar(&ctx.logFormat, "log-format", "", "Log format: text, json or logfmt")

	root.SetGlobalNormalizationFunc(normalizeFlagName)

	root.AddCommand(newRunCmd(ctx))
	root.AddCommand(newWhichCmd(ctx))
	root.AddCommand(newFindPortCmd(ctx))
	root.AddCommand(newKillPortCmd(ctx))
	root.AddCommand(newContainerCmd(ctx))
	root.AddCommand(newServeCmd(ctx))
	root.AddCommand(newUICmd(ctx))
	root.AddCommand(newConfigCmd(ctx))
	root.AddCommand(newVersionCmd())

	root.SilenceUsage = true
	root.SilenceErrors = true

	return root, ctx
}

// normalizeFlagName accepts --log_format for --log-format.
func normalizeFlagName(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

// Execute runs the CLI entrypoint.
func Execute() {
	ctx, stop := signal.NotifyContext(stdcontext.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd()
	root.SetContext(ctx)

	if err := root.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(reportError(err))
	}
}

// exitError carries a process exit status out of a command. A nil err means
// the command already reported the failure on stdout.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit status %d", e.code)
}

func (e *exitError) Unwrap() error {
	return e.err
}

func reportError(err error) int {
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		if exitErr.err != nil {
			fmt.Fprintln(os.Stderr, exitErr.err)
		}
		return exitErr.code
	}
	fmt.Fprintln(os.Stderr, err)
	return 1
}

// failed is returned by commands whose result carries a non-zero returncode.
func failed(returncode int) error {
	if returncode == 0 {
		return nil
	}
	return &exitError{code: 1}
}

type context struct {
	configFile string
	osName     string
	jsonOutput bool
	debug      bool
	logFormat  string
	getenv     func(string) string

	cfg      *config.Config
	logger   *log.Logger
	platform platform.Platform
	exec     subprocess.Executor
	selfPID  int
}

func (c *context) setup(cmd *cobra.Command) error {
	cfg, err := config.Resolve(c.configFile, c.getenv)
	if err != nil {
		return err
	}
	if c.osName != "" {
		cfg.OS = c.osName
	}
	if c.logFormat != "" {
		cfg.Log.Format = c.logFormat
	}
	if c.debug {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("command line override: %w", err)
	}

	logger, err := newLogger(cmd.ErrOrStderr(), cfg.Log)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.logger = logger
	c.platform = cfg.Platform()
	logger.Debug("platform detected", "platform", c.platform, "config", cfg.Path)

	if c.exec == nil {
		enc, err := cfg.ResolveEncoding()
		if err != nil {
			return err
		}
		opts := []subprocess.Option{subprocess.WithLogger(logger), subprocess.WithEncoding(enc)}
		if cfg.Workdir != "" {
			opts = append(opts, subprocess.WithDir(cfg.Workdir))
		}
		if cfg.GracePeriod.IsSet() {
			opts = append(opts, subprocess.WithGracePeriod(cfg.GracePeriod.Duration))
		}
		c.exec = subprocess.New(opts...)
	}
	return nil
}

func (c *context) locator() *locator.Locator {
	return locator.New(c.platform, c.exec, locator.WithLogger(c.logger))
}

func (c *context) finder() *finder.Finder {
	return finder.New(c.platform, c.exec, finder.WithLogger(c.logger))
}

func (c *context) terminator() *terminator.Terminator {
	opts := []terminator.Option{terminator.WithLogger(c.logger)}
	if c.selfPID != 0 {
		opts = append(opts, terminator.WithSelfPID(c.selfPID))
	}
	return terminator.New(c.platform, c.exec, opts...)
}

// containerBackend returns the configured engine and a release function.
func (c *context) containerBackend() (container.Backend, func()) {
	if c.cfg.Docker.Engine == config.EngineAPI {
		opts := []container.Option{container.WithLogger(c.logger)}
		if c.cfg.Docker.Host != "" {
			opts = append(opts, container.WithHost(c.cfg.Docker.Host))
		}
		api := container.NewAPI(opts...)
		return api, func() { _ = api.Close() }
	}
	return container.NewCLI(c.platform, c.exec, container.WithLogger(c.logger)), func() {}
}

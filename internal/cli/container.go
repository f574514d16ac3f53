package cli

import (
	stdcontext "context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/subproc/internal/container"
)

func newContainerCmd(ctx *context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "container",
		Short: "Start, find and stop docker containers",
	}
	cmd.AddCommand(newContainerRunCmd(ctx))
	cmd.AddCommand(newContainerFindCmd(ctx))
	cmd.AddCommand(newContainerStopCmd(ctx))
	return cmd
}

func newContainerRunCmd(ctx *context) *cobra.Command {
	var (
		profile string
		image   string
		dir     string
		env     []string
		ports   []string
		wait    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run [flags] [-- COMMAND [ARG...]]",
		Short: "Start a detached container",
		RunE: func(cmd *cobra.Command, args []string) error {
			var spec container.Spec
			if profile != "" {
				p, err := ctx.cfg.Profile(profile)
				if err != nil {
					return err
				}
				spec = p.Spec()
			}
			if image != "" {
				spec.Image = image
			}
			if dir != "" {
				spec.Dir = dir
			}
			for _, raw := range env {
				v, err := container.ParseEnvVar(raw)
				if err != nil {
					return err
				}
				spec.Env = append(spec.Env, v)
			}
			spec.Ports = append(spec.Ports, ports...)
			if len(args) > 0 {
				spec.Command = args
			}

			backend, release := ctx.containerBackend()
			defer release()

			result, err := backend.Run(cmd.Context(), spec)
			if err != nil {
				return err
			}
			if err := ctx.printRedacted(cmd, result); err != nil {
				return err
			}
			if !result.OK() {
				return failed(result.Returncode)
			}

			if wait > 0 {
				waitCtx, cancel := stdcontext.WithTimeout(cmd.Context(), wait)
				defer cancel()
				if err := container.WaitPublished(waitCtx, spec, 250*time.Millisecond); err != nil {
					return fmt.Errorf("container %s: %w", result.ContainerID, err)
				}
				ctx.logger.Info("published ports ready", "container", result.ContainerID)
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&profile, "profile", "", "Container profile from the configuration file")
	flags.StringVar(&image, "image", "", "Image to run (overrides the profile)")
	flags.StringVar(&dir, "dir", "", "Working directory for the docker command")
	flags.StringArrayVarP(&env, "env", "e", nil, "Environment variable NAME=VALUE (repeatable)")
	flags.StringArrayVarP(&ports, "publish", "p", nil, "Published port [IP:]HOST:CONTAINER[/PROTO] (repeatable)")
	flags.DurationVar(&wait, "wait", 0, "Wait up to this long for published host ports to accept connections")
	return cmd
}

func newContainerFindCmd(ctx *context) *cobra.Command {
	return &cobra.Command{
		Use:   "find PORT",
		Short: "Find the running container publishing a host port",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := parsePort(args[0])
			if err != nil {
				return err
			}
			backend, release := ctx.containerBackend()
			defer release()

			result, err := backend.FindByHostPort(cmd.Context(), port)
			if err != nil {
				return err
			}
			if err := ctx.printResult(cmd, result); err != nil {
				return err
			}
			return failed(result.Returncode)
		},
	}
}

func newContainerStopCmd(ctx *context) *cobra.Command {
	return &cobra.Command{
		Use:   "stop ID",
		Short: "Stop a running container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, release := ctx.containerBackend()
			defer release()

			result, err := backend.Stop(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := ctx.printResult(cmd, result); err != nil {
				return err
			}
			return failed(result.Returncode)
		},
	}
}

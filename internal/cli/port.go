package cli

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/subproc/internal/finder"
	"github.com/Paintersrp/subproc/internal/subprocess"
)

func newFindPortCmd(ctx *context) *cobra.Command {
	return &cobra.Command{
		Use:   "find-port PORT",
		Short: "Find the process listening on a TCP port",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := parsePort(args[0])
			if err != nil {
				return err
			}
			result, err := ctx.finder().FindPIDByListeningPort(cmd.Context(), port)
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

func parsePort(arg string) (int, error) {
	port, err := strconv.Atoi(arg)
	if err != nil {
		return 0, fmt.Errorf("%w: port %q is not a number", subprocess.ErrInvalidArgument, arg)
	}
	if err := finder.ValidatePort(port); err != nil {
		return 0, err
	}
	return port, nil
}

var errAborted = errors.New("aborted")

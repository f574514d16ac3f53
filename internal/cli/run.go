package cli

import (
	"github.com/spf13/cobra"

	"github.com/Paintersrp/subproc/internal/cliutil"
)

func newRunCmd(ctx *context) *cobra.Command {
	var (
		dir     string
		records bool
	)
	cmd := &cobra.Command{
		Use:   "run [flags] -- COMMAND [ARG...]",
		Short: "Run a command and print its captured output and exit status",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx.logger.Debug("running command", "argv", cliutil.RedactArgv(args), "dir", dir)
			cp, err := ctx.exec.Run(cmd.Context(), args, dir)
			if err != nil {
				return err
			}

			if records {
				cliutil.EncodeLineRecords(cmd.OutOrStdout(), cmd.ErrOrStderr(), cliutil.NewLineRecords(cp))
			} else if err := ctx.printResult(cmd, cp); err != nil {
				return err
			}

			switch {
			case cp.ExitCode == 0:
				return nil
			case cp.ExitCode > 0:
				return &exitError{code: cp.ExitCode}
			default:
				return &exitError{code: 1}
			}
		},
	}
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().StringVarP(&dir, "dir", "C", "", "Working directory for the command")
	cmd.Flags().BoolVar(&records, "records", false, "Print one JSON record per output line instead of the result")
	return cmd
}

package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/subproc/internal/tui"
)

func newUICmd(ctx *context) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "ui PORT [PORT...]",
		Short: "Watch listening ports interactively and kill listeners after confirmation",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !supportsInteractiveOutput(cmd) {
				return fmt.Errorf("ui requires an interactive terminal")
			}
			ports := make([]int, 0, len(args))
			for _, arg := range args {
				port, err := parsePort(arg)
				if err != nil {
					return err
				}
				ports = append(ports, port)
			}

			t := ctx.terminator()
			ui := tui.New(ports, t.Finder(), t, tui.WithRefreshInterval(interval))
			return ui.Run(cmd.Context())
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "How often listening ports are looked up again")
	return cmd
}

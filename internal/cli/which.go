package cli

import (
	"github.com/spf13/cobra"

	"github.com/Paintersrp/subproc/internal/locator"
)

func newWhichCmd(ctx *context) *cobra.Command {
	var startsWith, endsWith string
	cmd := &cobra.Command{
		Use:   "which NAME",
		Short: "Locate an executable with which or where",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var preds []locator.Predicate
			if startsWith != "" {
				preds = append(preds, locator.StartsWith(startsWith))
			}
			if endsWith != "" {
				preds = append(preds, locator.EndsWith(endsWith))
			}
			var pred locator.Predicate
			if len(preds) > 0 {
				pred = locator.And(preds...)
			}

			result, err := ctx.locator().Find(cmd.Context(), args[0], pred)
			if err != nil {
				return err
			}
			if err := ctx.printResult(cmd, result); err != nil {
				return err
			}
			return failed(result.Returncode)
		},
	}
	cmd.Flags().StringVar(&startsWith, "starts-with", "", "Keep only candidates under this directory")
	cmd.Flags().StringVar(&endsWith, "ends-with", "", "Keep only candidates ending with these path elements")
	return cmd
}

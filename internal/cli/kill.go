package cli

import (
	"bufio"
	stdcontext "context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Paintersrp/subproc/internal/finder"
	"github.com/Paintersrp/subproc/internal/probe"
)

var errNotInteractive = errors.New("confirmation requires an interactive terminal; pass --yes to kill without asking")

func newKillPortCmd(ctx *context) *cobra.Command {
	var (
		yes  bool
		wait time.Duration
	)
	cmd := &cobra.Command{
		Use:   "kill-port PORT",
		Short: "Terminate the process listening on a TCP port",
		Long: "Find the process listening on PORT and terminate it with kill or taskkill.\n" +
			"The current process is never killed. Without --yes the kill is confirmed\n" +
			"interactively.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := parsePort(args[0])
			if err != nil {
				return err
			}
			t := ctx.terminator()
			found, err := t.Finder().FindPIDByListeningPort(cmd.Context(), port)
			if err != nil {
				return err
			}

			if found.Found() && !yes && found.PID != ctx.currentPID() {
				ok, err := confirm(cmd, fmt.Sprintf("Kill PID %d listening on port %d?", found.PID, port))
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.ErrOrStderr(), errAborted)
					return &exitError{code: 1}
				}
			}

			result, err := t.KillProcessByPID(cmd.Context(), found)
			if err != nil {
				return err
			}
			if err := ctx.printResult(cmd, result); err != nil {
				return err
			}
			if !result.Killed() || wait <= 0 {
				return failed(result.Returncode)
			}

			waitCtx, cancel := stdcontext.WithTimeout(cmd.Context(), wait)
			defer cancel()
			addr := net.JoinHostPort("localhost", strconv.Itoa(port))
			if err := probe.WaitReleased(waitCtx, addr, 100*time.Millisecond); err != nil {
				return &exitError{code: 1, err: fmt.Errorf("port %d not released: %w", port, err)}
			}
			ctx.logger.Info("port released", "port", port)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Kill without asking for confirmation")
	cmd.Flags().DurationVar(&wait, "wait", 0, "After a kill, wait up to this long for the port to stop accepting connections")
	return cmd
}

func (c *context) currentPID() int {
	if c.selfPID != 0 {
		return c.selfPID
	}
	return finder.CurrentPID()
}

// confirm asks a yes/no question on the command's stdin, which must be a
// terminal.
func confirm(cmd *cobra.Command, question string) (bool, error) {
	in := cmd.InOrStdin()
	f, ok := in.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return false, errNotInteractive
	}
	return askYesNo(in, cmd.ErrOrStderr(), question)
}

func askYesNo(in io.Reader, out io.Writer, question string) (bool, error) {
	fmt.Fprintf(out, "%s [y/N] ", question)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

func supportsInteractiveOutput(cmd *cobra.Command) bool {
	f, ok := cmd.OutOrStdout().(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

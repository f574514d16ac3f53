package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/Paintersrp/subproc/internal/cliutil"
	"github.com/Paintersrp/subproc/internal/config"
)

func newLogger(w io.Writer, cfg config.LogConfig) (*log.Logger, error) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	logger := log.NewWithOptions(w, log.Options{
		Level:           level,
		ReportTimestamp: true,
		Prefix:          "subproc",
	})
	switch cfg.Format {
	case config.FormatJSON:
		logger.SetFormatter(log.JSONFormatter)
	case config.FormatLogfmt:
		logger.SetFormatter(log.LogfmtFormatter)
	default:
		logger.SetStyles(logStyles())
	}
	return logger, nil
}

var (
	dimColor   = lipgloss.Color("245")
	warnColor  = lipgloss.Color("214")
	errorColor = lipgloss.Color("204")
)

// logStyles shortens level labels and highlights warnings and errors. Colors
// are dropped automatically when stderr is not a terminal.
func logStyles() *log.Styles {
	styles := log.DefaultStyles()
	styles.Prefix = lipgloss.NewStyle().Foreground(dimColor)
	styles.Levels[log.DebugLevel] = lipgloss.NewStyle().SetString("DBG").Foreground(dimColor)
	styles.Levels[log.InfoLevel] = lipgloss.NewStyle().SetString("INF")
	styles.Levels[log.WarnLevel] = lipgloss.NewStyle().SetString("WRN").Foreground(warnColor).Bold(true)
	styles.Levels[log.ErrorLevel] = lipgloss.NewStyle().SetString("ERR").Foreground(errorColor).Bold(true)
	styles.Keys["err"] = lipgloss.NewStyle().Foreground(errorColor)
	return styles
}

// printResult writes v as indented JSON or through its String method.
func (c *context) printResult(cmd *cobra.Command, v fmt.Stringer) error {
	return c.writeResult(cmd, v, false)
}

// printRedacted is printResult with secret values masked, for results that
// echo environment assignments back.
func (c *context) printRedacted(cmd *cobra.Command, v fmt.Stringer) error {
	return c.writeResult(cmd, v, true)
}

func (c *context) writeResult(cmd *cobra.Command, v fmt.Stringer, redact bool) error {
	var text string
	if c.jsonOutput {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		text = string(data) + "\n"
	} else {
		text = v.String()
	}
	if redact {
		text = cliutil.RedactSecrets(text)
	}
	_, err := io.WriteString(cmd.OutOrStdout(), text)
	return err
}

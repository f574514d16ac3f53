//go:build windows

package subprocess

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
)

func configureSysProcAttr(cmd *exec.Cmd) {}

// killProcess terminates the direct child only.
func killProcess(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill process %d: %w", cmd.Process.Pid, err)
	}
	return nil
}

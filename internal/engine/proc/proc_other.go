//go:build !unix

package proc

import (
	"os"
	"os/exec"
)

// Process groups are not available here, so only the direct child is
// signaled.

func setGroup(*exec.Cmd) {}

func terminateGroup(cmd *exec.Cmd) error {
	return cmd.Process.Signal(os.Interrupt)
}

func killGroup(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

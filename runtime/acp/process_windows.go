//go:build windows

package acp

import (
	"errors"
	"os"
	"os/exec"
)

// command wraps the invocation in cmd.exe so .cmd and .bat launchers
// resolve the way npm-installed agents expect.
func command(binary string, args []string) *exec.Cmd {
	cmdArgs := append([]string{"/c", binary}, args...)
	return exec.Command("cmd.exe", cmdArgs...)
}

// terminateProcess has no graceful signal on Windows; both paths kill.
func terminateProcess(p *os.Process) error {
	return killProcess(p)
}

func killProcess(p *os.Process) error {
	if p == nil {
		return nil
	}
	err := p.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

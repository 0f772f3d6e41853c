//go:build !windows

package acp

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

func command(binary string, args []string) *exec.Cmd {
	return exec.Command(binary, args...)
}

// terminateProcess asks the process to exit gracefully.
func terminateProcess(p *os.Process) error {
	return signalProcess(p, syscall.SIGTERM)
}

// killProcess forcefully terminates the process.
func killProcess(p *os.Process) error {
	return signalProcess(p, os.Kill)
}

func signalProcess(p *os.Process, sig os.Signal) error {
	if p == nil {
		return nil
	}
	err := p.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

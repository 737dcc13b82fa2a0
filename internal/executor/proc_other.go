//go:build !unix

package executor

import (
	"os"
	"os/exec"
)

func configureProcess(_ *exec.Cmd) {}

func terminate(p *os.Process) error {
	return p.Kill()
}

func kill(p *os.Process) error {
	return p.Kill()
}

func exitCode(state *os.ProcessState) int {
	return state.ExitCode()
}

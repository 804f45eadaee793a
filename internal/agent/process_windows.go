//go:build windows

package agent

import (
	"os"
	"os/exec"
)

// twoPhaseKill is false: Windows has no SIGTERM, so kill terminates at once.
const twoPhaseKill = false

func configureProcess(*exec.Cmd) {}

func signalTerm(p *os.Process) error { return p.Kill() }

func signalKill(p *os.Process) error { return p.Kill() }

func exitSignal(*os.ProcessState) (string, bool) { return "", false }

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	p.Release()
	return true
}

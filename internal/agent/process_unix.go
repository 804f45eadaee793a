//go:build !windows

package agent

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// twoPhaseKill: SIGTERM first, SIGKILL after the grace period.
const twoPhaseKill = true

// configureProcess puts the child in its own process group so signals reach
// everything it spawns.
func configureProcess(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

func signalTerm(p *os.Process) error {
	return unix.Kill(-p.Pid, unix.SIGTERM)
}

func signalKill(p *os.Process) error {
	if err := unix.Kill(-p.Pid, unix.SIGKILL); err != nil {
		return p.Kill()
	}
	return nil
}

// exitSignal returns the name of the signal that ended the process.
func exitSignal(state *os.ProcessState) (string, bool) {
	if state == nil {
		return "", false
	}
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return "", false
	}
	return unix.SignalName(ws.Signal()), true
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) == nil
}

//go:build !linux && !windows

package agent

// isZombie treats a tracked pid that no longer exists as reaped out of band.
func isZombie(pid int) bool {
	return pid > 0 && !processAlive(pid)
}

package agent

import (
	"fmt"

	"github.com/hetuflow/hetuflow/internal/models"
	"golang.org/x/sys/unix"
)

// cpuKillMargin is how long past the soft CPU limit (SIGXCPU) the hard
// limit (SIGKILL) lies.
const cpuKillMargin = 5

// applyLimits sets rlimits on a started child. The child runs briefly
// before the limits apply.
func applyLimits(pid int, limits *models.ResourceLimits) error {
	if limits == nil {
		return nil
	}
	if limits.MaxMemoryMB > 0 {
		n := limits.MaxMemoryMB << 20
		if err := unix.Prlimit(pid, unix.RLIMIT_AS, &unix.Rlimit{Cur: n, Max: n}, nil); err != nil {
			return fmt.Errorf("set RLIMIT_AS: %w", err)
		}
	}
	if limits.MaxCPUSeconds > 0 {
		rl := &unix.Rlimit{Cur: limits.MaxCPUSeconds, Max: limits.MaxCPUSeconds + cpuKillMargin}
		if err := unix.Prlimit(pid, unix.RLIMIT_CPU, rl, nil); err != nil {
			return fmt.Errorf("set RLIMIT_CPU: %w", err)
		}
	}
	if limits.MaxOpenFiles > 0 {
		n := limits.MaxOpenFiles
		if err := unix.Prlimit(pid, unix.RLIMIT_NOFILE, &unix.Rlimit{Cur: n, Max: n}, nil); err != nil {
			return fmt.Errorf("set RLIMIT_NOFILE: %w", err)
		}
	}
	return nil
}

package agent

import (
	"bytes"
	"os"
	"strconv"
)

// isZombie reads the state field of /proc/<pid>/stat. The command name in
// the second field may contain spaces, so the state is taken after the last
// closing parenthesis.
func isZombie(pid int) bool {
	if pid <= 0 {
		return false
	}
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return false
	}
	return zombieState(data)
}

func zombieState(stat []byte) bool {
	i := bytes.LastIndexByte(stat, ')')
	if i < 0 || i+2 >= len(stat) {
		return false
	}
	return stat[i+2] == 'Z'
}

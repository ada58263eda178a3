//go:build !darwin

package supervisor

import (
	"os"
	"strconv"
)

// The BSD-style e modifier appends the environment after the command.
var psArgs = []string{"axeww", "-o", "pid=,command="}

// processState reads the state field of /proc/<pid>/stat. Platforms without
// procfs report an error and skip the zombie check.
func processState(pid int) (byte, error) {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0, err
	}
	return parseProcStat(string(data))
}

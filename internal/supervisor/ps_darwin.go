//go:build darwin

package supervisor

import (
	"errors"
	"os/exec"
	"strconv"
	"strings"
)

// -E appends the environment so marker matching works.
var psArgs = []string{"-axww", "-E", "-o", "pid=,command="}

// processState asks ps for the state column; its first letter is the
// scheduler state.
func processState(pid int) (byte, error) {
	out, err := exec.Command("ps", "-o", "stat=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return 0, err
	}
	st := strings.TrimSpace(string(out))
	if st == "" {
		return 0, errors.New("no state for pid " + strconv.Itoa(pid))
	}
	return st[0], nil
}

package supervisor

import (
	"context"
	"errors"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	apperrors "github.com/lotab/harness/internal/errors"
)

// MarkerEnv tags every process the harness launches. Children that inherit
// the environment carry it too, which is what the teardown sweep keys on.
const MarkerEnv = "LOTAB_HARNESS_MARKER"

// Process is one row of the process table.
type Process struct {
	PID int `json:"pid"`
	// Name is the basename of argv[0].
	Name string `json:"name"`
	// Command is the full command text, including the environment on
	// platforms where ps can show it. Never persisted.
	Command string `json:"-"`
}

// Matcher selects processes from the table.
type Matcher func(p Process) bool

// MatchName matches processes whose executable basename contains any of names.
func MatchName(names ...string) Matcher {
	return func(p Process) bool {
		for _, n := range names {
			if n != "" && strings.Contains(p.Name, n) {
				return true
			}
		}
		return false
	}
}

// MatchMarker matches processes carrying the given run marker.
func MatchMarker(marker string) Matcher {
	needle := MarkerEnv + "=" + marker
	return func(p Process) bool {
		return marker != "" && strings.Contains(p.Command, needle)
	}
}

// MatchAny matches when any of ms does.
func MatchAny(ms ...Matcher) Matcher {
	return func(p Process) bool {
		for _, m := range ms {
			if m(p) {
				return true
			}
		}
		return false
	}
}

// ProcessTable lists and signals processes through ps and kill(2).
type ProcessTable struct {
	// execCommand creates exec.Cmd instances. Tests inject a helper process.
	execCommand func(name string, arg ...string) *exec.Cmd

	// signal delivers a signal. Tests may replace it.
	signal func(pid int, sig unix.Signal) error

	// state returns the scheduler state letter of pid. Nil skips the zombie
	// check.
	state func(pid int) (byte, error)

	// exclude never matches, so the harness cannot sweep itself.
	exclude map[int]bool
}

// NewProcessTable creates a table backed by the real ps.
func NewProcessTable() *ProcessTable {
	return &ProcessTable{
		execCommand: exec.Command,
		signal:      unix.Kill,
		state:       processState,
		exclude:     map[int]bool{os.Getpid(): true, os.Getppid(): true},
	}
}

// List returns every process visible to ps.
func (t *ProcessTable) List() ([]Process, error) {
	cmd := t.execCommand("ps", psArgs...)
	out, err := cmd.Output()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeProcessListFailed, "failed to list processes", err)
	}
	return parsePS(string(out)), nil
}

// Find returns the live processes selected by match. Zombies are dropped.
func (t *ProcessTable) Find(match Matcher) ([]Process, error) {
	procs, err := t.List()
	if err != nil {
		return nil, err
	}
	var found []Process
	for _, p := range procs {
		if t.exclude[p.PID] {
			continue
		}
		if match(p) && !t.zombie(p.PID) {
			found = append(found, p)
		}
	}
	return found, nil
}

// TerminateMatching sends SIGTERM to every match, waits up to grace for them
// to exit, then SIGKILLs the survivors. It returns the matched PIDs.
func (t *ProcessTable) TerminateMatching(ctx context.Context, match Matcher, grace time.Duration) ([]int, error) {
	procs, err := t.Find(match)
	if err != nil {
		return nil, err
	}
	pids := make([]int, 0, len(procs))
	for _, p := range procs {
		log.Printf("supervisor: terminating pid %d (%s)", p.PID, p.Name)
		pids = append(pids, p.PID)
	}
	t.Terminate(ctx, pids, grace)
	return pids, nil
}

// Terminate escalates from SIGTERM to SIGKILL for pids still alive after grace.
// Failures to signal are logged, not returned: the process may already be gone.
func (t *ProcessTable) Terminate(ctx context.Context, pids []int, grace time.Duration) {
	if len(pids) == 0 {
		return
	}
	for _, pid := range pids {
		if err := t.signal(pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
			log.Printf("supervisor: SIGTERM pid %d: %v", pid, err)
		}
	}

	deadline := time.Now().Add(grace)
	for {
		remaining := t.alive(pids)
		if len(remaining) == 0 {
			return
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			for _, pid := range remaining {
				log.Printf("supervisor: pid %d ignored SIGTERM, sending SIGKILL", pid)
				if err := t.signal(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
					log.Printf("supervisor: SIGKILL pid %d: %v", pid, err)
				}
			}
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (t *ProcessTable) alive(pids []int) []int {
	var out []int
	for _, pid := range pids {
		if processAlive(t.signal, pid) && !t.zombie(pid) {
			out = append(out, pid)
		}
	}
	return out
}

// zombie reports whether pid has exited but not been reaped. Its parent may
// be something other than the harness, so waiting longer would not help.
func (t *ProcessTable) zombie(pid int) bool {
	if t.state == nil {
		return false
	}
	st, err := t.state(pid)
	return err == nil && st == 'Z'
}

// processAlive sends signal 0. EPERM means the process exists but belongs to
// someone else. Zombies still accept the signal.
func processAlive(signal func(int, unix.Signal) error, pid int) bool {
	err := signal(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// parseProcStat extracts the state letter from a /proc/<pid>/stat line. The
// command name is parenthesised and may itself contain spaces or ')'.
func parseProcStat(line string) (byte, error) {
	i := strings.LastIndexByte(line, ')')
	if i < 0 || i+2 >= len(line) {
		return 0, errors.New("malformed stat line")
	}
	return line[i+2], nil
}

// statPath reports whether path exists. Tests replace it.
var statPath = func(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// argv0 finds the executable at the start of command. ps does not quote
// argv[0], so a bundle path like "/Applications/Lotab Beta.app/..." spans
// several fields. The longest space-bounded prefix that exists on disk wins,
// stopping at the first flag, absolute-path argument or environment entry.
func argv0(command string) string {
	fields := strings.Split(command, " ")
	first := fields[0]
	if !strings.HasPrefix(first, "/") {
		return first
	}
	end := 1
	for end < len(fields) {
		f := fields[end]
		if f == "" || strings.HasPrefix(f, "-") || strings.HasPrefix(f, "/") || strings.Contains(f, "=") {
			break
		}
		end++
	}
	for n := end; n > 1; n-- {
		if path := strings.Join(fields[:n], " "); statPath(path) {
			return path
		}
	}
	return first
}

// parsePS parses "pid command..." lines. Malformed lines are skipped.
func parsePS(out string) []Process {
	var procs []Process
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pidField, rest, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		pid, err := strconv.Atoi(pidField)
		if err != nil {
			continue
		}
		rest = strings.TrimSpace(rest)
		procs = append(procs, Process{
			PID:     pid,
			Name:    filepath.Base(argv0(rest)),
			Command: rest,
		})
	}
	return procs
}

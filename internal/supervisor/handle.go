package supervisor

import (
	"bufio"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// Handle is a supervised daemon process. Only the Supervisor that created it
// signals it.
type Handle struct {
	Path   string
	Args   []string
	PID    int
	Marker string

	cmd    *exec.Cmd
	output *RingBuffer
	// reader is the pty master or the read end of the output pipe.
	reader *os.File

	done       chan struct{}
	outputDone chan struct{}

	mu    sync.Mutex
	state *os.ProcessState
	err   error
}

func newHandle(path string, args []string, marker string, lines int) *Handle {
	return &Handle{
		Path:       path,
		Args:       args,
		Marker:     marker,
		output:     NewRingBuffer(lines),
		done:       make(chan struct{}),
		outputDone: make(chan struct{}),
	}
}

// Done is closed once the process has been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Exited reports whether the process has exited. It never blocks.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ExitStatus returns the exit code and true once the process has exited.
// A process killed by a signal reports -1.
func (h *Handle) ExitStatus() (int, bool) {
	if !h.Exited() {
		return 0, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == nil {
		return -1, true
	}
	return h.state.ExitCode(), true
}

// StatusString describes the exit state for reports.
func (h *Handle) StatusString() string {
	if !h.Exited() {
		return "running"
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != nil {
		return h.state.String()
	}
	if h.err != nil {
		return h.err.Error()
	}
	return "exited"
}

// Output returns the captured output lines, oldest first.
func (h *Handle) Output() []string {
	return h.output.Lines()
}

// OutputTail returns the newest n captured lines joined by newlines.
func (h *Handle) OutputTail(n int) string {
	return h.output.Tail(n)
}

func (h *Handle) wait() {
	err := h.cmd.Wait()

	h.mu.Lock()
	h.state = h.cmd.ProcessState
	h.err = err
	h.mu.Unlock()

	close(h.done)
}

// capture copies output lines into the ring buffer until the reader fails.
// The GUI inherits the daemon's terminal, so EOF may arrive well after the
// daemon itself exits.
func (h *Handle) capture(r *os.File, onLine func(string)) {
	defer close(h.outputDone)
	if r == nil {
		return
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		h.output.Write(line)
		if onLine != nil {
			onLine(line)
		}
	}
}

// closeOutput releases the output reader. Safe to call more than once.
func (h *Handle) closeOutput() {
	h.mu.Lock()
	r := h.reader
	h.reader = nil
	h.mu.Unlock()
	if r != nil {
		_ = r.Close()
	}
}


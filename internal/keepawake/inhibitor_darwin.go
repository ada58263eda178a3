//go:build darwin

package keepawake

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	apperrors "github.com/lotab/harness/internal/errors"
)

// NewDefaultAdapter returns the caffeinate-backed adapter.
func NewDefaultAdapter() Adapter {
	return &caffeinateAdapter{
		pid:     os.Getpid(),
		execCmd: exec.Command,
	}
}

type caffeinateAdapter struct {
	pid     int
	execCmd func(name string, args ...string) *exec.Cmd
}

// caffeinateArgs builds the command line for req. -d keeps the display on
// and -i blocks idle sleep. -w ends the assertion with the harness process.
// With a limit, -u also wakes a display that is already asleep, and -t
// bounds the assertion.
func caffeinateArgs(pid int, req Request) []string {
	args := []string{"-d", "-i"}
	if req.Limit > 0 {
		secs := int64((req.Limit + time.Second - 1) / time.Second)
		args = append(args, "-u", "-t", strconv.FormatInt(secs, 10))
	}
	return append(args, "-w", strconv.Itoa(pid))
}

func (a *caffeinateAdapter) Acquire(ctx context.Context, req Request) (Handle, error) {
	cmd := a.execCmd("caffeinate", caffeinateArgs(a.pid, req)...)
	if err := cmd.Start(); err != nil {
		var ex *exec.Error
		if errors.As(err, &ex) || errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, apperrors.Wrap(apperrors.CodeKeepAwakeUnsupported, "caffeinate is unavailable", err)
		}
		return nil, apperrors.Wrap(apperrors.CodeKeepAwakeFailed,
			fmt.Sprintf("start caffeinate for %s", req.Owner), err)
	}

	h := &caffeinateHandle{
		cmd:  cmd,
		req:  req,
		done: make(chan struct{}),
	}
	go h.wait()
	return h, nil
}

type caffeinateHandle struct {
	cmd *exec.Cmd
	req Request

	mu       sync.Mutex
	done     chan struct{}
	err      error
	released bool
	once     sync.Once
}

// wait records why caffeinate exited. A clean exit we did not ask for means
// the -t limit ran out, which the guard treats like any other lost assertion.
func (h *caffeinateHandle) wait() {
	err := h.cmd.Wait()

	h.mu.Lock()
	switch {
	case h.released:
		err = nil
	case err == nil && h.req.Limit > 0:
		err = fmt.Errorf("caffeinate for %s reached its %v limit", h.req.Owner, h.req.Limit)
	case err != nil:
		err = fmt.Errorf("caffeinate for %s: %w", h.req.Owner, err)
	}
	h.err = err
	h.mu.Unlock()

	close(h.done)
}

func (h *caffeinateHandle) Done() <-chan struct{} {
	return h.done
}

func (h *caffeinateHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *caffeinateHandle) Release(ctx context.Context) error {
	h.once.Do(func() {
		h.mu.Lock()
		h.released = true
		h.mu.Unlock()
		_ = h.cmd.Process.Signal(syscall.SIGTERM)
	})

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
	}
	_ = h.cmd.Process.Kill()
	select {
	case <-h.done:
	case <-time.After(200 * time.Millisecond):
	}
	return fmt.Errorf("caffeinate for %s did not exit: %w", h.req.Owner, ctx.Err())
}

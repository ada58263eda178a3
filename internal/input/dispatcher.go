package input

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/lotab/harness/internal/errors"
)

// Injector performs OS-level input injection.
type Injector interface {
	// Inject delivers one command. It says nothing about whether the
	// focused application handled it.
	Inject(ctx context.Context, cmd Command) error
	// ClickStatusMenuItem clicks item in the status bar menu owned by process.
	ClickStatusMenuItem(ctx context.Context, process, item string) error
}

// injectMu serializes raw injections. The OS input stream is shared by the
// whole process no matter how many dispatchers exist.
var injectMu sync.Mutex

// Dispatcher executes vocabulary commands. Settling time between commands is
// the caller's job.
type Dispatcher struct {
	injector Injector
	// limiter paces per-character typing.
	limiter *rate.Limiter
}

// NewDispatcher creates a dispatcher. keystrokeDelay paces Type in
// per-character mode; zero means no pacing.
func NewDispatcher(injector Injector, keystrokeDelay time.Duration) *Dispatcher {
	limit := rate.Inf
	if keystrokeDelay > 0 {
		limit = rate.Every(keystrokeDelay)
	}
	return &Dispatcher{
		injector: injector,
		limiter:  rate.NewLimiter(limit, 1),
	}
}

// Dispatch injects cmd with any extra modifiers held. Failures are
// InputInjectionFailure and should abort the scenario.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command, extra ...Modifier) error {
	cmd = cmd.With(extra...)
	if err := ctx.Err(); err != nil {
		return err
	}

	injectMu.Lock()
	defer injectMu.Unlock()

	log.Printf("input: %s", cmd)
	if err := d.injector.Inject(ctx, cmd); err != nil {
		if apperrors.IsCode(err, apperrors.CodeInputInjectionFailed) {
			return err
		}
		return apperrors.InputInjectionFailure(cmd.String(), err)
	}
	return nil
}

// Do dispatches the vocabulary entry for action.
func (d *Dispatcher) Do(ctx context.Context, action Action, extra ...Modifier) error {
	cmd, ok := Lookup(action)
	if !ok {
		return apperrors.InputInjectionFailure(string(action), fmt.Errorf("action not in vocabulary"))
	}
	return d.Dispatch(ctx, cmd, extra...)
}

// Type enters free text. With perChar it sends one literal key per rune,
// paced by the limiter; otherwise the whole string goes in one injection.
func (d *Dispatcher) Type(ctx context.Context, text string, perChar bool) error {
	if !perChar {
		return d.Dispatch(ctx, Text(text))
	}
	for _, r := range text {
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := d.Dispatch(ctx, Literal(r)); err != nil {
			return err
		}
	}
	return nil
}

// ClickStatusMenuItem clicks a status bar menu entry of process.
func (d *Dispatcher) ClickStatusMenuItem(ctx context.Context, process, item string) error {
	injectMu.Lock()
	defer injectMu.Unlock()

	log.Printf("input: click %q in %s status menu", item, process)
	if err := d.injector.ClickStatusMenuItem(ctx, process, item); err != nil {
		if apperrors.IsCode(err, apperrors.CodeInputInjectionFailed) {
			return err
		}
		return apperrors.InputInjectionFailure("menu item "+item, err)
	}
	return nil
}

// lease is the exclusive right to drive OS input for a whole scenario.
var lease = make(chan struct{}, 1)

// Acquire blocks until the caller holds the process-wide input lease or ctx
// ends. The returned release func is idempotent.
func Acquire(ctx context.Context) (func(), error) {
	select {
	case lease <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() { <-lease })
	}, nil
}

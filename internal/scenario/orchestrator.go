package scenario

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/lotab/harness/internal/bridge"
	apperrors "github.com/lotab/harness/internal/errors"
	"github.com/lotab/harness/internal/input"
	"github.com/lotab/harness/internal/manifest"
	"github.com/lotab/harness/internal/protocol"
	"github.com/lotab/harness/internal/supervisor"
)

// Timing bundles the waits a run uses.
type Timing struct {
	// ConvergeTimeout bounds each Expect.
	ConvergeTimeout time.Duration
	PollInterval    time.Duration
	// KeySettle follows every injected command.
	KeySettle time.Duration
	// OverlaySettle follows showing or hiding the overlay.
	OverlaySettle   time.Duration
	ConnectTimeout  time.Duration
	ResponseTimeout time.Duration
	// ScenarioTimeout bounds a scenario's Steps unless the scenario sets its own.
	ScenarioTimeout time.Duration
}

// DefaultTiming returns the timing used when Options leaves it zero.
func DefaultTiming() Timing {
	return Timing{
		ConvergeTimeout: 10 * time.Second,
		PollInterval:    250 * time.Millisecond,
		KeySettle:       200 * time.Millisecond,
		OverlaySettle:   time.Second,
		ConnectTimeout:  10 * time.Second,
		ResponseTimeout: 5 * time.Second,
		ScenarioTimeout: 2 * time.Minute,
	}
}

func (t Timing) withDefaults() Timing {
	def := DefaultTiming()
	setDuration(&t.ConvergeTimeout, def.ConvergeTimeout)
	setDuration(&t.PollInterval, def.PollInterval)
	setDuration(&t.OverlaySettle, def.OverlaySettle)
	setDuration(&t.ConnectTimeout, def.ConnectTimeout)
	setDuration(&t.ResponseTimeout, def.ResponseTimeout)
	setDuration(&t.ScenarioTimeout, def.ScenarioTimeout)
	// KeySettle may legitimately be zero.
	if t.KeySettle < 0 {
		t.KeySettle = 0
	}
	return t
}

func setDuration(dst *time.Duration, def time.Duration) {
	if *dst <= 0 {
		*dst = def
	}
}

// Options wires an Orchestrator to the outside world. Only the pieces the
// scenarios declare in Needs have to be set.
type Options struct {
	Processes Processes
	Browser   BrowserLauncher
	Input     *input.Dispatcher

	ChannelAddr string
	// ManifestDir holds per-run manifests; empty means the system temp dir.
	ManifestDir string
	Attach      bridge.AttachOptions
	Timing      Timing
	// OutputLines is how much daemon output a failed report carries.
	OutputLines int
}

// Orchestrator runs one scenario at a time through the full lifecycle.
// It is safe to call Run from several goroutines; exclusive scenarios
// serialize on the input lease.
type Orchestrator struct {
	opts Options

	now   func() time.Time
	newID func() string
}

// New creates an Orchestrator.
func New(opts Options) *Orchestrator {
	opts.Timing = opts.Timing.withDefaults()
	if opts.OutputLines <= 0 {
		opts.OutputLines = 40
	}
	return &Orchestrator{
		opts:  opts,
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
	}
}

// Run executes sc and returns its report. Teardown always runs, whatever
// happened before it, and a report is always returned.
func (o *Orchestrator) Run(ctx context.Context, sc Scenario) *Report {
	r := &Run{
		ID:       o.newID(),
		Scenario: sc.Name,
		ctx:      ctx,
		timing:   o.opts.Timing,
		now:      o.now,
		procs:    o.opts.Processes,
	}
	r.report = &Report{RunID: r.ID, Scenario: sc.Name, StartedAt: o.now()}
	r.enter(StageNotStarted, "")
	log.Printf("scenario: %s: starting run %s", sc.Name, r.ID)

	if sc.Needs.Exclusive() {
		release, err := input.Acquire(ctx)
		if err != nil {
			o.finish(r, StageNotStarted, err)
			return r.report
		}
		defer release()
	}

	var paths manifest.Paths
	err := o.setup(r, sc, &paths)
	if err == nil {
		err = o.act(r, sc)
	}
	failedStage := r.stage
	o.teardown(r, sc, paths, &err, &failedStage)
	o.finish(r, failedStage, err)
	return r.report
}

func (o *Orchestrator) setup(r *Run, sc Scenario, paths *manifest.Paths) error {
	needs := sc.Needs
	if needs.Input {
		if o.opts.Input == nil {
			return apperrors.Internal("scenario needs input but no dispatcher is configured", nil)
		}
		r.input = o.opts.Input
	}

	if needs.Manifests {
		p, err := manifest.TempPaths(o.opts.ManifestDir)
		if err != nil {
			return apperrors.Internal("allocate manifest files", err)
		}
		*paths = p
		r.Note("manifests: daemon=%s gui=%s", p.Daemon, p.GUI)
	}

	if needs.Daemon {
		if o.opts.Processes == nil {
			return apperrors.Internal("scenario needs the daemon but no supervisor is configured", nil)
		}
		h, err := o.opts.Processes.Start(r.ctx, supervisor.ManifestArgs(paths.Daemon, paths.GUI))
		if err != nil {
			return err
		}
		r.daemon = h
		r.enter(StageDaemonRunning, "")
	}

	if needs.Channel {
		c := protocol.NewChecker(o.opts.ChannelAddr)
		if err := c.Start(); err != nil {
			return apperrors.Internal("start protocol checker", err)
		}
		r.checker = c
	}

	if needs.Browser {
		if o.opts.Browser == nil {
			return apperrors.Internal("scenario needs a browser but no launcher is configured", nil)
		}
		b, err := o.opts.Browser(r.ctx)
		if err != nil {
			return err
		}
		r.browser = b
		ext, err := b.AttachExtension(r.ctx, o.opts.Attach)
		if err != nil {
			return err
		}
		r.ext = ext
		r.enter(StageBrowserAttached, ext.Target().URL)
	}
	return nil
}

func (o *Orchestrator) act(r *Run, sc Scenario) (err error) {
	timeout := sc.Timeout
	if timeout <= 0 {
		timeout = o.opts.Timing.ScenarioTimeout
	}
	parent := r.ctx
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	r.ctx = ctx
	defer func() { r.ctx = parent }()

	defer func() {
		if p := recover(); p != nil {
			log.Printf("scenario: %s: panic: %v", sc.Name, p)
			err = apperrors.New(apperrors.CodeScenarioPanic, fmt.Sprintf("scenario panicked: %v", p))
		}
	}()

	r.enter(StageActing, "")
	if sc.Steps == nil {
		return nil
	}
	err = sc.Steps(r)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return apperrors.Wrap(apperrors.CodeScenarioTimeout,
			fmt.Sprintf("scenario did not finish within %v", timeout), err)
	}
	return err
}

// teardown releases everything setup acquired. It runs on a context that
// ignores cancellation of the caller's so an interrupted suite still cleans
// up. Verification failures found here replace a nil *errp.
func (o *Orchestrator) teardown(r *Run, sc Scenario, paths manifest.Paths, errp *error, failedStage *Stage) {
	r.enter(StageTearingDown, "")
	tctx := context.WithoutCancel(r.ctx)
	r.ctx = tctx

	fail := func(err error) {
		if *errp == nil {
			*errp = err
			*failedStage = StageTearingDown
		}
	}

	if sc.Needs.Daemon && o.opts.Processes != nil {
		res := o.opts.Processes.Stop(tctx, r.daemon)
		r.report.Stop = &res
	}
	if r.browser != nil {
		if err := r.browser.Close(); err != nil {
			log.Printf("scenario: %s: close browser: %v", sc.Name, err)
		}
	}
	if r.checker != nil {
		if err := r.checker.Close(); err != nil {
			log.Printf("scenario: %s: close checker: %v", sc.Name, err)
		}
	}

	var pair manifest.Pair
	if sc.Needs.Manifests {
		pair = manifest.LoadPair(paths)
		for _, w := range pair.Warnings {
			log.Printf("scenario: %s: warning: %v", sc.Name, w)
			r.report.Warnings = append(r.report.Warnings, w.Error())
		}
		if pair.Daemon != nil {
			r.report.DaemonManifest = pair.Daemon.JSON()
		}
		if pair.GUI != nil {
			r.report.GUIManifest = pair.GUI.JSON()
		}
	}
	if sc.Verify != nil && *errp == nil {
		if err := o.verify(r, sc, pair); err != nil {
			fail(err)
		}
	}
	if sc.Needs.Manifests {
		if err := paths.Remove(); err != nil {
			log.Printf("scenario: %s: remove manifests: %v", sc.Name, err)
		}
	}

	if sc.Needs.Daemon && o.opts.Processes != nil {
		left, err := o.opts.Processes.Remaining(tctx)
		if err != nil {
			log.Printf("scenario: %s: process check failed: %v", sc.Name, err)
		} else if len(left) > 0 {
			r.report.Remaining = left
			fail(apperrors.New(apperrors.CodeTeardownUnclean,
				fmt.Sprintf("%d daemon or GUI process(es) survived teardown", len(left))))
		}
	}
}

func (o *Orchestrator) verify(r *Run, sc Scenario, pair manifest.Pair) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = apperrors.New(apperrors.CodeScenarioPanic, fmt.Sprintf("verify panicked: %v", p))
		}
	}()
	return sc.Verify(r, pair)
}

func (o *Orchestrator) finish(r *Run, failedStage Stage, err error) {
	rep := r.report
	rep.FinishedAt = o.now()
	if err == nil {
		rep.Passed = true
		r.enter(StageVerified, "")
		log.Printf("scenario: %s: passed in %v", r.Scenario, rep.Duration().Round(time.Millisecond))
		return
	}

	rep.Passed = false
	rep.FailedStage = failedStage
	rep.ErrorCode = apperrors.GetCode(err)
	rep.Error = errorText(err)
	rep.NextAction = apperrors.GetNextAction(rep.ErrorCode)
	if r.daemon != nil {
		rep.DaemonOutput = r.daemon.OutputTail(o.opts.OutputLines)
	}
	if r.stage != StageTearingDown {
		r.enter(StageTearingDown, "")
	}
	r.enter(StageFailed, "")
	log.Printf("scenario: %s: failed in %s: %v", r.Scenario, failedStage, err)
}

// errorText drops the code prefix a CodedError puts in Error().
func errorText(err error) string {
	var coded *apperrors.CodedError
	if errors.As(err, &coded) {
		if coded.Cause != nil {
			return fmt.Sprintf("%s: %v", coded.Message, coded.Cause)
		}
		return coded.Message
	}
	return err.Error()
}

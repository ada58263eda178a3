package scenario

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lotab/harness/internal/keepawake"
	"github.com/lotab/harness/internal/storage"
)

// ReportSink persists finished runs.
type ReportSink interface {
	SaveRun(run *storage.Run) error
}

// Suite runs a batch of scenarios with bounded parallelism. Exclusive
// scenarios still run one at a time because they share the input lease.
type Suite struct {
	Orchestrator *Orchestrator
	// Parallel caps concurrent scenarios. Values below 1 mean 1.
	Parallel int
	// KeepAwake, if set, holds a sleep assertion for the whole suite.
	KeepAwake *keepawake.Guard
	// Sink, if set, receives every report.
	Sink ReportSink
}

// SuiteResult is the outcome of RunAll.
type SuiteResult struct {
	ID      string
	Reports []*Report
	Passed  int
	Failed  int
	// SaveErrors counts reports the sink rejected.
	SaveErrors int
	// KeepAwakeHeld reports whether a sleep assertion covered the suite.
	// Without one, timeouts may come from input dropped by a sleeping display.
	KeepAwakeHeld bool
	Duration      time.Duration
}

// OK reports whether every scenario passed.
func (r *SuiteResult) OK() bool {
	return r.Failed == 0 && len(r.Reports) > 0
}

// RunAll runs scenarios and returns their reports in input order. Scenario
// failures never stop the suite; cancelling ctx makes the remaining
// scenarios fail fast.
func (s *Suite) RunAll(ctx context.Context, scenarios []Scenario) *SuiteResult {
	start := time.Now()
	res := &SuiteResult{
		ID:      uuid.New().String(),
		Reports: make([]*Report, len(scenarios)),
	}

	if s.KeepAwake != nil {
		req := keepawake.Request{Owner: "suite " + res.ID, Limit: s.keepAwakeLimit(scenarios)}
		if err := s.KeepAwake.Hold(ctx, req); err != nil {
			log.Printf("scenario: suite %s: keep-awake unavailable, display sleep may drop input: %v", res.ID, err)
		} else {
			res.KeepAwakeHeld = true
			defer func() {
				if err := s.KeepAwake.Release(context.Background()); err != nil {
					log.Printf("scenario: suite %s: keep-awake release: %v", res.ID, err)
				}
			}()
		}
	}

	parallel := s.Parallel
	if parallel < 1 {
		parallel = 1
	}
	log.Printf("scenario: suite %s: %d scenario(s), parallel=%d", res.ID, len(scenarios), parallel)

	var g errgroup.Group
	g.SetLimit(parallel)
	for i, sc := range scenarios {
		g.Go(func() error {
			rep := s.Orchestrator.Run(ctx, sc)
			rep.SuiteID = res.ID
			res.Reports[i] = rep
			return nil
		})
	}
	_ = g.Wait()
	if res.KeepAwakeHeld && !s.KeepAwake.Held() {
		log.Printf("scenario: suite %s: sleep assertion lapsed before the suite finished", res.ID)
		res.KeepAwakeHeld = false
	}

	for _, rep := range res.Reports {
		if rep.Passed {
			res.Passed++
		} else {
			res.Failed++
		}
		if s.Sink == nil {
			continue
		}
		if err := s.save(rep); err != nil {
			res.SaveErrors++
			log.Printf("scenario: save report %s: %v", rep.RunID, err)
		}
	}
	res.Duration = time.Since(start)
	log.Printf("scenario: suite %s: %d passed, %d failed in %v", res.ID, res.Passed, res.Failed, res.Duration.Round(time.Millisecond))
	return res
}

// keepAwakeLimit is the worst case for the suite: every scenario running to
// its timeout one after another, plus a minute for startup and teardown.
func (s *Suite) keepAwakeLimit(scenarios []Scenario) time.Duration {
	limit := time.Minute
	for _, sc := range scenarios {
		timeout := sc.Timeout
		if timeout <= 0 {
			timeout = s.Orchestrator.opts.Timing.ScenarioTimeout
		}
		limit += timeout
	}
	return limit
}

func (s *Suite) save(rep *Report) error {
	run, err := rep.ToRun()
	if err != nil {
		return err
	}
	return s.Sink.SaveRun(run)
}

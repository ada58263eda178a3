// Package bridge reads ground-truth browser state through the extension's
// privileged background context.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	apperrors "github.com/lotab/harness/internal/errors"
)

// Target is one debuggable browser context.
type Target struct {
	ID   string
	Type string
	URL  string
}

// Target types that host an extension's background code.
const (
	TypeBackgroundPage = "background_page"
	TypeServiceWorker  = "service_worker"
)

const extensionScheme = "chrome-extension://"

// IsExtensionContext reports whether t is an extension background page or
// service worker.
func (t Target) IsExtensionContext() bool {
	if t.Type != TypeBackgroundPage && t.Type != TypeServiceWorker {
		return false
	}
	return strings.HasPrefix(t.URL, extensionScheme)
}

// Evaluator runs an expression in a context and decodes its JSON result
// into out. Promises are awaited.
type Evaluator interface {
	Evaluate(ctx context.Context, expr string, out any) error
}

// TargetSource lists browser contexts and attaches to one.
type TargetSource interface {
	Targets(ctx context.Context) ([]Target, error)
	Attach(ctx context.Context, t Target) (Evaluator, error)
}

// AttachOptions bounds the wait for the extension's context.
type AttachOptions struct {
	Attempts int
	Interval time.Duration
}

// Attach polls src until an extension context appears and returns a handle
// bound to it. Exhausting the attempts is ExtensionNotReady.
func Attach(ctx context.Context, src TargetSource, opts AttachOptions) (*Extension, error) {
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}

	var (
		found    Target
		attempts int
		lastErr  error
	)
	op := func() error {
		attempts++
		targets, err := src.Targets(ctx)
		if err != nil {
			lastErr = err
			return err
		}
		for _, t := range targets {
			if t.IsExtensionContext() {
				found = t
				return nil
			}
		}
		lastErr = fmt.Errorf("%d targets, none is an extension context", len(targets))
		return lastErr
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(opts.Interval), uint64(opts.Attempts-1)),
		ctx,
	)
	if err := backoff.Retry(op, b); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperrors.ExtensionNotReady(attempts, lastErr)
	}

	eval, err := src.Attach(ctx, found)
	if err != nil {
		return nil, apperrors.ExtensionNotReady(attempts, err)
	}
	log.Printf("bridge: attached to %s %s after %d attempt(s)", found.Type, found.URL, attempts)
	return &Extension{target: found, eval: eval}, nil
}

// Extension is a live handle to the extension's background context.
// Queries on one handle are serialized.
type Extension struct {
	target Target

	mu   sync.Mutex
	eval Evaluator
}

// NewExtension wraps an evaluator already bound to an extension context.
func NewExtension(t Target, eval Evaluator) *Extension {
	return &Extension{target: t, eval: eval}
}

// Target returns the context this handle is attached to.
func (e *Extension) Target() Target {
	return e.target
}

// Evaluate runs expr in the extension context.
func (e *Extension) Evaluate(ctx context.Context, expr string, out any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.eval.Evaluate(ctx, expr, out); err != nil {
		return apperrors.Wrap(apperrors.CodeBridgeQueryFailed, "extension query failed", err)
	}
	return nil
}

// TabRecord is one browser tab. GroupID is nil for ungrouped tabs.
type TabRecord struct {
	ID      int    `json:"id"`
	Title   string `json:"title"`
	URL     string `json:"url"`
	Active  bool   `json:"active"`
	GroupID *int   `json:"groupId"`
}

// TabGroupRecord is one tab group with the number of tabs in it.
type TabGroupRecord struct {
	ID       int    `json:"id"`
	Title    string `json:"title"`
	Color    string `json:"color"`
	TabCount int    `json:"tabCount"`
}

// Snapshot is tabs and groups read together.
type Snapshot struct {
	Tabs   []TabRecord      `json:"tabs"`
	Groups []TabGroupRecord `json:"groups"`
}

// TabTitles returns the titles of all tabs in order.
func (s *Snapshot) TabTitles() []string {
	titles := make([]string, len(s.Tabs))
	for i, t := range s.Tabs {
		titles[i] = t.Title
	}
	return titles
}

// Ungrouped counts tabs with no group.
func (s *Snapshot) Ungrouped() int {
	n := 0
	for _, t := range s.Tabs {
		if t.GroupID == nil {
			n++
		}
	}
	return n
}

// String renders the snapshot compactly for failure reports.
func (s *Snapshot) String() string {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Sprintf("<unencodable snapshot: %v>", err)
	}
	return string(data)
}

// rawTab mirrors chrome.tabs.Tab where groupId is -1 for none.
type rawTab struct {
	ID      int    `json:"id"`
	Title   string `json:"title"`
	URL     string `json:"url"`
	Active  bool   `json:"active"`
	GroupID int    `json:"groupId"`
}

func (r rawTab) record() TabRecord {
	rec := TabRecord{ID: r.ID, Title: r.Title, URL: r.URL, Active: r.Active}
	if r.GroupID >= 0 {
		id := r.GroupID
		rec.GroupID = &id
	}
	return rec
}

// QueryTabs returns every tab in every window.
func (e *Extension) QueryTabs(ctx context.Context) ([]TabRecord, error) {
	var raw []rawTab
	if err := e.Evaluate(ctx, tabsQueryExpr(`{}`), &raw); err != nil {
		return nil, err
	}
	tabs := make([]TabRecord, len(raw))
	for i, r := range raw {
		tabs[i] = r.record()
	}
	return tabs, nil
}

// QueryActiveTab returns the active tab of the last focused window, or nil
// when there is none.
func (e *Extension) QueryActiveTab(ctx context.Context) (*TabRecord, error) {
	var raw []rawTab
	if err := e.Evaluate(ctx, tabsQueryExpr(`{active: true, lastFocusedWindow: true}`), &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	rec := raw[0].record()
	return &rec, nil
}

// QueryGroups returns every tab group with its tab count.
func (e *Extension) QueryGroups(ctx context.Context) ([]TabGroupRecord, error) {
	var groups []TabGroupRecord
	if err := e.Evaluate(ctx, groupsQueryExpr, &groups); err != nil {
		return nil, err
	}
	if groups == nil {
		groups = []TabGroupRecord{}
	}
	return groups, nil
}

// QueryUngroupedCount counts tabs that belong to no group.
func (e *Extension) QueryUngroupedCount(ctx context.Context) (int, error) {
	var n int
	if err := e.Evaluate(ctx, ungroupedCountExpr, &n); err != nil {
		return 0, err
	}
	return n, nil
}

// Snapshot reads tabs and groups back to back.
func (e *Extension) Snapshot(ctx context.Context) (*Snapshot, error) {
	tabs, err := e.QueryTabs(ctx)
	if err != nil {
		return nil, err
	}
	groups, err := e.QueryGroups(ctx)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Tabs: tabs, Groups: groups}, nil
}

// GroupTabsByTitle puts the tabs whose title equals one of titles into a new
// group and names it. Returns the group id. Used to seed fixtures.
func (e *Extension) GroupTabsByTitle(ctx context.Context, titles []string, groupTitle, color string) (int, error) {
	args, err := json.Marshal(struct {
		Titles []string `json:"titles"`
		Title  string   `json:"title"`
		Color  string   `json:"color"`
	}{titles, groupTitle, color})
	if err != nil {
		return 0, apperrors.Internal("encode group arguments", err)
	}

	var id int
	if err := e.Evaluate(ctx, fmt.Sprintf(groupTabsExprFmt, args), &id); err != nil {
		return 0, err
	}
	return id, nil
}

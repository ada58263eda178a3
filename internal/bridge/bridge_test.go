package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "github.com/lotab/harness/internal/errors"
)

// fakeSource exposes an extension target once appearAfter polls have
// happened.
type fakeSource struct {
	mu          sync.Mutex
	polls       int
	appearAfter int
	listErr     error
	attachErr   error
	eval        Evaluator
}

func (f *fakeSource) Targets(ctx context.Context) ([]Target, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	targets := []Target{{ID: "p1", Type: "page", URL: "https://example.com"}}
	if f.polls > f.appearAfter {
		targets = append(targets, Target{ID: "sw", Type: TypeServiceWorker, URL: "chrome-extension://abc/background.js"})
	}
	return targets, nil
}

func (f *fakeSource) Attach(ctx context.Context, t Target) (Evaluator, error) {
	if f.attachErr != nil {
		return nil, f.attachErr
	}
	return f.eval, nil
}

// answer pairs an expression substring with the JSON it evaluates to.
type answer struct {
	needle string
	result string
}

// scriptedEvaluator answers expressions by the first matching substring.
type scriptedEvaluator struct {
	mu      sync.Mutex
	answers []answer
	err     error
}

func (s *scriptedEvaluator) Evaluate(ctx context.Context, expr string, out any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	for _, a := range s.answers {
		if strings.Contains(expr, a.needle) {
			return json.Unmarshal([]byte(a.result), out)
		}
	}
	return errors.New("unscripted expression")
}

func TestIsExtensionContext(t *testing.T) {
	tests := []struct {
		target Target
		want   bool
	}{
		{Target{Type: TypeServiceWorker, URL: "chrome-extension://id/bg.js"}, true},
		{Target{Type: TypeBackgroundPage, URL: "chrome-extension://id/bg.html"}, true},
		{Target{Type: "page", URL: "chrome-extension://id/popup.html"}, false},
		{Target{Type: TypeServiceWorker, URL: "https://example.com/sw.js"}, false},
	}
	for _, tt := range tests {
		if got := tt.target.IsExtensionContext(); got != tt.want {
			t.Errorf("%+v: got %v, want %v", tt.target, got, tt.want)
		}
	}
}

func TestAttachWaitsForExtension(t *testing.T) {
	src := &fakeSource{appearAfter: 2, eval: &scriptedEvaluator{}}
	ext, err := Attach(context.Background(), src, AttachOptions{Attempts: 5, Interval: time.Millisecond})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if src.polls != 3 {
		t.Errorf("polls = %d, want 3", src.polls)
	}
	if ext.Target().ID != "sw" {
		t.Errorf("attached to %+v", ext.Target())
	}
}

func TestAttachExhausted(t *testing.T) {
	src := &fakeSource{appearAfter: 100}
	_, err := Attach(context.Background(), src, AttachOptions{Attempts: 4, Interval: time.Millisecond})
	if !apperrors.IsCode(err, apperrors.CodeExtensionNotReady) {
		t.Fatalf("expected extension.not_ready, got %v", err)
	}
	if src.polls != 4 {
		t.Errorf("polls = %d, want 4", src.polls)
	}
	if !strings.Contains(err.Error(), "after 4 attempts") {
		t.Errorf("message should carry attempt count: %v", err)
	}
}

func TestAttachListErrorsRetried(t *testing.T) {
	src := &fakeSource{listErr: errors.New("cdp gone")}
	_, err := Attach(context.Background(), src, AttachOptions{Attempts: 3, Interval: time.Millisecond})
	if !apperrors.IsCode(err, apperrors.CodeExtensionNotReady) {
		t.Fatalf("expected extension.not_ready, got %v", err)
	}
	if src.polls != 3 {
		t.Errorf("polls = %d, want 3", src.polls)
	}
}

func TestAttachFailureAfterDiscovery(t *testing.T) {
	src := &fakeSource{attachErr: errors.New("target closed")}
	_, err := Attach(context.Background(), src, AttachOptions{Attempts: 2, Interval: time.Millisecond})
	if !apperrors.IsCode(err, apperrors.CodeExtensionNotReady) {
		t.Fatalf("expected extension.not_ready, got %v", err)
	}
}

func TestAttachCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := &fakeSource{appearAfter: 100}
	if _, err := Attach(ctx, src, AttachOptions{Attempts: 10, Interval: 10 * time.Millisecond}); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func newScripted(answers ...answer) *Extension {
	return NewExtension(Target{ID: "sw"}, &scriptedEvaluator{answers: answers})
}

func TestQueryTabs(t *testing.T) {
	ext := newScripted(answer{"chrome.tabs.query({}", `[
		{"id":1,"title":"Tab 1","url":"https://example.com","active":true,"groupId":-1},
		{"id":2,"title":"Tab 2","url":"https://example.org","active":false,"groupId":7}
	]`})
	tabs, err := ext.QueryTabs(context.Background())
	if err != nil {
		t.Fatalf("QueryTabs: %v", err)
	}
	if len(tabs) != 2 {
		t.Fatalf("len = %d", len(tabs))
	}
	if tabs[0].GroupID != nil {
		t.Errorf("tab 1 should be ungrouped, got %d", *tabs[0].GroupID)
	}
	if tabs[1].GroupID == nil || *tabs[1].GroupID != 7 {
		t.Errorf("tab 2 group = %v", tabs[1].GroupID)
	}
}

func TestQueryActiveTab(t *testing.T) {
	ext := newScripted(answer{"active: true", `[{"id":3,"title":"Tab 3","active":true,"groupId":-1}]`})
	tab, err := ext.QueryActiveTab(context.Background())
	if err != nil {
		t.Fatalf("QueryActiveTab: %v", err)
	}
	if tab == nil || tab.Title != "Tab 3" {
		t.Errorf("active = %+v", tab)
	}

	empty := newScripted(answer{"active: true", `[]`})
	tab, err = empty.QueryActiveTab(context.Background())
	if err != nil || tab != nil {
		t.Errorf("expected nil tab, got %+v, %v", tab, err)
	}
}

func TestQueryGroupsAndUngrouped(t *testing.T) {
	ext := newScripted(
		answer{"chrome.tabGroups.query", `[{"id":7,"title":"test-group","color":"blue","tabCount":2}]`},
		answer{"TAB_GROUP_ID_NONE", `1`},
	)
	groups, err := ext.QueryGroups(context.Background())
	if err != nil {
		t.Fatalf("QueryGroups: %v", err)
	}
	if len(groups) != 1 || groups[0].Title != "test-group" || groups[0].TabCount != 2 {
		t.Errorf("groups = %+v", groups)
	}
	n, err := ext.QueryUngroupedCount(context.Background())
	if err != nil || n != 1 {
		t.Errorf("ungrouped = %d, %v", n, err)
	}
}

func TestQueryGroupsNullIsEmpty(t *testing.T) {
	ext := newScripted(answer{"chrome.tabGroups.query", `null`})
	groups, err := ext.QueryGroups(context.Background())
	if err != nil {
		t.Fatalf("QueryGroups: %v", err)
	}
	if groups == nil || len(groups) != 0 {
		t.Errorf("groups = %#v", groups)
	}
}

func TestQueryFailureIsCoded(t *testing.T) {
	ext := NewExtension(Target{}, &scriptedEvaluator{err: errors.New("evaluation threw: boom")})
	_, err := ext.QueryTabs(context.Background())
	if !apperrors.IsCode(err, apperrors.CodeBridgeQueryFailed) {
		t.Fatalf("expected bridge.query_failed, got %v", err)
	}
}

func TestGroupTabsByTitle(t *testing.T) {
	eval := &recordingEvaluator{answer: `42`}
	ext := NewExtension(Target{}, eval)
	id, err := ext.GroupTabsByTitle(context.Background(), []string{"Tab 1"}, "tab group 1", "blue")
	if err != nil {
		t.Fatalf("GroupTabsByTitle: %v", err)
	}
	if id != 42 {
		t.Errorf("id = %d", id)
	}
	if !strings.Contains(eval.expr, `{"titles":["Tab 1"],"title":"tab group 1","color":"blue"}`) {
		t.Errorf("arguments not embedded: %s", eval.expr)
	}
	if !strings.Contains(eval.expr, "chrome.tabs.group") {
		t.Error("expression should group tabs")
	}
}

type recordingEvaluator struct {
	expr   string
	answer string
}

func (r *recordingEvaluator) Evaluate(ctx context.Context, expr string, out any) error {
	r.expr = expr
	return json.Unmarshal([]byte(r.answer), out)
}

func TestSnapshot(t *testing.T) {
	// The groups expression also lists tabs, so it must match first.
	ext := newScripted(
		answer{"chrome.tabGroups.query", `[{"id":7,"title":"g","color":"red","tabCount":1}]`},
		answer{"chrome.tabs.query({}", `[{"id":1,"title":"A","groupId":7},{"id":2,"title":"B","groupId":-1}]`},
	)
	snap, err := ext.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if got := snap.TabTitles(); len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Errorf("titles = %v", got)
	}
	if snap.Ungrouped() != 1 {
		t.Errorf("ungrouped = %d", snap.Ungrouped())
	}
	if !strings.Contains(snap.String(), `"title":"g"`) {
		t.Errorf("String() = %s", snap.String())
	}
}

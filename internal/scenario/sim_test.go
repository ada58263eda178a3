package scenario

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lotab/harness/internal/bridge"
	"github.com/lotab/harness/internal/input"
	"github.com/lotab/harness/internal/supervisor"
)

// world simulates the browser, the overlay GUI and the daemon closely
// enough for the catalog scenarios to converge against it.
type world struct {
	mu sync.Mutex

	tabs      []*simTab
	groups    []*simGroup
	nextTabID int
	nextGrpID int

	// overlay
	visible  bool
	mode     string
	cursor   int
	menuPos  int
	query    string
	name     string
	selected map[int]bool

	daemonExited bool
	guiRunning   bool
	ignoreQuit   bool

	injected  []string
	injectErr error
	// dropKeys swallows input, like a machine whose display went to sleep.
	dropKeys bool
	// dupOnClose renames a survivor to repeat another survivor's title after
	// every close.
	dupOnClose bool
	// closeFirstOnly closes only the first target, ignoring the rest of a
	// multi-selection.
	closeFirstOnly bool
}

type simTab struct {
	id     int
	title  string
	url    string
	active bool
	group  int
}

type simGroup struct {
	id    int
	title string
	color string
}

const (
	modeList   = "list"
	modeSearch = "search"
	modeMenu   = "menu"
	modeNaming = "naming"
)

func newWorld() *world {
	return &world{nextTabID: 1, nextGrpID: 100, mode: modeList, selected: map[int]bool{}, guiRunning: true}
}

func (w *world) openTab(url, title string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, t := range w.tabs {
		t.active = false
	}
	w.tabs = append(w.tabs, &simTab{id: w.nextTabID, title: title, url: url, active: true, group: -1})
	w.nextTabID++
}

// listed is what the overlay shows: tabs in order, filtered by the search.
func (w *world) listed() []*simTab {
	var out []*simTab
	q := strings.ToLower(w.query)
	for _, t := range w.tabs {
		if q == "" || strings.Contains(strings.ToLower(t.title), q) {
			out = append(out, t)
		}
	}
	return out
}

func (w *world) liveGroups() []*simGroup {
	var out []*simGroup
	for _, g := range w.groups {
		if w.countIn(g.id) > 0 {
			out = append(out, g)
		}
	}
	return out
}

func (w *world) countIn(group int) int {
	n := 0
	for _, t := range w.tabs {
		if t.group == group {
			n++
		}
	}
	return n
}

func (w *world) show() {
	w.visible = true
	w.mode = modeList
	w.cursor = 0
	w.query = ""
	w.name = ""
	w.selected = map[int]bool{}
}

// targets is the selection, or the tab under the cursor when nothing is
// selected.
func (w *world) targets() []*simTab {
	var out []*simTab
	for _, t := range w.tabs {
		if w.selected[t.id] {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		if list := w.listed(); w.cursor < len(list) {
			out = append(out, list[w.cursor])
		}
	}
	return out
}

func (w *world) closeTabs(victims []*simTab) {
	if w.closeFirstOnly && len(victims) > 1 {
		victims = victims[:1]
	}
	gone := map[int]bool{}
	for _, v := range victims {
		gone[v.id] = true
	}
	kept := w.tabs[:0]
	for _, t := range w.tabs {
		if !gone[t.id] {
			kept = append(kept, t)
		}
	}
	w.tabs = kept
	if w.dupOnClose && len(w.tabs) > 0 {
		w.tabs[len(w.tabs)-1].title = w.tabs[0].title
	}
	w.selected = map[int]bool{}
	if n := len(w.listed()); w.cursor >= n && n > 0 {
		w.cursor = n - 1
	}
}

func (w *world) moveTo(group int, tabs []*simTab) {
	for _, t := range tabs {
		t.group = group
	}
	w.selected = map[int]bool{}
	w.mode = modeList
}

func (w *world) newGroup(title, color string) *simGroup {
	g := &simGroup{id: w.nextGrpID, title: title, color: color}
	w.nextGrpID++
	w.groups = append(w.groups, g)
	return g
}

func (w *world) key(cmd input.Command) {
	if cmd.Name == string(input.ActionToggleOverlay) {
		if w.visible {
			w.visible = false
		} else {
			w.show()
		}
		return
	}
	if !w.visible {
		return
	}

	switch w.mode {
	case modeNaming:
		switch cmd.Name {
		case "literal", "text":
			w.name += cmd.Key
		case string(input.ActionConfirm):
			g := w.newGroup(w.name, "grey")
			w.moveTo(g.id, w.targets())
		case string(input.ActionCancel):
			w.mode = modeList
		}
	case modeSearch:
		switch cmd.Name {
		case "literal", "text":
			w.query += cmd.Key
			w.cursor = 0
		case string(input.ActionConfirm):
			w.mode = modeList
		case string(input.ActionCancel):
			w.query = ""
			w.mode = modeList
		}
	case modeMenu:
		// Entry 0 is "New group", then the existing groups.
		switch cmd.Name {
		case string(input.ActionDown):
			if w.menuPos < len(w.liveGroups()) {
				w.menuPos++
			}
		case string(input.ActionUp):
			if w.menuPos > 0 {
				w.menuPos--
			}
		case string(input.ActionConfirm):
			if w.menuPos == 0 {
				w.mode = modeNaming
				w.name = ""
				return
			}
			w.moveTo(w.liveGroups()[w.menuPos-1].id, w.targets())
		case string(input.ActionCancel):
			w.mode = modeList
		}
	default:
		list := w.listed()
		switch cmd.Name {
		case string(input.ActionDown):
			if w.cursor < len(list)-1 {
				w.cursor++
			}
		case string(input.ActionUp):
			if w.cursor > 0 {
				w.cursor--
			}
		case string(input.ActionSelectToggle):
			if w.cursor < len(list) {
				id := list[w.cursor].id
				w.selected[id] = !w.selected[id]
			}
		case string(input.ActionSelectAll):
			for _, t := range list {
				w.selected[t.id] = true
			}
		case string(input.ActionMark):
			w.mode = modeMenu
			w.menuPos = 0
		case string(input.ActionSearch):
			w.mode = modeSearch
			w.query = ""
		case string(input.ActionClose):
			w.closeTabs(w.targets())
		case string(input.ActionConfirm):
			if w.cursor < len(list) {
				for _, t := range w.tabs {
					t.active = t == list[w.cursor]
				}
			}
			w.visible = false
		case string(input.ActionCancel):
			w.visible = false
		}
	}
}

// Inject implements input.Injector.
func (w *world) Inject(ctx context.Context, cmd input.Command) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.injectErr != nil {
		return w.injectErr
	}
	w.injected = append(w.injected, cmd.Name)
	if !w.dropKeys {
		w.key(cmd)
	}
	return nil
}

// ClickStatusMenuItem implements input.Injector.
func (w *world) ClickStatusMenuItem(ctx context.Context, process, item string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.injectErr != nil {
		return w.injectErr
	}
	w.injected = append(w.injected, "menu:"+process+":"+item)
	if item == "Quit" && !w.ignoreQuit {
		w.daemonExited = true
		w.guiRunning = false
	}
	return nil
}

type jsTab struct {
	ID      int    `json:"id"`
	Title   string `json:"title"`
	URL     string `json:"url"`
	Active  bool   `json:"active"`
	GroupID int    `json:"groupId"`
}

// Evaluate implements bridge.Evaluator by recognising the bridge's scripts.
func (w *world) Evaluate(ctx context.Context, expr string, out any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var result any
	switch {
	case strings.Contains(expr, "chrome.tabs.group("):
		i := strings.LastIndex(expr, "})(")
		var args struct {
			Titles []string `json:"titles"`
			Title  string   `json:"title"`
			Color  string   `json:"color"`
		}
		if i < 0 || json.Unmarshal([]byte(strings.TrimSuffix(expr[i+3:], ")")), &args) != nil {
			return errors.New("bad group arguments")
		}
		var members []*simTab
		for _, t := range w.tabs {
			for _, title := range args.Titles {
				if t.title == title {
					members = append(members, t)
				}
			}
		}
		if len(members) == 0 {
			return fmt.Errorf("no tabs titled %v", args.Titles)
		}
		g := w.newGroup(args.Title, args.Color)
		for _, t := range members {
			t.group = g.id
		}
		result = g.id
	case strings.Contains(expr, "chrome.tabGroups.query"):
		groups := []bridge.TabGroupRecord{}
		for _, g := range w.liveGroups() {
			groups = append(groups, bridge.TabGroupRecord{ID: g.id, Title: g.title, Color: g.color, TabCount: w.countIn(g.id)})
		}
		result = groups
	case strings.Contains(expr, "TAB_GROUP_ID_NONE"):
		result = w.countIn(-1)
	case strings.Contains(expr, "active: true"):
		tabs := []jsTab{}
		for _, t := range w.tabs {
			if t.active {
				tabs = append(tabs, t.js())
			}
		}
		result = tabs
	case strings.Contains(expr, "chrome.tabs.query({}"):
		tabs := []jsTab{}
		for _, t := range w.tabs {
			tabs = append(tabs, t.js())
		}
		result = tabs
	default:
		return fmt.Errorf("unexpected expression %q", expr)
	}

	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (t *simTab) js() jsTab {
	return jsTab{ID: t.id, Title: t.title, URL: t.url, Active: t.active, GroupID: t.group}
}

func (w *world) injectedNames() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.injected...)
}

// fakeBrowser opens tabs in the world and attaches to it as the extension.
type fakeBrowser struct {
	w         *world
	attachErr error
	closed    bool
	onAttach  func()
}

func (b *fakeBrowser) OpenTab(ctx context.Context, url, title string) error {
	b.w.openTab(url, title)
	return nil
}

func (b *fakeBrowser) AttachExtension(ctx context.Context, opts bridge.AttachOptions) (*bridge.Extension, error) {
	if b.attachErr != nil {
		return nil, b.attachErr
	}
	if b.onAttach != nil {
		b.onAttach()
	}
	t := bridge.Target{ID: "sw", Type: "service_worker", URL: "chrome-extension://lotab/background.js"}
	return bridge.NewExtension(t, b.w), nil
}

func (b *fakeBrowser) Close() error {
	b.closed = true
	return nil
}

// fakeDaemon is a DaemonHandle backed by the world.
type fakeDaemon struct {
	w      *world
	output string
}

func (d *fakeDaemon) Exited() bool {
	d.w.mu.Lock()
	defer d.w.mu.Unlock()
	return d.w.daemonExited
}

func (d *fakeDaemon) OutputTail(n int) string {
	return d.output
}

// fakeProcesses records supervisor calls.
type fakeProcesses struct {
	w        *world
	startErr error
	// onStop runs during Stop, where the real GUI flushes its manifest.
	onStop    func(args []string)
	remaining []supervisor.Process

	mu     sync.Mutex
	args   []string
	starts int
	stops  int
}

func (p *fakeProcesses) Start(ctx context.Context, args []string) (DaemonHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.starts++
	p.args = args
	if p.startErr != nil {
		return nil, p.startErr
	}
	return &fakeDaemon{w: p.w, output: "lotab_daemon: listening on 127.0.0.1:9001"}, nil
}

func (p *fakeProcesses) Stop(ctx context.Context, h DaemonHandle) supervisor.StopResult {
	p.mu.Lock()
	p.stops++
	args := p.args
	p.mu.Unlock()
	if p.onStop != nil && h != nil {
		p.onStop(args)
	}
	p.w.mu.Lock()
	already := p.w.daemonExited
	p.w.daemonExited = true
	p.w.guiRunning = false
	p.w.mu.Unlock()
	return supervisor.StopResult{AlreadyExited: already, Status: "exit status 0"}
}

func (p *fakeProcesses) GUI(ctx context.Context, h DaemonHandle) ([]supervisor.Process, error) {
	p.w.mu.Lock()
	defer p.w.mu.Unlock()
	if !p.w.guiRunning {
		return nil, nil
	}
	return []supervisor.Process{{PID: 4242, Name: "Lotab"}}, nil
}

func (p *fakeProcesses) Remaining(ctx context.Context) ([]supervisor.Process, error) {
	return p.remaining, nil
}

func (p *fakeProcesses) DaemonName() string {
	return "lotab_daemon"
}

func (p *fakeProcesses) counts() (starts, stops int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts, p.stops
}

type rig struct {
	w       *world
	procs   *fakeProcesses
	browser *fakeBrowser
	orch    *Orchestrator
	opts    Options
}

func fastTiming() Timing {
	return Timing{
		ConvergeTimeout: 300 * time.Millisecond,
		PollInterval:    5 * time.Millisecond,
		OverlaySettle:   time.Millisecond,
		ConnectTimeout:  2 * time.Second,
		ResponseTimeout: 2 * time.Second,
	}
}

func newRig(t *testing.T) *rig {
	t.Helper()
	w := newWorld()
	r := &rig{
		w:       w,
		procs:   &fakeProcesses{w: w},
		browser: &fakeBrowser{w: w},
	}
	r.opts = Options{
		Processes:   r.procs,
		Browser:     func(ctx context.Context) (Browser, error) { return r.browser, nil },
		Input:       input.NewDispatcher(w, 0),
		ChannelAddr: "127.0.0.1:0",
		ManifestDir: t.TempDir(),
		Timing:      fastTiming(),
	}
	r.orch = New(r.opts)
	return r
}

// rebuild applies changes made to r.opts.
func (r *rig) rebuild() {
	r.orch = New(r.opts)
}

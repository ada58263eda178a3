package scenario

import (
	"context"
	"fmt"
	"sort"
	"strings"

	apperrors "github.com/lotab/harness/internal/errors"
	"github.com/lotab/harness/internal/input"
	"github.com/lotab/harness/internal/manifest"
)

// Fixture tabs opened by the browser scenarios. Titles are fixed so
// assertions never depend on page content.
var fixtureTabs = []struct{ URL, Title string }{
	{"https://example.com", "Tab 1"},
	{"https://example.org", "Tab 2"},
	{"https://example.net", "Tab 3"},
}

var uiNeeds = Needs{Daemon: true, Browser: true, Input: true}

var catalog = []Scenario{
	{
		Name:        "navigation",
		Description: "Toggle the overlay, move down and confirm; exactly one fixture tab ends up active.",
		Needs:       uiNeeds,
		Steps:       navigation,
	},
	{
		Name:        "close-via-navigate",
		Description: "Move to a tab and close it with x.",
		Needs:       uiNeeds,
		Steps:       closeViaNavigate,
	},
	{
		Name:        "close-via-search",
		Description: "Search for \"Tab 2\" and close the match.",
		Needs:       uiNeeds,
		Steps:       closeViaSearch,
	},
	{
		Name:        "close-via-select",
		Description: "Select two tabs with space and close the selection.",
		Needs:       uiNeeds,
		Steps:       closeViaSelect,
	},
	{
		Name:        "create-group",
		Description: "Select two tabs and move them into a new group named test-group.",
		Needs:       uiNeeds,
		Steps:       createGroup,
	},
	{
		Name:        "assign-existing-group",
		Description: "Select every tab and move them into the existing \"tab group 1\".",
		Needs:       uiNeeds,
		Steps:       assignExistingGroup,
	},
	{
		Name:        "incremental-group",
		Description: "Create a group from one tab, add a second tab to it, then check the GUI manifest.",
		Needs:       Needs{Daemon: true, Manifests: true, Browser: true, Input: true},
		Steps:       incrementalGroup,
		Verify:      verifyIncrementalGroup,
	},
	{
		Name:        "quit-via-menu",
		Description: "Quit from the status bar menu; daemon and GUI both exit.",
		Needs:       Needs{Daemon: true, Input: true},
		Steps:       quitViaMenu,
	},
	{
		Name:        "protocol",
		Description: "Stand in for the daemon and validate the extension's AllTabsInfo response.",
		Needs:       Needs{Browser: true, Channel: true},
		Steps:       protocolInventory,
	},
}

// Catalog returns every built-in scenario.
func Catalog() []Scenario {
	return append([]Scenario(nil), catalog...)
}

// Names lists the built-in scenario names, sorted.
func Names() []string {
	names := make([]string, len(catalog))
	for i, sc := range catalog {
		names[i] = sc.Name
	}
	sort.Strings(names)
	return names
}

// Lookup finds a built-in scenario by name.
func Lookup(name string) (Scenario, bool) {
	for _, sc := range catalog {
		if sc.Name == name {
			return sc, true
		}
	}
	return Scenario{}, false
}

// Select resolves names in the given order. An empty list selects the whole
// catalog. Unknown names are an error listing every one of them.
func Select(names []string) ([]Scenario, error) {
	if len(names) == 0 {
		return Catalog(), nil
	}
	var out []Scenario
	var unknown []string
	seen := make(map[string]bool)
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		sc, ok := Lookup(n)
		if !ok {
			unknown = append(unknown, n)
			continue
		}
		out = append(out, sc)
	}
	if len(unknown) > 0 {
		return nil, apperrors.New(apperrors.CodeScenarioUnknown,
			fmt.Sprintf("unknown scenario(s) %s; known: %s", strings.Join(unknown, ", "), strings.Join(Names(), ", ")))
	}
	return out, nil
}

func fixtureTitles(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fixtureTabs[i].Title
	}
	return out
}

// openFixtures opens the first n fixture tabs and waits until the extension
// sees all of them.
func openFixtures(r *Run, n int) error {
	for _, tab := range fixtureTabs[:n] {
		if err := r.OpenTab(tab.URL, tab.Title); err != nil {
			return err
		}
	}
	return r.Expect(fmt.Sprintf("%d fixture tabs open", n), TabCount(n))
}

func navigation(r *Run) error {
	if err := openFixtures(r, 3); err != nil {
		return err
	}
	originals := fixtureTitles(3)
	for i := 0; i < 2; i++ {
		if err := r.ToggleOverlay(); err != nil {
			return err
		}
		if err := r.Act(input.ActionDown, input.ActionConfirm); err != nil {
			return err
		}
		what := fmt.Sprintf("navigation pass %d", i+1)
		if err := r.Expect(what, All(TabCount(3), OneActiveAmong(originals...))); err != nil {
			return err
		}
	}
	return nil
}

func closeViaNavigate(r *Run) error {
	if err := openFixtures(r, 3); err != nil {
		return err
	}
	if err := r.ToggleOverlay(); err != nil {
		return err
	}
	if err := r.Act(input.ActionDown, input.ActionClose); err != nil {
		return err
	}
	return r.Expect("one tab closed", SurvivorsAmong(fixtureTitles(3), 2))
}

func closeViaSearch(r *Run) error {
	if err := openFixtures(r, 3); err != nil {
		return err
	}
	if err := r.ToggleOverlay(); err != nil {
		return err
	}
	if err := r.Act(input.ActionSearch); err != nil {
		return err
	}
	if err := r.Type("Tab 2", false); err != nil {
		return err
	}
	if err := r.Act(input.ActionConfirm, input.ActionClose); err != nil {
		return err
	}
	return r.Expect("Tab 2 closed", All(TabCount(2), NoTabTitled("Tab 2")))
}

func closeViaSelect(r *Run) error {
	if err := openFixtures(r, 3); err != nil {
		return err
	}
	if err := r.ToggleOverlay(); err != nil {
		return err
	}
	err := r.Act(input.ActionDown, input.ActionSelectToggle, input.ActionDown, input.ActionSelectToggle, input.ActionClose)
	if err != nil {
		return err
	}
	return r.Expect("selected tabs closed", SurvivorsAmong(fixtureTitles(3), 1))
}

func createGroup(r *Run) error {
	if err := openFixtures(r, 3); err != nil {
		return err
	}
	if err := r.Expect("no groups yet", GroupCount(0)); err != nil {
		return err
	}
	if err := r.ToggleOverlay(); err != nil {
		return err
	}
	err := r.Act(input.ActionDown, input.ActionSelectToggle, input.ActionDown, input.ActionSelectToggle,
		input.ActionMark, input.ActionConfirm)
	if err != nil {
		return err
	}
	if err := r.Type("test-group", false); err != nil {
		return err
	}
	if err := r.Act(input.ActionConfirm); err != nil {
		return err
	}
	return r.Expect("test-group created", All(GroupCount(1), GroupWithTabs("test-group", 2)))
}

func assignExistingGroup(r *Run) error {
	if err := openFixtures(r, 3); err != nil {
		return err
	}
	if _, err := r.Extension().GroupTabsByTitle(r.Context(), []string{"Tab 1"}, "tab group 1", "blue"); err != nil {
		return err
	}
	if err := r.Expect("tab group 1 exists", GroupWithTabs("tab group 1", 1)); err != nil {
		return err
	}
	if err := r.ToggleOverlay(); err != nil {
		return err
	}
	if err := r.Act(input.ActionSelectAll, input.ActionMark, input.ActionDown, input.ActionConfirm); err != nil {
		return err
	}
	return r.Expect("all tabs in tab group 1", All(GroupCount(1), GroupWithTabs("tab group 1", 3)))
}

func incrementalGroup(r *Run) error {
	if err := openFixtures(r, 2); err != nil {
		return err
	}

	if err := r.ToggleOverlay(); err != nil {
		return err
	}
	if err := r.Act(input.ActionSelectToggle, input.ActionMark, input.ActionConfirm); err != nil {
		return err
	}
	if err := r.Type("new-group", true); err != nil {
		return err
	}
	if err := r.Act(input.ActionConfirm, input.ActionCancel); err != nil {
		return err
	}
	if err := r.Expect("new-group holds one tab", All(GroupCount(1), GroupWithTabs("new-group", 1), Ungrouped(1))); err != nil {
		return err
	}

	if err := r.ToggleOverlay(); err != nil {
		return err
	}
	if err := r.Act(input.ActionDown, input.ActionSelectToggle, input.ActionMark, input.ActionDown,
		input.ActionConfirm, input.ActionCancel); err != nil {
		return err
	}
	return r.Expect("new-group holds both tabs", All(GroupCount(1), GroupWithTabs("new-group", 2), Ungrouped(0)))
}

func verifyIncrementalGroup(r *Run, m manifest.Pair) error {
	if m.GUI == nil {
		r.report.addBestEffort("GUI manifest not written; task list unchecked")
		return nil
	}
	if len(m.GUI.Tasks) != 1 || !m.GUI.HasTask("new-group") {
		return apperrors.AssertionFailed(fmt.Sprintf("GUI manifest should list only new-group, has %q", m.GUI.TaskNames()))
	}
	return nil
}

func quitViaMenu(r *Run) error {
	err := r.ExpectCondition("GUI spawned", func(ctx context.Context) (bool, error) {
		gui, err := r.GUIProcesses()
		if err != nil {
			return false, err
		}
		return len(gui) > 0, nil
	})
	if err != nil {
		return err
	}
	if err := r.ClickStatusMenuItem("Quit"); err != nil {
		return err
	}
	return r.ExpectCondition("daemon and GUI exited", func(ctx context.Context) (bool, error) {
		if !r.Daemon().Exited() {
			return false, fmt.Errorf("daemon still running")
		}
		gui, err := r.GUIProcesses()
		if err != nil {
			return false, err
		}
		if len(gui) > 0 {
			return false, fmt.Errorf("%d GUI process(es) still running", len(gui))
		}
		return true, nil
	})
}

func protocolInventory(r *Run) error {
	t := r.Timing()
	inv, err := r.Checker().CheckAllTabsInfo(r.Context(), t.ConnectTimeout, t.ResponseTimeout)
	if err != nil {
		return err
	}
	r.Note("extension reported %d tab(s) and %d group(s)", len(inv.Tabs), len(inv.Groups))
	return nil
}

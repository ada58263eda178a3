package scenario

import (
	"fmt"
	"strings"

	"github.com/lotab/harness/internal/bridge"
)

// TabCount requires exactly n tabs.
func TabCount(n int) Check {
	return func(s *bridge.Snapshot) error {
		if len(s.Tabs) != n {
			return fmt.Errorf("want %d tabs, have %d %q", n, len(s.Tabs), s.TabTitles())
		}
		return nil
	}
}

// SurvivorsAmong requires exactly n tabs with distinct titles, each one of
// originals.
func SurvivorsAmong(originals []string, n int) Check {
	return func(s *bridge.Snapshot) error {
		if len(s.Tabs) != n {
			return fmt.Errorf("want %d tabs, have %d %q", n, len(s.Tabs), s.TabTitles())
		}
		known := make(map[string]bool, len(originals))
		for _, title := range originals {
			known[title] = true
		}
		seen := make(map[string]bool, n)
		for _, t := range s.Tabs {
			if !known[t.Title] {
				return fmt.Errorf("tab %q is not one of %s", t.Title, strings.Join(originals, ", "))
			}
			if seen[t.Title] {
				return fmt.Errorf("tab %q appears more than once in %q", t.Title, s.TabTitles())
			}
			seen[t.Title] = true
		}
		return nil
	}
}

// NoTabTitled requires that no tab has title.
func NoTabTitled(title string) Check {
	return func(s *bridge.Snapshot) error {
		for _, t := range s.Tabs {
			if t.Title == title {
				return fmt.Errorf("tab %q is still open", title)
			}
		}
		return nil
	}
}

// OneActiveAmong requires exactly one active tab whose title is one of
// titles.
func OneActiveAmong(titles ...string) Check {
	return func(s *bridge.Snapshot) error {
		var active []string
		for _, t := range s.Tabs {
			if t.Active {
				active = append(active, t.Title)
			}
		}
		if len(active) != 1 {
			return fmt.Errorf("want exactly one active tab, have %q", active)
		}
		for _, title := range titles {
			if active[0] == title {
				return nil
			}
		}
		return fmt.Errorf("active tab %q is not one of %s", active[0], strings.Join(titles, ", "))
	}
}

// GroupCount requires exactly n tab groups.
func GroupCount(n int) Check {
	return func(s *bridge.Snapshot) error {
		if len(s.Groups) != n {
			return fmt.Errorf("want %d groups, have %d", n, len(s.Groups))
		}
		return nil
	}
}

// GroupWithTabs requires a group titled title holding exactly tabs tabs.
func GroupWithTabs(title string, tabs int) Check {
	return func(s *bridge.Snapshot) error {
		for _, g := range s.Groups {
			if g.Title != title {
				continue
			}
			if g.TabCount != tabs {
				return fmt.Errorf("group %q has %d tabs, want %d", title, g.TabCount, tabs)
			}
			return nil
		}
		return fmt.Errorf("no group titled %q", title)
	}
}

// Ungrouped requires exactly n tabs outside any group.
func Ungrouped(n int) Check {
	return func(s *bridge.Snapshot) error {
		if got := s.Ungrouped(); got != n {
			return fmt.Errorf("want %d ungrouped tabs, have %d", n, got)
		}
		return nil
	}
}

// All combines checks; the first failure wins.
func All(checks ...Check) Check {
	return func(s *bridge.Snapshot) error {
		for _, c := range checks {
			if err := c(s); err != nil {
				return err
			}
		}
		return nil
	}
}

// Package input translates abstract overlay actions into OS-level synthetic
// key events and injects them.
package input

import (
	"fmt"
	"sort"
	"strings"
)

// Modifier is a held key, named the way System Events spells it.
type Modifier string

const (
	ModPrimary Modifier = "command down"
	ModShift   Modifier = "shift down"
	ModOption  Modifier = "option down"
	ModControl Modifier = "control down"
)

// Action names a logical user action.
type Action string

const (
	ActionDown          Action = "down"
	ActionUp            Action = "up"
	ActionConfirm       Action = "confirm"
	ActionCancel        Action = "cancel"
	ActionSelectToggle  Action = "select-toggle"
	ActionMark          Action = "mark"
	ActionSearch        Action = "search"
	ActionClose         Action = "close"
	ActionSelectAll     Action = "select-all"
	ActionToggleOverlay Action = "toggle-overlay"
)

// Command is one entry of the vocabulary. Exactly one of Key and KeyCode is
// meaningful: a non-zero KeyCode is a virtual key, otherwise Key is typed
// literally (and may be several characters long).
type Command struct {
	Name      string
	Key       string
	KeyCode   int
	Modifiers []Modifier
}

// Virtual key codes.
const (
	keyCodeReturn = 36
	keyCodeSpace  = 49
	keyCodeSlash  = 44
	keyCodeEscape = 53
	keyCodeDown   = 125
	keyCodeUp     = 126
)

var vocabulary = map[Action]Command{
	ActionDown:          {Name: string(ActionDown), KeyCode: keyCodeDown},
	ActionUp:            {Name: string(ActionUp), KeyCode: keyCodeUp},
	ActionConfirm:       {Name: string(ActionConfirm), KeyCode: keyCodeReturn},
	ActionCancel:        {Name: string(ActionCancel), KeyCode: keyCodeEscape},
	ActionSelectToggle:  {Name: string(ActionSelectToggle), KeyCode: keyCodeSpace},
	ActionMark:          {Name: string(ActionMark), Key: "m"},
	ActionSearch:        {Name: string(ActionSearch), KeyCode: keyCodeSlash},
	ActionClose:         {Name: string(ActionClose), Key: "x"},
	ActionSelectAll:     {Name: string(ActionSelectAll), Key: "a", Modifiers: []Modifier{ModPrimary}},
	ActionToggleOverlay: {Name: string(ActionToggleOverlay), Key: "j", Modifiers: []Modifier{ModPrimary, ModShift}},
}

// Lookup returns the command for action.
func Lookup(action Action) (Command, bool) {
	cmd, ok := vocabulary[action]
	if !ok {
		return Command{}, false
	}
	cmd.Modifiers = append([]Modifier(nil), cmd.Modifiers...)
	return cmd, true
}

// Actions lists the vocabulary, sorted.
func Actions() []Action {
	out := make([]Action, 0, len(vocabulary))
	for a := range vocabulary {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Literal is a single character key.
func Literal(r rune) Command {
	return Command{Name: "literal", Key: string(r)}
}

// Text types s in one injection.
func Text(s string) Command {
	return Command{Name: "text", Key: s}
}

// With returns a copy of c holding extra modifiers too. Duplicates are dropped.
func (c Command) With(extra ...Modifier) Command {
	mods := append([]Modifier(nil), c.Modifiers...)
	for _, m := range extra {
		dup := false
		for _, have := range mods {
			if have == m {
				dup = true
				break
			}
		}
		if !dup {
			mods = append(mods, m)
		}
	}
	c.Modifiers = mods
	return c
}

func (c Command) String() string {
	key := c.Key
	if c.KeyCode != 0 {
		key = fmt.Sprintf("keycode %d", c.KeyCode)
	}
	if len(c.Modifiers) == 0 {
		return fmt.Sprintf("%s (%s)", c.Name, key)
	}
	mods := make([]string, len(c.Modifiers))
	for i, m := range c.Modifiers {
		mods[i] = strings.TrimSuffix(string(m), " down")
	}
	return fmt.Sprintf("%s (%s+%s)", c.Name, key, strings.Join(mods, "+"))
}

// ParseModifier accepts "primary", "cmd", "shift", "option", "alt", "control", "ctrl".
func ParseModifier(s string) (Modifier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "primary", "cmd", "command":
		return ModPrimary, nil
	case "shift":
		return ModShift, nil
	case "option", "alt":
		return ModOption, nil
	case "control", "ctrl":
		return ModControl, nil
	}
	return "", fmt.Errorf("unknown modifier %q", s)
}

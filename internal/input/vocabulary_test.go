package input

import (
	"reflect"
	"testing"
)

func TestLookup(t *testing.T) {
	tests := []struct {
		action  Action
		key     string
		keyCode int
		mods    []Modifier
	}{
		{ActionDown, "", 125, nil},
		{ActionUp, "", 126, nil},
		{ActionConfirm, "", 36, nil},
		{ActionCancel, "", 53, nil},
		{ActionSelectToggle, "", 49, nil},
		{ActionSearch, "", 44, nil},
		{ActionMark, "m", 0, nil},
		{ActionClose, "x", 0, nil},
		{ActionSelectAll, "a", 0, []Modifier{ModPrimary}},
		{ActionToggleOverlay, "j", 0, []Modifier{ModPrimary, ModShift}},
	}
	for _, tt := range tests {
		t.Run(string(tt.action), func(t *testing.T) {
			cmd, ok := Lookup(tt.action)
			if !ok {
				t.Fatalf("Lookup(%q) not found", tt.action)
			}
			if cmd.Key != tt.key || cmd.KeyCode != tt.keyCode {
				t.Errorf("key = %q/%d, want %q/%d", cmd.Key, cmd.KeyCode, tt.key, tt.keyCode)
			}
			if len(cmd.Modifiers) != len(tt.mods) || (len(tt.mods) > 0 && !reflect.DeepEqual(cmd.Modifiers, tt.mods)) {
				t.Errorf("modifiers = %v, want %v", cmd.Modifiers, tt.mods)
			}
		})
	}

	if _, ok := Lookup("dance"); ok {
		t.Error("unknown action should not resolve")
	}
}

func TestLookupReturnsCopy(t *testing.T) {
	cmd, _ := Lookup(ActionSelectAll)
	cmd.Modifiers[0] = ModControl

	again, _ := Lookup(ActionSelectAll)
	if again.Modifiers[0] != ModPrimary {
		t.Error("mutating a looked-up command changed the vocabulary")
	}
}

func TestCommandWith(t *testing.T) {
	cmd, _ := Lookup(ActionSelectAll)
	got := cmd.With(ModShift, ModPrimary)
	want := []Modifier{ModPrimary, ModShift}
	if !reflect.DeepEqual(got.Modifiers, want) {
		t.Errorf("With() modifiers = %v, want %v", got.Modifiers, want)
	}
	if len(cmd.Modifiers) != 1 {
		t.Error("With() must not modify the receiver")
	}
}

func TestCommandString(t *testing.T) {
	cmd, _ := Lookup(ActionToggleOverlay)
	if got := cmd.String(); got != "toggle-overlay (j+command+shift)" {
		t.Errorf("String() = %q", got)
	}
	down, _ := Lookup(ActionDown)
	if got := down.String(); got != "down (keycode 125)" {
		t.Errorf("String() = %q", got)
	}
}

func TestActionsSorted(t *testing.T) {
	actions := Actions()
	if len(actions) != 10 {
		t.Fatalf("Actions() returned %d entries", len(actions))
	}
	for i := 1; i < len(actions); i++ {
		if actions[i-1] >= actions[i] {
			t.Errorf("Actions() not sorted at %d: %v", i, actions)
		}
	}
}

func TestParseModifier(t *testing.T) {
	for in, want := range map[string]Modifier{
		"primary": ModPrimary,
		"CMD":     ModPrimary,
		"shift":   ModShift,
		"alt":     ModOption,
		"ctrl":    ModControl,
	} {
		got, err := ParseModifier(in)
		if err != nil || got != want {
			t.Errorf("ParseModifier(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseModifier("hyper"); err == nil {
		t.Error("ParseModifier(hyper) should fail")
	}
}

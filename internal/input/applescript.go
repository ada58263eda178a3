package input

import (
	"fmt"
	"strings"
)

// keystrokeScript renders a System Events statement for cmd.
func keystrokeScript(cmd Command) string {
	var b strings.Builder
	b.WriteString(`tell application "System Events" to `)
	if cmd.KeyCode != 0 {
		fmt.Fprintf(&b, "key code %d", cmd.KeyCode)
	} else {
		fmt.Fprintf(&b, "keystroke %s", quoteAppleScript(cmd.Key))
	}
	if len(cmd.Modifiers) > 0 {
		mods := make([]string, len(cmd.Modifiers))
		for i, m := range cmd.Modifiers {
			mods[i] = string(m)
		}
		fmt.Fprintf(&b, " using {%s}", strings.Join(mods, ", "))
	}
	return b.String()
}

// statusMenuScript clicks item in the menu of process's status bar item.
// Status items live in menu bar 2 when the app also owns a regular menu bar.
// Errors are returned as text prefixed with "ERROR:" so the caller can tell
// a script failure from a permission failure.
func statusMenuScript(process, item string) string {
	return fmt.Sprintf(`tell application "System Events"
	try
		tell process %s
			if exists (menu bar item 1 of menu bar 1) then
				set statusItem to first menu bar item of menu bar 1
			else
				set statusItem to first menu bar item of menu bar 2
			end if
			click statusItem
			delay 0.5
			click menu item %s of menu 1 of statusItem
		end tell
	on error errMsg
		return "ERROR: " & errMsg
	end try
end tell`, quoteAppleScript(process), quoteAppleScript(item))
}

func quoteAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/lotab/harness/internal/manifest"
)

// runManifest implements `lotab-harness manifest <path>`.
func runManifest(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("manifest", flag.ContinueOnError)
	fs.SetOutput(stderr)

	role := fs.String("role", "gui", "Which process wrote the manifest: gui or daemon")
	task := fs.String("task", "", "Fail unless the manifest lists a task with this name")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: lotab-harness manifest [options] <path>\n\nLoad a manifest written by the daemon or GUI at exit.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if code, stop := parseFlags(fs, args); stop {
		return code
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 1
	}
	path := fs.Arg(0)

	var r manifest.Role
	switch *role {
	case string(manifest.RoleGUI):
		r = manifest.RoleGUI
	case string(manifest.RoleDaemon):
		r = manifest.RoleDaemon
	default:
		fmt.Fprintf(stderr, "Error: --role must be gui or daemon (got %q)\n", *role)
		return 1
	}
	if *task != "" && r != manifest.RoleGUI {
		fmt.Fprintln(stderr, "Error: --task only applies to GUI manifests")
		return 1
	}

	m, err := manifest.Load(path, r)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if m == nil {
		fmt.Fprintf(stdout, "%s: nothing persisted\n", path)
		if *task != "" {
			fmt.Fprintf(stderr, "Error: task %q not found\n", *task)
			return 1
		}
		return 0
	}

	fmt.Fprintf(stdout, "%s manifest %s\n", m.Role, m.Path)
	if r == manifest.RoleGUI {
		fmt.Fprintf(stdout, "Tasks (%d):\n", len(m.Tasks))
		for _, name := range m.TaskNames() {
			fmt.Fprintf(stdout, "  %s\n", name)
		}
	}
	fmt.Fprintln(stdout, m.JSON())

	if *task != "" && !m.HasTask(*task) {
		fmt.Fprintf(stderr, "Error: task %q not found (have %q)\n", *task, m.TaskNames())
		return 1
	}
	return 0
}

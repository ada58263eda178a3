package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/lotab/harness/internal/scenario"
)

// scenarioInfo is one entry of `lotab-harness list --json`.
type scenarioInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Needs       []string `json:"needs"`
}

func needsList(n scenario.Needs) []string {
	var out []string
	if n.Daemon {
		out = append(out, "daemon")
	}
	if n.Manifests {
		out = append(out, "manifests")
	}
	if n.Browser {
		out = append(out, "browser")
	}
	if n.Input {
		out = append(out, "input")
	}
	if n.Channel {
		out = append(out, "channel")
	}
	return out
}

// runList implements `lotab-harness list`.
func runList(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jsonMode := fs.Bool("json", false, "Output in JSON format")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: lotab-harness list [--json]\n\nList the scenario catalog.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if code, stop := parseFlags(fs, args); stop {
		return code
	}

	var infos []scenarioInfo
	for _, name := range scenario.Names() {
		sc, _ := scenario.Lookup(name)
		infos = append(infos, scenarioInfo{
			Name:        sc.Name,
			Description: sc.Description,
			Needs:       needsList(sc.Needs),
		})
	}

	if *jsonMode {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(infos); err != nil {
			fmt.Fprintf(stderr, "Error: failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tNEEDS\tDESCRIPTION")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\t%s\n", info.Name, strings.Join(info.Needs, ","), info.Description)
	}
	w.Flush()
	return 0
}

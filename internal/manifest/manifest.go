// Package manifest reads the state snapshots the daemon and GUI write at
// exit. A missing or empty file means nothing was persisted and is not an
// error.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	apperrors "github.com/lotab/harness/internal/errors"
)

// Role identifies which process wrote a manifest.
type Role string

const (
	RoleDaemon Role = "daemon"
	RoleGUI    Role = "gui"
)

// Task is one persisted task record. Name is the only field assertions use;
// the rest are kept verbatim.
type Task struct {
	Name   string
	Fields map[string]any
}

// Manifest is a parsed snapshot. Read-only once loaded.
type Manifest struct {
	Role Role
	Path string
	// Doc is the whole decoded document. The daemon's shape is opaque.
	Doc any
	// Tasks is set for GUI manifests, in file order.
	Tasks []Task
}

// Load reads path. It returns (nil, nil) when the file is missing or holds
// only whitespace. A file that does not parse yields a ManifestCorrupt error,
// which callers treat as a warning.
func Load(path string, role Role) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.ManifestCorrupt(path, err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	m := &Manifest{Role: role, Path: path}
	if err := json.Unmarshal(data, &m.Doc); err != nil {
		return nil, apperrors.ManifestCorrupt(path, err)
	}
	if role == RoleGUI {
		tasks, err := parseTasks(data)
		if err != nil {
			return nil, apperrors.ManifestCorrupt(path, err)
		}
		m.Tasks = tasks
	}
	return m, nil
}

func parseTasks(data []byte) ([]Task, error) {
	var doc struct {
		Tasks []map[string]any `json:"tasks"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	tasks := make([]Task, 0, len(doc.Tasks))
	for i, raw := range doc.Tasks {
		name, ok := raw["name"].(string)
		if !ok {
			return nil, fmt.Errorf("task %d has no string name", i)
		}
		tasks = append(tasks, Task{Name: name, Fields: raw})
	}
	return tasks, nil
}

// HasTask reports whether a task named name was persisted.
func (m *Manifest) HasTask(name string) bool {
	if m == nil {
		return false
	}
	for _, t := range m.Tasks {
		if t.Name == name {
			return true
		}
	}
	return false
}

// TaskNames lists task names in file order.
func (m *Manifest) TaskNames() []string {
	if m == nil {
		return nil
	}
	names := make([]string, len(m.Tasks))
	for i, t := range m.Tasks {
		names[i] = t.Name
	}
	return names
}

// JSON renders the document for reports. A nil manifest renders as "null".
func (m *Manifest) JSON() string {
	if m == nil {
		return "null"
	}
	b, err := json.MarshalIndent(m.Doc, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", m.Doc)
	}
	return string(b)
}

// Paths is the per-run pair of manifest locations handed to the daemon.
type Paths struct {
	Daemon string
	GUI    string
}

// TempPaths creates two empty files under dir ("" means the system temp dir).
func TempPaths(dir string) (Paths, error) {
	d, err := os.CreateTemp(dir, "lotab-daemon-*.json")
	if err != nil {
		return Paths{}, err
	}
	d.Close()
	g, err := os.CreateTemp(dir, "lotab-gui-*.json")
	if err != nil {
		os.Remove(d.Name())
		return Paths{}, err
	}
	g.Close()
	return Paths{Daemon: filepath.Clean(d.Name()), GUI: filepath.Clean(g.Name())}, nil
}

// Remove deletes both files. Missing files are fine.
func (p Paths) Remove() error {
	var firstErr error
	for _, path := range []string{p.Daemon, p.GUI} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Pair holds both roles after teardown.
type Pair struct {
	Daemon *Manifest
	GUI    *Manifest
	// Warnings collects ManifestCorrupt findings.
	Warnings []error
}

// LoadPair loads both manifests. Corruption lands in Warnings instead of
// failing.
func LoadPair(p Paths) Pair {
	var out Pair
	if p.Daemon != "" {
		m, err := Load(p.Daemon, RoleDaemon)
		if err != nil {
			out.Warnings = append(out.Warnings, err)
		}
		out.Daemon = m
	}
	if p.GUI != "" {
		m, err := Load(p.GUI, RoleGUI)
		if err != nil {
			out.Warnings = append(out.Warnings, err)
		}
		out.GUI = m
	}
	return out
}

// Package fsys reads deployable services from disk. A service is a
// directory under the services root containing a config.json; the
// directory name is the service name.
package fsys

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Filesystem lists service directories and reads their configs.
type Filesystem interface {
	List() ([]string, error)
	ConfigByName(name string) (map[string]any, error)
}

// DirFilesystem is the production Filesystem rooted at a directory.
type DirFilesystem struct {
	root string
}

// NewDirFilesystem returns a filesystem rooted at root.
func NewDirFilesystem(root string) *DirFilesystem {
	return &DirFilesystem{root: root}
}

// List returns the names of all service directories under the root.
func (f *DirFilesystem) List() ([]string, error) {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		return nil, fmt.Errorf("read services root: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

// ConfigByName reads and parses <root>/<name>/config.json. The top
// level of the config must be a JSON object. A config naming an
// ansible playbook gets its step names read from the playbook unless
// it already lists steps explicitly.
func (f *DirFilesystem) ConfigByName(name string) (map[string]any, error) {
	raw, err := os.ReadFile(filepath.Join(f.root, name, "config.json"))
	if err != nil {
		return nil, fmt.Errorf("read service config: %w", err)
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse service config for %s: %w", name, err)
	}
	if data == nil {
		return nil, fmt.Errorf("service config for %s is empty", name)
	}

	if playbook, ok := data["ansible_playbook"].(string); ok && playbook != "" {
		if _, listed := data["steps"]; !listed {
			playbook = strings.ReplaceAll(playbook, "/", "")
			names, err := StepNamesFromPlaybook(filepath.Join(f.root, name, playbook))
			if err != nil {
				return nil, fmt.Errorf("steps from playbook for %s: %w", name, err)
			}
			steps := make([]any, 0, len(names))
			for _, step := range names {
				steps = append(steps, step)
			}
			data["steps"] = steps
		}
	}
	return data, nil
}

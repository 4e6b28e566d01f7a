package fsys

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// play mirrors the subset of an ansible play we care about: the task
// names become deployment step names.
type play struct {
	Tasks []struct {
		Name string `yaml:"name"`
	} `yaml:"tasks"`
}

// StepNamesFromPlaybook extracts step names from an ansible playbook.
// Ansible always runs fact gathering first, so "Gathering Facts" is
// prepended ahead of the named tasks.
func StepNamesFromPlaybook(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read playbook: %w", err)
	}
	var plays []play
	if err := yaml.Unmarshal(raw, &plays); err != nil {
		return nil, fmt.Errorf("parse playbook: %w", err)
	}

	names := []string{"Gathering Facts"}
	for _, p := range plays {
		for _, task := range p.Tasks {
			if task.Name == "" {
				continue
			}
			names = append(names, task.Name)
		}
	}
	return names, nil
}

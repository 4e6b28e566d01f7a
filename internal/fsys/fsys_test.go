package fsys

import (
	"os"
	"path/filepath"
	"testing"
)

func writeService(t *testing.T, root, name, config string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if config != "" {
		if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(config), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
}

func TestListReturnsServiceDirectories(t *testing.T) {
	root := t.TempDir()
	writeService(t, root, "blog", `{"deploy_script": "deploy.sh"}`)
	writeService(t, root, "shop", `{}`)
	if err := os.WriteFile(filepath.Join(root, "stray.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	names, err := NewDirFilesystem(root).List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("expected 2 services, got %v", names)
	}
}

func TestConfigByNameParsesJSON(t *testing.T) {
	root := t.TempDir()
	writeService(t, root, "blog", `{"deploy_script": "deploy.sh", "steps": ["build", "release"]}`)

	data, err := NewDirFilesystem(root).ConfigByName("blog")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if data["deploy_script"] != "deploy.sh" {
		t.Fatalf("unexpected config %v", data)
	}
	steps, ok := data["steps"].([]any)
	if !ok || len(steps) != 2 {
		t.Fatalf("expected steps list, got %v", data["steps"])
	}
}

func TestConfigByNameRejectsNonObject(t *testing.T) {
	root := t.TempDir()
	writeService(t, root, "blog", `["not", "an", "object"]`)

	if _, err := NewDirFilesystem(root).ConfigByName("blog"); err == nil {
		t.Fatalf("expected error for non-object config")
	}
}

func TestConfigByNameMissingFile(t *testing.T) {
	root := t.TempDir()
	writeService(t, root, "blog", "")

	if _, err := NewDirFilesystem(root).ConfigByName("blog"); err == nil {
		t.Fatalf("expected error for missing config")
	}
}

func TestConfigByNameInjectsPlaybookSteps(t *testing.T) {
	root := t.TempDir()
	writeService(t, root, "blog", `{"deploy_script": "deploy.sh", "ansible_playbook": "playbook.yml"}`)
	playbook := `
- hosts: all
  tasks:
    - name: Install packages
      apt:
        name: nginx
`
	if err := os.WriteFile(filepath.Join(root, "blog", "playbook.yml"), []byte(playbook), 0o644); err != nil {
		t.Fatalf("write playbook: %v", err)
	}

	data, err := NewDirFilesystem(root).ConfigByName("blog")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	steps, ok := data["steps"].([]any)
	if !ok || len(steps) != 2 {
		t.Fatalf("expected injected steps, got %v", data["steps"])
	}
	if steps[0] != "Gathering Facts" || steps[1] != "Install packages" {
		t.Fatalf("unexpected steps %v", steps)
	}
}

func TestConfigByNameKeepsExplicitStepsOverPlaybook(t *testing.T) {
	root := t.TempDir()
	writeService(t, root, "blog", `{"ansible_playbook": "missing.yml", "steps": ["build"]}`)

	data, err := NewDirFilesystem(root).ConfigByName("blog")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	steps, ok := data["steps"].([]any)
	if !ok || len(steps) != 1 || steps[0] != "build" {
		t.Fatalf("expected explicit steps to win, got %v", data["steps"])
	}
}

func TestStepNamesFromPlaybook(t *testing.T) {
	playbook := `
- hosts: all
  tasks:
    - name: Install packages
      apt:
        name: nginx
    - name: Restart nginx
      service:
        name: nginx
        state: restarted
    - debug:
        msg: unnamed tasks are skipped
`
	path := filepath.Join(t.TempDir(), "playbook.yml")
	if err := os.WriteFile(path, []byte(playbook), 0o644); err != nil {
		t.Fatalf("write playbook: %v", err)
	}

	names, err := StepNamesFromPlaybook(path)
	if err != nil {
		t.Fatalf("playbook steps: %v", err)
	}
	want := []string{"Gathering Facts", "Install packages", "Restart nginx"}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, names)
		}
	}
}

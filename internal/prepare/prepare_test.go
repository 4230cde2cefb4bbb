package prepare_test

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"adlib/internal/prepare"
	"adlib/internal/study"
)

const decisionTemplate = `description:
    name: decide
    kind: decision
env:
    dependencies:
        paths:
            - name: ADLIB_MENU
              path: /stale/menu.yaml
study:
    - name: choose
      run:
          cmd: choose_next_study
`

const menuTemplate = `name: demo
studies:
  - kind: train
    parameters:
      lr: ["0.1"]
`

func writeInputs(t *testing.T) (decision, menu, studiesDir string) {
	t.Helper()
	base := t.TempDir()
	decision = filepath.Join(base, "decide.yaml")
	menu = filepath.Join(base, "menu.yaml")
	studiesDir = filepath.Join(base, "studies")
	if err := os.MkdirAll(studiesDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(decision, []byte(decisionTemplate), 0o644); err != nil {
		t.Fatalf("write decision: %v", err)
	}
	if err := os.WriteFile(menu, []byte(menuTemplate), 0o644); err != nil {
		t.Fatalf("write menu: %v", err)
	}
	tpl := "description:\n    name: train_template\n    kind: train\n"
	if err := os.WriteFile(filepath.Join(studiesDir, "train.yaml"), []byte(tpl), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}
	return decision, menu, studiesDir
}

func TestPushBuildsSourceTree(t *testing.T) {
	decision, menu, studiesDir := writeInputs(t)
	out := t.TempDir()

	sourceDir, err := prepare.Push(prepare.PushOptions{
		DecisionStudy: decision,
		Menu:          menu,
		StudiesDir:    studiesDir,
		OutputDir:     out,
	})
	if err != nil {
		t.Fatalf("Push: %v", err)
	}

	for _, rel := range []string{
		"decision_study.yaml",
		"menu.yaml",
		filepath.Join("studies", "train.yaml"),
		"decision_study_files",
	} {
		if _, err := os.Stat(filepath.Join(sourceDir, rel)); err != nil {
			t.Fatalf("source tree missing %s: %v", rel, err)
		}
	}
}

func TestPushMissingInputFails(t *testing.T) {
	decision, menu, _ := writeInputs(t)
	_, err := prepare.Push(prepare.PushOptions{
		DecisionStudy: decision,
		Menu:          menu,
		StudiesDir:    filepath.Join(t.TempDir(), "absent"),
		OutputDir:     t.TempDir(),
	})
	if !errors.Is(err, prepare.ErrMissingDependency) {
		t.Fatalf("Push = %v, want ErrMissingDependency", err)
	}
}

// Identical inputs must produce byte-identical trees.
func TestPushIsDeterministic(t *testing.T) {
	decision, menu, studiesDir := writeInputs(t)

	build := func() (string, map[string][]byte) {
		out := t.TempDir()
		sourceDir, err := prepare.Push(prepare.PushOptions{
			DecisionStudy: decision,
			Menu:          menu,
			StudiesDir:    studiesDir,
			OutputDir:     out,
		})
		if err != nil {
			t.Fatalf("Push: %v", err)
		}
		files := make(map[string][]byte)
		err = filepath.WalkDir(sourceDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			rel, _ := filepath.Rel(sourceDir, path)
			data, err := os.ReadFile(path)
			files[rel] = data
			return err
		})
		if err != nil {
			t.Fatalf("walk: %v", err)
		}
		return sourceDir, files
	}

	_, first := build()
	_, second := build()
	if len(first) != len(second) {
		t.Fatalf("tree shape differs: %d vs %d files", len(first), len(second))
	}
	for rel, data := range first {
		if !bytes.Equal(data, second[rel]) {
			t.Fatalf("file %s differs between runs", rel)
		}
	}
}

func TestPullMaterializesWorkerTree(t *testing.T) {
	decision, menu, studiesDir := writeInputs(t)
	sourceDir, err := prepare.Push(prepare.PushOptions{
		DecisionStudy: decision,
		Menu:          menu,
		StudiesDir:    studiesDir,
		OutputDir:     t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Push: %v", err)
	}

	workerRoot := t.TempDir()
	historyPath := filepath.Join(t.TempDir(), "history.yaml")
	tree, err := prepare.Pull(sourceDir, workerRoot, historyPath, nil)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}

	for _, dir := range []string{tree.Inbox, tree.Outbox, tree.Workspace, tree.Studies} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Fatalf("missing worker dir %s: %v", dir, err)
		}
	}

	spec, err := study.ReadFile(tree.DecisionStudy)
	if err != nil {
		t.Fatalf("read decision study: %v", err)
	}
	wantPaths := map[string]string{
		study.EnvInbox:             tree.Inbox,
		study.EnvMenu:              tree.Menu,
		study.EnvStudies:           tree.Studies,
		study.EnvDecisionMakerRoot: tree.DecisionMakerRoot,
	}
	for name, want := range wantPaths {
		got, ok := spec.PathDependency(name)
		if !ok || got != want {
			t.Fatalf("%s = %q (%v), want %q", name, got, ok, want)
		}
	}
	if got, ok := spec.PathDependency(study.EnvHistory); !ok || got == "" {
		t.Fatalf("history path not injected: %q, %v", got, ok)
	}

	// The stale pre-injected entry from the template must be gone.
	data, err := os.ReadFile(tree.DecisionStudy)
	if err != nil {
		t.Fatalf("read decision study: %v", err)
	}
	if bytes.Contains(data, []byte("/stale/menu.yaml")) {
		t.Fatalf("stale injected path survived pull:\n%s", data)
	}
}

func TestPullRejectsInvalidSourceTree(t *testing.T) {
	empty := t.TempDir()
	_, err := prepare.Pull(empty, t.TempDir(), "", nil)
	if !errors.Is(err, prepare.ErrMissingDependency) {
		t.Fatalf("Pull = %v, want ErrMissingDependency", err)
	}
}

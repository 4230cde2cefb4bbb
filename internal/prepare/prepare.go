// Package prepare materializes the directory trees a worker daemon needs:
// Push builds the master-side source tree from a decision study, a menu, and
// the study templates; Pull copies that tree into a worker root and injects
// the fixed path dependencies into the decision study. Both operations are
// deterministic: identical inputs produce byte-identical trees.
package prepare

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"adlib/internal/logging"
	"adlib/internal/study"
)

// ErrMissingDependency marks a referenced input path that does not exist.
var ErrMissingDependency = errors.New("prepare: missing dependency")

const sourceDirName = "source"

// PushOptions are the inputs for building a source tree.
type PushOptions struct {
	// DecisionStudy is the decision study template file.
	DecisionStudy string
	// Menu is the menu file enumerating permitted studies.
	Menu string
	// StudiesDir holds the experimental study templates (*.yaml).
	StudiesDir string
	// DecisionFiles are extra files the decision study depends on.
	DecisionFiles []string
	// StudyFiles are extra files the experimental studies depend on.
	StudyFiles []string
	// OutputDir receives the source tree; defaults to the working directory.
	OutputDir string
	Logger    *slog.Logger
}

// Push builds `<output>/source/` with decision_study.yaml, menu.yaml,
// studies/, decision_study_files/, and optionally studies/study_files/.
// Returns the created source directory.
func Push(opts PushOptions) (string, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.With(logging.String(logging.FieldComponent, "prepare"))

	out := opts.OutputDir
	if out == "" {
		out = "."
	}
	sourceDir := filepath.Join(out, sourceDirName)
	studiesDir := filepath.Join(sourceDir, studiesDirName)
	decisionFilesDir := filepath.Join(sourceDir, decisionFilesDirName)
	for _, dir := range []string{sourceDir, studiesDir, decisionFilesDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create %s: %w", dir, err)
		}
	}

	if err := copyFile(opts.DecisionStudy, filepath.Join(sourceDir, decisionStudyName)); err != nil {
		return "", err
	}
	if err := copyFile(opts.Menu, filepath.Join(sourceDir, menuName)); err != nil {
		return "", err
	}

	templates, err := listYAML(opts.StudiesDir)
	if err != nil {
		return "", err
	}
	for _, name := range templates {
		src := filepath.Join(opts.StudiesDir, name)
		if err := copyFile(src, filepath.Join(studiesDir, name)); err != nil {
			return "", err
		}
	}
	logger.Info("copied study templates",
		logging.Int("count", len(templates)),
		logging.String("source", opts.StudiesDir))

	if err := copyInto(opts.DecisionFiles, decisionFilesDir); err != nil {
		return "", err
	}
	if len(opts.StudyFiles) > 0 {
		studyFilesDir := filepath.Join(studiesDir, studyFilesDirName)
		if err := os.MkdirAll(studyFilesDir, 0o755); err != nil {
			return "", fmt.Errorf("create %s: %w", studyFilesDir, err)
		}
		if err := copyInto(opts.StudyFiles, studyFilesDir); err != nil {
			return "", err
		}
	}
	return sourceDir, nil
}

// Pull verifies a source tree and materializes a worker tree at workerRoot,
// then rewrites the decision study's environment with the worker's fixed
// paths. historyPath points at the shared global history.
func Pull(sourceDir, workerRoot, historyPath string, logger *slog.Logger) (WorkerTree, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.With(logging.String(logging.FieldComponent, "prepare"))

	if err := verifySourceDir(sourceDir, logger); err != nil {
		return WorkerTree{}, err
	}

	tree := NewWorkerTree(workerRoot)
	for _, dir := range tree.Dirs() {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return WorkerTree{}, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	if err := copyTree(sourceDir, tree.DecisionMakerRoot); err != nil {
		return WorkerTree{}, err
	}

	spec, err := study.ReadFile(tree.DecisionStudy)
	if err != nil {
		return WorkerTree{}, fmt.Errorf("read decision study: %w", err)
	}
	paths := map[string]string{
		study.EnvInbox:             tree.Inbox,
		study.EnvMenu:              tree.Menu,
		study.EnvStudies:           tree.Studies,
		study.EnvDecisionMakerRoot: tree.DecisionMakerRoot,
	}
	if historyPath != "" {
		abs, err := filepath.Abs(historyPath)
		if err != nil {
			return WorkerTree{}, fmt.Errorf("resolve history path: %w", err)
		}
		paths[study.EnvHistory] = abs
	}
	if err := spec.InjectPathDependencies(paths); err != nil {
		return WorkerTree{}, err
	}
	if err := spec.WriteFile(tree.DecisionStudy); err != nil {
		return WorkerTree{}, err
	}

	logger.Info("worker tree prepared",
		logging.String("worker_root", workerRoot),
		logging.String("source", sourceDir))
	return tree, nil
}

// verifySourceDir checks the layout Push produces: menu.yaml and a studies
// directory are required, the decision study and the file directories are
// optional, and anything else draws a warning.
func verifySourceDir(sourceDir string, logger *slog.Logger) error {
	entries, err := os.ReadDir(sourceDir)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrMissingDependency, sourceDir)
	}

	expected := map[string]bool{
		decisionStudyName:    false,
		menuName:             false,
		studiesDirName:       false,
		decisionFilesDirName: false,
	}
	for _, entry := range entries {
		if _, ok := expected[entry.Name()]; ok {
			expected[entry.Name()] = true
			continue
		}
		logger.Warn("unexpected entry in source directory",
			logging.String("entry", entry.Name()))
	}
	if !expected[menuName] {
		return fmt.Errorf("%w: %s", ErrMissingDependency, filepath.Join(sourceDir, menuName))
	}
	if !expected[studiesDirName] {
		return fmt.Errorf("%w: %s", ErrMissingDependency, filepath.Join(sourceDir, studiesDirName))
	}
	if !expected[decisionStudyName] {
		return fmt.Errorf("%w: %s", ErrMissingDependency, filepath.Join(sourceDir, decisionStudyName))
	}
	return nil
}

func listYAML(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingDependency, dir)
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".yaml") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func copyInto(files []string, dir string) error {
	sorted := append([]string(nil), files...)
	sort.Strings(sorted)
	for _, src := range sorted {
		if err := copyFile(src, filepath.Join(dir, filepath.Base(src))); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrMissingDependency, src)
		}
		return fmt.Errorf("read %s: %w", src, err)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

// copyTree copies src into dst recursively. WalkDir visits entries in
// lexical order, keeping the copy deterministic.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

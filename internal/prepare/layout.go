package prepare

import "path/filepath"

// Fixed file and directory names inside a worker tree. Decision makers rely
// on these names, so they are part of the on-disk contract.
const (
	privateDirName       = "adlib"
	workspaceDirName     = "workspace"
	inboxDirName         = "inbox"
	outboxDirName        = "outbox"
	decisionMakerDirName = "decision_maker"
	decisionStudyName    = "decision_study.yaml"
	menuName             = "menu.yaml"
	studiesDirName       = "studies"
	studyFilesDirName    = "study_files"
	decisionFilesDirName = "decision_study_files"
	localHistoryName     = ".local_history.yaml"
	cancelMarkerName     = ".cancel.lock"
	termMarkerName       = ".term.lock"
	daemonLockName       = ".daemon.lock"
)

// WorkerTree resolves every path inside one worker's directory tree.
type WorkerTree struct {
	Root              string
	Private           string
	Inbox             string
	Outbox            string
	Workspace         string
	DecisionMakerRoot string
	DecisionStudy     string
	Menu              string
	Studies           string
	LocalHistory      string
	CancelMarker      string
	TermMarker        string
	DaemonLock        string
}

// NewWorkerTree lays out the canonical paths under a worker root.
func NewWorkerTree(root string) WorkerTree {
	private := filepath.Join(root, privateDirName)
	dmRoot := filepath.Join(private, decisionMakerDirName)
	return WorkerTree{
		Root:              root,
		Private:           private,
		Inbox:             filepath.Join(private, inboxDirName),
		Outbox:            filepath.Join(private, outboxDirName),
		Workspace:         filepath.Join(root, workspaceDirName),
		DecisionMakerRoot: dmRoot,
		DecisionStudy:     filepath.Join(dmRoot, decisionStudyName),
		Menu:              filepath.Join(dmRoot, menuName),
		Studies:           filepath.Join(dmRoot, studiesDirName),
		LocalHistory:      filepath.Join(private, localHistoryName),
		CancelMarker:      filepath.Join(root, cancelMarkerName),
		TermMarker:        filepath.Join(root, termMarkerName),
		DaemonLock:        filepath.Join(root, daemonLockName),
	}
}

// Dirs lists the directories a worker tree needs, creation order first.
func (t WorkerTree) Dirs() []string {
	return []string{
		t.Private,
		t.Inbox,
		t.Outbox,
		t.Workspace,
		t.DecisionMakerRoot,
		t.Studies,
	}
}

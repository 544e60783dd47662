package artifact

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Kind names one subtree of a stage's artifact directory
type Kind string

const (
	KindScanResult      Kind = "scan-result"
	KindSBOM            Kind = "sbom"
	KindDependencyGraph Kind = "dependency-graph"
	KindUsageIndex      Kind = "usage-index"
	KindStdout          Kind = "stdout"
	KindEngineLog       Kind = "engine-log"
	KindError           Kind = "error"
	KindRunLog          Kind = "run-log"
)

// Store writes stage artifacts under a deterministic layout:
//
//	<root>/tasks/<taskId>/stages/<stageId>/<kind>/<file>
//
// Embedded references to the executor sandbox root are rewritten to the
// task's workspace so readers never see executor paths.
type Store struct {
	root        string
	sandboxRoot string
	workspaces  *Workspaces

	logMu sync.Mutex
}

// NewStore creates an artifact store rooted at root
func NewStore(root, sandboxRoot string, workspaces *Workspaces) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, "tasks"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact root: %w", err)
	}
	return &Store{root: root, sandboxRoot: strings.TrimRight(sandboxRoot, "/"), workspaces: workspaces}, nil
}

// Path returns the location of an artifact
func (s *Store) Path(taskID, stageID string, kind Kind, file string) string {
	return filepath.Join(s.root, "tasks", taskID, "stages", stageID, string(kind), file)
}

// Write stores content atomically, overwriting a previous write of the same
// artifact, and returns its location and size
func (s *Store) Write(taskID, stageID string, kind Kind, file string, content []byte) (string, int64, error) {
	if err := validName(taskID, stageID, string(kind), file); err != nil {
		return "", 0, err
	}

	content = s.rewriteSandbox(taskID, content)
	dst := s.Path(taskID, stageID, kind, file)
	if err := writeAtomic(dst, content); err != nil {
		return "", 0, err
	}
	return dst, int64(len(content)), nil
}

// Read returns a stored artifact
func (s *Store) Read(taskID, stageID string, kind Kind, file string) ([]byte, error) {
	return os.ReadFile(s.Path(taskID, stageID, kind, file))
}

// AppendTaskLog appends one timestamped line to the task log
func (s *Store) AppendTaskLog(taskID, line string) error {
	if err := validName(taskID); err != nil {
		return err
	}
	dir := filepath.Join(s.root, "tasks", taskID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create task directory: %w", err)
	}

	s.logMu.Lock()
	defer s.logMu.Unlock()

	f, err := os.OpenFile(filepath.Join(dir, "task.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open task log: %w", err)
	}
	defer f.Close()

	_, err = fmt.Fprintf(f, "%s %s\n", time.Now().UTC().Format(time.RFC3339), strings.TrimRight(line, "\n"))
	return err
}

// TaskLog returns the task log contents
func (s *Store) TaskLog(taskID string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.root, "tasks", taskID, "task.log"))
}

// RemoveTask deletes every artifact of a task
func (s *Store) RemoveTask(taskID string) error {
	if err := validName(taskID); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(s.root, "tasks", taskID))
}

func (s *Store) rewriteSandbox(taskID string, content []byte) []byte {
	if s.sandboxRoot == "" || s.workspaces == nil {
		return content
	}
	// Only the root followed by a separator, so "/workspaces" is untouched
	from := []byte(s.sandboxRoot + "/")
	to := []byte(s.workspaces.Path(taskID) + "/")
	return bytes.ReplaceAll(content, from, to)
}

func writeAtomic(dst string, content []byte) error {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close artifact: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return fmt.Errorf("failed to move artifact into place: %w", err)
	}
	return nil
}

func validName(parts ...string) error {
	for _, p := range parts {
		if p == "" || p == "." || p == ".." || strings.ContainsAny(p, `/\`) {
			return fmt.Errorf("invalid artifact path component %q", p)
		}
	}
	return nil
}

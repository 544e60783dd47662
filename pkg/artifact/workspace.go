package artifact

import (
	"fmt"
	"os"
	"path/filepath"
)

// Workspaces manages the per-task working directories of local execution
type Workspaces struct {
	basePath string
}

// NewWorkspaces creates the workspace root if needed
func NewWorkspaces(basePath string) (*Workspaces, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, err
	}
	return &Workspaces{basePath: abs}, nil
}

// Path returns the workspace of a task
func (w *Workspaces) Path(taskID string) string {
	return filepath.Join(w.basePath, taskID)
}

// Create makes the workspace of a task and returns its path
func (w *Workspaces) Create(taskID string) (string, error) {
	if err := validName(taskID); err != nil {
		return "", err
	}
	path := w.Path(taskID)
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", fmt.Errorf("failed to create workspace: %w", err)
	}
	return path, nil
}

// Delete removes the workspace of a task. A missing workspace is not an error.
func (w *Workspaces) Delete(taskID string) error {
	if err := validName(taskID); err != nil {
		return err
	}
	if err := os.RemoveAll(w.Path(taskID)); err != nil {
		return fmt.Errorf("failed to delete workspace: %w", err)
	}
	return nil
}

// Mount returns the host path to bind into an engine sandbox
func (w *Workspaces) Mount(taskID string) (string, error) {
	path := w.Path(taskID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return "", fmt.Errorf("workspace does not exist: %s", path)
	}
	return path, nil
}

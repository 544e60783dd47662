package storage

import (
	"errors"

	"github.com/cuemby/scanplane/pkg/types"
)

// ErrUnchanged may be returned by an update function to skip the write
// while still returning the current record
var ErrUnchanged = errors.New("unchanged")

// Store defines the interface for control plane state storage.
// Update* methods run the mutation inside one write transaction so a
// read-modify-write on a single row is atomic.
type Store interface {
	// Executors
	CreateExecutor(executor *types.Executor) error
	GetExecutor(id string) (*types.Executor, error)
	GetExecutorByTokenHash(hash string) (*types.Executor, error)
	ListExecutors() ([]*types.Executor, error)
	UpdateExecutor(id string, fn func(*types.Executor) error) (*types.Executor, error)

	// Tasks
	CreateTask(task *types.Task) error
	GetTask(id string) (*types.Task, error)
	ListTasks() ([]*types.Task, error)
	ListTasksByTenant(tenantID string) ([]*types.Task, error)
	UpdateTask(id string, fn func(*types.Task) error) (*types.Task, error)

	// Stages
	PutStage(stage *types.Stage) error
	GetStage(id string) (*types.Stage, error)
	ListStages() ([]*types.Stage, error)
	ListStagesByTask(taskID string) ([]*types.Stage, error)
	ListStagesByStatus(status types.StageStatus) ([]*types.Stage, error)
	DeleteStage(id string) error

	// Secrets
	PutSecret(secret *types.Secret) error
	GetSecret(id string) (*types.Secret, error)
	GetSecretByName(tenantID string, kind types.SecretKind, name string) (*types.Secret, error)
	ListSecrets() ([]*types.Secret, error)
	DeleteSecret(id string) error

	// Utility
	Ping() error
	Close() error
}

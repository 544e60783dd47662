package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/cuemby/scanplane/pkg/errdefs"
	"github.com/cuemby/scanplane/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketExecutors      = []byte("executors")
	bucketExecutorTokens = []byte("executor_tokens")
	bucketTasks          = []byte("tasks")
	bucketStages         = []byte("stages")
	bucketSecrets        = []byte("secrets")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "scanplane.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketExecutors,
			bucketExecutorTokens,
			bucketTasks,
			bucketStages,
			bucketSecrets,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database can serve a read transaction
func (s *BoltStore) Ping() error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketTasks) == nil {
			return fmt.Errorf("bucket %s missing", bucketTasks)
		}
		return nil
	})
}

func put(b *bolt.Bucket, id string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(id), data)
}

// Executor operations

// CreateExecutor stores a new executor and indexes its token hash
func (s *BoltStore) CreateExecutor(executor *types.Executor) error {
	if executor.TokenHash == "" {
		return errdefs.Validation("executor %s has no token hash", executor.ID)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketExecutorTokens)
		if existing := idx.Get([]byte(executor.TokenHash)); existing != nil {
			return errdefs.Conflict("token hash already registered")
		}
		if err := put(tx.Bucket(bucketExecutors), executor.ID, executor); err != nil {
			return err
		}
		return idx.Put([]byte(executor.TokenHash), []byte(executor.ID))
	})
}

func (s *BoltStore) GetExecutor(id string) (*types.Executor, error) {
	var executor types.Executor
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketExecutors).Get([]byte(id))
		if data == nil {
			return errdefs.NotFound("executor %s", id)
		}
		return json.Unmarshal(data, &executor)
	})
	if err != nil {
		return nil, err
	}
	return &executor, nil
}

// GetExecutorByTokenHash resolves an executor through the token index
func (s *BoltStore) GetExecutorByTokenHash(hash string) (*types.Executor, error) {
	var executor types.Executor
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketExecutorTokens).Get([]byte(hash))
		if id == nil {
			return errdefs.NotFound("executor token")
		}
		data := tx.Bucket(bucketExecutors).Get(id)
		if data == nil {
			return errdefs.NotFound("executor %s", id)
		}
		return json.Unmarshal(data, &executor)
	})
	if err != nil {
		return nil, err
	}
	return &executor, nil
}

func (s *BoltStore) ListExecutors() ([]*types.Executor, error) {
	var executors []*types.Executor
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExecutors).ForEach(func(k, v []byte) error {
			var executor types.Executor
			if err := json.Unmarshal(v, &executor); err != nil {
				return err
			}
			executors = append(executors, &executor)
			return nil
		})
	})
	return executors, err
}

// UpdateExecutor applies fn to the stored executor inside one write transaction
func (s *BoltStore) UpdateExecutor(id string, fn func(*types.Executor) error) (*types.Executor, error) {
	var executor types.Executor
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecutors)
		data := b.Get([]byte(id))
		if data == nil {
			return errdefs.NotFound("executor %s", id)
		}
		if err := json.Unmarshal(data, &executor); err != nil {
			return err
		}
		if err := fn(&executor); err != nil {
			return err
		}
		return put(b, id, &executor)
	})
	if errors.Is(err, ErrUnchanged) {
		return &executor, nil
	}
	if err != nil {
		return nil, err
	}
	return &executor, nil
}

// Task operations
func (s *BoltStore) CreateTask(task *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		if b.Get([]byte(task.ID)) != nil {
			return errdefs.Conflict("task %s already exists", task.ID)
		}
		return put(b, task.ID, task)
	})
}

func (s *BoltStore) GetTask(id string) (*types.Task, error) {
	var task types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get([]byte(id))
		if data == nil {
			return errdefs.NotFound("task %s", id)
		}
		return json.Unmarshal(data, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *BoltStore) ListTasks() ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			tasks = append(tasks, &task)
			return nil
		})
	})
	return tasks, err
}

func (s *BoltStore) ListTasksByTenant(tenantID string) ([]*types.Task, error) {
	tasks, err := s.ListTasks()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Task
	for _, task := range tasks {
		if task.TenantID == tenantID {
			filtered = append(filtered, task)
		}
	}
	return filtered, nil
}

// UpdateTask applies fn to the stored task inside one write transaction
func (s *BoltStore) UpdateTask(id string, fn func(*types.Task) error) (*types.Task, error) {
	var task types.Task
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(id))
		if data == nil {
			return errdefs.NotFound("task %s", id)
		}
		if err := json.Unmarshal(data, &task); err != nil {
			return err
		}
		if err := fn(&task); err != nil {
			return err
		}
		return put(b, id, &task)
	})
	if errors.Is(err, ErrUnchanged) {
		return &task, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// Stage operations

// PutStage inserts or replaces a stage by id
func (s *BoltStore) PutStage(stage *types.Stage) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx.Bucket(bucketStages), stage.ID, stage)
	})
}

func (s *BoltStore) GetStage(id string) (*types.Stage, error) {
	var stage types.Stage
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketStages).Get([]byte(id))
		if data == nil {
			return errdefs.NotFound("stage %s", id)
		}
		return json.Unmarshal(data, &stage)
	})
	if err != nil {
		return nil, err
	}
	return &stage, nil
}

func (s *BoltStore) ListStages() ([]*types.Stage, error) {
	var stages []*types.Stage
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStages).ForEach(func(k, v []byte) error {
			var stage types.Stage
			if err := json.Unmarshal(v, &stage); err != nil {
				return err
			}
			stages = append(stages, &stage)
			return nil
		})
	})
	return stages, err
}

// ListStagesByTask returns the stages of a task ordered by start time
func (s *BoltStore) ListStagesByTask(taskID string) ([]*types.Stage, error) {
	stages, err := s.ListStages()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Stage
	for _, stage := range stages {
		if stage.TaskID == taskID {
			filtered = append(filtered, stage)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].StartedAt.Before(filtered[j].StartedAt)
	})
	return filtered, nil
}

func (s *BoltStore) ListStagesByStatus(status types.StageStatus) ([]*types.Stage, error) {
	stages, err := s.ListStages()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Stage
	for _, stage := range stages {
		if stage.Status == status {
			filtered = append(filtered, stage)
		}
	}
	return filtered, nil
}

func (s *BoltStore) DeleteStage(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStages).Delete([]byte(id))
	})
}

// Secret operations
func (s *BoltStore) PutSecret(secret *types.Secret) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx.Bucket(bucketSecrets), secret.ID, secret)
	})
}

func (s *BoltStore) GetSecret(id string) (*types.Secret, error) {
	var secret types.Secret
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSecrets).Get([]byte(id))
		if data == nil {
			return errdefs.NotFound("secret %s", id)
		}
		return json.Unmarshal(data, &secret)
	})
	if err != nil {
		return nil, err
	}
	return &secret, nil
}

func (s *BoltStore) GetSecretByName(tenantID string, kind types.SecretKind, name string) (*types.Secret, error) {
	var found *types.Secret
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSecrets).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var secret types.Secret
			if err := json.Unmarshal(v, &secret); err != nil {
				// Malformed rows are reported by GetSecret, not by name lookups
				continue
			}
			if secret.TenantID == tenantID && secret.Kind == kind && secret.Name == name {
				found = &secret
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, errdefs.NotFound("secret %s/%s", kind, name)
	}
	return found, nil
}

func (s *BoltStore) ListSecrets() ([]*types.Secret, error) {
	var secrets []*types.Secret
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSecrets).ForEach(func(k, v []byte) error {
			var secret types.Secret
			if err := json.Unmarshal(v, &secret); err != nil {
				return err
			}
			secrets = append(secrets, &secret)
			return nil
		})
	})
	return secrets, err
}

func (s *BoltStore) DeleteSecret(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSecrets).Delete([]byte(id))
	})
}

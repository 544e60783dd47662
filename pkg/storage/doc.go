/*
Package storage persists control plane state in an embedded bbolt database.

# Layout

One file, <dataDir>/scanplane.db, with a bucket per entity. Values are JSON.

	┌──────────────────── scanplane.db ────────────────────┐
	│  executors        id         → types.Executor        │
	│  executor_tokens  sha256(tk) → executor id           │
	│  tasks            id         → types.Task            │
	│  stages           id         → types.Stage           │
	│  secrets          id         → types.Secret (sealed) │
	└──────────────────────────────────────────────────────┘

The executor_tokens bucket is the only secondary index. Plaintext tokens are
never written; registry.HashToken produces the key.

# Updates

UpdateExecutor and UpdateTask run the caller's mutation inside a single write
transaction, so concurrent read-modify-write cycles on one row serialize:

	task, err := store.UpdateTask(id, func(t *types.Task) error {
		if t.Status.Terminal() {
			return storage.ErrUnchanged
		}
		t.Status = types.TaskStatusFailed
		return nil
	})

Returning ErrUnchanged skips the write and returns the record as the
mutation left it. Any other error aborts the transaction and is returned.

Mutation functions must not call back into the store: bbolt allows one
writer at a time and a nested transaction deadlocks.

# Queries

List* methods scan a bucket. Stages of one task come back ordered by
StartedAt. The data set of a single control plane is small enough that
scans are cheaper than maintaining more indexes.

# Errors

Missing rows are errdefs.ErrNotFound; duplicate ids and token hashes are
errdefs.ErrConflict.
*/
package storage

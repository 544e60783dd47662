/*
Package artifact stores the files produced by scan stages and the per-task
workspaces used by local execution.

# Layout

Artifacts live under a deterministic path so that re-ingesting a result
overwrites the previous copy:

	<root>/tasks/<taskId>/stages/<stageId>/<kind>/<file>
	<root>/tasks/<taskId>/task.log

Writes go to a temporary file in the target directory, are synced, and are
renamed into place. References to the executor sandbox root (normally
/workspace) are rewritten to the task workspace before writing.

# Workspaces

Workspaces hands out one directory per task:

	ws, _ := artifact.NewWorkspaces("/var/lib/scanplane/workspaces")
	dir, _ := ws.Create(taskID)
	defer ws.Delete(taskID)
*/
package artifact

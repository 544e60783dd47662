/*
Package orchestrator accepts task commands and moves tasks through their
stage pipelines.

A task with an executor is dispatched at creation (or on AssignExecutor):
the scan-exec stage is sent to the executor and the call fails if the
executor cannot take it. A task without one stays PENDING until StartTask
runs its pipeline on this host in the background.

OnStage is registered as a lifecycle listener. When a scan-exec stage
succeeds, or a result-process stage succeeds or is skipped, the next
in-process stage runs in the background under a per-task context.
DeleteTask cancels that context, forces PENDING and RUNNING tasks to
CANCELED and soft-deletes the task. Results that arrive afterwards are
stored but start nothing.

The status stored on a task only records terminal outcomes. GetTask and
ListTasks report RUNNING for a PENDING task that has stage activity.
*/
package orchestrator

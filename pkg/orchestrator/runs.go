package orchestrator

import "context"

// spawn runs fn in the background under the task's cancellable context.
// The context lives until the last piece of work for the task finishes.
func (o *Orchestrator) spawn(taskID string, fn func(ctx context.Context)) {
	o.mu.Lock()
	run, ok := o.runs[taskID]
	if !ok {
		ctx, cancel := context.WithCancel(o.base)
		run = &taskRun{ctx: ctx, cancel: cancel}
		o.runs[taskID] = run
	}
	run.refs++
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.release(taskID)
		fn(run.ctx)
	}()
}

func (o *Orchestrator) release(taskID string) {
	o.mu.Lock()
	run, ok := o.runs[taskID]
	if !ok {
		o.mu.Unlock()
		return
	}
	run.refs--
	if run.refs > 0 {
		o.mu.Unlock()
		return
	}
	delete(o.runs, taskID)
	cleanup := run.cleanup
	o.mu.Unlock()

	run.cancel()
	if cleanup && o.workspaces != nil {
		if err := o.workspaces.Delete(taskID); err != nil {
			o.logger.Warn().Err(err).Str("task_id", taskID).Msg("Failed to remove workspace")
		}
	}
}

// cancel stops work in flight for a task. It reports whether any was
// running; the workspace is then removed when that work returns.
func (o *Orchestrator) cancel(taskID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	run, ok := o.runs[taskID]
	if !ok {
		return false
	}
	run.cleanup = true
	run.cancel()
	return true
}

func (o *Orchestrator) active(taskID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.runs[taskID]
	return ok
}

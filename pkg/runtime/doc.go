/*
Package runtime runs scan engines on the control plane host for tasks that
have no executor assigned.

Two runners implement Runner:

  - ExecRunner starts the engine as a host process with the task workspace
    as its working directory. Command paths are host paths.
  - ContainerdRunner runs the engine image through containerd in the
    "scanplane" namespace. The workspace is bind-mounted at /workspace, the
    same sandbox root remote executors use, and CPU and memory limits are
    applied through the OCI spec (CFS quota and memory limit).

Both capture stdout and stderr and report the exit code. A non-zero exit is
part of the Result; only failures to start, or a timeout, are errors.

	runner := runtime.NewExecRunner()
	res, err := runner.Run(ctx, runtime.Job{
		ID:        stageID,
		Command:   def.Command(engine.BuildOptions{Root: runner.Root(ws)}),
		Workspace: ws,
		Timeout:   30 * time.Minute,
	})
*/
package runtime

/*
Package reconciler repairs executor status drift and flags stalled stages.

Dispatch marks an executor BUSY after writing to its channel, and that
status update is best effort. The reconciler treats RUNNING stages as the
source of truth and converges the executor status field to them:

	READY + RUNNING stages   -> BUSY
	BUSY  + no RUNNING stage -> READY

DRAINING, REGISTERED and OFFLINE executors are never changed here.

A RUNNING stage whose executor has been OFFLINE for longer than the grace
period (or no longer exists) is stalled. Stalled stages are exported through
the scanplane_stalled_stages gauge and logged with their task and executor;
they are not failed or re-dispatched automatically.

The reconciler runs as a recurring job on the shared scheduler:

	sched.Every("reconcile", time.Minute, rec.Run)
*/
package reconciler

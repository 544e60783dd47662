/*
Package scheduler runs the control plane's recurring background jobs.

Jobs are registered by name with a fixed interval and executed by
robfig/cron with a chain of cron.Recover and cron.SkipIfStillRunning:

	s := scheduler.NewScheduler(scheduler.WithJitter(5 * time.Second))
	_ = s.Every("heartbeat-sweep", 30*time.Second, monitor.Sweep)
	_ = s.Every("reconcile", time.Minute, reconciler.Reconcile)
	s.Start()
	defer s.Stop()

Each run is delayed by a random jitter so replicas of the same job do not
line up, receives a context that is canceled by Stop, and is isolated from
the next run: a returned error is logged and a panic is recovered.
*/
package scheduler

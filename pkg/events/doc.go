/*
Package events provides the in-memory broker that fans stage transitions out
to subscribers such as the /api/v1/events stream.

	lifecycle.Persist ──Publish──▶ eventCh (buffer 100) ──▶ broadcast
	                                                          │
	                                  ┌───────────────────────┼──────────────┐
	                                  ▼                       ▼              ▼
	                              Subscriber (50)       Subscriber (50)   ...

Every stage write produces exactly one event. The type follows the stage
status:

	RUNNING   → stage.started
	SUCCEEDED → stage.completed
	FAILED    → stage.failed
	SKIPPED   → stage.updated

Publish never blocks. When the broker buffer is full it returns ErrBufferFull
and the caller logs it; a subscriber that falls behind loses events rather
than stalling the broadcast loop. Both cases increment
scanplane_events_dropped_total.
*/
package events

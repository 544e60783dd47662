/*
Package dispatch turns a (task, stage) pair into a work assignment and writes
it to the assigned executor's live channel.

Dispatch runs in two phases. Prepare validates the assignment (executor set,
channel writable, engine allowed) and resolves secrets: the tenant's pro
token, which degrades to the baseline engine when missing or expired, and
repository credentials referenced by name from the source descriptor. Send
writes the message and then marks the executor BUSY. Stage producers persist
the RUNNING stage between the two phases, so a rejected dispatch leaves no
trace in storage.

Nothing is retried or queued here; a write failure is returned to the caller
as errdefs.ErrNotConnected.
*/
package dispatch

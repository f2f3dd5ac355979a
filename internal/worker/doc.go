// Package worker runs the job loop that ties the other subsystems together.
//
// A Worker repeatedly claims the next eligible job, prepares its stage
// handler, takes the document lock, and executes the handler while a
// heartbeat renews both the lock and the job. The handler's confidence
// evaluations go through the gate policy; the job completes (or parks for
// review) and any workflow instance waiting on that stage is advanced or
// routed to review. The lock is released on every path.
//
// Failures are classified by the services error taxonomy and recorded on the
// job, which either re-queues with backoff or fails for good. Lock contention
// hands the job back to the queue without spending a retry. Panics inside a
// handler are recovered, recorded through the crash state recorder, and
// converted into job failures.
//
// Before it starts polling, a worker verifies any crash snapshot left by a
// previous run under the same name and returns an orphaned in-flight job to
// the queue.
package worker

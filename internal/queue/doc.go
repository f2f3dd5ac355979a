// Package queue persists case documents and the jobs that process them.
//
// The Store owns job lifecycle transitions (queued, processing, completed,
// needs_review, failed, paused), the retry policy with exponential backoff,
// heartbeat tracking, stale-processing pauses, and the diagnostic sweep. Every
// transition is a conditional update on the expected current status, so
// concurrent workers never both move the same job.
//
// A job that exhausts its retry budget stays failed until an operator resets
// it; no sweep re-queues it automatically.
package queue

// Package workflow tracks each case through the ordered stages of its
// workflow type.
//
// Stages only move forward, except for explicit returns for revision, and
// every move writes one immutable stage_transitions row in the same
// transaction as the stage update. Stage updates are conditional on the
// stage the caller expects, so concurrent transitions on one instance cannot
// both succeed. Average stage durations are aggregated from the transition
// log rather than stored.
//
// The sla_violated flag is sticky: MarkViolated sets it and only an admin
// acknowledgment clears it, even after the instance completes. An
// acknowledgment covers the stage it was given in; a later stage can be
// marked again.
package workflow

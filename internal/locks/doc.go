// Package locks grants exclusive, time-bounded claims on case documents.
//
// Every mutation is a single conditional statement (or an immediate
// transaction around one) that embeds the caller's authorization, so there is
// no window between "may I?" and "I did". Contention and denials come back as
// Result values with a Reason; only datastore faults are errors, and those
// fail closed. Every grant, release, force release, and reclamation is
// appended to the lock_events audit trail.
package locks

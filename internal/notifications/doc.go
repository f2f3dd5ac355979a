// Package notifications records operator notifications and optionally relays
// them to ntfy.
//
// Records are the contract: SLA sweeps, approval timeouts, and failure bursts
// create rows here, and delivery is a separate concern. Create de-duplicates
// on a key within a cooldown window in a single INSERT ... SELECT statement, so
// concurrent sweeps produce at most one record per key and window. The Relay
// forwards undelivered records to the configured ntfy topic and marks them
// delivered; without a topic it is disabled.
package notifications

// Package database owns the SQLite handle shared by the lock manager, job
// queue, workflow, notification, and approval stores.
//
// It applies connection pragmas (WAL, foreign keys, busy timeout) to every
// pooled connection, opens write transactions immediately so concurrent
// workers queue on the database lock instead of deadlocking on upgrade, and
// retries statements that still report SQLITE_BUSY. Timestamps are stored as
// fixed-width UTC text so they order correctly in SQL comparisons.
package database

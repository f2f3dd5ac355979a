// Package crashstate records signed recovery snapshots before risky work and
// verifies them on restart.
//
// A snapshot is a small JSON document (timestamp, error, origin, operation,
// and a redacted copy of session data) authenticated with HMAC-SHA256. The key
// is derived with HKDF from the per-deployment secret and kept in a memguard
// enclave for the life of the process. Recovery is fail-closed: the MAC, the
// schema, and the age must all check out, otherwise the snapshot is discarded
// and the failing check is logged.
package crashstate

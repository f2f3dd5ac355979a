// Package api serves the HTTP surface of caseflow: read models for jobs,
// workflows, locks, notifications and approvals, the operator actions that go
// with them, idempotent sweep triggers for external schedulers, and the
// Prometheus endpoint.
//
// # Identity
//
// The server never authenticates end users itself. When api.token is set,
// every request must carry "Authorization: Bearer <token>"; the fronting
// identity proxy then names the caller in X-Caseflow-Principal and lists its
// roles in X-Caseflow-Roles ("admin", "worker"). Requests without a principal
// reach the stores anonymously and are denied by them where identity matters.
//
// # Wire format
//
// DTOs use camelCase JSON tags and RFC3339 timestamps with milliseconds.
// Expected lock outcomes are returned as bodies with a status code derived from
// the reason, so clients can branch on either.
//
// # Routes
//
//	GET  /api/status
//	GET  /api/jobs                      ?status=&type=&case=&document=&limit=
//	GET  /api/jobs/{id}
//	POST /api/jobs/{id}/reset
//	GET  /api/documents/{id}/lock
//	POST /api/documents/{id}/lock/release
//	GET  /api/workflows                 ?case=&type=&stage=&active=&violated=&limit=
//	GET  /api/workflows/{id}
//	POST /api/workflows/{id}/acknowledge
//	GET  /api/notifications             ?recipient=&case=&unread=&limit=
//	POST /api/notifications/{id}/read
//	GET  /api/approvals
//	POST /api/approvals
//	POST /api/approvals/{id}/decision
//	POST /api/sweeps/sla
//	POST /api/sweeps/locks
//	POST /api/sweeps/diagnose
//	GET  /metrics
package api

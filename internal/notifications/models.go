package notifications

import (
	"fmt"
	"strings"
	"time"
)

// Type names what a notification is about.
type Type string

const (
	TypeSLAWarning      Type = "sla_warning"
	TypeSLAViolation    Type = "sla_violation"
	TypeApprovalTimeout Type = "approval_timeout"
	TypeFailureBurst    Type = "failure_burst"
	TypeJobFailed       Type = "job_failed"
)

// Severity orders notifications for operators.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ParseSeverity normalizes a severity name.
func ParseSeverity(value string) (Severity, error) {
	switch s := Severity(strings.ToLower(strings.TrimSpace(value))); s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return s, nil
	default:
		return "", fmt.Errorf("unknown severity %q", value)
	}
}

// Escalate returns the next severity up, stopping at critical.
func (s Severity) Escalate() Severity {
	switch s {
	case SeverityInfo:
		return SeverityWarning
	default:
		return SeverityCritical
	}
}

// Notification is a stored notification.
type Notification struct {
	ID                 int64
	Type               Type
	Severity           Severity
	Recipient          string
	Subject            string
	Message            string
	DedupKey           string
	CaseID             string
	WorkflowInstanceID *int64
	ReadAt             *time.Time
	DeliveredAt        *time.Time
	CreatedAt          time.Time
}

// Read reports whether the recipient has seen the notification.
func (n Notification) Read() bool {
	return n.ReadAt != nil
}

// Request describes a notification to create.
type Request struct {
	Type      Type
	Severity  Severity
	Recipient string
	Subject   string
	Message   string
	// DedupKey suppresses duplicates created within the cooldown window.
	DedupKey           string
	CaseID             string
	WorkflowInstanceID int64
}

// Filter narrows List results.
type Filter struct {
	Recipient   string
	CaseID      string
	Types       []Type
	UnreadOnly  bool
	Undelivered bool
	Limit       uint64
}

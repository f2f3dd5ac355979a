package api

import "encoding/json"

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Job describes a queued unit of stage work.
type Job struct {
	ID          int64           `json:"id"`
	Type        string          `json:"type"`
	DocumentID  string          `json:"documentId"`
	CaseID      string          `json:"caseId"`
	Status      string          `json:"status"`
	Priority    int             `json:"priority"`
	RetryCount  int             `json:"retryCount"`
	MaxRetries  int             `json:"maxRetries"`
	LastError   string          `json:"lastError,omitempty"`
	ErrorClass  string          `json:"errorClass,omitempty"`
	WorkerID    string          `json:"workerId,omitempty"`
	NotBefore   string          `json:"notBefore,omitempty"`
	Confidence  *float64        `json:"confidence,omitempty"`
	GateReason  string          `json:"gateReason,omitempty"`
	NeedsReview bool            `json:"needsReview"`
	StartedAt   string          `json:"startedAt,omitempty"`
	FinishedAt  string          `json:"finishedAt,omitempty"`
	CreatedAt   string          `json:"createdAt,omitempty"`
	UpdatedAt   string          `json:"updatedAt,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

// JobListResponse wraps a collection of jobs.
type JobListResponse struct {
	Items []Job `json:"items"`
}

// JobResponse wraps a single job.
type JobResponse struct {
	Item Job `json:"item"`
}

// StatusResponse summarizes queue and workflow counts.
type StatusResponse struct {
	GeneratedAt string         `json:"generatedAt"`
	Jobs        map[string]int `json:"jobs"`
	JobTotal    int            `json:"jobTotal"`
	Workflows   map[string]int `json:"workflows"`
}

// LockResult is the outcome of a lock operation.
type LockResult struct {
	Success    bool   `json:"success"`
	Reason     string `json:"reason"`
	DocumentID string `json:"documentId"`
	Holder     string `json:"holder,omitempty"`
	ExpiresAt  string `json:"expiresAt,omitempty"`
}

// LockEvent is one entry of a document's lock audit trail.
type LockEvent struct {
	Kind      string `json:"kind"`
	Holder    string `json:"holder,omitempty"`
	Actor     string `json:"actor,omitempty"`
	CreatedAt string `json:"createdAt"`
}

// LockStatus describes the current lock on a document.
type LockStatus struct {
	DocumentID string      `json:"documentId"`
	CaseID     string      `json:"caseId"`
	Held       bool        `json:"held"`
	Holder     string      `json:"holder,omitempty"`
	AcquiredAt string      `json:"acquiredAt,omitempty"`
	RenewedAt  string      `json:"renewedAt,omitempty"`
	ExpiresAt  string      `json:"expiresAt,omitempty"`
	Events     []LockEvent `json:"events,omitempty"`
}

// Workflow describes a workflow instance.
type Workflow struct {
	ID                int64  `json:"id"`
	CaseID            string `json:"caseId"`
	WorkflowType      string `json:"workflowType"`
	Stage             string `json:"stage"`
	Priority          string `json:"priority"`
	ReviewPriority    string `json:"reviewPriority,omitempty"`
	StageEnteredAt    string `json:"stageEnteredAt"`
	SLADeadline       string `json:"slaDeadline,omitempty"`
	SLAViolated       bool   `json:"slaViolated"`
	SLAAcknowledgedBy string `json:"slaAcknowledgedBy,omitempty"`
	CompletedAt       string `json:"completedAt,omitempty"`
}

// Transition is one recorded stage change.
type Transition struct {
	From            string  `json:"from,omitempty"`
	To              string  `json:"to"`
	Kind            string  `json:"kind"`
	EnteredAt       string  `json:"enteredAt"`
	DurationSeconds float64 `json:"durationSeconds"`
	Actor           string  `json:"actor,omitempty"`
	Reason          string  `json:"reason,omitempty"`
}

// WorkflowListResponse wraps a collection of workflow instances.
type WorkflowListResponse struct {
	Items []Workflow `json:"items"`
}

// WorkflowResponse wraps one instance and its stage history.
type WorkflowResponse struct {
	Item        Workflow     `json:"item"`
	Transitions []Transition `json:"transitions"`
}

// Notification is a stored operator notification.
type Notification struct {
	ID                 int64  `json:"id"`
	Type               string `json:"type"`
	Severity           string `json:"severity"`
	Recipient          string `json:"recipient"`
	Subject            string `json:"subject"`
	Message            string `json:"message,omitempty"`
	CaseID             string `json:"caseId,omitempty"`
	WorkflowInstanceID *int64 `json:"workflowInstanceId,omitempty"`
	Read               bool   `json:"read"`
	Delivered          bool   `json:"delivered"`
	CreatedAt          string `json:"createdAt"`
}

// NotificationListResponse wraps a collection of notifications.
type NotificationListResponse struct {
	Items []Notification `json:"items"`
}

// Approval is a tool-approval request.
type Approval struct {
	ID          int64  `json:"id"`
	CaseID      string `json:"caseId"`
	Tool        string `json:"tool"`
	RequestedBy string `json:"requestedBy"`
	Status      string `json:"status"`
	DecidedBy   string `json:"decidedBy,omitempty"`
	DecidedAt   string `json:"decidedAt,omitempty"`
	CreatedAt   string `json:"createdAt"`
}

// ApprovalListResponse wraps a collection of approvals.
type ApprovalListResponse struct {
	Items []Approval `json:"items"`
}

// ApprovalRequest is the body of POST /api/approvals.
type ApprovalRequest struct {
	CaseID string `json:"caseId"`
	Tool   string `json:"tool"`
}

// ApprovalDecision is the body of POST /api/approvals/{id}/decision.
type ApprovalDecision struct {
	Approve bool `json:"approve"`
}

// SLASweepResponse reports one SLA sweep.
type SLASweepResponse struct {
	CheckedAt      string `json:"checkedAt"`
	Instances      int    `json:"instances"`
	Warnings       int    `json:"warnings"`
	Violations     int    `json:"violations"`
	NewViolations  int    `json:"newViolations"`
	ApprovalAlerts int    `json:"approvalAlerts"`
	FailureBursts  int    `json:"failureBursts"`
	Suppressed     int    `json:"suppressed"`
}

// ReclaimedLock describes a lock cleared by the lock sweep.
type ReclaimedLock struct {
	DocumentID     string  `json:"documentId"`
	CaseID         string  `json:"caseId"`
	Holder         string  `json:"holder"`
	HeldForSeconds float64 `json:"heldForSeconds"`
	ReclaimedAt    string  `json:"reclaimedAt"`
}

// LockSweepResponse reports one lock sweep.
type LockSweepResponse struct {
	TimeoutSeconds int             `json:"timeoutSeconds"`
	Reclaimed      []ReclaimedLock `json:"reclaimed"`
}

// DocumentRef identifies a document flagged by diagnostics.
type DocumentRef struct {
	DocumentID string `json:"documentId"`
	CaseID     string `json:"caseId"`
	LastError  string `json:"lastError,omitempty"`
	RetryCount int    `json:"retryCount"`
}

// DiagnoseResponse reports one diagnostic sweep.
type DiagnoseResponse struct {
	GeneratedAt     string                    `json:"generatedAt"`
	Cases           map[string]map[string]int `json:"cases"`
	RequeueEligible []DocumentRef             `json:"requeueEligible"`
	MissingSource   []DocumentRef             `json:"missingSource"`
	Paused          []Job                     `json:"paused"`
}

// ErrorResponse is the body of every non-2xx response except lock outcomes.
type ErrorResponse struct {
	Error string `json:"error"`
}

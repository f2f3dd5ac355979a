package queue

import (
	"strings"
	"time"

	"caseflow/internal/payload"
)

// Status represents the lifecycle of a job.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusProcessing  Status = "processing"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusNeedsReview Status = "needs_review"
	StatusPaused      Status = "paused"
)

var allStatuses = []Status{
	StatusQueued,
	StatusProcessing,
	StatusCompleted,
	StatusNeedsReview,
	StatusFailed,
	StatusPaused,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// OCRStatus tracks text extraction on a document row.
type OCRStatus string

const (
	OCRPending     OCRStatus = "pending"
	OCRQueued      OCRStatus = "queued"
	OCRProcessing  OCRStatus = "processing"
	OCRCompleted   OCRStatus = "completed"
	OCRFailed      OCRStatus = "failed"
	OCRNeedsReview OCRStatus = "needs_review"
)

// JobType names the processing capability a job invokes.
type JobType string

const (
	JobOCR            JobType = "ocr"
	JobClassification JobType = "classification"
	JobTranslation    JobType = "translation"
	JobFormGeneration JobType = "form_generation"
)

var jobTypes = []JobType{JobOCR, JobClassification, JobTranslation, JobFormGeneration}

// AllJobTypes returns every job type in pipeline order.
func AllJobTypes() []JobType {
	cp := make([]JobType, len(jobTypes))
	copy(cp, jobTypes)
	return cp
}

// ParseJobType converts a string into a known JobType.
func ParseJobType(value string) (JobType, bool) {
	normalized := JobType(strings.ToLower(strings.TrimSpace(value)))
	for _, jt := range jobTypes {
		if jt == normalized {
			return jt, true
		}
	}
	return "", false
}

// PayloadKind returns the result variant a job of this type must produce.
func (t JobType) PayloadKind() payload.Kind {
	switch t {
	case JobOCR:
		return payload.KindOCR
	case JobClassification:
		return payload.KindClassification
	case JobTranslation:
		return payload.KindTranslation
	case JobFormGeneration:
		return payload.KindForm
	default:
		return ""
	}
}

// Priority orders eligible jobs; higher runs first.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
	PriorityUrgent Priority = 3
)

// Document is a case-owned artifact processed by jobs.
type Document struct {
	ID         string
	CaseID     string
	SourcePath string
	OCRStatus  OCRStatus
	LockHolder string
	LockExpiry *time.Time
	RetryCount int
	LastError  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Job is a unit of asynchronous work keyed to a document.
type Job struct {
	ID            int64
	Type          JobType
	DocumentID    string
	CaseID        string
	Status        Status
	Priority      Priority
	RetryCount    int
	MaxRetries    int
	LastError     string
	ErrorClass    string
	NotBefore     time.Time
	WorkerID      string
	LastHeartbeat *time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
	ResultJSON    string
	Confidence    *float64
	GateReason    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Result decodes the stored stage result, if any.
func (j Job) Result() (payload.Result, error) {
	if j.ResultJSON == "" {
		return nil, nil
	}
	return payload.Decode([]byte(j.ResultJSON))
}

// RetriesExhausted reports whether the job has used its whole retry budget.
func (j Job) RetriesExhausted() bool {
	return j.RetryCount >= j.MaxRetries
}

// EnqueueRequest describes a new job.
type EnqueueRequest struct {
	Type       JobType  `validate:"required,oneof=ocr classification translation form_generation"`
	DocumentID string   `validate:"required"`
	Priority   Priority `validate:"gte=0,lte=3"`
	// MaxRetries overrides the configured budget when positive.
	MaxRetries int `validate:"gte=0,lte=20"`
	// NotBefore delays eligibility; zero means now.
	NotBefore time.Time
}

// Completion is what a worker reports for a successful job.
type Completion struct {
	Result     payload.Result
	Confidence float64
	GateReason string
	// NeedsReview parks the job (and an OCR document) for human review
	// instead of completing it.
	NeedsReview bool
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Statuses   []Status
	Types      []JobType
	CaseID     string
	DocumentID string
	Limit      uint64
}

// Stats counts jobs per status.
type Stats map[Status]int

// Total sums every status.
func (s Stats) Total() int {
	total := 0
	for _, count := range s {
		total += count
	}
	return total
}

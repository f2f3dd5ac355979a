package queue

import (
	"context"
	"fmt"
	"sort"
	"time"

	"caseflow/internal/logging"
)

// DocumentRef identifies a document flagged by diagnostics.
type DocumentRef struct {
	DocumentID string
	CaseID     string
	LastError  string
	RetryCount int
}

// CaseCounts is the OCR status histogram of one case.
type CaseCounts struct {
	CaseID string
	Counts map[OCRStatus]int
}

// Diagnosis is the output of a diagnostic sweep.
type Diagnosis struct {
	GeneratedAt time.Time
	Cases       []CaseCounts
	// RequeueEligible lists failed documents an operator may reset.
	RequeueEligible []DocumentRef
	// MissingSource lists documents without a source path; OCR cannot run on them.
	MissingSource []DocumentRef
	// Paused lists processing jobs this sweep paused for stale heartbeats.
	Paused []*Job
}

// Diagnose inspects document state per case and pauses processing jobs whose
// heartbeat is older than the stale threshold. Failed documents are only
// flagged; moving them back to queued stays an operator action (Reset).
// Passing a zero now uses the database clock.
func (s *Store) Diagnose(ctx context.Context, now time.Time) (Diagnosis, error) {
	if now.IsZero() {
		now = s.db.Now()
	}
	diag := Diagnosis{GeneratedAt: now}

	rows, err := s.db.Query(ctx,
		`SELECT case_id, ocr_status, COUNT(1) FROM documents GROUP BY case_id, ocr_status ORDER BY case_id`)
	if err != nil {
		return diag, fmt.Errorf("diagnose counts: %w", err)
	}
	byCase := make(map[string]map[OCRStatus]int)
	for rows.Next() {
		var (
			caseID string
			status OCRStatus
			count  int
		)
		if err := rows.Scan(&caseID, &status, &count); err != nil {
			rows.Close()
			return diag, err
		}
		if byCase[caseID] == nil {
			byCase[caseID] = make(map[OCRStatus]int)
		}
		byCase[caseID][status] = count
	}
	if err := rows.Close(); err != nil {
		return diag, err
	}
	caseIDs := make([]string, 0, len(byCase))
	for id := range byCase {
		caseIDs = append(caseIDs, id)
	}
	sort.Strings(caseIDs)
	for _, id := range caseIDs {
		diag.Cases = append(diag.Cases, CaseCounts{CaseID: id, Counts: byCase[id]})
	}

	if diag.RequeueEligible, err = s.documentRefs(ctx,
		`SELECT id, case_id, last_error, retry_count FROM documents WHERE ocr_status = ? ORDER BY case_id, id`,
		OCRFailed,
	); err != nil {
		return diag, fmt.Errorf("diagnose failed documents: %w", err)
	}
	if diag.MissingSource, err = s.documentRefs(ctx,
		`SELECT id, case_id, last_error, retry_count FROM documents
         WHERE source_path IS NULL OR TRIM(source_path) = '' ORDER BY case_id, id`,
	); err != nil {
		return diag, fmt.Errorf("diagnose missing sources: %w", err)
	}

	if diag.Paused, err = s.PauseStale(ctx, now.Add(-s.staleAfter)); err != nil {
		return diag, err
	}

	s.logger.Info("diagnostic sweep completed",
		logging.String(logging.FieldEventType, "diagnostics_completed"),
		logging.Int("cases", len(diag.Cases)),
		logging.Int("requeue_eligible", len(diag.RequeueEligible)),
		logging.Int("missing_source", len(diag.MissingSource)),
		logging.Int("paused", len(diag.Paused)),
	)
	return diag, nil
}

func (s *Store) documentRefs(ctx context.Context, query string, args ...any) ([]DocumentRef, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var refs []DocumentRef
	for rows.Next() {
		var (
			ref       DocumentRef
			lastError *string
		)
		if err := rows.Scan(&ref.DocumentID, &ref.CaseID, &lastError, &ref.RetryCount); err != nil {
			return nil, err
		}
		if lastError != nil {
			ref.LastError = *lastError
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

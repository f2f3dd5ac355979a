package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"caseflow/internal/database"
)

// FailureBurst aggregates the failures of one case inside a window.
type FailureBurst struct {
	CaseID    string
	Failures  int
	Documents int
	LastError string
	LastAt    time.Time
}

// FailureBursts returns cases with at least threshold job failures recorded
// after since, worst first.
func (s *Store) FailureBursts(ctx context.Context, since time.Time, threshold int) ([]FailureBurst, error) {
	if threshold <= 0 {
		threshold = 1
	}
	rows, err := s.db.Query(ctx,
		`SELECT f.case_id, COUNT(1), COUNT(DISTINCT f.document_id), MAX(f.created_at),
                (SELECT l.error FROM job_failures l
                 WHERE l.case_id = f.case_id AND l.created_at > ?
                 ORDER BY l.created_at DESC, l.id DESC LIMIT 1)
         FROM job_failures f
         WHERE f.created_at > ?
         GROUP BY f.case_id
         HAVING COUNT(1) >= ?
         ORDER BY COUNT(1) DESC, f.case_id`,
		database.FormatTime(since), database.FormatTime(since), threshold,
	)
	if err != nil {
		return nil, fmt.Errorf("failure bursts: %w", err)
	}
	defer rows.Close()
	var out []FailureBurst
	for rows.Next() {
		var (
			burst     FailureBurst
			lastAt    string
			lastError sql.NullString
		)
		if err := rows.Scan(&burst.CaseID, &burst.Failures, &burst.Documents, &lastAt, &lastError); err != nil {
			return nil, fmt.Errorf("scan failure burst: %w", err)
		}
		burst.LastError = lastError.String
		if t, err := database.ParseTime(lastAt); err == nil {
			burst.LastAt = t
		}
		out = append(out, burst)
	}
	return out, rows.Err()
}

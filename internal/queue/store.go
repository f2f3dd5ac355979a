package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"caseflow/internal/config"
	"caseflow/internal/database"
	"caseflow/internal/logging"
)

// Store manages documents and jobs in the shared database.
type Store struct {
	db         *database.DB
	logger     *slog.Logger
	maxRetries int
	backoffMax time.Duration
	staleAfter time.Duration
	validate   *validator.Validate
}

// NewStore builds a store using the job section of the configuration.
func NewStore(db *database.DB, cfg config.Jobs, logger *slog.Logger) *Store {
	backoffMax := time.Duration(cfg.BackoffMaxSeconds) * time.Second
	if backoffMax <= 0 {
		backoffMax = time.Hour
	}
	staleAfter := time.Duration(cfg.StaleAfterMinutes) * time.Minute
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Store{
		db:         db,
		logger:     logging.NewComponentLogger(logger, "queue"),
		maxRetries: maxRetries,
		backoffMax: backoffMax,
		staleAfter: staleAfter,
		validate:   validator.New(),
	}
}

// Now returns the store clock.
func (s *Store) Now() time.Time {
	return s.db.Now()
}

// StaleAfter returns the heartbeat age after which processing jobs are paused.
func (s *Store) StaleAfter() time.Duration {
	return s.staleAfter
}

// CreateDocument registers a document for caseID. Documents are never deleted.
func (s *Store) CreateDocument(ctx context.Context, id, caseID, sourcePath string) (*Document, error) {
	id = strings.TrimSpace(id)
	caseID = strings.TrimSpace(caseID)
	if id == "" || caseID == "" {
		return nil, errors.New("document id and case id are required")
	}
	now := database.FormatTime(s.db.Now())
	if _, err := s.db.Exec(ctx,
		`INSERT INTO documents (id, case_id, source_path, ocr_status, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		id, caseID, database.NullableString(strings.TrimSpace(sourcePath)), OCRPending, now, now,
	); err != nil {
		return nil, fmt.Errorf("insert document: %w", err)
	}
	return s.GetDocument(ctx, id)
}

// GetDocument fetches a document by id. Missing documents yield ErrDocumentNotFound.
func (s *Store) GetDocument(ctx context.Context, id string) (*Document, error) {
	var (
		doc                           Document
		sourcePath, holder, lastError sql.NullString
		expires, created, updated     sql.NullString
		ocr                           string
	)
	err := s.db.QueryRowScan(ctx,
		`SELECT id, case_id, source_path, ocr_status, lock_holder, lock_expires_at,
                retry_count, last_error, created_at, updated_at
         FROM documents WHERE id = ?`,
		[]any{id},
		&doc.ID, &doc.CaseID, &sourcePath, &ocr, &holder, &expires,
		&doc.RetryCount, &lastError, &created, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	doc.SourcePath = sourcePath.String
	doc.OCRStatus = OCRStatus(ocr)
	doc.LockHolder = holder.String
	doc.LockExpiry = database.NullTime(expires)
	doc.LastError = lastError.String
	if t := database.NullTime(created); t != nil {
		doc.CreatedAt = *t
	}
	if t := database.NullTime(updated); t != nil {
		doc.UpdatedAt = *t
	}
	return &doc, nil
}

// AddMember grants principalID access to every document of caseID.
func (s *Store) AddMember(ctx context.Context, caseID, principalID, role string) error {
	if strings.TrimSpace(caseID) == "" || strings.TrimSpace(principalID) == "" {
		return errors.New("case id and principal id are required")
	}
	if role == "" {
		role = "member"
	}
	if _, err := s.db.Exec(ctx,
		`INSERT INTO case_members (case_id, principal_id, role, created_at) VALUES (?, ?, ?, ?)
         ON CONFLICT (case_id, principal_id) DO UPDATE SET role = excluded.role`,
		caseID, principalID, role, database.FormatTime(s.db.Now()),
	); err != nil {
		return fmt.Errorf("add case member: %w", err)
	}
	return nil
}

package notifications

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"caseflow/internal/database"
	"caseflow/internal/logging"
	"caseflow/internal/metrics"
	"caseflow/internal/services"
)

// ErrNotificationNotFound is returned for unknown notification ids.
var ErrNotificationNotFound = fmt.Errorf("%w: notification", services.ErrNotFound)

const notificationColumns = "id, type, severity, recipient, subject, message, dedup_key, case_id, workflow_instance_id, read_at, delivered_at, created_at"

// Store persists notifications.
type Store struct {
	db       *database.DB
	logger   *slog.Logger
	cooldown time.Duration
}

// NewStore builds a store that suppresses duplicate keys within cooldown.
func NewStore(db *database.DB, cooldown time.Duration, logger *slog.Logger) *Store {
	if cooldown <= 0 {
		cooldown = time.Hour
	}
	return &Store{
		db:       db,
		logger:   logging.NewComponentLogger(logger, "notifications"),
		cooldown: cooldown,
	}
}

// Create inserts a notification unless one with the same dedup key was
// created within the cooldown window. It returns nil and no error when the
// request was suppressed.
func (s *Store) Create(ctx context.Context, req Request) (*Notification, error) {
	if err := validateRequest(&req); err != nil {
		return nil, err
	}
	now := s.db.Now()
	nowText := database.FormatTime(now)
	cutoff := database.FormatTime(now.Add(-s.cooldown))

	var instanceID any
	if req.WorkflowInstanceID > 0 {
		instanceID = req.WorkflowInstanceID
	}
	var created []*Notification
	err := s.db.Tx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`INSERT INTO notifications (type, severity, recipient, subject, message, dedup_key, case_id,
                workflow_instance_id, created_at)
             SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?
             WHERE ? = '' OR NOT EXISTS (
                 SELECT 1 FROM notifications WHERE dedup_key = ? AND created_at > ?
             )
             RETURNING `+notificationColumns,
			string(req.Type), string(req.Severity), req.Recipient, req.Subject, req.Message,
			database.NullableString(req.DedupKey), database.NullableString(req.CaseID), instanceID, nowText,
			req.DedupKey, req.DedupKey, cutoff,
		)
		if err != nil {
			return err
		}
		created, err = scanNotifications(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create notification: %w", err)
	}
	if len(created) == 0 {
		s.logger.Debug("notification suppressed",
			logging.String(logging.FieldEventType, "notification_suppressed"),
			logging.String("dedup_key", req.DedupKey),
		)
		return nil, nil
	}
	n := created[0]
	metrics.Notifications.WithLabelValues(string(n.Type), string(n.Severity)).Inc()
	s.logger.Info("notification created",
		logging.String(logging.FieldEventType, "notification_created"),
		logging.Int64("notification_id", n.ID),
		logging.String("type", string(n.Type)),
		logging.String("severity", string(n.Severity)),
		logging.String("recipient", n.Recipient),
		logging.String(logging.FieldCaseID, n.CaseID),
	)
	return n, nil
}

func validateRequest(req *Request) error {
	req.Recipient = strings.TrimSpace(req.Recipient)
	req.Subject = strings.TrimSpace(req.Subject)
	req.DedupKey = strings.TrimSpace(req.DedupKey)
	if req.Type == "" {
		return services.Wrap(services.ErrValidation, "notifications", "create", "type is required", nil)
	}
	if _, err := ParseSeverity(string(req.Severity)); err != nil {
		return services.Wrap(services.ErrValidation, "notifications", "create", err.Error(), nil)
	}
	if req.Recipient == "" {
		return services.Wrap(services.ErrValidation, "notifications", "create", "recipient is required", nil)
	}
	if req.Subject == "" {
		return services.Wrap(services.ErrValidation, "notifications", "create", "subject is required", nil)
	}
	return nil
}

// Get fetches a notification by id.
func (s *Store) Get(ctx context.Context, id int64) (*Notification, error) {
	rows, err := s.db.Query(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get notification: %w", err)
	}
	found, err := scanNotifications(rows)
	if err != nil {
		return nil, fmt.Errorf("get notification: %w", err)
	}
	if len(found) == 0 {
		return nil, ErrNotificationNotFound
	}
	return found[0], nil
}

// List returns notifications matching filter, newest first.
func (s *Store) List(ctx context.Context, filter Filter) ([]*Notification, error) {
	query := sq.Select(notificationColumns).From("notifications").OrderBy("created_at DESC", "id DESC")
	if r := strings.TrimSpace(filter.Recipient); r != "" {
		query = query.Where(sq.Eq{"recipient": r})
	}
	if c := strings.TrimSpace(filter.CaseID); c != "" {
		query = query.Where(sq.Eq{"case_id": c})
	}
	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		query = query.Where(sq.Eq{"type": types})
	}
	if filter.UnreadOnly {
		query = query.Where(sq.Eq{"read_at": nil})
	}
	if filter.Undelivered {
		query = query.Where(sq.Eq{"delivered_at": nil})
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	sqlText, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build notification list: %w", err)
	}
	rows, err := s.db.Query(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	found, err := scanNotifications(rows)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return found, nil
}

// MarkRead records that the recipient saw the notification. Marking an
// already read notification keeps the original read time.
func (s *Store) MarkRead(ctx context.Context, id int64) (*Notification, error) {
	if _, err := s.db.Exec(ctx,
		`UPDATE notifications SET read_at = ? WHERE id = ? AND read_at IS NULL`,
		database.FormatTime(s.db.Now()), id,
	); err != nil {
		return nil, fmt.Errorf("mark notification read: %w", err)
	}
	return s.Get(ctx, id)
}

// MarkDelivered records external delivery.
func (s *Store) MarkDelivered(ctx context.Context, id int64) error {
	if _, err := s.db.Exec(ctx,
		`UPDATE notifications SET delivered_at = ? WHERE id = ? AND delivered_at IS NULL`,
		database.FormatTime(s.db.Now()), id,
	); err != nil {
		return fmt.Errorf("mark notification delivered: %w", err)
	}
	return nil
}

func scanNotifications(rows *sql.Rows) ([]*Notification, error) {
	defer rows.Close()
	var out []*Notification
	for rows.Next() {
		var (
			n                      Notification
			typ, severity, created string
			dedup, caseID          sql.NullString
			instanceID             sql.NullInt64
			readAt, deliveredAt    sql.NullString
		)
		if err := rows.Scan(&n.ID, &typ, &severity, &n.Recipient, &n.Subject, &n.Message, &dedup, &caseID,
			&instanceID, &readAt, &deliveredAt, &created); err != nil {
			return nil, err
		}
		n.Type = Type(typ)
		n.Severity = Severity(severity)
		n.DedupKey = dedup.String
		n.CaseID = caseID.String
		if instanceID.Valid {
			id := instanceID.Int64
			n.WorkflowInstanceID = &id
		}
		n.ReadAt = database.NullTime(readAt)
		n.DeliveredAt = database.NullTime(deliveredAt)
		t, err := database.ParseTime(created)
		if err != nil {
			return nil, fmt.Errorf("parse created_at for notification %d: %w", n.ID, err)
		}
		n.CreatedAt = t
		out = append(out, &n)
	}
	return out, rows.Err()
}

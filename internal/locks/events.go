package locks

import (
	"context"
	"database/sql"
	"fmt"

	"caseflow/internal/database"
)

// EventKind labels entries in the lock audit trail.
type EventKind string

const (
	EventAcquire      EventKind = "acquire"
	EventRelease      EventKind = "release"
	EventForceRelease EventKind = "force_release"
	EventReclaim      EventKind = "reclaim"
)

// Event is one audit trail entry.
type Event struct {
	ID         int64
	DocumentID string
	Kind       EventKind
	Holder     string
	Actor      string
	CreatedAt  string
}

func insertEvent(ctx context.Context, tx *sql.Tx, documentID string, kind EventKind, holder, actor, at string) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO lock_events (document_id, kind, holder, actor, created_at) VALUES (?, ?, ?, ?, ?)`,
		documentID, string(kind), database.NullableString(holder), database.NullableString(actor), at,
	); err != nil {
		return fmt.Errorf("record lock event: %w", err)
	}
	return nil
}

// Events returns the audit trail for documentID, oldest first.
func (m *Manager) Events(ctx context.Context, documentID string) ([]Event, error) {
	rows, err := m.db.Query(ctx,
		`SELECT id, document_id, kind, holder, actor, created_at FROM lock_events WHERE document_id = ? ORDER BY id`,
		documentID,
	)
	if err != nil {
		return nil, fmt.Errorf("lock events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev            Event
			kind          string
			holder, actor sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.DocumentID, &kind, &holder, &actor, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Kind = EventKind(kind)
		ev.Holder = holder.String
		ev.Actor = actor.String
		events = append(events, ev)
	}
	return events, rows.Err()
}

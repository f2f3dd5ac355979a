package workflow

import (
	"context"
	"fmt"

	"caseflow/internal/auth"
	"caseflow/internal/database"
	"caseflow/internal/logging"
	"caseflow/internal/services"
)

// MarkViolated sets the sticky SLA violation flag while the instance is still
// in stage. An acknowledgment recorded after the instance entered stage holds
// for the rest of that stage. It reports whether this call set the flag.
func (m *Machine) MarkViolated(ctx context.Context, id int64, stage string) (bool, error) {
	now := database.FormatTime(m.db.Now())
	res, err := m.db.Exec(ctx,
		`UPDATE workflow_instances
         SET sla_violated = 1, sla_violated_at = ?, sla_acknowledged_by = NULL,
             sla_acknowledged_at = NULL, updated_at = ?
         WHERE id = ? AND stage = ? AND sla_violated = 0
           AND (sla_acknowledged_at IS NULL OR sla_acknowledged_at < stage_entered_at)`,
		now, now, id, stage,
	)
	if err != nil {
		return false, fmt.Errorf("mark sla violated: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark sla violated: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	logging.WarnWithContext(m.logger, "sla violated", "sla_violation",
		logging.Int64(logging.FieldWorkflowID, id),
		logging.String(logging.FieldStage, stage),
		logging.String(logging.FieldImpact, "stage exceeded its target duration"),
		logging.String(logging.FieldErrorHint, "acknowledge the violation once handled"),
	)
	return true, nil
}

// AcknowledgeViolation clears the SLA violation flag. Admin only; the
// acknowledging principal and time are recorded.
func (m *Machine) AcknowledgeViolation(ctx context.Context, id int64) (*Instance, error) {
	principal, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		return nil, services.Wrap(services.ErrUnauthorized, "workflow", "acknowledge", "principal required", nil)
	}
	if !principal.Admin {
		return nil, ErrAdminRequired
	}
	now := database.FormatTime(m.db.Now())
	res, err := m.db.Exec(ctx,
		`UPDATE workflow_instances
         SET sla_violated = 0, sla_acknowledged_by = ?, sla_acknowledged_at = ?, updated_at = ?
         WHERE id = ? AND sla_violated = 1`,
		principal.ID, now, now, id,
	)
	if err != nil {
		return nil, fmt.Errorf("acknowledge sla violation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("acknowledge sla violation: %w", err)
	}
	inst, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: instance %d has no unacknowledged violation", ErrInvalidTransition, id)
	}
	m.logger.Info("sla violation acknowledged",
		logging.String(logging.FieldEventType, "sla_acknowledged"),
		logging.Int64(logging.FieldWorkflowID, id),
		logging.String("actor", principal.ID),
	)
	return inst, nil
}

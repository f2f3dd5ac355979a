package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"caseflow/internal/config"
	"caseflow/internal/database"
	"caseflow/internal/logging"
	"caseflow/internal/metrics"
	"caseflow/internal/services"
)

var (
	// ErrInstanceNotFound is returned for unknown workflow instance ids.
	ErrInstanceNotFound = fmt.Errorf("%w: workflow instance", services.ErrNotFound)
	// ErrStaleStage means the instance left the expected stage before the
	// transition ran; another transition won.
	ErrStaleStage = errors.New("workflow stage changed concurrently")
	// ErrInvalidTransition rejects transitions the stage order forbids.
	ErrInvalidTransition = fmt.Errorf("%w: invalid stage transition", services.ErrValidation)
	// ErrAdminRequired is returned by admin-only operations.
	ErrAdminRequired = fmt.Errorf("%w: admin principal required", services.ErrUnauthorized)
)

// Instance is one case's run through a workflow definition.
type Instance struct {
	ID                int64
	CaseID            string
	WorkflowType      string
	Stage             string
	Priority          Priority
	ReviewPriority    string
	StageEnteredAt    time.Time
	SLADeadline       *time.Time
	SLAViolated       bool
	SLAViolatedAt     *time.Time
	SLAAcknowledgedBy string
	SLAAcknowledgedAt *time.Time
	CompletedAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Active reports whether the instance has not reached its terminal stage.
func (i Instance) Active() bool {
	return i.CompletedAt == nil
}

// Machine drives workflow instances through their stages.
type Machine struct {
	db      *database.DB
	logger  *slog.Logger
	targets map[string]time.Duration
}

// NewMachine builds a stage machine. SLA stage targets from configuration
// (minutes, keyed by stage name) override the built-in targets.
func NewMachine(db *database.DB, cfg config.SLA, logger *slog.Logger) *Machine {
	targets := make(map[string]time.Duration, len(cfg.StageTargets))
	for stage, minutes := range cfg.StageTargets {
		targets[strings.ToLower(strings.TrimSpace(stage))] = time.Duration(minutes) * time.Minute
	}
	return &Machine{
		db:      db,
		logger:  logging.NewComponentLogger(logger, "workflow"),
		targets: targets,
	}
}

// Target returns the SLA target for a stage of a workflow type.
func (m *Machine) Target(workflowType, stage string) time.Duration {
	if target, ok := m.targets[stage]; ok {
		return target
	}
	def, ok := Lookup(workflowType)
	if !ok {
		return 0
	}
	s, _ := def.Stage(stage)
	return s.Target
}

func (m *Machine) deadline(workflowType, stage string, entered time.Time) any {
	target := m.Target(workflowType, stage)
	if def, ok := Lookup(workflowType); ok && def.IsFinal(stage) {
		return nil
	}
	if target <= 0 {
		return nil
	}
	return database.FormatTime(entered.Add(target))
}

// Start creates an instance for caseID at the first stage of workflowType.
func (m *Machine) Start(ctx context.Context, caseID, workflowType string, priority Priority) (*Instance, error) {
	caseID = strings.TrimSpace(caseID)
	if caseID == "" {
		return nil, services.Wrap(services.ErrValidation, "workflow", "start", "case id is required", nil)
	}
	def, ok := Lookup(workflowType)
	if !ok {
		return nil, services.Wrap(services.ErrValidation, "workflow", "start",
			fmt.Sprintf("unknown workflow type %q", workflowType), nil)
	}
	if priority == "" {
		priority = PriorityMedium
	}
	if _, err := ParsePriority(string(priority)); err != nil {
		return nil, services.Wrap(services.ErrValidation, "workflow", "start", err.Error(), nil)
	}

	first := def.First().Name
	var id int64
	err := m.db.Tx(ctx, func(tx *sql.Tx) error {
		now := m.db.Now()
		nowText := database.FormatTime(now)
		res, err := tx.ExecContext(ctx,
			`INSERT INTO workflow_instances (case_id, workflow_type, stage, priority, stage_entered_at,
                sla_deadline, created_at, updated_at)
             VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			caseID, def.Type, first, string(priority), nowText,
			m.deadline(def.Type, first, now), nowText, nowText,
		)
		if err != nil {
			return err
		}
		if id, err = res.LastInsertId(); err != nil {
			return err
		}
		return insertTransition(ctx, tx, transitionRow{
			instanceID:   id,
			workflowType: def.Type,
			to:           first,
			kind:         KindStarted,
			enteredAt:    nowText,
			actor:        actorFrom(ctx, ""),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("start workflow: %w", err)
	}
	metrics.StageTransitions.WithLabelValues(def.Type, string(KindStarted)).Inc()
	m.logger.Info("workflow started",
		logging.String(logging.FieldEventType, "workflow_started"),
		logging.Int64(logging.FieldWorkflowID, id),
		logging.String(logging.FieldCaseID, caseID),
		logging.String("workflow_type", def.Type),
		logging.String(logging.FieldStage, first),
	)
	return m.Get(ctx, id)
}

const instanceColumns = "id, case_id, workflow_type, stage, priority, review_priority, stage_entered_at, sla_deadline, sla_violated, sla_violated_at, sla_acknowledged_by, sla_acknowledged_at, completed_at, created_at, updated_at"

func scanInstance(scanner interface{ Scan(dest ...any) error }) (*Instance, error) {
	var (
		inst                                   Instance
		priority                               string
		reviewPriority, ackBy                  sql.NullString
		entered, created, updated              string
		deadline, violatedAt, ackAt, completed sql.NullString
		violated                               int
	)
	if err := scanner.Scan(
		&inst.ID, &inst.CaseID, &inst.WorkflowType, &inst.Stage, &priority, &reviewPriority,
		&entered, &deadline, &violated, &violatedAt, &ackBy, &ackAt, &completed, &created, &updated,
	); err != nil {
		return nil, err
	}
	inst.Priority = Priority(priority)
	inst.ReviewPriority = reviewPriority.String
	inst.SLAViolated = violated != 0
	inst.SLADeadline = database.NullTime(deadline)
	inst.SLAViolatedAt = database.NullTime(violatedAt)
	inst.SLAAcknowledgedBy = ackBy.String
	inst.SLAAcknowledgedAt = database.NullTime(ackAt)
	inst.CompletedAt = database.NullTime(completed)
	if t, err := database.ParseTime(entered); err == nil {
		inst.StageEnteredAt = t
	}
	if t, err := database.ParseTime(created); err == nil {
		inst.CreatedAt = t
	}
	if t, err := database.ParseTime(updated); err == nil {
		inst.UpdatedAt = t
	}
	return &inst, nil
}

// Get fetches an instance by id.
func (m *Machine) Get(ctx context.Context, id int64) (*Instance, error) {
	rows, err := m.db.Query(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	instances, err := scanInstances(rows)
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	if len(instances) == 0 {
		return nil, ErrInstanceNotFound
	}
	return instances[0], nil
}

func scanInstances(rows *sql.Rows) ([]*Instance, error) {
	defer rows.Close()
	var out []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func getInstanceTx(ctx context.Context, tx *sql.Tx, id int64) (*Instance, error) {
	inst, err := scanInstance(tx.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInstanceNotFound
	}
	return inst, err
}

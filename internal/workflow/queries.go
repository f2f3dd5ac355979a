package workflow

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// Filter narrows List results. Zero values match everything.
type Filter struct {
	CaseID       string
	WorkflowType string
	Stages       []string
	ActiveOnly   bool
	ViolatedOnly bool
	Limit        uint64
}

// List returns instances matching filter, most urgent priority first.
func (m *Machine) List(ctx context.Context, filter Filter) ([]*Instance, error) {
	query := sq.Select(instanceColumns).From("workflow_instances").
		OrderBy(`CASE priority WHEN 'urgent' THEN 3 WHEN 'high' THEN 2 WHEN 'medium' THEN 1 ELSE 0 END DESC`,
			"stage_entered_at", "id")
	if caseID := strings.TrimSpace(filter.CaseID); caseID != "" {
		query = query.Where(sq.Eq{"case_id": caseID})
	}
	if wt := strings.TrimSpace(filter.WorkflowType); wt != "" {
		query = query.Where(sq.Eq{"workflow_type": strings.ToLower(wt)})
	}
	if len(filter.Stages) > 0 {
		query = query.Where(sq.Eq{"stage": filter.Stages})
	}
	if filter.ActiveOnly {
		query = query.Where(sq.Eq{"completed_at": nil})
	}
	if filter.ViolatedOnly {
		query = query.Where(sq.Eq{"sla_violated": 1})
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	sqlText, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build workflow list: %w", err)
	}
	rows, err := m.db.Query(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	instances, err := scanInstances(rows)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	return instances, nil
}

// Active lists every instance that has not completed.
func (m *Machine) Active(ctx context.Context) ([]*Instance, error) {
	return m.List(ctx, Filter{ActiveOnly: true})
}

// ActiveForCase returns the running instances of a case.
func (m *Machine) ActiveForCase(ctx context.Context, caseID string) ([]*Instance, error) {
	return m.List(ctx, Filter{CaseID: caseID, ActiveOnly: true})
}

// Transition is a stage change record.
type Transition struct {
	ID              int64
	InstanceID      int64
	WorkflowType    string
	From            string
	To              string
	Kind            TransitionKind
	EnteredAt       string
	DurationSeconds float64
	Actor           string
	Reason          string
}

// Transitions returns the transition log of an instance in entry order.
func (m *Machine) Transitions(ctx context.Context, id int64) ([]Transition, error) {
	rows, err := m.db.Query(ctx,
		`SELECT id, workflow_instance_id, workflow_type, from_stage, to_stage, kind, entered_at,
                duration_seconds, actor, reason
         FROM stage_transitions WHERE workflow_instance_id = ? ORDER BY entered_at, id`, id)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()
	var out []Transition
	for rows.Next() {
		var (
			t                   Transition
			kind                string
			from, actor, reason sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.InstanceID, &t.WorkflowType, &from, &t.To, &kind, &t.EnteredAt,
			&t.DurationSeconds, &actor, &reason); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		t.Kind = TransitionKind(kind)
		t.From = from.String
		t.Actor = actor.String
		t.Reason = reason.String
		out = append(out, t)
	}
	return out, rows.Err()
}

// StageDuration is the aggregate time spent in a stage.
type StageDuration struct {
	Stage          string
	Samples        int
	AverageSeconds float64
}

// AverageStageDurations aggregates time spent in each exited stage from the
// transition log. Results follow the workflow's stage order.
func (m *Machine) AverageStageDurations(ctx context.Context, workflowType string) ([]StageDuration, error) {
	def, ok := Lookup(workflowType)
	if !ok {
		return nil, fmt.Errorf("%w: unknown workflow type %q", ErrInvalidTransition, workflowType)
	}
	rows, err := m.db.Query(ctx,
		`SELECT from_stage, COUNT(*), AVG(duration_seconds)
         FROM stage_transitions
         WHERE workflow_type = ? AND from_stage IS NOT NULL
         GROUP BY from_stage`, def.Type)
	if err != nil {
		return nil, fmt.Errorf("aggregate stage durations: %w", err)
	}
	defer rows.Close()
	var out []StageDuration
	for rows.Next() {
		var d StageDuration
		if err := rows.Scan(&d.Stage, &d.Samples, &d.AverageSeconds); err != nil {
			return nil, fmt.Errorf("scan stage duration: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return def.Index(out[i].Stage) < def.Index(out[j].Stage)
	})
	return out, nil
}

// Count returns the number of instances per stage for a workflow type.
func (m *Machine) Count(ctx context.Context, workflowType string) (map[string]int, error) {
	counts := make(map[string]int)
	rows, err := m.db.Query(ctx,
		`SELECT stage, COUNT(*) FROM workflow_instances WHERE workflow_type = ? GROUP BY stage`,
		strings.ToLower(strings.TrimSpace(workflowType)))
	if err != nil {
		return nil, fmt.Errorf("count workflows: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			stage string
			n     int
		)
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, err
		}
		counts[stage] = n
	}
	return counts, rows.Err()
}

package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"caseflow/internal/auth"
	"caseflow/internal/database"
	"caseflow/internal/gate"
	"caseflow/internal/logging"
	"caseflow/internal/metrics"
)

// TransitionKind distinguishes forward progress from review routing and
// revision returns in the transition log.
type TransitionKind string

const (
	KindStarted             TransitionKind = "started"
	KindForward             TransitionKind = "forward"
	KindReviewRouted        TransitionKind = "review_routed"
	KindReturnedForRevision TransitionKind = "returned_for_revision"
)

// Review priorities recorded on instances parked in a review stage.
const (
	ReviewNormal = "normal"
	ReviewUrgent = "urgent"
)

type transitionRow struct {
	instanceID   int64
	workflowType string
	from         string
	to           string
	kind         TransitionKind
	enteredAt    string
	duration     float64
	actor        string
	reason       string
}

func insertTransition(ctx context.Context, tx *sql.Tx, row transitionRow) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO stage_transitions (workflow_instance_id, workflow_type, from_stage, to_stage, kind,
            entered_at, duration_seconds, actor, reason)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.instanceID, row.workflowType, database.NullableString(row.from), row.to, string(row.kind),
		row.enteredAt, row.duration, database.NullableString(row.actor), database.NullableString(row.reason),
	)
	if err != nil {
		return fmt.Errorf("insert stage transition: %w", err)
	}
	return nil
}

func actorFrom(ctx context.Context, actor string) string {
	if actor = strings.TrimSpace(actor); actor != "" {
		return actor
	}
	if p, ok := auth.PrincipalFromContext(ctx); ok {
		return p.ID
	}
	return "system"
}

type move struct {
	expected       string
	target         func(def Definition) (string, error)
	kind           TransitionKind
	actor          string
	reason         string
	reviewPriority string
}

// transition moves an instance out of the expected stage. The stage update is
// conditional on the expected stage and the transition row is written in the
// same transaction, so two concurrent moves cannot both land.
func (m *Machine) transition(ctx context.Context, id int64, mv move) (*Instance, error) {
	var (
		inst *Instance
		to   string
	)
	err := m.db.Tx(ctx, func(tx *sql.Tx) error {
		current, err := getInstanceTx(ctx, tx, id)
		if err != nil {
			return err
		}
		expected := mv.expected
		if expected == "" {
			expected = current.Stage
		}
		if current.Stage != expected {
			return ErrStaleStage
		}
		def, ok := Lookup(current.WorkflowType)
		if !ok {
			return fmt.Errorf("%w: unknown workflow type %q", ErrInvalidTransition, current.WorkflowType)
		}
		if to, err = mv.target(def); err != nil {
			return err
		}

		now := m.db.Now()
		nowText := database.FormatTime(now)
		var completed any
		if def.IsFinal(to) {
			completed = nowText
		}
		var reviewPriority any
		if mv.reviewPriority != "" {
			reviewPriority = mv.reviewPriority
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE workflow_instances
             SET stage = ?, stage_entered_at = ?, sla_deadline = ?, review_priority = ?,
                 completed_at = ?, updated_at = ?
             WHERE id = ? AND stage = ?`,
			to, nowText, m.deadline(def.Type, to, now), reviewPriority, completed, nowText,
			id, expected,
		)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrStaleStage
		}

		duration := now.Sub(current.StageEnteredAt).Seconds()
		if duration < 0 {
			duration = 0
		}
		if err := insertTransition(ctx, tx, transitionRow{
			instanceID:   id,
			workflowType: def.Type,
			from:         expected,
			to:           to,
			kind:         mv.kind,
			enteredAt:    nowText,
			duration:     duration,
			actor:        actorFrom(ctx, mv.actor),
			reason:       mv.reason,
		}); err != nil {
			return err
		}
		inst, err = getInstanceTx(ctx, tx, id)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrStaleStage) || errors.Is(err, ErrInstanceNotFound) || errors.Is(err, ErrInvalidTransition) {
			return nil, err
		}
		return nil, fmt.Errorf("workflow transition: %w", err)
	}
	metrics.StageTransitions.WithLabelValues(inst.WorkflowType, string(mv.kind)).Inc()
	m.logger.Info("workflow stage changed",
		logging.String(logging.FieldEventType, "workflow_"+string(mv.kind)),
		logging.Int64(logging.FieldWorkflowID, id),
		logging.String(logging.FieldCaseID, inst.CaseID),
		logging.String("from_stage", mv.expected),
		logging.String(logging.FieldStage, to),
		logging.String("actor", actorFrom(ctx, mv.actor)),
	)
	return inst, nil
}

// Advance moves the instance one stage forward.
func (m *Machine) Advance(ctx context.Context, id int64, actor, reason string) (*Instance, error) {
	current, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.transition(ctx, id, move{
		expected: current.Stage,
		kind:     KindForward,
		actor:    actor,
		reason:   reason,
		target: func(def Definition) (string, error) {
			next, ok := def.Next(current.Stage)
			if !ok {
				return "", fmt.Errorf("%w: %s is the final stage", ErrInvalidTransition, current.Stage)
			}
			return next.Name, nil
		},
	})
}

// ApplyDecision moves an instance out of stage according to a gate decision.
// Auto-advance skips an optional review stage; review routes to the next
// review stage and records its urgency. A stage other than the current one
// yields ErrStaleStage.
func (m *Machine) ApplyDecision(ctx context.Context, id int64, stage string, decision gate.Decision, actor string) (*Instance, error) {
	stage = strings.TrimSpace(stage)
	if stage == "" {
		return nil, fmt.Errorf("%w: stage is required", ErrInvalidTransition)
	}
	if decision.AutoAdvance {
		return m.transition(ctx, id, move{
			expected: stage,
			kind:     KindForward,
			actor:    actor,
			reason:   decision.Reason,
			target: func(def Definition) (string, error) {
				next, ok := def.Next(stage)
				if !ok {
					return "", fmt.Errorf("%w: %s is the final stage", ErrInvalidTransition, stage)
				}
				if next.Review && next.ReviewOptional {
					if after, ok := def.Next(next.Name); ok {
						return after.Name, nil
					}
				}
				return next.Name, nil
			},
		})
	}
	priority := ReviewNormal
	if decision.Urgent {
		priority = ReviewUrgent
	}
	return m.transition(ctx, id, move{
		expected:       stage,
		kind:           KindReviewRouted,
		actor:          actor,
		reason:         decision.Reason,
		reviewPriority: priority,
		target: func(def Definition) (string, error) {
			if s, ok := def.Stage(stage); ok && s.Review {
				return "", fmt.Errorf("%w: already in review stage %s", ErrInvalidTransition, stage)
			}
			review, ok := def.ReviewStage(stage)
			if !ok {
				return "", fmt.Errorf("%w: no review stage after %s", ErrInvalidTransition, stage)
			}
			return review.Name, nil
		},
	})
}

// ReturnForRevision sends an instance back to an earlier stage.
func (m *Machine) ReturnForRevision(ctx context.Context, id int64, toStage, actor, reason string) (*Instance, error) {
	current, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	toStage = strings.TrimSpace(toStage)
	return m.transition(ctx, id, move{
		expected: current.Stage,
		kind:     KindReturnedForRevision,
		actor:    actor,
		reason:   reason,
		target: func(def Definition) (string, error) {
			to := def.Index(toStage)
			if to < 0 {
				return "", fmt.Errorf("%w: unknown stage %q", ErrInvalidTransition, toStage)
			}
			if def.IsFinal(current.Stage) {
				return "", fmt.Errorf("%w: workflow already completed", ErrInvalidTransition)
			}
			if to >= def.Index(current.Stage) {
				return "", fmt.Errorf("%w: %s is not before %s", ErrInvalidTransition, toStage, current.Stage)
			}
			return toStage, nil
		},
	})
}

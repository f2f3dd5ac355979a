package workflow

import (
	"fmt"
	"strings"
	"time"
)

// Workflow types.
const (
	TypeGeneral     = "general"
	TypeTranslation = "translation"
)

// Priority affects ordering and notification severity; it never changes
// gate thresholds or transitions.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ParsePriority normalizes value, defaulting to medium when empty.
func ParsePriority(value string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(value))); p {
	case "":
		return PriorityMedium, nil
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return p, nil
	default:
		return "", fmt.Errorf("unknown priority %q", value)
	}
}

// Rank orders priorities; higher is more pressing.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// StageDef describes one stage of a workflow type.
type StageDef struct {
	Name string
	// Target is the SLA for time spent in the stage; zero means untracked.
	Target time.Duration
	// AIStage names the job type whose result decides how the stage exits.
	AIStage string
	// Review marks the human review holding stage.
	Review bool
	// ReviewOptional lets a confident gate decision skip this review stage.
	ReviewOptional bool
}

// Definition is the ordered stage list of a workflow type.
type Definition struct {
	Type   string
	Stages []StageDef
}

var definitions = map[string]Definition{
	TypeGeneral: {
		Type: TypeGeneral,
		Stages: []StageDef{
			{Name: "upload", Target: time.Hour},
			{Name: "extraction", Target: 4 * time.Hour, AIStage: "ocr"},
			{Name: "ai_processing", Target: 4 * time.Hour, AIStage: "classification"},
			{Name: "human_review", Target: 48 * time.Hour, Review: true, ReviewOptional: true},
			{Name: "certification", Target: 72 * time.Hour},
			{Name: "ready", Target: 24 * time.Hour},
			{Name: "submitted", Target: 7 * 24 * time.Hour},
			{Name: "completed"},
		},
	},
	TypeTranslation: {
		Type: TypeTranslation,
		Stages: []StageDef{
			{Name: "upload", Target: time.Hour},
			{Name: "ocr", Target: 4 * time.Hour, AIStage: "ocr"},
			{Name: "ai_translate", Target: 8 * time.Hour, AIStage: "translation"},
			{Name: "hac_review", Target: 48 * time.Hour, Review: true},
			{Name: "sworn_translation", Target: 72 * time.Hour},
			{Name: "ready", Target: 24 * time.Hour},
			{Name: "submitted", Target: 7 * 24 * time.Hour},
			{Name: "completed"},
		},
	},
}

// Lookup returns the definition for a workflow type.
func Lookup(workflowType string) (Definition, bool) {
	def, ok := definitions[strings.ToLower(strings.TrimSpace(workflowType))]
	return def, ok
}

// Types lists known workflow types.
func Types() []string {
	return []string{TypeGeneral, TypeTranslation}
}

// Index returns the position of stage, or -1.
func (d Definition) Index(stage string) int {
	for i, s := range d.Stages {
		if s.Name == stage {
			return i
		}
	}
	return -1
}

// Stage returns the definition of stage.
func (d Definition) Stage(stage string) (StageDef, bool) {
	if i := d.Index(stage); i >= 0 {
		return d.Stages[i], true
	}
	return StageDef{}, false
}

// First returns the entry stage.
func (d Definition) First() StageDef {
	return d.Stages[0]
}

// Final returns the terminal stage.
func (d Definition) Final() StageDef {
	return d.Stages[len(d.Stages)-1]
}

// IsFinal reports whether stage is the terminal stage.
func (d Definition) IsFinal(stage string) bool {
	return stage == d.Final().Name
}

// Next returns the stage after stage.
func (d Definition) Next(stage string) (StageDef, bool) {
	i := d.Index(stage)
	if i < 0 || i+1 >= len(d.Stages) {
		return StageDef{}, false
	}
	return d.Stages[i+1], true
}

// ReviewStage returns the first review stage after stage.
func (d Definition) ReviewStage(after string) (StageDef, bool) {
	i := d.Index(after)
	if i < 0 {
		return StageDef{}, false
	}
	for _, s := range d.Stages[i+1:] {
		if s.Review {
			return s, true
		}
	}
	return StageDef{}, false
}

// StageForJob returns the stage fed by a job type.
func (d Definition) StageForJob(jobType string) (StageDef, bool) {
	for _, s := range d.Stages {
		if s.AIStage != "" && s.AIStage == jobType {
			return s, true
		}
	}
	return StageDef{}, false
}

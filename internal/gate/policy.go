package gate

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"caseflow/internal/config"
)

// Stage names with built-in thresholds.
const (
	StageOCR            = "ocr"
	StageClassification = "classification"
	StageTranslation    = "translation"
	StageVerification   = "verification"
)

// DefaultThresholds apply to any stage without a specific entry.
var DefaultThresholds = Thresholds{High: 0.85, Low: 0.70}

var builtinStages = map[string]Thresholds{
	StageOCR:            {High: 0.85, Low: 0.70},
	StageClassification: {High: 0.85, Low: 0.70},
	StageTranslation:    {High: 0.85, Low: 0.70},
	StageVerification:   {High: 0.90, Low: 0.75},
}

// Policy maps stages to thresholds.
type Policy struct {
	fallback Thresholds
	stages   map[string]Thresholds
}

type policyFile struct {
	Default *Thresholds           `yaml:"default"`
	Stages  map[string]Thresholds `yaml:"stages"`
}

// DefaultPolicy returns the built-in stage thresholds.
func DefaultPolicy() *Policy {
	stages := make(map[string]Thresholds, len(builtinStages))
	for stage, t := range builtinStages {
		stages[stage] = t
	}
	return &Policy{fallback: DefaultThresholds, stages: stages}
}

// NewPolicy layers configuration over the built-in defaults. Configured
// high/low thresholds replace the defaults for every stage that still uses
// them; the optional YAML policy file then overrides individual stages.
func NewPolicy(cfg config.Gate) (*Policy, error) {
	policy := DefaultPolicy()
	configured := Thresholds{High: cfg.HighThreshold, Low: cfg.LowThreshold}
	if configured != (Thresholds{}) && configured != DefaultThresholds {
		if err := configured.Validate(); err != nil {
			return nil, fmt.Errorf("gate config: %w", err)
		}
		policy.fallback = configured
		for stage, t := range policy.stages {
			if t == DefaultThresholds {
				policy.stages[stage] = configured
			}
		}
	}
	if strings.TrimSpace(cfg.PolicyFile) == "" {
		return policy, nil
	}
	data, err := os.ReadFile(cfg.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("read gate policy %q: %w", cfg.PolicyFile, err)
	}
	if err := policy.apply(data); err != nil {
		return nil, fmt.Errorf("gate policy %q: %w", cfg.PolicyFile, err)
	}
	return policy, nil
}

// ParsePolicy builds a policy from YAML layered over the built-in defaults.
func ParsePolicy(data []byte) (*Policy, error) {
	policy := DefaultPolicy()
	if err := policy.apply(data); err != nil {
		return nil, err
	}
	return policy, nil
}

func (p *Policy) apply(data []byte) error {
	var file policyFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode yaml: %w", err)
	}
	if file.Default != nil {
		if err := file.Default.Validate(); err != nil {
			return fmt.Errorf("default: %w", err)
		}
		p.fallback = *file.Default
	}
	for stage, t := range file.Stages {
		key := normalizeStage(stage)
		if key == "" {
			return errors.New("empty stage name")
		}
		if err := t.Validate(); err != nil {
			return fmt.Errorf("stage %s: %w", key, err)
		}
		p.stages[key] = t
	}
	return nil
}

// For returns the thresholds used for stage.
func (p *Policy) For(stage string) Thresholds {
	if p == nil {
		return DefaultThresholds
	}
	if t, ok := p.stages[normalizeStage(stage)]; ok {
		return t
	}
	return p.fallback
}

// Stages lists stages with explicit thresholds, sorted.
func (p *Policy) Stages() []string {
	names := make([]string, 0, len(p.stages))
	for name := range p.stages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Evaluate applies the stage thresholds to one or more evaluations.
func (p *Policy) Evaluate(stage string, results ...ConfidenceResult) Decision {
	return EvaluateConsensus(results, p.For(stage))
}

func normalizeStage(stage string) string {
	return strings.ToLower(strings.TrimSpace(stage))
}

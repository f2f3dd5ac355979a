// Package gate decides whether an AI result may advance a workflow on its own
// or must be parked for human review.
//
// Evaluate and EvaluateConsensus are pure functions of their inputs. Policy
// resolves per-stage thresholds from built-in defaults, configuration, and an
// optional YAML policy file.
package gate

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Route is where a gated result goes next.
type Route string

const (
	// RouteNext advances the workflow without review.
	RouteNext Route = "next"
	// RouteReview parks the workflow in its review stage.
	RouteReview Route = "review"
)

// Thresholds bound the auto-advance and urgent-review bands.
type Thresholds struct {
	High float64 `yaml:"high"`
	Low  float64 `yaml:"low"`
}

// Validate reports whether 0 <= Low <= High <= 1.
func (t Thresholds) Validate() error {
	if math.IsNaN(t.High) || math.IsNaN(t.Low) {
		return errors.New("thresholds must be numbers")
	}
	if t.Low < 0 || t.High > 1 || t.Low > t.High {
		return fmt.Errorf("thresholds must satisfy 0 <= low (%.2f) <= high (%.2f) <= 1", t.Low, t.High)
	}
	return nil
}

// ConfidenceResult is one evaluator's verdict on a result.
type ConfidenceResult struct {
	Score     float64
	Reason    string
	Evaluator string
}

// Decision is the gate outcome.
type Decision struct {
	AutoAdvance bool
	RouteTo     Route
	// Urgent marks review items whose score fell below the low threshold.
	Urgent bool
	// Dissent names evaluators that did not clear the high threshold.
	Dissent []string
	Score   float64
	Reason  string
}

// Evaluate applies thresholds to a single result. Scores outside [0,1] and
// NaN are treated as 0.
func Evaluate(result ConfidenceResult, t Thresholds) Decision {
	score := sanitize(result.Score)
	switch {
	case score >= t.High:
		return Decision{
			AutoAdvance: true,
			RouteTo:     RouteNext,
			Score:       score,
			Reason:      fmt.Sprintf("confidence %.2f meets auto-advance threshold %.2f", score, t.High),
		}
	case score >= t.Low:
		return Decision{
			RouteTo: RouteReview,
			Score:   score,
			Reason:  fmt.Sprintf("confidence %.2f below auto-advance threshold %.2f", score, t.High),
		}
	default:
		return Decision{
			RouteTo: RouteReview,
			Urgent:  true,
			Score:   score,
			Reason:  fmt.Sprintf("confidence %.2f below review threshold %.2f", score, t.Low),
		}
	}
}

// EvaluateConsensus auto-advances only when every evaluator clears the high
// threshold. Any dissent routes to review; the decision is urgent when any
// score falls below the low threshold. No evaluations route to review.
func EvaluateConsensus(results []ConfidenceResult, t Thresholds) Decision {
	if len(results) == 0 {
		return Decision{RouteTo: RouteReview, Reason: "no evaluations"}
	}
	if len(results) == 1 {
		decision := Evaluate(results[0], t)
		if !decision.AutoAdvance {
			decision.Dissent = []string{evaluatorName(results[0], 0)}
		}
		return decision
	}

	minScore := 1.0
	var (
		dissent []string
		urgent  bool
		reasons []string
	)
	for i, result := range results {
		decision := Evaluate(result, t)
		minScore = math.Min(minScore, decision.Score)
		if decision.AutoAdvance {
			continue
		}
		name := evaluatorName(result, i)
		dissent = append(dissent, name)
		urgent = urgent || decision.Urgent
		if reason := strings.TrimSpace(result.Reason); reason != "" {
			reasons = append(reasons, name+": "+reason)
		}
	}
	if len(dissent) == 0 {
		return Decision{
			AutoAdvance: true,
			RouteTo:     RouteNext,
			Score:       minScore,
			Reason:      fmt.Sprintf("all %d evaluators meet auto-advance threshold %.2f", len(results), t.High),
		}
	}
	sort.Strings(dissent)
	sort.Strings(reasons)
	reason := fmt.Sprintf("%d of %d evaluators dissent", len(dissent), len(results))
	if len(reasons) > 0 {
		reason += " (" + strings.Join(reasons, "; ") + ")"
	}
	return Decision{
		RouteTo: RouteReview,
		Urgent:  urgent,
		Dissent: dissent,
		Score:   minScore,
		Reason:  reason,
	}
}

func sanitize(score float64) float64 {
	if math.IsNaN(score) || score < 0 || score > 1 {
		return 0
	}
	return score
}

func evaluatorName(result ConfidenceResult, index int) string {
	if name := strings.TrimSpace(result.Evaluator); name != "" {
		return name
	}
	return fmt.Sprintf("evaluator-%d", index+1)
}

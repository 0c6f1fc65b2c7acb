// Package trigger scores a running generation against the succession
// thresholds and decides when it should hand off to a successor.
package trigger

import (
	"fmt"
	"time"

	"github.com/nextlevelbuilder/gasflow/internal/config"
	"github.com/nextlevelbuilder/gasflow/internal/workspace"
)

// Urgency levels, ordered.
const (
	UrgencyNone      = "none"
	UrgencySoon      = "soon"
	UrgencyImmediate = "immediate"
)

// Exit codes for the trigger subcommand.
const (
	ExitNone      = 0
	ExitSoon      = 1
	ExitImmediate = 2
	ExitError     = 3
)

// Component names, also used as primary-trigger labels.
const (
	ComponentInteractions = "interactions"
	ComponentConfidence   = "confidence"
	ComponentErrors       = "errors"
	ComponentStall        = "stall"
)

// Scores holds the normalized 0..1 component scores.
type Scores struct {
	Interactions float64 `json:"interactions"`
	Confidence   float64 `json:"confidence"`
	Errors       float64 `json:"errors"`
	Stall        float64 `json:"stall"`
}

// Result is a full trigger evaluation.
type Result struct {
	Scores          Scores   `json:"scores"`
	Weighted        float64  `json:"weighted_score"`
	Urgency         string   `json:"urgency"`
	ShouldHandoff   bool     `json:"should_handoff"`
	PrimaryTrigger  string   `json:"primary_trigger"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// ExitCode maps the urgency to the subcommand exit code.
func (r Result) ExitCode() int {
	switch r.Urgency {
	case UrgencyImmediate:
		return ExitImmediate
	case UrgencySoon:
		return ExitSoon
	default:
		return ExitNone
	}
}

// Evaluate scores a generation heartbeat at the given instant.
// Terminal statuses short-circuit the scoring: a completed or succeeded
// generation never triggers, a failed one always does.
func Evaluate(gs *workspace.GenerationStatus, cfg config.TriggerConfig, now time.Time) Result {
	switch gs.Status {
	case workspace.StatusCompleted, workspace.StatusSucceeded:
		return Result{
			Urgency:         UrgencyNone,
			Recommendations: []string{"generation completed; no succession needed"},
		}
	case workspace.StatusFailed:
		return Result{
			Weighted:        1.0,
			Urgency:         UrgencyImmediate,
			ShouldHandoff:   true,
			PrimaryTrigger:  ComponentErrors,
			Recommendations: []string{"generation failed; hand off to a successor immediately"},
		}
	}

	var s Scores

	if cfg.MaxInteractions > 0 {
		s.Interactions = min(1.0, float64(gs.Interactions)/float64(cfg.MaxInteractions))
	}

	if gs.Confidence < cfg.MinConfidence && cfg.MinConfidence > 0 {
		s.Confidence = (cfg.MinConfidence - gs.Confidence) / cfg.MinConfidence
	}

	if cfg.MaxErrorRate > 0 {
		interactions := gs.Interactions
		if interactions < 1 {
			interactions = 1
		}
		errorRate := float64(gs.Errors) / float64(interactions)
		s.Errors = min(1.0, errorRate/cfg.MaxErrorRate)
	}

	if cfg.StallMinutes > 0 {
		if last, err := workspace.ParseTimestamp(gs.LastUpdated); err == nil {
			idle := now.Sub(last).Minutes()
			if idle > 0 {
				s.Stall = min(1.0, idle/cfg.StallMinutes)
			}
		}
	}

	r := Result{Scores: s}
	r.Weighted = cfg.InteractionWeight*s.Interactions +
		cfg.ConfidenceWeight*s.Confidence +
		cfg.ErrorWeight*s.Errors +
		cfg.StallWeight*s.Stall

	switch {
	case r.Weighted > cfg.ImmediateUrgency:
		r.Urgency = UrgencyImmediate
		r.ShouldHandoff = true
	case r.Weighted > cfg.SoonUrgency:
		r.Urgency = UrgencySoon
		r.ShouldHandoff = true
	default:
		r.Urgency = UrgencyNone
	}

	r.PrimaryTrigger = primary(s)
	r.Recommendations = recommend(s, gs)
	return r
}

func primary(s Scores) string {
	name, best := ComponentInteractions, s.Interactions
	if s.Confidence > best {
		name, best = ComponentConfidence, s.Confidence
	}
	if s.Errors > best {
		name, best = ComponentErrors, s.Errors
	}
	if s.Stall > best {
		name = ComponentStall
	}
	return name
}

func recommend(s Scores, gs *workspace.GenerationStatus) []string {
	var recs []string
	if s.Interactions >= 0.8 {
		recs = append(recs, fmt.Sprintf("interaction budget nearly spent (%d used); summarize progress for handoff", gs.Interactions))
	}
	if s.Confidence > 0 {
		recs = append(recs, fmt.Sprintf("confidence %.2f below threshold; record open questions before succession", gs.Confidence))
	}
	if s.Errors >= 0.5 {
		recs = append(recs, fmt.Sprintf("error rate elevated (%d errors); capture failing approaches as anti-patterns", gs.Errors))
	}
	if s.Stall >= 1.0 {
		recs = append(recs, "agent appears stalled; successor should re-plan from the last completed task")
	}
	return recs
}

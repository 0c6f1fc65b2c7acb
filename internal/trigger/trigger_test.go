package trigger

import (
	"testing"
	"time"

	"github.com/nextlevelbuilder/gasflow/internal/config"
	"github.com/nextlevelbuilder/gasflow/internal/workspace"
)

func testCfg() config.TriggerConfig {
	return config.Default().Trigger
}

func freshStatus(lastUpdated time.Time) *workspace.GenerationStatus {
	return &workspace.GenerationStatus{
		Generation:  1,
		AgentID:     "a1b2c3d",
		Status:      workspace.StatusRunning,
		LastUpdated: lastUpdated.UTC().Format("2006-01-02T15:04:05Z"),
		Confidence:  1.0,
	}
}

func TestHealthyAgentNoTrigger(t *testing.T) {
	now := time.Now()
	gs := freshStatus(now)
	gs.Interactions = 10

	r := Evaluate(gs, testCfg(), now)
	if r.Urgency != UrgencyNone {
		t.Errorf("Urgency = %q, want none", r.Urgency)
	}
	if r.ShouldHandoff {
		t.Error("healthy agent should not hand off")
	}
	if r.ExitCode() != ExitNone {
		t.Errorf("ExitCode = %d, want 0", r.ExitCode())
	}
}

func TestInteractionExhaustion(t *testing.T) {
	now := time.Now()
	gs := freshStatus(now)
	gs.Interactions = 150

	r := Evaluate(gs, testCfg(), now)
	if r.Scores.Interactions != 1.0 {
		t.Errorf("interaction score = %v, want 1.0", r.Scores.Interactions)
	}
	// Interactions alone contribute 0.25, below the soon threshold.
	if r.ShouldHandoff {
		t.Error("interactions alone should not trigger handoff")
	}
	if r.PrimaryTrigger != ComponentInteractions {
		t.Errorf("PrimaryTrigger = %q, want interactions", r.PrimaryTrigger)
	}

	gs.Interactions = 300
	r = Evaluate(gs, testCfg(), now)
	if r.Scores.Interactions != 1.0 {
		t.Errorf("score should clamp at 1.0, got %v", r.Scores.Interactions)
	}
}

func TestConfidenceCollapse(t *testing.T) {
	now := time.Now()
	gs := freshStatus(now)
	gs.Interactions = 150
	gs.Confidence = 0.0
	gs.Errors = 30 // error rate 0.2 -> errors score 1.0

	r := Evaluate(gs, testCfg(), now)
	// 0.25*1.0 + 0.30*1.0 + 0.25*1.0 = 0.80
	if r.Weighted < 0.79 || r.Weighted > 0.81 {
		t.Errorf("Weighted = %v, want ~0.80", r.Weighted)
	}
	if r.Urgency != UrgencyImmediate {
		t.Errorf("Urgency = %q, want immediate", r.Urgency)
	}
	if r.ExitCode() != ExitImmediate {
		t.Errorf("ExitCode = %d, want 2", r.ExitCode())
	}
	if r.PrimaryTrigger != ComponentConfidence && r.PrimaryTrigger != ComponentInteractions {
		t.Errorf("unexpected PrimaryTrigger %q", r.PrimaryTrigger)
	}
	if len(r.Recommendations) == 0 {
		t.Error("expected recommendations for a collapsing agent")
	}
}

func TestConfidenceScoreScaling(t *testing.T) {
	now := time.Now()
	cfg := testCfg()
	tests := []struct {
		confidence float64
		want       float64
	}{
		{1.0, 0},
		{0.70, 0}, // at threshold, not below
		{0.35, 0.5},
		{0.0, 1.0},
	}
	for _, tt := range tests {
		gs := freshStatus(now)
		gs.Confidence = tt.confidence
		r := Evaluate(gs, cfg, now)
		if diff := r.Scores.Confidence - tt.want; diff > 0.001 || diff < -0.001 {
			t.Errorf("confidence %v: score = %v, want %v", tt.confidence, r.Scores.Confidence, tt.want)
		}
	}
}

func TestStallScoring(t *testing.T) {
	now := time.Now()
	cfg := testCfg()

	gs := freshStatus(now.Add(-5 * time.Minute))
	r := Evaluate(gs, cfg, now)
	if r.Scores.Stall < 0.45 || r.Scores.Stall > 0.55 {
		t.Errorf("5min stall score = %v, want ~0.5", r.Scores.Stall)
	}

	gs = freshStatus(now.Add(-30 * time.Minute))
	r = Evaluate(gs, cfg, now)
	if r.Scores.Stall != 1.0 {
		t.Errorf("30min stall score = %v, want 1.0", r.Scores.Stall)
	}
	if r.PrimaryTrigger != ComponentStall {
		t.Errorf("PrimaryTrigger = %q, want stall", r.PrimaryTrigger)
	}
}

func TestSoonUrgency(t *testing.T) {
	now := time.Now()
	gs := freshStatus(now.Add(-10 * time.Minute)) // stall 1.0 -> 0.20
	gs.Interactions = 150                         // 0.25
	gs.Confidence = 0.45                          // score ~0.357 -> 0.107

	r := Evaluate(gs, testCfg(), now)
	// ~0.25 + 0.107 + 0.20 = ~0.557
	if r.Urgency != UrgencySoon {
		t.Errorf("Urgency = %q (weighted %v), want soon", r.Urgency, r.Weighted)
	}
	if !r.ShouldHandoff {
		t.Error("soon urgency should request handoff")
	}
	if r.ExitCode() != ExitSoon {
		t.Errorf("ExitCode = %d, want 1", r.ExitCode())
	}
}

func TestErrorRateUsesAtLeastOneInteraction(t *testing.T) {
	now := time.Now()
	gs := freshStatus(now)
	gs.Interactions = 0
	gs.Errors = 1

	r := Evaluate(gs, testCfg(), now)
	if r.Scores.Errors != 1.0 {
		t.Errorf("error score = %v, want 1.0 (rate clamped)", r.Scores.Errors)
	}
}

func TestTerminalStatusShortCircuits(t *testing.T) {
	now := time.Now()

	t.Run("completed never triggers", func(t *testing.T) {
		gs := freshStatus(now.Add(-time.Hour)) // would otherwise score a full stall
		gs.Status = workspace.StatusCompleted
		gs.Confidence = 0.0

		r := Evaluate(gs, testCfg(), now)
		if r.Urgency != UrgencyNone || r.ShouldHandoff {
			t.Errorf("completed generation: urgency = %q, handoff = %v", r.Urgency, r.ShouldHandoff)
		}
	})

	t.Run("failed always triggers", func(t *testing.T) {
		gs := freshStatus(now) // otherwise perfectly healthy
		gs.Status = workspace.StatusFailed

		r := Evaluate(gs, testCfg(), now)
		if r.Urgency != UrgencyImmediate || !r.ShouldHandoff {
			t.Errorf("failed generation: urgency = %q, handoff = %v", r.Urgency, r.ShouldHandoff)
		}
		if r.ExitCode() != ExitImmediate {
			t.Errorf("ExitCode = %d, want 2", r.ExitCode())
		}
	})
}

func TestBadTimestampScoresNoStall(t *testing.T) {
	gs := freshStatus(time.Now())
	gs.LastUpdated = "not-a-time"
	r := Evaluate(gs, testCfg(), time.Now())
	if r.Scores.Stall != 0 {
		t.Errorf("stall score = %v, want 0 for unparseable timestamp", r.Scores.Stall)
	}
}

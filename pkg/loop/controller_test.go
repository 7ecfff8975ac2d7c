package loop

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/laju/pkg/progress"
	"github.com/harun/laju/pkg/risk"
	"github.com/harun/laju/pkg/toolexec"
)

func newTestController(cfg Config) *Controller {
	return NewController(cfg,
		progress.NewMomentum(20, 0.5, 0.3),
		progress.NewStuckDetector(5),
	)
}

func doneCall(name, path string) *toolexec.Call {
	c := toolexec.NewCall(name, map[string]interface{}{"path": path})
	c.Status = toolexec.StatusDone
	return c
}

func failedCall(name, kind string) *toolexec.Call {
	c := toolexec.NewCall(name, map[string]interface{}{"path": "x"})
	c.Status = toolexec.StatusFailed
	c.ErrorKind = kind
	return c
}

func TestAssess_PrecedenceOrder(t *testing.T) {
	tests := []struct {
		name string
		sig  Signal
		want Phase
	}{
		{
			name: "completion wins over everything",
			sig:  Signal{Complete: true, NeedsInput: true, PendingTiers: []risk.Tier{risk.TierDangerous}},
			want: PhaseComplete,
		},
		{
			name: "clarification wins over pending calls",
			sig:  Signal{NeedsInput: true, PendingTiers: []risk.Tier{risk.TierSafe}},
			want: PhasePauseCheck,
		},
		{
			name: "no pending calls means complete",
			sig:  Signal{},
			want: PhaseComplete,
		},
		{
			name: "confirm tier pauses for approval",
			sig:  Signal{PendingTiers: []risk.Tier{risk.TierSafe, risk.TierConfirm}},
			want: PhasePauseConfirm,
		},
		{
			name: "dangerous tier pauses for approval",
			sig:  Signal{PendingTiers: []risk.Tier{risk.TierDangerous}},
			want: PhasePauseConfirm,
		},
		{
			name: "safe and cautious calls execute",
			sig:  Signal{PendingTiers: []risk.Tier{risk.TierSafe, risk.TierCautious}},
			want: PhaseExecute,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestController(DefaultConfig())
			assert.Equal(t, tt.want, c.Assess(tt.sig).Phase)
		})
	}
}

func TestAssess_LowMomentumPausesBeforeBudgetCheck(t *testing.T) {
	c := newTestController(DefaultConfig())

	for i := 0; i < 20; i++ {
		c.RecordCall(failedCall("read", toolexec.ErrKindRuntime))
	}
	require.True(t, c.momentum.ShouldPause())

	d := c.Assess(Signal{PendingTiers: []risk.Tier{risk.TierSafe}})
	assert.Equal(t, PhasePauseCheck, d.Phase)
	assert.Contains(t, d.Reason, "momentum")
}

func TestAssess_MaxIterations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxIterations = 3
	cfg.ExtendOnProgress = false
	c := newTestController(cfg)

	sig := Signal{PendingTiers: []risk.Tier{risk.TierSafe}}
	for i := 0; i < 3; i++ {
		require.Equal(t, PhaseExecute, c.Assess(sig).Phase)
		c.RecordCall(doneCall("read", "a.go"))
		c.FinishIteration(nil, false)
	}

	assert.Equal(t, PhaseMaxIter, c.Assess(sig).Phase)
}

func TestAssess_StuckOnRepeatedErrorCategory(t *testing.T) {
	c := newTestController(DefaultConfig())

	// Keep momentum healthy so the stuck rule is the one that fires
	sig := Signal{PendingTiers: []risk.Tier{risk.TierSafe}}
	for i := 0; i < 7; i++ {
		c.RecordCall(doneCall("read", fmt.Sprintf("f%d.go", i)))
	}
	for i := 0; i < 3; i++ {
		c.RecordCall(failedCall("read", toolexec.ErrKindNotFound))
	}

	d := c.Assess(sig)
	assert.Equal(t, PhaseStuck, d.Phase)
	assert.NotEmpty(t, d.Reason)
}

func TestFinishIteration_ExtendsBudgetOncePastMidpoint(t *testing.T) {
	cfg := Config{
		MaxIterations:    10,
		BonusIterations:  5,
		IterationCeiling: 20,
		ExtendOnProgress: true,
	}
	c := newTestController(cfg)

	// Five no-progress iterations get us to the midpoint without a streak
	for i := 0; i < 5; i++ {
		c.RecordCall(doneCall("read", "a.go"))
		c.FinishIteration(nil, false)
	}
	assert.Equal(t, 10, c.MaxIterations())

	// Three file-touching iterations past the midpoint earn the bonus
	for i := 0; i < 3; i++ {
		c.RecordCall(doneCall("write", "b.go"))
		c.FinishIteration([]string{"b.go"}, false)
	}
	assert.Equal(t, 15, c.MaxIterations())

	// The extension never repeats
	for i := 0; i < 4; i++ {
		c.FinishIteration([]string{"c.go"}, false)
	}
	assert.Equal(t, 15, c.MaxIterations())
}

func TestFinishIteration_NoProgressResetsStreak(t *testing.T) {
	cfg := Config{
		MaxIterations:    6,
		BonusIterations:  5,
		IterationCeiling: 20,
		ExtendOnProgress: true,
	}
	c := newTestController(cfg)

	c.FinishIteration([]string{"a.go"}, false)
	c.FinishIteration([]string{"a.go"}, false)
	c.FinishIteration([]string{"a.go"}, false)
	c.FinishIteration(nil, false)
	c.FinishIteration([]string{"a.go"}, false)
	c.FinishIteration([]string{"a.go"}, false)

	// Streak was broken at iteration 4, so only 2 in a row past midpoint
	assert.Equal(t, 6, c.MaxIterations())
}

func TestFinishIteration_ExtensionRespectsCeiling(t *testing.T) {
	cfg := Config{
		MaxIterations:    10,
		BonusIterations:  5,
		IterationCeiling: 12,
		ExtendOnProgress: true,
	}
	c := newTestController(cfg)

	for i := 0; i < 9; i++ {
		c.FinishIteration([]string{"a.go"}, false)
	}
	assert.Equal(t, 12, c.MaxIterations())
}

func TestStateRoundTrip(t *testing.T) {
	c := newTestController(DefaultConfig())
	c.RecordCall(doneCall("write", "a.go"))
	c.FinishIteration([]string{"a.go"}, false)
	c.Assess(Signal{PendingTiers: []risk.Tier{risk.TierSafe}})

	snap := c.State()
	assert.Equal(t, 1, snap.Iteration)
	assert.Equal(t, PhaseExecute, snap.LastDecision)
	assert.Equal(t, 1.0, snap.MomentumScore)
	assert.Equal(t, 0.0, snap.StuckScore, "one successful call shows no repetition")

	restored := newTestController(DefaultConfig())
	restored.Restore(snap)
	assert.Equal(t, 1, restored.Iteration())
	assert.Equal(t, snap.MaxIterations, restored.MaxIterations())
	assert.Equal(t, 1.0, restored.momentum.Score(), "momentum restarts fresh after rollback")
}

func TestPhase_Terminal(t *testing.T) {
	assert.True(t, PhaseComplete.Terminal())
	assert.True(t, PhaseAborted.Terminal())
	assert.True(t, PhaseStuck.Terminal())
	assert.True(t, PhaseMaxIter.Terminal())
	assert.False(t, PhaseExecute.Terminal())
	assert.False(t, PhasePauseConfirm.Terminal())
}

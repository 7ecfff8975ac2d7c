package loop

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/laju/pkg/progress"
	"github.com/harun/laju/pkg/risk"
	"github.com/harun/laju/pkg/toolexec"
)

// Config bounds a single run
type Config struct {
	// MaxIterations is the initial iteration budget
	MaxIterations int
	// BonusIterations is the one-time extension granted for sustained progress
	BonusIterations int
	// IterationCeiling caps the budget even after an extension
	IterationCeiling int
	// ExtendOnProgress enables the extension at all
	ExtendOnProgress bool
}

// DefaultConfig returns the standard loop bounds
func DefaultConfig() Config {
	return Config{
		MaxIterations:    20,
		BonusIterations:  5,
		IterationCeiling: 40,
		ExtendOnProgress: true,
	}
}

// progressStreakForExtension is how many consecutive file-touching
// iterations earn the bonus
const progressStreakForExtension = 3

// Controller applies the assess rules and tracks the iteration budget. It
// owns the momentum tracker and stuck detector so every call outcome flows
// through one place.
type Controller struct {
	cfg      Config
	momentum *progress.Momentum
	stuck    *progress.StuckDetector

	iteration      int
	maxIterations  int
	progressStreak int
	extended       bool
	lastDecision   Phase
	logger         zerolog.Logger
}

// NewController wires a controller around a momentum tracker and a stuck
// detector
func NewController(cfg Config, momentum *progress.Momentum, stuck *progress.StuckDetector) *Controller {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 20
	}
	if cfg.IterationCeiling < cfg.MaxIterations {
		cfg.IterationCeiling = cfg.MaxIterations
	}
	return &Controller{
		cfg:           cfg,
		momentum:      momentum,
		stuck:         stuck,
		maxIterations: cfg.MaxIterations,
		lastDecision:  PhaseAssess,
		logger:        log.With().Str("component", "loop").Logger(),
	}
}

// Assess applies the decision rules in strict precedence order. The first
// matching rule wins; later rules are never consulted.
func (c *Controller) Assess(sig Signal) Decision {
	d := c.assess(sig)
	c.lastDecision = d.Phase

	c.logger.Debug().
		Int("iteration", c.iteration).
		Int("max_iterations", c.maxIterations).
		Float64("momentum", c.momentum.Score()).
		Str("phase", string(d.Phase)).
		Str("reason", d.Reason).
		Msg("Loop assessed")
	return d
}

func (c *Controller) assess(sig Signal) Decision {
	if sig.Complete {
		return Decision{Phase: PhaseComplete, Reason: "model signaled completion"}
	}

	if sig.NeedsInput {
		return Decision{Phase: PhasePauseCheck, Reason: "model requested clarification"}
	}

	if len(sig.PendingTiers) == 0 {
		return Decision{Phase: PhaseComplete, Reason: "no pending tool calls"}
	}

	for _, tier := range sig.PendingTiers {
		if tier.AtLeast(risk.TierConfirm) {
			return Decision{
				Phase:  PhasePauseConfirm,
				Reason: fmt.Sprintf("pending %s tool call needs approval", tier),
			}
		}
	}

	if c.momentum.ShouldPause() {
		return Decision{
			Phase:  PhasePauseCheck,
			Reason: fmt.Sprintf("momentum %.2f below pause threshold", c.momentum.Score()),
		}
	}

	if c.iteration >= c.maxIterations {
		return Decision{
			Phase:  PhaseMaxIter,
			Reason: fmt.Sprintf("iteration budget of %d exhausted", c.maxIterations),
		}
	}

	if c.stuck.IsStuck() {
		return Decision{Phase: PhaseStuck, Reason: c.stuck.Reason()}
	}

	return Decision{Phase: PhaseExecute, Reason: "clear to execute"}
}

// RecordCall feeds one finished tool call into momentum and stuck tracking
func (c *Controller) RecordCall(call *toolexec.Call) {
	success := call.Status == toolexec.StatusDone
	c.momentum.Record(progress.Outcome{ToolName: call.Name, Success: success})
	c.stuck.RecordAction(progress.ActionSignature(call.Name, call.Args))
	if !success && call.ErrorKind != "" {
		c.stuck.RecordError(call.ErrorKind)
	}
}

// FinishIteration closes out an iteration. touchedPaths is the progress
// signal: the distinct file paths mutated by successful calls this
// iteration. Three file-touching iterations in a row past the midpoint earn
// the one-time budget extension.
func (c *Controller) FinishIteration(touchedPaths []string, allFailed bool) {
	c.iteration++
	c.stuck.RecordIteration(allFailed)

	if len(touchedPaths) > 0 {
		c.progressStreak++
	} else {
		c.progressStreak = 0
	}

	c.maybeExtend()
}

func (c *Controller) maybeExtend() {
	if !c.cfg.ExtendOnProgress || c.extended {
		return
	}
	if c.iteration <= c.maxIterations/2 {
		return
	}
	if c.progressStreak < progressStreakForExtension {
		return
	}

	extended := c.maxIterations + c.cfg.BonusIterations
	if extended > c.cfg.IterationCeiling {
		extended = c.cfg.IterationCeiling
	}
	if extended == c.maxIterations {
		return
	}

	c.logger.Info().
		Int("from", c.maxIterations).
		Int("to", extended).
		Int("streak", c.progressStreak).
		Msg("Iteration budget extended for sustained progress")
	c.maxIterations = extended
	c.extended = true
}

// Iteration returns the current iteration count
func (c *Controller) Iteration() int {
	return c.iteration
}

// MaxIterations returns the current budget, including any earned extension
func (c *Controller) MaxIterations() int {
	return c.maxIterations
}

// State snapshots the controller for checkpointing
func (c *Controller) State() State {
	return State{
		Iteration:      c.iteration,
		MaxIterations:  c.maxIterations,
		MomentumScore:  c.momentum.Score(),
		StuckScore:     c.stuck.Score(),
		ProgressStreak: c.progressStreak,
		Extended:       c.extended,
		LastDecision:   c.lastDecision,
	}
}

// Restore replaces the controller's counters from a checkpoint snapshot.
// Momentum and stuck windows restart empty; only the budget accounting is
// carried across a rollback.
func (c *Controller) Restore(s State) {
	c.iteration = s.Iteration
	if s.MaxIterations > 0 {
		c.maxIterations = s.MaxIterations
	}
	c.progressStreak = s.ProgressStreak
	c.extended = s.Extended
	if s.LastDecision != "" {
		c.lastDecision = s.LastDecision
	}
	c.momentum.Reset()
	c.stuck.Reset()
}

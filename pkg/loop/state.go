// Package loop decides, once per turn, whether the agent keeps executing,
// pauses for the user, or stops. The decision rules are a fixed precedence
// list; nothing here talks to a model or touches the filesystem.
package loop

import "github.com/harun/laju/pkg/risk"

// Phase is a loop controller state
type Phase string

const (
	PhaseAssess       Phase = "assess"
	PhaseExecute      Phase = "execute"
	PhasePauseConfirm Phase = "pause_confirm" // a pending call needs user approval
	PhasePauseCheck   Phase = "pause_check"   // loop needs user input or a health check
	PhaseStuck        Phase = "stuck"
	PhaseMaxIter      Phase = "max_iterations"
	PhaseComplete     Phase = "complete"
	PhaseAborted      Phase = "aborted"
)

// Terminal reports whether a phase ends the run
func (p Phase) Terminal() bool {
	switch p {
	case PhaseStuck, PhaseMaxIter, PhaseComplete, PhaseAborted:
		return true
	}
	return false
}

// Decision is the controller's verdict for one turn
type Decision struct {
	Phase  Phase  `json:"phase"`
	Reason string `json:"reason"`
}

// Signal carries the facts the controller needs from the parsed model
// response. The controller never sees raw model output.
type Signal struct {
	// Complete is set when the response carries an explicit completion marker
	Complete bool
	// NeedsInput is set when the response explicitly asks the user something
	NeedsInput bool
	// PendingTiers are the risk tiers of the response's pending tool calls
	PendingTiers []risk.Tier
}

// State is the serializable controller snapshot stored in checkpoints
type State struct {
	Iteration      int     `json:"iteration"`
	MaxIterations  int     `json:"max_iterations"`
	MomentumScore  float64 `json:"momentum_score"`
	StuckScore     float64 `json:"stuck_score"`
	ProgressStreak int     `json:"progress_streak"`
	Extended       bool    `json:"extended"`
	LastDecision   Phase   `json:"last_decision"`
}

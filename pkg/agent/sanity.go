package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harun/laju/pkg/dispatch"
)

// SanityReport is an outside opinion on whether the loop is still doing
// what the user asked for
type SanityReport struct {
	OnTrack     bool     `json:"on_track"`
	Confidence  float64  `json:"confidence"`
	Concerns    []string `json:"concerns,omitempty"`
	ShouldPause bool     `json:"should_pause"`
	ShouldAbort bool     `json:"should_abort"`
}

// SanityChecker reviews the goal against recent actions. Implementations
// are typically model-backed; the orchestrator only consumes the verdict.
type SanityChecker interface {
	Check(ctx context.Context, goal string, recentActions []string) (SanityReport, error)
}

// sanityCheckEvery is how many iterations pass between checks
const sanityCheckEvery = 5

const sanityPrompt = `You review an autonomous agent's progress. Given the goal and the most
recent actions, respond with ONLY a JSON object:
{"on_track": bool, "confidence": 0..1, "concerns": [strings],
"should_pause": bool, "should_abort": bool}`

// ModelSanityChecker asks a model whether recent actions still serve the
// goal. It rides the dispatcher rotation like every other model call.
type ModelSanityChecker struct {
	dispatcher *dispatch.Dispatcher
	rotation   []string
}

// NewModelSanityChecker creates a model-backed sanity checker
func NewModelSanityChecker(dispatcher *dispatch.Dispatcher, rotation []string) *ModelSanityChecker {
	return &ModelSanityChecker{dispatcher: dispatcher, rotation: rotation}
}

// Check reviews the goal against recent actions
func (m *ModelSanityChecker) Check(ctx context.Context, goal string, recentActions []string) (SanityReport, error) {
	var sb strings.Builder
	sb.WriteString("Goal: ")
	sb.WriteString(goal)
	sb.WriteString("\n\nRecent actions:\n")
	for _, action := range recentActions {
		sb.WriteString("- ")
		sb.WriteString(action)
		sb.WriteByte('\n')
	}

	response, err := m.dispatcher.Dispatch(ctx, dispatch.Request{
		SystemPrompt: sanityPrompt,
		Messages: []dispatch.Message{
			{Role: dispatch.RoleUser, Content: sb.String()},
		},
		MaxTokens: 512,
	}, m.rotation)
	if err != nil {
		return SanityReport{}, fmt.Errorf("sanity check dispatch failed: %w", err)
	}

	var report SanityReport
	content := response.Content
	// Models wrap JSON in prose or fences often enough to be worth trimming
	if start := strings.Index(content, "{"); start >= 0 {
		if end := strings.LastIndex(content, "}"); end > start {
			content = content[start : end+1]
		}
	}
	if err := json.Unmarshal([]byte(content), &report); err != nil {
		return SanityReport{}, fmt.Errorf("sanity check returned malformed verdict: %w", err)
	}
	return report, nil
}

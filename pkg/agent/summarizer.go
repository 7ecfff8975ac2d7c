package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/harun/laju/pkg/dispatch"
	"github.com/harun/laju/pkg/session"
)

const summarizerPrompt = `Compress the following conversation excerpt. Respond with a short prose
summary, then a line per durable fact prefixed with "FACT: " (decisions
made, files changed, errors seen).`

// ModelSummarizer compresses overflow history through the dispatcher, so
// summarization rides the same rotation and failure handling as everything
// else
type ModelSummarizer struct {
	dispatcher *dispatch.Dispatcher
	rotation   []string
	maxTokens  int
}

// NewModelSummarizer creates a model-backed summarizer
func NewModelSummarizer(dispatcher *dispatch.Dispatcher, rotation []string, maxTokens int) *ModelSummarizer {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &ModelSummarizer{
		dispatcher: dispatcher,
		rotation:   rotation,
		maxTokens:  maxTokens,
	}
}

// Summarize compresses messages into prose plus extracted facts
func (m *ModelSummarizer) Summarize(ctx context.Context, messages []session.Message) (string, []string, error) {
	var sb strings.Builder
	for _, msg := range messages {
		fmt.Fprintf(&sb, "[%s] %s\n", msg.Role, msg.Content)
	}

	response, err := m.dispatcher.Dispatch(ctx, dispatch.Request{
		SystemPrompt: summarizerPrompt,
		Messages: []dispatch.Message{
			{Role: dispatch.RoleUser, Content: sb.String()},
		},
		MaxTokens: m.maxTokens,
	}, m.rotation)
	if err != nil {
		return "", nil, fmt.Errorf("summarization failed: %w", err)
	}

	var summary []string
	var facts []string
	for _, line := range strings.Split(response.Content, "\n") {
		if fact, ok := strings.CutPrefix(strings.TrimSpace(line), "FACT: "); ok {
			facts = append(facts, fact)
		} else {
			summary = append(summary, line)
		}
	}
	return strings.TrimSpace(strings.Join(summary, "\n")), facts, nil
}

package salience

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/laju/pkg/session"
	"github.com/harun/laju/pkg/toolexec"
)

type fakeSummarizer struct {
	compressed string
	facts      []string
	called     int
}

func (f *fakeSummarizer) Summarize(ctx context.Context, messages []session.Message) (string, []string, error) {
	f.called++
	if f.compressed != "" {
		return f.compressed, f.facts, nil
	}
	return fmt.Sprintf("summary of %d messages", len(messages)), f.facts, nil
}

func newCounter(t *testing.T) *TokenCounter {
	t.Helper()
	counter, err := NewTokenCounter()
	require.NoError(t, err)
	return counter
}

func msgAt(content string, age time.Duration) session.Message {
	return session.Message{
		Role:      session.RoleUser,
		Content:   content,
		Timestamp: time.Now().UTC().Add(-age),
	}
}

func TestScore_Boosts(t *testing.T) {
	task := Task{
		Keywords:        []string{"parser", "tokenizer"},
		ReferencedFiles: []string{"lexer.go"},
	}
	now := time.Now().UTC()

	plain := Score(msgAt("nothing relevant here", 0), task, now)

	withKeywords := Score(msgAt("rewrote the parser and tokenizer", 0), task, now)
	assert.Greater(t, withKeywords, plain)

	failed := msgAt("nothing relevant here", 0)
	failed.ToolCalls = []toolexec.Call{{Name: "read", Status: toolexec.StatusFailed}}
	assert.InDelta(t, plain+0.3, Score(failed, task, now), 0.001, "error boost")

	decision := Score(msgAt("decided to use a b-tree", 0), task, now)
	assert.InDelta(t, plain+0.15, decision, 0.001, "decision boost")

	fileMatch := Score(msgAt("edited lexer.go accordingly", 0), task, now)
	assert.InDelta(t, plain+0.2, fileMatch, 0.001, "file match boost")
}

func TestScore_RecencyDecay(t *testing.T) {
	task := Task{}
	now := time.Now().UTC()

	fresh := Score(msgAt("x", 0), task, now)
	hourOld := Score(msgAt("x", time.Hour), task, now)
	dayOld := Score(msgAt("x", 24*time.Hour), task, now)

	assert.Greater(t, fresh, hourOld)
	assert.Greater(t, hourOld, dayOld)
}

func TestBuild_NeverExceedsBudget(t *testing.T) {
	counter := newCounter(t)
	manager := NewManager(counter, &fakeSummarizer{
		facts: []string{"project uses Go modules", "tests live next to code"},
	})

	rng := rand.New(rand.NewSource(42))
	words := strings.Fields("alpha beta gamma delta parser error tokenizer lexer.go retry failed decided confirmed")

	for trial := 0; trial < 20; trial++ {
		n := 1 + rng.Intn(80)
		history := make([]session.Message, 0, n)
		for i := 0; i < n; i++ {
			length := 1 + rng.Intn(60)
			parts := make([]string, length)
			for j := range parts {
				parts[j] = words[rng.Intn(len(words))]
			}
			history = append(history, msgAt(strings.Join(parts, " "), time.Duration(rng.Intn(300))*time.Minute))
		}

		budget := 200 + rng.Intn(2000)
		task := Task{Keywords: []string{"parser", "error"}, ReferencedFiles: []string{"lexer.go"}}

		prompt, err := manager.Build(context.Background(), history, task, budget)
		require.NoError(t, err)
		assert.LessOrEqual(t, prompt.Tokens, budget,
			"trial %d: %d messages, budget %d", trial, n, budget)
	}
}

func TestBuild_HighSalienceLandsInFocus(t *testing.T) {
	counter := newCounter(t)
	manager := NewManager(counter, nil)

	history := []session.Message{
		msgAt("old small talk about the weather", 4*time.Hour),
		msgAt("the parser change is what matters for the tokenizer", time.Minute),
		msgAt("more filler text entirely off topic", 3*time.Hour),
	}
	task := Task{Keywords: []string{"parser", "tokenizer"}}

	prompt, err := manager.Build(context.Background(), history, task, 500)
	require.NoError(t, err)

	require.NotEmpty(t, prompt.Focus)
	found := false
	for _, msg := range prompt.Focus {
		if strings.Contains(msg.Content, "parser change") {
			found = true
		}
	}
	assert.True(t, found, "the task-relevant message belongs in focus")
}

func TestBuild_OverflowIsSummarizedNotSilentlyDropped(t *testing.T) {
	counter := newCounter(t)
	summarizer := &fakeSummarizer{facts: []string{"repo builds with make"}}
	manager := NewManager(counter, summarizer)

	long := strings.Repeat("filler content that takes space ", 30)
	history := make([]session.Message, 20)
	for i := range history {
		history[i] = msgAt(fmt.Sprintf("%s %d", long, i), time.Duration(i)*time.Minute)
	}

	prompt, err := manager.Build(context.Background(), history, Task{}, 400)
	require.NoError(t, err)

	assert.Equal(t, 1, summarizer.called, "overflow goes through the summarizer")
	assert.NotEmpty(t, prompt.Summary)
	assert.Contains(t, prompt.Facts, "repo builds with make")
	assert.Zero(t, prompt.Dropped)
	assert.LessOrEqual(t, prompt.Tokens, 400)
}

func TestBuild_NilSummarizerDropsOverflow(t *testing.T) {
	counter := newCounter(t)
	manager := NewManager(counter, nil)

	long := strings.Repeat("words and more words ", 50)
	history := make([]session.Message, 10)
	for i := range history {
		history[i] = msgAt(long, time.Duration(i)*time.Minute)
	}

	prompt, err := manager.Build(context.Background(), history, Task{}, 300)
	require.NoError(t, err)
	assert.Greater(t, prompt.Dropped, 0)
	assert.LessOrEqual(t, prompt.Tokens, 300)
}

func TestBuild_EmptyHistory(t *testing.T) {
	counter := newCounter(t)
	manager := NewManager(counter, nil)

	prompt, err := manager.Build(context.Background(), nil, Task{}, 100)
	require.NoError(t, err)
	assert.Zero(t, prompt.Tokens)
	assert.Empty(t, prompt.Focus)
	assert.Empty(t, prompt.Recent)
}

func TestTruncate_CutsOnTokenBoundary(t *testing.T) {
	counter := newCounter(t)

	text := strings.Repeat("hello world ", 100)
	cut := counter.Truncate(text, 10)
	assert.LessOrEqual(t, counter.Count(cut), 10)
	assert.NotEmpty(t, cut)

	short := "tiny"
	assert.Equal(t, short, counter.Truncate(short, 100))
}

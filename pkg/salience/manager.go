package salience

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/laju/pkg/session"
)

// Tier budget shares. They sum to 1.0; each tier's token budget is its
// share of the total.
const (
	focusShare      = 0.40
	recentShare     = 0.30
	summaryShare    = 0.20
	backgroundShare = 0.10
)

// Summarizer compresses messages that cannot fit the prompt verbatim
type Summarizer interface {
	Summarize(ctx context.Context, messages []session.Message) (compressed string, facts []string, err error)
}

// Prompt is the assembled, budget-bounded context for one model call
type Prompt struct {
	// Focus holds the highest-salience messages verbatim
	Focus []session.Message
	// Recent holds the newest messages not already in focus
	Recent []session.Message
	// Summary is compressed text standing in for overflow messages
	Summary string
	// Facts are durable extractions from summarized history
	Facts []string
	// Tokens is the total token count of everything above
	Tokens int
	// Dropped counts messages that survived neither placement nor
	// compression
	Dropped int
}

// Manager builds prompts from session history under a hard token budget
type Manager struct {
	counter    *TokenCounter
	summarizer Summarizer
	logger     zerolog.Logger
}

// NewManager creates a context manager. summarizer may be nil, in which
// case overflow is dropped rather than compressed.
func NewManager(counter *TokenCounter, summarizer Summarizer) *Manager {
	return &Manager{
		counter:    counter,
		summarizer: summarizer,
		logger:     log.With().Str("component", "salience").Logger(),
	}
}

type scored struct {
	msg    session.Message
	index  int
	score  float64
	tokens int
}

// Build assembles a prompt whose token count never exceeds budgetTokens.
// Placement order: focus by salience, recent by recency, then overflow is
// summarized into the summary tier; only what compression cannot save is
// dropped, least salient first.
func (m *Manager) Build(ctx context.Context, history []session.Message, task Task, budgetTokens int) (*Prompt, error) {
	now := time.Now().UTC()

	candidates := make([]scored, 0, len(history))
	for i, msg := range history {
		candidates = append(candidates, scored{
			msg:    msg,
			index:  i,
			score:  Score(msg, task, now),
			tokens: m.counter.Count(msg.Content) + messageOverhead,
		})
	}

	focusBudget := int(float64(budgetTokens) * focusShare)
	recentBudget := int(float64(budgetTokens) * recentShare)
	summaryBudget := int(float64(budgetTokens) * summaryShare)
	backgroundBudget := int(float64(budgetTokens) * backgroundShare)

	prompt := &Prompt{}
	placed := make(map[int]bool)

	// Focus: descending salience, ties to the newer message
	bySalience := make([]scored, len(candidates))
	copy(bySalience, candidates)
	sort.SliceStable(bySalience, func(i, j int) bool {
		if bySalience[i].score != bySalience[j].score {
			return bySalience[i].score > bySalience[j].score
		}
		return bySalience[i].index > bySalience[j].index
	})

	used := 0
	for _, c := range bySalience {
		if used+c.tokens > focusBudget {
			continue
		}
		placed[c.index] = true
		prompt.Focus = append(prompt.Focus, c.msg)
		used += c.tokens
	}
	prompt.Tokens += used

	// Recent: newest first, then restored to chronological order
	used = 0
	var recent []scored
	for i := len(candidates) - 1; i >= 0; i-- {
		c := candidates[i]
		if placed[c.index] {
			continue
		}
		if used+c.tokens > recentBudget {
			continue
		}
		placed[c.index] = true
		recent = append(recent, c)
		used += c.tokens
	}
	sort.Slice(recent, func(i, j int) bool { return recent[i].index < recent[j].index })
	for _, c := range recent {
		prompt.Recent = append(prompt.Recent, c.msg)
	}
	prompt.Tokens += used

	// Focus keeps chronological order too
	sort.SliceStable(prompt.Focus, func(i, j int) bool {
		return prompt.Focus[i].Timestamp.Before(prompt.Focus[j].Timestamp)
	})

	// Everything unplaced goes to compression, oldest first
	var overflow []session.Message
	overflowCount := 0
	for _, c := range candidates {
		if !placed[c.index] {
			overflow = append(overflow, c.msg)
			overflowCount++
		}
	}

	if len(overflow) > 0 && m.summarizer != nil {
		compressed, facts, err := m.summarizer.Summarize(ctx, overflow)
		if err != nil {
			m.logger.Warn().Err(err).Int("messages", len(overflow)).Msg("Summarization failed, dropping overflow")
			prompt.Dropped = overflowCount
		} else {
			summary := m.counter.Truncate(compressed, summaryBudget)
			// Decode-then-reencode can shift token boundaries; shrink until
			// the recount fits
			for limit := summaryBudget; m.counter.Count(summary) > limit && limit > 0; limit-- {
				summary = m.counter.Truncate(summary, limit)
			}
			prompt.Summary = summary
			prompt.Tokens += m.counter.Count(prompt.Summary)

			used = 0
			for _, fact := range facts {
				cost := m.counter.Count(fact) + 1
				if used+cost > backgroundBudget {
					break
				}
				prompt.Facts = append(prompt.Facts, fact)
				used += cost
			}
			prompt.Tokens += used
		}
	} else {
		prompt.Dropped = overflowCount
	}

	m.logger.Debug().
		Int("history", len(history)).
		Int("focus", len(prompt.Focus)).
		Int("recent", len(prompt.Recent)).
		Int("dropped", prompt.Dropped).
		Int("tokens", prompt.Tokens).
		Int("budget", budgetTokens).
		Msg("Prompt assembled")
	return prompt, nil
}

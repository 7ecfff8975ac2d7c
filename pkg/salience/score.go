package salience

import (
	"math"
	"strings"
	"time"

	"github.com/harun/laju/pkg/session"
	"github.com/harun/laju/pkg/toolexec"
)

// Score weights. Recency decays by age; the boosts are flat additions for
// signal the decay cannot see.
const (
	recencyWeight      = 0.4
	keywordWeight      = 0.3
	errorBoost         = 0.3
	decisionBoost      = 0.15
	fileMatchBoost     = 0.2
	recencyHalfLifeMin = 30.0
)

// Task describes what the loop is currently working on, for relevance
// scoring
type Task struct {
	Description     string
	Keywords        []string
	ReferencedFiles []string
}

// decisionMarkers are phrases that flag a message as recording a confirmed
// choice worth keeping in context
var decisionMarkers = []string{
	"decided to",
	"we will",
	"going with",
	"confirmed",
	"agreed",
	"plan:",
}

// Score rates a message's relevance to the task at a point in time. Higher
// is more relevant; values typically land in [0, 1.4].
func Score(msg session.Message, task Task, now time.Time) float64 {
	score := recencyWeight * recencyDecay(now.Sub(msg.Timestamp))

	content := strings.ToLower(msg.Content)
	score += keywordWeight * keywordOverlap(content, task.Keywords)

	if hasError(msg) {
		score += errorBoost
	}
	if hasDecision(content) {
		score += decisionBoost
	}
	if mentionsFile(msg, task.ReferencedFiles) {
		score += fileMatchBoost
	}
	return score
}

// recencyDecay halves every recencyHalfLifeMin minutes
func recencyDecay(age time.Duration) float64 {
	if age <= 0 {
		return 1.0
	}
	return math.Exp2(-age.Minutes() / recencyHalfLifeMin)
}

func keywordOverlap(content string, keywords []string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	hits := 0
	for _, kw := range keywords {
		if kw != "" && strings.Contains(content, strings.ToLower(kw)) {
			hits++
		}
	}
	return float64(hits) / float64(len(keywords))
}

func hasError(msg session.Message) bool {
	for _, call := range msg.ToolCalls {
		if call.Status == toolexec.StatusFailed || call.Status == toolexec.StatusKilled {
			return true
		}
	}
	return false
}

func hasDecision(content string) bool {
	for _, marker := range decisionMarkers {
		if strings.Contains(content, marker) {
			return true
		}
	}
	return false
}

func mentionsFile(msg session.Message, files []string) bool {
	for _, f := range files {
		if f == "" {
			continue
		}
		if strings.Contains(msg.Content, f) {
			return true
		}
		for _, call := range msg.ToolCalls {
			if path, ok := call.Args["path"].(string); ok && path == f {
				return true
			}
		}
	}
	return false
}

package progress

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
)

const (
	// repeatThreshold is the number of identical action signatures that
	// counts as stuck
	repeatThreshold = 3
	// errorThreshold is the number of same-category errors that counts as
	// stuck
	errorThreshold = 3
	// signatureWindow bounds how many recent actions are remembered
	signatureWindow = 10
)

// StuckDetector notices when the loop repeats itself: the same normalized
// tool call over and over, the same error category over and over, or a run
// of iterations where every tool call failed.
type StuckDetector struct {
	recentActions          []uint64
	errorCounts            map[string]int
	consecutiveFailures    int
	maxConsecutiveFailures int
}

// NewStuckDetector creates a detector. maxConsecutiveFailures <= 0 falls
// back to the default of 5.
func NewStuckDetector(maxConsecutiveFailures int) *StuckDetector {
	if maxConsecutiveFailures <= 0 {
		maxConsecutiveFailures = 5
	}
	return &StuckDetector{
		recentActions:          make([]uint64, 0, signatureWindow),
		errorCounts:            make(map[string]int),
		maxConsecutiveFailures: maxConsecutiveFailures,
	}
}

// ActionSignature hashes a tool call into a stable signature. Args are
// canonicalized (keys sorted, values JSON-encoded) so that two calls that
// differ only in map iteration order hash identically.
func ActionSignature(name string, args map[string]interface{}) uint64 {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(name)
	for _, k := range keys {
		sb.WriteByte(':')
		sb.WriteString(k)
		sb.WriteByte('=')
		if data, err := json.Marshal(args[k]); err == nil {
			sb.Write(data)
		} else {
			fmt.Fprintf(&sb, "%v", args[k])
		}
	}

	h := fnv.New64a()
	h.Write([]byte(sb.String()))
	return h.Sum64()
}

// RecordAction remembers an action signature
func (sd *StuckDetector) RecordAction(sig uint64) {
	if len(sd.recentActions) >= signatureWindow {
		sd.recentActions = sd.recentActions[1:]
	}
	sd.recentActions = append(sd.recentActions, sig)
}

// RecordError counts an error by category
func (sd *StuckDetector) RecordError(category string) {
	sd.errorCounts[category]++
}

// RecordIteration tracks whether a whole iteration made any progress. An
// iteration where every tool call failed extends the consecutive-failure
// run; any success resets it.
func (sd *StuckDetector) RecordIteration(allFailed bool) {
	if allFailed {
		sd.consecutiveFailures++
	} else {
		sd.consecutiveFailures = 0
	}
}

// IsStuck reports whether the loop shows a repeating non-progress pattern
func (sd *StuckDetector) IsStuck() bool {
	if sd.hasRepeatedAction(repeatThreshold) {
		return true
	}
	for _, c := range sd.errorCounts {
		if c >= errorThreshold {
			return true
		}
	}
	return sd.consecutiveFailures >= sd.maxConsecutiveFailures
}

// Reason describes why the detector fired, for logging and the STUCK decision
func (sd *StuckDetector) Reason() string {
	if sd.hasRepeatedAction(repeatThreshold) {
		return fmt.Sprintf("same action repeated %d+ times", repeatThreshold)
	}
	for cat, c := range sd.errorCounts {
		if c >= errorThreshold {
			return fmt.Sprintf("error %q recurred %d times", cat, c)
		}
	}
	if sd.consecutiveFailures >= sd.maxConsecutiveFailures {
		return fmt.Sprintf("%d consecutive failed iterations", sd.consecutiveFailures)
	}
	return ""
}

// Score normalizes how close the detector is to firing, from 0.0 (no
// repetition) to 1.0 (stuck). The strongest of the three signals wins.
func (sd *StuckDetector) Score() float64 {
	score := float64(sd.repeatCount()-1) / float64(repeatThreshold-1)
	if score < 0 {
		score = 0
	}
	for _, c := range sd.errorCounts {
		if s := float64(c) / float64(errorThreshold); s > score {
			score = s
		}
	}
	if s := float64(sd.consecutiveFailures) / float64(sd.maxConsecutiveFailures); s > score {
		score = s
	}
	if score > 1 {
		score = 1
	}
	return score
}

func (sd *StuckDetector) hasRepeatedAction(threshold int) bool {
	return len(sd.recentActions) >= threshold && sd.repeatCount() >= threshold
}

// repeatCount counts occurrences of the most recent action signature
// within the window
func (sd *StuckDetector) repeatCount() int {
	if len(sd.recentActions) == 0 {
		return 0
	}
	last := sd.recentActions[len(sd.recentActions)-1]
	count := 0
	for _, sig := range sd.recentActions {
		if sig == last {
			count++
		}
	}
	return count
}

// Reset clears all tracked state, typically after user intervention
func (sd *StuckDetector) Reset() {
	sd.recentActions = sd.recentActions[:0]
	sd.errorCounts = make(map[string]int)
	sd.consecutiveFailures = 0
}

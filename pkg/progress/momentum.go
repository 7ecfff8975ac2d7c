// Package progress tracks whether the agent loop is actually getting
// anywhere: Momentum watches the recent tool success rate, StuckDetector
// watches for repeated actions and repeated errors.
package progress

// Outcome records the result of a single tool execution
type Outcome struct {
	ToolName string
	Success  bool
}

// Momentum keeps a rolling window of tool outcomes and scores the loop's
// recent success rate. An empty window scores 1.0 so a fresh loop starts at
// full speed.
type Momentum struct {
	window     []Outcome
	windowSize int
	slowAt     float64
	pauseAt    float64
}

// NewMomentum creates a momentum tracker. windowSize <= 0 falls back to the
// default of 20.
func NewMomentum(windowSize int, slowAt, pauseAt float64) *Momentum {
	if windowSize <= 0 {
		windowSize = 20
	}
	if slowAt <= 0 {
		slowAt = 0.5
	}
	if pauseAt <= 0 {
		pauseAt = 0.3
	}
	return &Momentum{
		window:     make([]Outcome, 0, windowSize),
		windowSize: windowSize,
		slowAt:     slowAt,
		pauseAt:    pauseAt,
	}
}

// Record adds an outcome, evicting the oldest once the window is full
func (m *Momentum) Record(outcome Outcome) {
	if len(m.window) >= m.windowSize {
		m.window = m.window[1:]
	}
	m.window = append(m.window, outcome)
}

// Score returns successes / window length, or 1.0 for an empty window
func (m *Momentum) Score() float64 {
	if len(m.window) == 0 {
		return 1.0
	}
	successes := 0
	for _, o := range m.window {
		if o.Success {
			successes++
		}
	}
	return float64(successes) / float64(len(m.window))
}

// ShouldSlowDown reports whether the loop should pace itself
func (m *Momentum) ShouldSlowDown() bool {
	return m.Score() < m.slowAt
}

// ShouldPause reports whether the loop should hand control back to the user
func (m *Momentum) ShouldPause() bool {
	return m.Score() < m.pauseAt
}

// RecentFailures counts the unbroken run of failures at the end of the window
func (m *Momentum) RecentFailures() int {
	count := 0
	for i := len(m.window) - 1; i >= 0; i-- {
		if m.window[i].Success {
			break
		}
		count++
	}
	return count
}

// Reset clears the window
func (m *Momentum) Reset() {
	m.window = m.window[:0]
}

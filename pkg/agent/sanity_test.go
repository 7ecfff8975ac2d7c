package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/laju/internal/config"
	"github.com/harun/laju/pkg/dispatch"
	"github.com/harun/laju/pkg/loop"
	"github.com/harun/laju/pkg/risk"
	"github.com/harun/laju/pkg/salience"
	"github.com/harun/laju/pkg/session"
	"github.com/harun/laju/pkg/toolexec"
)

func newTestDispatcher(t *testing.T, provider dispatch.Provider) *dispatch.Dispatcher {
	t.Helper()
	health, err := dispatch.NewHealthTracker(filepath.Join(t.TempDir(), "model_health.json"))
	require.NoError(t, err)
	t.Cleanup(func() { health.Close() })
	return dispatch.NewDispatcher(map[string]dispatch.Provider{"scripted-model": provider}, health)
}

func TestModelSanityChecker_ParsesWrappedVerdict(t *testing.T) {
	provider := &scriptedProvider{responses: []*dispatch.Response{
		{Content: `The agent has drifted. Verdict:
{"on_track": false, "confidence": 0.8, "concerns": ["editing unrelated files"], "should_pause": true, "should_abort": false}`},
	}}

	checker := NewModelSanityChecker(newTestDispatcher(t, provider), []string{"scripted-model"})

	report, err := checker.Check(context.Background(), "fix the parser", []string{"write (done)", "write (done)"})
	require.NoError(t, err)

	assert.False(t, report.OnTrack)
	assert.True(t, report.ShouldPause)
	assert.False(t, report.ShouldAbort)
	assert.Equal(t, []string{"editing unrelated files"}, report.Concerns)
}

func TestModelSanityChecker_MalformedVerdictIsAnError(t *testing.T) {
	provider := &scriptedProvider{responses: []*dispatch.Response{
		{Content: "everything looks fine to me"},
	}}
	checker := NewModelSanityChecker(newTestDispatcher(t, provider), []string{"scripted-model"})

	_, err := checker.Check(context.Background(), "goal", nil)
	assert.Error(t, err)
}

// pauseOnCall is a canned sanity checker
type pauseOnCall struct {
	calls  int
	report SanityReport
}

func (p *pauseOnCall) Check(ctx context.Context, goal string, recentActions []string) (SanityReport, error) {
	p.calls++
	return p.report, nil
}

func TestStartLoop_SanityCheckFiresOnMomentumDrop(t *testing.T) {
	checker := &pauseOnCall{report: SanityReport{ShouldPause: true, Concerns: []string{"spinning"}}}

	// Two successes and three failures per iteration hold momentum in the
	// band between the pause threshold and the slow-down threshold
	missing := &scriptedTool{
		spec: toolexec.Spec{
			Name:        "read",
			Description: "read a file",
			Parameters: []toolexec.Param{
				{Name: "path", Type: "string", Description: "file path", Required: true},
			},
		},
		fail: fmt.Errorf("open target: file does not exist"),
	}
	broken := &scriptedTool{
		spec: toolexec.Spec{
			Name:        "grep",
			Description: "search file contents",
			Parameters: []toolexec.Param{
				{Name: "path", Type: "string", Description: "file path", Required: true},
			},
		},
		fail: fmt.Errorf("index corrupted"),
	}
	ok := listTool()

	var responses []*dispatch.Response
	for i := 0; i < 4; i++ {
		responses = append(responses, &dispatch.Response{
			Content: "Working on it.",
			ToolCalls: []dispatch.ToolCallRequest{
				{Name: "list", Args: map[string]interface{}{"path": fmt.Sprintf("ok%d", i)}},
				{Name: "list", Args: map[string]interface{}{"path": fmt.Sprintf("ok%db", i)}},
				{Name: "read", Args: map[string]interface{}{"path": fmt.Sprintf("gone%d", i)}},
				{Name: "read", Args: map[string]interface{}{"path": fmt.Sprintf("gone%db", i)}},
				{Name: "grep", Args: map[string]interface{}{"path": fmt.Sprintf("idx%d", i)}},
			},
		})
	}

	cfg := config.DefaultConfig()
	dir := t.TempDir()
	cfg.Models.Rotation = []string{"scripted-model"}

	store, err := session.NewStore(filepath.Join(dir, "sessions"), 10*time.Millisecond, 5*time.Second)
	require.NoError(t, err)

	registry := toolexec.NewRegistry()
	for _, tool := range []toolexec.Tool{missing, broken, ok} {
		require.NoError(t, registry.Register(tool))
	}
	classifier := risk.NewClassifier()
	counter, err := salience.NewTokenCounter()
	require.NoError(t, err)

	orch, err := NewOrchestrator(Deps{
		Config:     cfg,
		Store:      store,
		Dispatcher: newTestDispatcher(t, &scriptedProvider{responses: responses}),
		Context:    salience.NewManager(counter, nil),
		Registry:   registry,
		Executor:   toolexec.NewExecutor(registry, classifier, cfg.Tools.Timeout, cfg.Tools.MaxCallsPerTurn),
		Classifier: classifier,
		Sanity:     checker,
	})
	require.NoError(t, err)

	sess, err := store.Create("scripted-model", dir)
	require.NoError(t, err)

	decision, err := orch.StartLoop(context.Background(), sess, "hunt down the config")
	require.NoError(t, err)

	assert.Equal(t, loop.PhasePauseCheck, decision.Phase)
	assert.Equal(t, 1, checker.calls, "the checker runs as soon as momentum dips, not on the fixed cadence")
}

// Package agent is the composition root: it drives the loop that turns a
// user request into model calls and tool executions, persisting every step.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/laju/internal/config"
	"github.com/harun/laju/pkg/dispatch"
	"github.com/harun/laju/pkg/loop"
	"github.com/harun/laju/pkg/progress"
	"github.com/harun/laju/pkg/risk"
	"github.com/harun/laju/pkg/salience"
	"github.com/harun/laju/pkg/session"
	"github.com/harun/laju/pkg/toolexec"
)

// Markers the system prompt asks the model to emit. Completion and
// clarification must be explicit; the loop never infers them from tone.
const (
	completionMarker    = "<task_complete>"
	clarificationMarker = "<needs_input>"
)

const systemPrompt = `You are an autonomous coding agent. Use the provided tools to make
progress on the user's task. When the task is fully done, include the
literal marker ` + completionMarker + ` in your reply. If you cannot proceed
without an answer from the user, ask the question and include the marker ` +
	clarificationMarker + `.`

// Deps are the collaborators the orchestrator is wired with
type Deps struct {
	Config     *config.Config
	Store      *session.Store
	Dispatcher *dispatch.Dispatcher
	Context    *salience.Manager
	Registry   *toolexec.Registry
	Executor   *toolexec.Executor
	Classifier *risk.Classifier
	// Sanity is optional; when set it reviews the run every few iterations
	Sanity SanityChecker
}

// Orchestrator drives user turns to a terminal decision
type Orchestrator struct {
	cfg        *config.Config
	store      *session.Store
	dispatcher *dispatch.Dispatcher
	contextMgr *salience.Manager
	registry   *toolexec.Registry
	executor   *toolexec.Executor
	classifier *risk.Classifier
	sanity     SanityChecker
	logger     zerolog.Logger

	activeRuns map[string]*run
	runsMu     sync.RWMutex
}

// run tracks one in-flight loop so it can be interrupted or paused
type run struct {
	cancel context.CancelFunc

	mu     sync.Mutex
	paused bool
	resume chan struct{}
}

// NewOrchestrator validates the wiring and builds an orchestrator
func NewOrchestrator(deps Deps) (*Orchestrator, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := deps.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if deps.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if deps.Context == nil {
		return nil, fmt.Errorf("context manager is required")
	}
	if deps.Registry == nil || deps.Executor == nil {
		return nil, fmt.Errorf("tool registry and executor are required")
	}
	if deps.Classifier == nil {
		return nil, fmt.Errorf("risk classifier is required")
	}

	return &Orchestrator{
		cfg:        deps.Config,
		store:      deps.Store,
		dispatcher: deps.Dispatcher,
		contextMgr: deps.Context,
		registry:   deps.Registry,
		executor:   deps.Executor,
		classifier: deps.Classifier,
		sanity:     deps.Sanity,
		logger:     log.With().Str("component", "orchestrator").Logger(),
		activeRuns: make(map[string]*run),
	}, nil
}

// Interrupt cancels the in-flight run for a session, if any. The loop
// flushes what it has to the session log before reporting ABORTED.
func (o *Orchestrator) Interrupt(sessionID string) {
	o.runsMu.Lock()
	defer o.runsMu.Unlock()

	if r, ok := o.activeRuns[sessionID]; ok {
		o.logger.Info().Str("session_id", sessionID).Msg("Interrupting run")
		r.cancel()
	}
}

// Pause suspends the loop at its next iteration boundary
func (o *Orchestrator) Pause(sessionID string) {
	o.runsMu.RLock()
	r, ok := o.activeRuns[sessionID]
	o.runsMu.RUnlock()
	if !ok {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.paused {
		r.paused = true
		r.resume = make(chan struct{})
	}
}

// Resume releases a paused loop
func (o *Orchestrator) Resume(sessionID string) {
	o.runsMu.RLock()
	r, ok := o.activeRuns[sessionID]
	o.runsMu.RUnlock()
	if !ok {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paused {
		r.paused = false
		close(r.resume)
	}
}

// IsRunning reports whether a loop is in flight for the session
func (o *Orchestrator) IsRunning(sessionID string) bool {
	o.runsMu.RLock()
	defer o.runsMu.RUnlock()
	_, ok := o.activeRuns[sessionID]
	return ok
}

// StartLoop drives one user turn to a terminal or pause decision. Every
// message, tool call, and error it produces is appended to the session log
// before the next step runs.
func (o *Orchestrator) StartLoop(ctx context.Context, sess *session.Session, userInput string) (loop.Decision, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &run{cancel: cancel}
	o.runsMu.Lock()
	if _, exists := o.activeRuns[sess.ID]; exists {
		o.runsMu.Unlock()
		return loop.Decision{}, fmt.Errorf("session %s already has an active run", sess.ID)
	}
	o.activeRuns[sess.ID] = r
	o.runsMu.Unlock()

	defer func() {
		o.runsMu.Lock()
		delete(o.activeRuns, sess.ID)
		o.runsMu.Unlock()
	}()

	controller := o.newController()

	if err := o.store.Append(runCtx, sess, session.Message{
		Role:    session.RoleUser,
		Content: userInput,
	}); err != nil {
		return loop.Decision{}, fmt.Errorf("failed to persist user input: %w", err)
	}

	// Checkpoint before the loop starts so the whole turn can be rolled back
	if _, err := o.store.Checkpoint(runCtx, sess, "user turn: "+truncate(userInput, 80), controller.State()); err != nil {
		o.logger.Warn().Err(err).Msg("Failed to checkpoint turn start")
	}

	task := taskFromInput(userInput)

	for {
		if err := r.waitIfPaused(runCtx); err != nil {
			return o.abort(sess, controller, "interrupted while paused")
		}

		decision, err := o.iterate(runCtx, sess, controller, task)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return o.abort(sess, controller, "interrupted by user")
			}
			return decision, err
		}

		if decision.Phase != loop.PhaseExecute {
			o.logger.Info().
				Str("session_id", sess.ID).
				Str("phase", string(decision.Phase)).
				Str("reason", decision.Reason).
				Int("iterations", controller.Iteration()).
				Msg("Loop finished")
			return decision, nil
		}
	}
}

// iterate runs one full turn: prompt, model call, assess, execute, persist
func (o *Orchestrator) iterate(ctx context.Context, sess *session.Session, controller *loop.Controller, task salience.Task) (loop.Decision, error) {
	history, err := o.store.Messages(sess)
	if err != nil {
		return loop.Decision{}, err
	}

	prompt, err := o.contextMgr.Build(ctx, history, task, o.cfg.Context.BudgetTokens)
	if err != nil {
		return loop.Decision{}, err
	}

	request := dispatch.Request{
		SystemPrompt: systemPrompt,
		Messages:     o.toDispatchMessages(prompt),
		Tools:        o.registry.Specs(),
		Temperature:  o.cfg.Models.Temperature,
		MaxTokens:    o.cfg.Models.MaxTokens,
	}

	response, err := o.dispatcher.Dispatch(ctx, request, o.cfg.Models.Rotation)
	if err != nil {
		if ctx.Err() != nil {
			return loop.Decision{}, context.Canceled
		}
		// The failure itself goes in the log so the decision that follows
		// it can be reconstructed
		o.appendNote(sess, fmt.Sprintf("model dispatch failed: %v", err))
		return loop.Decision{Phase: loop.PhaseAborted, Reason: "model rotation exhausted"}, err
	}

	calls := make([]*toolexec.Call, 0, len(response.ToolCalls))
	for _, tc := range response.ToolCalls {
		call := toolexec.NewCall(tc.Name, tc.Args)
		if tc.ID != "" {
			call.ID = tc.ID
		}
		call.Risk = o.effectiveTier(tc.Name, tc.Args)
		calls = append(calls, call)
	}

	if err := o.store.Append(ctx, sess, session.Message{
		Role:      session.RoleAssistant,
		Content:   response.Content,
		ToolCalls: callRecords(calls),
		TokensIn:  response.Usage.InputTokens,
		TokensOut: response.Usage.OutputTokens,
	}); err != nil {
		return loop.Decision{}, err
	}

	tiers := make([]risk.Tier, len(calls))
	for i, call := range calls {
		tiers[i] = call.Risk
	}

	decision := controller.Assess(loop.Signal{
		Complete:     strings.Contains(response.Content, completionMarker),
		NeedsInput:   strings.Contains(response.Content, clarificationMarker),
		PendingTiers: tiers,
	})
	if decision.Phase != loop.PhaseExecute {
		return decision, nil
	}

	if err := o.executor.ExecuteBatch(ctx, calls); err != nil {
		// A blocked call is fatal for the iteration: record it and hand
		// control back rather than letting the model talk past it
		o.recordCalls(ctx, sess, controller, calls)
		return loop.Decision{Phase: loop.PhasePauseCheck, Reason: err.Error()}, nil
	}

	o.recordCalls(ctx, sess, controller, calls)

	allFailed := len(calls) > 0
	for _, call := range calls {
		if call.Status == toolexec.StatusDone {
			allFailed = false
			break
		}
	}
	controller.FinishIteration(toolexec.TouchedPaths(o.registry, calls), allFailed)

	if d, stop := o.runSanityCheck(ctx, sess, controller, task); stop {
		return d, nil
	}

	return loop.Decision{Phase: loop.PhaseExecute, Reason: "iteration complete"}, nil
}

// recordCalls persists finished tool calls and feeds them to the controller
func (o *Orchestrator) recordCalls(ctx context.Context, sess *session.Session, controller *loop.Controller, calls []*toolexec.Call) {
	if len(calls) == 0 {
		return
	}
	for _, call := range calls {
		controller.RecordCall(call)
	}
	if err := o.store.Append(ctx, sess, session.Message{
		Role:      session.RoleTool,
		ToolCalls: callRecords(calls),
	}); err != nil {
		o.logger.Error().Err(err).Msg("Failed to persist tool results")
	}
}

// runSanityCheck consults the external checker on a fixed cadence, and
// immediately whenever momentum drops below the slow-down threshold
func (o *Orchestrator) runSanityCheck(ctx context.Context, sess *session.Session, controller *loop.Controller, task salience.Task) (loop.Decision, bool) {
	if o.sanity == nil || controller.Iteration() == 0 {
		return loop.Decision{}, false
	}
	slowing := controller.State().MomentumScore < o.cfg.Loop.MomentumThreshold
	if !slowing && controller.Iteration()%sanityCheckEvery != 0 {
		return loop.Decision{}, false
	}

	history, err := o.store.Messages(sess)
	if err != nil {
		return loop.Decision{}, false
	}
	var actions []string
	for _, msg := range history {
		for _, call := range msg.ToolCalls {
			if call.Status.Terminal() {
				actions = append(actions, fmt.Sprintf("%s (%s)", call.Name, call.Status))
			}
		}
	}
	if len(actions) > 20 {
		actions = actions[len(actions)-20:]
	}

	report, err := o.sanity.Check(ctx, task.Description, actions)
	if err != nil {
		o.logger.Warn().Err(err).Msg("Sanity check failed")
		return loop.Decision{}, false
	}

	switch {
	case report.ShouldAbort:
		o.appendNote(sess, "sanity check requested abort: "+strings.Join(report.Concerns, "; "))
		return loop.Decision{Phase: loop.PhaseAborted, Reason: "sanity check requested abort"}, true
	case report.ShouldPause:
		return loop.Decision{Phase: loop.PhasePauseCheck, Reason: "sanity check requested pause"}, true
	}
	return loop.Decision{}, false
}

// abort flushes an interruption note to the log before reporting ABORTED,
// so nothing about the run is lost silently
func (o *Orchestrator) abort(sess *session.Session, controller *loop.Controller, reason string) (loop.Decision, error) {
	o.appendNote(sess, "run aborted: "+reason)
	o.logger.Info().
		Str("session_id", sess.ID).
		Str("reason", reason).
		Int("iterations", controller.Iteration()).
		Msg("Run aborted")
	return loop.Decision{Phase: loop.PhaseAborted, Reason: reason}, nil
}

// appendNote writes a short tool-role note outside the cancelled context
func (o *Orchestrator) appendNote(sess *session.Session, note string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.Append(ctx, sess, session.Message{
		Role:    session.RoleTool,
		Content: note,
	}); err != nil {
		o.logger.Error().Err(err).Str("note", note).Msg("Failed to flush note to session log")
	}
}

// effectiveTier folds the autonomy configuration into the classification:
// anything the config does not auto-execute needs confirmation. Dangerous
// stays dangerous no matter what the config says.
func (o *Orchestrator) effectiveTier(name string, args map[string]interface{}) risk.Tier {
	tier := o.classifier.Classify(name, args)
	switch tier {
	case risk.TierSafe:
		if !o.cfg.Tools.AutoExecuteReads {
			return risk.TierConfirm
		}
	case risk.TierCautious:
		if !o.cfg.Tools.AutoExecuteWrites {
			return risk.TierConfirm
		}
	}
	return tier
}

// newController builds a loop controller from the configuration
func (o *Orchestrator) newController() *loop.Controller {
	return loop.NewController(
		loop.Config{
			MaxIterations:    o.cfg.Loop.MaxIterations,
			BonusIterations:  o.cfg.Loop.BonusIterations,
			IterationCeiling: o.cfg.Loop.IterationCeiling,
			ExtendOnProgress: o.cfg.Loop.ExtendOnProgress,
		},
		progress.NewMomentum(o.cfg.Loop.MomentumWindow, o.cfg.Loop.MomentumThreshold, o.cfg.Loop.PauseThreshold),
		progress.NewStuckDetector(o.cfg.Loop.MaxConsecutiveFailures),
	)
}

// toDispatchMessages flattens an assembled prompt into provider-neutral
// messages, oldest first, with compressed context leading
func (o *Orchestrator) toDispatchMessages(prompt *salience.Prompt) []dispatch.Message {
	var messages []dispatch.Message

	if prompt.Summary != "" || len(prompt.Facts) > 0 {
		var sb strings.Builder
		sb.WriteString("Earlier context, compressed:\n")
		if prompt.Summary != "" {
			sb.WriteString(prompt.Summary)
			sb.WriteByte('\n')
		}
		for _, fact := range prompt.Facts {
			sb.WriteString("- ")
			sb.WriteString(fact)
			sb.WriteByte('\n')
		}
		messages = append(messages, dispatch.Message{Role: dispatch.RoleUser, Content: sb.String()})
	}

	combined := make([]session.Message, 0, len(prompt.Focus)+len(prompt.Recent))
	combined = append(combined, prompt.Focus...)
	combined = append(combined, prompt.Recent...)
	sort.SliceStable(combined, func(i, j int) bool {
		return combined[i].Timestamp.Before(combined[j].Timestamp)
	})

	for _, msg := range combined {
		switch msg.Role {
		case session.RoleTool:
			for _, call := range msg.ToolCalls {
				content := call.Output
				if call.Error != "" {
					content = "error: " + call.Error
				}
				messages = append(messages, dispatch.Message{
					Role:       dispatch.RoleTool,
					Content:    content,
					ToolCallID: call.ID,
				})
			}
			if msg.Content != "" && len(msg.ToolCalls) == 0 {
				messages = append(messages, dispatch.Message{Role: dispatch.RoleUser, Content: msg.Content})
			}

		case session.RoleAssistant:
			m := dispatch.Message{Role: dispatch.RoleAssistant, Content: msg.Content}
			for _, call := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, dispatch.ToolCallRequest{
					ID:   call.ID,
					Name: call.Name,
					Args: call.Args,
				})
			}
			messages = append(messages, m)

		default:
			messages = append(messages, dispatch.Message{Role: dispatch.RoleUser, Content: msg.Content})
		}
	}
	return messages
}

// waitIfPaused blocks while the run is paused
func (r *run) waitIfPaused(ctx context.Context) error {
	r.mu.Lock()
	paused, resume := r.paused, r.resume
	r.mu.Unlock()

	if !paused {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-resume:
		return nil
	}
}

func callRecords(calls []*toolexec.Call) []toolexec.Call {
	records := make([]toolexec.Call, len(calls))
	for i, call := range calls {
		records[i] = *call
	}
	return records
}

// taskFromInput derives scoring keywords from the raw request
func taskFromInput(input string) salience.Task {
	var keywords []string
	for _, word := range strings.Fields(strings.ToLower(input)) {
		word = strings.Trim(word, ".,!?\"'()")
		if len(word) > 3 {
			keywords = append(keywords, word)
		}
	}
	return salience.Task{Description: input, Keywords: keywords}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

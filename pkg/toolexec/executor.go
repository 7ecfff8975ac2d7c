package toolexec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/harun/laju/pkg/risk"
)

// Error kinds recorded on failed calls. Kinds ending an iteration are the
// exception; most tool failures are fed back to the model as content.
const (
	ErrKindTimeout     = "timeout"
	ErrKindBlocked     = "blocked"
	ErrKindBadArgs     = "bad_args"
	ErrKindNotFound    = "not_found"
	ErrKindPermission  = "permission"
	ErrKindInterrupted = "interrupted"
	ErrKindRuntime     = "runtime"
)

// FatalForIteration reports whether an error kind should end the current
// iteration instead of being surfaced to the model as a recoverable result
func FatalForIteration(kind string) bool {
	return kind == ErrKindBlocked
}

// classifyError maps a tool error to an error kind
func classifyError(err error) string {
	var blocked *risk.ErrBlocked
	switch {
	case errors.As(err, &blocked):
		return ErrKindBlocked
	case errors.Is(err, context.DeadlineExceeded):
		return ErrKindTimeout
	case errors.Is(err, context.Canceled):
		return ErrKindInterrupted
	case errors.Is(err, os.ErrNotExist):
		return ErrKindNotFound
	case errors.Is(err, os.ErrPermission):
		return ErrKindPermission
	default:
		if strings.Contains(err.Error(), "deadline exceeded") {
			return ErrKindTimeout
		}
		return ErrKindRuntime
	}
}

// Executor runs tool calls against a registry with risk gating, argument
// validation, and a per-call timeout
type Executor struct {
	registry   *Registry
	classifier *risk.Classifier
	timeout    time.Duration
	maxBatch   int
	logger     zerolog.Logger
}

// NewExecutor creates an executor. A zero timeout defaults to 60 seconds,
// a zero maxBatch to 5 calls per batch.
func NewExecutor(registry *Registry, classifier *risk.Classifier, timeout time.Duration, maxBatch int) *Executor {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if maxBatch <= 0 {
		maxBatch = 5
	}
	return &Executor{
		registry:   registry,
		classifier: classifier,
		timeout:    timeout,
		maxBatch:   maxBatch,
		logger:     log.With().Str("component", "toolexec").Logger(),
	}
}

// Execute runs one call to completion, mutating it in place. The returned
// error is non-nil only for failures the caller must not feed back to the
// model (a blocked call, or a broken lifecycle).
func (e *Executor) Execute(ctx context.Context, call *Call) error {
	call.Risk = e.classifier.Classify(call.Name, call.Args)

	if err := e.classifier.Gate(call.Name, call.Args); err != nil {
		e.fail(call, err)
		e.logger.Warn().
			Str("call_id", call.ID).
			Str("tool", call.Name).
			Str("reason", call.Error).
			Msg("Tool call blocked")
		return err
	}

	tool, ok := e.registry.Get(call.Name)
	if !ok {
		e.fail(call, fmt.Errorf("tool not found: %s", call.Name))
		call.ErrorKind = ErrKindNotFound
		return nil
	}

	if err := e.registry.ValidateArgs(call.Name, call.Args); err != nil {
		e.fail(call, err)
		call.ErrorKind = ErrKindBadArgs
		return nil
	}

	if err := call.Transition(StatusRunning); err != nil {
		return err
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	output, err := tool.Run(runCtx, call.Args)
	if err != nil {
		call.Error = err.Error()
		call.ErrorKind = classifyError(err)
		switch call.ErrorKind {
		case ErrKindTimeout:
			call.Error = fmt.Sprintf("tool %s exceeded %s timeout", call.Name, e.timeout)
			_ = call.Transition(StatusFailed)
		case ErrKindInterrupted:
			_ = call.Transition(StatusKilled)
		default:
			_ = call.Transition(StatusFailed)
		}
		e.logger.Debug().
			Str("call_id", call.ID).
			Str("tool", call.Name).
			Str("error_kind", call.ErrorKind).
			Dur("duration", call.Duration()).
			Msg("Tool call failed")
		return nil
	}

	call.Output = output
	if err := call.Transition(StatusDone); err != nil {
		return err
	}

	// Successful reads and writes both widen the referenced-path set, which
	// in turn lowers the tier of later writes to the same files.
	if path, ok := call.Args["path"].(string); ok {
		e.classifier.MarkReferenced(path)
	}

	e.logger.Debug().
		Str("call_id", call.ID).
		Str("tool", call.Name).
		Dur("duration", call.Duration()).
		Msg("Tool call completed")
	return nil
}

// fail marks a call failed from any non-terminal status
func (e *Executor) fail(call *Call, err error) {
	call.Error = err.Error()
	call.ErrorKind = classifyError(err)
	_ = call.Transition(StatusFailed)
}

// ExecuteBatch runs a batch of calls. Read-only calls run concurrently with
// each other; mutating calls run sequentially after every read finished, in
// the order the model requested them. Batches beyond the per-turn limit are
// truncated and the dropped calls failed with bad_args.
func (e *Executor) ExecuteBatch(ctx context.Context, calls []*Call) error {
	if len(calls) > e.maxBatch {
		for _, c := range calls[e.maxBatch:] {
			c.Error = fmt.Sprintf("batch limit is %d calls per turn", e.maxBatch)
			c.ErrorKind = ErrKindBadArgs
			_ = c.Transition(StatusFailed)
		}
		calls = calls[:e.maxBatch]
	}

	var reads, writes []*Call
	for _, c := range calls {
		if tool, ok := e.registry.Get(c.Name); ok && !tool.Mutating() {
			reads = append(reads, c)
		} else {
			writes = append(writes, c)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range reads {
		call := c
		g.Go(func() error {
			return e.Execute(gctx, call)
		})
	}
	if err := g.Wait(); err != nil {
		// A blocked read poisons the batch: skip the writes entirely.
		for _, c := range writes {
			if !c.Status.Terminal() {
				c.Error = "batch aborted by blocked call"
				c.ErrorKind = ErrKindBlocked
				_ = c.Transition(StatusFailed)
			}
		}
		return err
	}

	for _, c := range writes {
		if err := e.Execute(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// TouchedPaths returns the distinct file paths mutated by successful calls,
// in first-touch order. This is the loop's progress signal.
func TouchedPaths(registry *Registry, calls []*Call) []string {
	seen := make(map[string]bool)
	var paths []string
	for _, c := range calls {
		if c.Status != StatusDone {
			continue
		}
		tool, ok := registry.Get(c.Name)
		if !ok || !tool.Mutating() {
			continue
		}
		if path, ok := c.Args["path"].(string); ok && path != "" && !seen[path] {
			seen[path] = true
			paths = append(paths, path)
		}
	}
	return paths
}

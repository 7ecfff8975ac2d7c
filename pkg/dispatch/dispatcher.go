package dispatch

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// transientRetries is how many times a transient failure is retried on
	// the same model before rotating
	transientRetries = 3
	// backoffCap bounds rate-limit waits
	backoffCap = 60 * time.Second
)

// Dispatcher routes requests across a model rotation, skipping models in
// cooldown and recovering per the failure taxonomy
type Dispatcher struct {
	providers map[string]Provider
	health    *HealthTracker
	logger    zerolog.Logger

	// sleep is swappable in tests
	sleep func(context.Context, time.Duration) error
}

// NewDispatcher builds a dispatcher over a model-to-provider mapping
func NewDispatcher(providers map[string]Provider, health *HealthTracker) *Dispatcher {
	return &Dispatcher{
		providers: providers,
		health:    health,
		logger:    log.With().Str("component", "dispatch").Logger(),
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Dispatch attempts the rotation in order, skipping models in cooldown.
// Every attempt, success or failure, updates the shared health record. A
// Fatal classification circuit-breaks immediately; exhausting the rotation
// returns a Fatal failure.
func (d *Dispatcher) Dispatch(ctx context.Context, request Request, rotation []string) (*Response, error) {
	if len(rotation) == 0 {
		return nil, &Failure{Kind: FailureFatal, Err: fmt.Errorf("empty model rotation")}
	}

	var lastFailure *Failure
	now := time.Now().UTC()

	for i, model := range rotation {
		if d.health.Get(model).InCooldown(now) {
			d.logger.Debug().Str("model", model).Msg("Skipping model in cooldown")
			continue
		}

		provider, ok := d.providers[model]
		if !ok {
			lastFailure = &Failure{
				Kind:  FailureModelSpecific,
				Model: model,
				Err:   fmt.Errorf("no provider configured for model %s", model),
			}
			continue
		}

		response, failure := d.attempt(ctx, provider, request, model, i == len(rotation)-1)
		if failure == nil {
			return response, nil
		}
		lastFailure = failure

		if failure.Kind == FailureFatal {
			d.logger.Error().Err(failure).Msg("Fatal model failure, circuit breaking")
			return nil, failure
		}
	}

	if lastFailure == nil {
		lastFailure = &Failure{Kind: FailureFatal, Err: fmt.Errorf("all models in cooldown")}
	}
	return nil, &Failure{
		Kind:       FailureFatal,
		Model:      lastFailure.Model,
		RetryAfter: lastFailure.RetryAfter,
		Err:        fmt.Errorf("model rotation exhausted: %w", lastFailure),
	}
}

// attempt runs one model with its per-kind retry policy. lastInRotation
// controls rate-limit handling: with a fallback available we rotate
// immediately instead of waiting out the cooldown.
func (d *Dispatcher) attempt(ctx context.Context, provider Provider, request Request, model string, lastInRotation bool) (*Response, *Failure) {
	request.Model = model
	adjusted := false

	for try := 0; try < transientRetries; try++ {
		start := time.Now()
		response, err := provider.Send(ctx, request)
		latency := time.Since(start)

		if err == nil {
			if herr := d.health.RecordSuccess(ctx, model, latency); herr != nil {
				d.logger.Warn().Err(herr).Msg("Failed to record model success")
			}
			return response, nil
		}

		failure := Classify(model, err)
		if herr := d.health.RecordFailure(ctx, model, failure, latency); herr != nil {
			d.logger.Warn().Err(herr).Msg("Failed to record model failure")
		}
		d.logger.Warn().
			Str("model", model).
			Str("kind", string(failure.Kind)).
			Int("try", try+1).
			Err(failure.Err).
			Msg("Model call failed")

		switch failure.Kind {
		case FailureTransient:
			continue

		case FailureRateLimit:
			if !lastInRotation {
				// A healthy fallback exists; rotating beats waiting
				return nil, failure
			}
			wait := failure.RetryAfter
			if wait <= 0 {
				wait = backoff(try)
			}
			if wait > backoffCap {
				wait = backoffCap
			}
			if err := d.sleep(ctx, wait); err != nil {
				return nil, &Failure{Kind: FailureFatal, Model: model, Err: err}
			}
			continue

		case FailureContentRelated:
			if adjusted {
				return nil, failure
			}
			request = shrinkRequest(request)
			adjusted = true
			continue

		default:
			return nil, failure
		}
	}

	return nil, &Failure{
		Kind:  FailureModelSpecific,
		Model: model,
		Err:   fmt.Errorf("model %s exhausted %d attempts", model, transientRetries),
	}
}

// backoff returns an exponential delay with jitter
func backoff(try int) time.Duration {
	base := time.Duration(1<<uint(try)) * time.Second
	jitter := time.Duration(rand.Int63n(int64(base) / 2))
	return base + jitter
}

// shrinkRequest drops the older half of the conversation, keeping the most
// recent messages intact. This is the one-shot adjustment for
// context-too-long failures; a proper re-summarization happens upstream on
// the next turn.
func shrinkRequest(request Request) Request {
	if len(request.Messages) <= 2 {
		return request
	}
	request.Messages = request.Messages[len(request.Messages)/2:]
	return request
}

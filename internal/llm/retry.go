// ABOUTME: Bounded retry orchestration over generation attempts
// ABOUTME: Sequential attempts with exponential backoff and injectable sleep

package llm

import (
	"context"
	"log/slog"
	"time"
)

// Retry defaults: up to 3 attempts, 0.5s first delay, x1.6 growth.
const (
	DefaultMaxTries     = 3
	DefaultInitialDelay = 500 * time.Millisecond
	DefaultMultiplier   = 1.6
)

// Retryer drives a Generator through bounded, strictly sequential attempts.
// It terminates on first success, first fatal failure, or exhaustion, and
// owns no state across invocations.
type Retryer struct {
	MaxTries     int
	InitialDelay time.Duration
	Multiplier   float64

	// Sleep is the backoff clock; tests inject a recorder.
	Sleep func(time.Duration)

	Logger *slog.Logger
}

// NewRetryer creates a Retryer with the default policy.
func NewRetryer(logger *slog.Logger) *Retryer {
	return &Retryer{
		MaxTries:     DefaultMaxTries,
		InitialDelay: DefaultInitialDelay,
		Multiplier:   DefaultMultiplier,
		Sleep:        time.Sleep,
		Logger:       logger,
	}
}

// Do runs attempts 1..MaxTries against gen, backing off between retryable
// failures. It returns the final result and the number of attempts made.
func (r *Retryer) Do(ctx context.Context, gen Generator, prompt string, maxTokens, timeoutMS int) (Result, int) {
	delay := r.InitialDelay
	sleep := r.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	var res Result
	for attempt := 1; attempt <= r.MaxTries; attempt++ {
		r.Logger.Debug("generation attempt", "attempt", attempt, "timeout_ms", timeoutMS)

		res = gen.Generate(ctx, prompt, maxTokens, timeoutMS)
		if res.Success() {
			r.Logger.Info("generation ok",
				"attempt", attempt,
				"elapsed_ms", res.Meta.Data["elapsed_ms"],
				"text_len", len(res.Text),
			)
			return res, attempt
		}

		if res.Category == CategoryRetryable && attempt < r.MaxTries {
			r.Logger.Warn("generation failed, retrying",
				"attempt", attempt,
				"status", res.Meta.Status,
				"error", res.Meta.Err(),
				"delay_ms", delay.Milliseconds(),
			)
			sleep(delay)
			delay = time.Duration(float64(delay) * r.Multiplier)
			if ctx.Err() != nil {
				return res, attempt
			}
			continue
		}

		r.Logger.Warn("generation failed",
			"attempt", attempt,
			"status", res.Meta.Status,
			"error", res.Meta.Err(),
		)
		return res, attempt
	}
	return res, r.MaxTries
}

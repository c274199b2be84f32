// ABOUTME: Subprocess generation backend invoking a local llama.cpp runner
// ABOUTME: Formats the instruct prompt, enforces a deadline, scrubs the output

package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"time"

	"github.com/microaistudio/wa-llm-gateway/internal/normalize"
)

// runFunc executes the runner and returns its combined output.
// Injectable so tests never spawn a real process.
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// SubprocessClient runs the model locally instead of calling an HTTP
// backend. Output goes through normalize.Clean before classification.
type SubprocessClient struct {
	profile *Profile
	logger  *slog.Logger
	run     runFunc
}

// NewSubprocessClient creates a subprocess-backed generator from a runner
// profile.
func NewSubprocessClient(profile *Profile, logger *slog.Logger) *SubprocessClient {
	return &SubprocessClient{
		profile: profile,
		logger:  logger,
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		},
	}
}

// Generate invokes the runner once under the logical deadline plus headroom.
// maxTokens overrides the profile's predict limit when positive.
func (c *SubprocessClient) Generate(ctx context.Context, prompt string, maxTokens, timeoutMS int) Result {
	p := c.profile

	predict := p.Predict
	if maxTokens > 0 && maxTokens < predict {
		predict = maxTokens
	}

	args := []string{
		"file://" + p.Model,
		fmt.Sprintf("<s>[INST] %s [/INST]", prompt),
		"--temp", strconv.FormatFloat(p.Temp, 'g', -1, 64),
		"--top-p", strconv.FormatFloat(p.TopP, 'g', -1, 64),
		"--repeat-penalty", strconv.FormatFloat(p.RepeatPenalty, 'g', -1, 64),
		"--ctx-size", strconv.Itoa(p.CtxSize),
		"--predict", strconv.Itoa(predict),
		"--threads", strconv.Itoa(p.Threads),
		"--batch-size", strconv.Itoa(p.BatchSize),
	}

	deadline := time.Duration(timeoutMS+transportHeadroomMS) * time.Millisecond
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()
	output, err := c.run(runCtx, p.Binary, args...)
	elapsedMS := time.Since(start).Milliseconds()

	if err != nil {
		errText := err.Error()
		cat := CategoryFatal
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			errText = "runner timeout: " + errText
			cat = CategoryRetryable
		}
		c.logger.Warn("runner failed", "error", errText, "elapsed_ms", elapsedMS)
		res := failure("ERR", errText, cat)
		res.Meta.Data["elapsed_ms"] = elapsedMS
		return res
	}

	text := normalize.Clean(string(output))
	if text == "" || text == normalize.FallbackSentence {
		res := failure("200", "empty runner output", CategoryFatal)
		res.Meta.Data["elapsed_ms"] = elapsedMS
		return res
	}

	return Result{
		Category: CategorySuccess,
		Text:     text,
		Meta: Meta{
			Status: "200",
			Data: map[string]any{
				"elapsed_ms":      elapsedMS,
				"max_tokens_used": predict,
			},
		},
	}
}

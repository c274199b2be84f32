// ABOUTME: Top-level answer pipeline: retrieve, compose, generate with retries
// ABOUTME: Always returns a result; failure is signaled through metadata only

package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/microaistudio/wa-llm-gateway/internal/budget"
	"github.com/microaistudio/wa-llm-gateway/internal/llm"
	"github.com/microaistudio/wa-llm-gateway/internal/prompt"
	"github.com/microaistudio/wa-llm-gateway/internal/retrieve"
	"github.com/microaistudio/wa-llm-gateway/internal/store"
)

// BusySentence is the degraded answer returned when generation fails.
const BusySentence = "LLM busy; try again."

// perCallTokenCeiling caps tokens per generation call regardless of the
// client's request.
const perCallTokenCeiling = 128

// Retriever fetches best-effort supporting context for a question.
type Retriever interface {
	Fetch(ctx context.Context, question string, overallTimeoutMS int) retrieve.Context
}

// Request is one "answer this question" invocation. The timeout and token
// fields carry raw client hints; parse failures mean "absent".
type Request struct {
	Question   string
	MaxTokens  any
	TimeoutMS  any
	TimeoutSec any

	// PushTo is recorded in the answer log when the result is dispatched.
	PushTo string
}

// Result is the unit returned to the caller. It is complete when Answer
// returns and never mutated afterwards.
type Result struct {
	RequestID     string               `json:"request_id"`
	Answer        string               `json:"answer"`
	OK            bool                 `json:"ok"`
	ElapsedMS     int64                `json:"elapsed_ms"`
	UsedTokens    int                  `json:"used_tokens"`
	MaxTokensUsed int                  `json:"max_tokens_used"`
	TimeoutMS     int                  `json:"timeout_ms_used"`
	TimeoutSource budget.TimeoutSource `json:"timeout_source"`
	Attempts      int                  `json:"attempts"`
}

// Options configures a pipeline Service.
type Options struct {
	Retriever Retriever
	Generator llm.Generator
	Retryer   *llm.Retryer

	// Store receives the answer log; nil disables persistence.
	Store store.Store

	DefaultTimeoutMS int
	CeilingTimeoutMS int
	MaxTokens        int

	Logger *slog.Logger
}

// Service runs the multi-stage answer pipeline. All state is request
// scoped; a Service is safe for concurrent use.
type Service struct {
	retriever Retriever
	generator llm.Generator
	retryer   *llm.Retryer
	store     store.Store

	defaultTimeoutMS int
	ceilingTimeoutMS int
	maxTokens        int

	logger *slog.Logger
}

// New creates a pipeline Service.
func New(opts Options) *Service {
	return &Service{
		retriever:        opts.Retriever,
		generator:        opts.Generator,
		retryer:          opts.Retryer,
		store:            opts.Store,
		defaultTimeoutMS: opts.DefaultTimeoutMS,
		ceilingTimeoutMS: opts.CeilingTimeoutMS,
		maxTokens:        opts.MaxTokens,
		logger:           opts.Logger,
	}
}

// Answer resolves the budgets, fetches context, composes the prompt, and
// drives generation with retries. It always returns a usable Result:
// upstream failures degrade to BusySentence with OK=false.
func (s *Service) Answer(ctx context.Context, req Request) Result {
	start := time.Now()
	requestID := uuid.New().String()

	spec := budget.ResolveTimeout(
		budget.TimeoutHints{MS: req.TimeoutMS, Sec: req.TimeoutSec},
		s.defaultTimeoutMS, s.ceilingTimeoutMS,
	)
	tokens := budget.ResolveTokens(req.MaxTokens, s.maxTokens)

	// Retrieval completes (or is abandoned) strictly before composition.
	var rc retrieve.Context
	if s.retriever != nil {
		rc = s.retriever.Fetch(ctx, req.Question, spec.TotalMS)
	}

	p := prompt.Compose(req.Question, rc.Text, rc.Sources)

	perCall := tokens.Effective
	if perCall > perCallTokenCeiling {
		perCall = perCallTokenCeiling
	}

	genRes, attempts := s.retryer.Do(ctx, s.generator, p, perCall, spec.TotalMS)

	result := Result{
		RequestID:     requestID,
		OK:            genRes.Success(),
		Answer:        genRes.Text,
		TimeoutMS:     spec.TotalMS,
		TimeoutSource: spec.Source,
		Attempts:      attempts,
		MaxTokensUsed: perCall,
		ElapsedMS:     time.Since(start).Milliseconds(),
	}

	if !result.OK || result.Answer == "" {
		result.OK = false
		result.Answer = BusySentence
	}

	data := genRes.Meta.Data
	if v, ok := metaInt(data, "elapsed_ms"); ok {
		result.ElapsedMS = v
	}
	if v, ok := metaInt(data, "used_tokens"); ok {
		result.UsedTokens = int(v)
	}
	if v, ok := metaInt(data, "max_tokens_used"); ok {
		result.MaxTokensUsed = int(v)
	}
	if v, ok := metaInt(data, "timeout_ms_used"); ok {
		result.TimeoutMS = int(v)
	}

	s.logger.Info("answer pipeline complete",
		"request_id", requestID,
		"ok", result.OK,
		"attempts", attempts,
		"elapsed_ms", result.ElapsedMS,
		"timeout_ms", spec.TotalMS,
		"timeout_source", spec.Source,
		"context_len", len(rc.Text),
	)

	s.record(ctx, req, result)
	return result
}

// record persists the run best-effort; store failures only log.
func (s *Service) record(ctx context.Context, req Request, res Result) {
	if s.store == nil {
		return
	}

	rec := &store.AnswerRecord{
		ID:            res.RequestID,
		Question:      req.Question,
		Answer:        res.Answer,
		OK:            res.OK,
		ElapsedMS:     res.ElapsedMS,
		UsedTokens:    res.UsedTokens,
		TimeoutMS:     res.TimeoutMS,
		TimeoutSource: string(res.TimeoutSource),
		Attempts:      res.Attempts,
		PushedTo:      req.PushTo,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.SaveAnswer(ctx, rec); err != nil {
		s.logger.Warn("failed to save answer record", "request_id", res.RequestID, "error", err)
	}
}

// metaInt reads a numeric diagnostic field from attempt metadata.
func metaInt(data map[string]any, key string) (int64, bool) {
	if data == nil {
		return 0, false
	}
	switch v := data[key].(type) {
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

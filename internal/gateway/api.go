// ABOUTME: HTTP API handlers for the answer, push, history, and diag endpoints
// ABOUTME: Thin JSON layer over the pipeline, dispatcher, and answer log

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/microaistudio/wa-llm-gateway/internal/dedupe"
	"github.com/microaistudio/wa-llm-gateway/internal/llm"
	"github.com/microaistudio/wa-llm-gateway/internal/pipeline"
	"github.com/microaistudio/wa-llm-gateway/internal/push"
)

// diagTokens and diagTimeoutMS bound the backend probe issued by
// GET /api/llm/diag.
const (
	diagTokens    = 16
	diagTimeoutMS = 4000
	diagPrompt    = "Pong!"
	diagPreview   = 60
)

// AnswerRequest is the JSON request body for POST /api/wa/answer.
// The budget fields are deliberately untyped: clients send numbers or
// numeric strings, and unparseable values fall back to server defaults.
type AnswerRequest struct {
	Question   string `json:"question"`
	MaxTokens  any    `json:"max_tokens,omitempty"`
	TimeoutMS  any    `json:"timeout_ms,omitempty"`
	TimeoutSec any    `json:"timeout_sec,omitempty"`
}

// AnswerResponse is the JSON response for POST /api/wa/answer.
type AnswerResponse struct {
	Answer        string `json:"answer"`
	OK            bool   `json:"ok"`
	ElapsedMS     int64  `json:"elapsed_ms"`
	UsedTokens    int    `json:"used_tokens"`
	MaxTokensUsed int    `json:"max_tokens_used"`
	TimeoutMSUsed int    `json:"timeout_ms_used"`
	TimeoutSource string `json:"timeout_source"`
	Attempts      int    `json:"attempts"`
	RequestID     string `json:"request_id"`
}

// PushRequest is the JSON request body for POST /api/wa/push.
type PushRequest struct {
	To         string `json:"to"`
	Question   string `json:"question"`
	MaxTokens  any    `json:"max_tokens,omitempty"`
	TimeoutMS  any    `json:"timeout_ms,omitempty"`
	TimeoutSec any    `json:"timeout_sec,omitempty"`
}

// PushResponse is the JSON response for POST /api/wa/push. The push path
// always acknowledges: delivery failures are logged, never surfaced.
type PushResponse struct {
	OK      bool   `json:"ok"`
	Deduped bool   `json:"deduped,omitempty"`
	Answer  string `json:"answer,omitempty"`
}

// HistoryEntry is one answer-log row in GET /api/wa/history responses.
type HistoryEntry struct {
	ID            string `json:"id"`
	Question      string `json:"question"`
	Answer        string `json:"answer"`
	OK            bool   `json:"ok"`
	ElapsedMS     int64  `json:"elapsed_ms"`
	UsedTokens    int    `json:"used_tokens"`
	TimeoutMS     int    `json:"timeout_ms"`
	TimeoutSource string `json:"timeout_source"`
	Attempts      int    `json:"attempts"`
	PushedTo      string `json:"pushed_to,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// HistoryResponse is the JSON response for GET /api/wa/history.
type HistoryResponse struct {
	Answers []HistoryEntry `json:"answers"`
}

// DiagResponse is the JSON response for GET /api/llm/diag.
type DiagResponse struct {
	OK        bool   `json:"ok"`
	Status    string `json:"status"`
	Text      string `json:"text"`
	ElapsedMS int64  `json:"elapsed_ms"`
	Error     string `json:"error,omitempty"`
}

// TwilioHealthResponse is the JSON response for GET /twilio/health.
// It reports effective configuration without exposing credentials.
type TwilioHealthResponse struct {
	OK               bool   `json:"ok"`
	ServerID         string `json:"server_id"`
	PushConfigured   bool   `json:"push_configured"`
	PushFrom         string `json:"push_from,omitempty"`
	LLMMode          string `json:"llm_mode"`
	LLMAPIURL        string `json:"llm_api_url,omitempty"`
	DefaultTimeoutMS int    `json:"default_timeout_ms"`
	CeilingTimeoutMS int    `json:"ceiling_timeout_ms"`
	MaxTokens        int    `json:"max_tokens"`
	AskBaseURL       string `json:"ask_base_url"`
}

// handleAnswer handles POST /api/wa/answer requests.
// It runs the full answer pipeline and always returns 200 with a result
// body once the question validates; pipeline failures surface as ok=false
// with the fixed busy sentence.
func (g *Gateway) handleAnswer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	req, err := parseAnswerRequest(r.Body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	res := g.pipeline.Answer(r.Context(), pipeline.Request{
		Question:   req.Question,
		MaxTokens:  req.MaxTokens,
		TimeoutMS:  req.TimeoutMS,
		TimeoutSec: req.TimeoutSec,
	})

	writeJSON(w, http.StatusOK, answerResponse(res))
}

// handlePush handles POST /api/wa/push requests.
// Duplicate (to, question) pairs inside the dedupe window are acknowledged
// without re-running the pipeline. Delivery failures are logged and the
// request is still acknowledged.
func (g *Gateway) handlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		g.sendJSONError(w, http.StatusBadRequest, "question is required")
		return
	}
	if req.To == "" {
		g.sendJSONError(w, http.StatusBadRequest, "to is required")
		return
	}

	to := push.NormalizeWhatsApp(req.To)

	if g.dedupe.Seen(dedupe.Key(to, req.Question)) {
		g.logger.Info("duplicate push suppressed", "to", to)
		writeJSON(w, http.StatusOK, PushResponse{OK: true, Deduped: true})
		return
	}

	res := g.pipeline.Answer(r.Context(), pipeline.Request{
		Question:   req.Question,
		MaxTokens:  req.MaxTokens,
		TimeoutMS:  req.TimeoutMS,
		TimeoutSec: req.TimeoutSec,
		PushTo:     to,
	})

	if err := g.dispatcher.Send(r.Context(), to, res.Answer); err != nil {
		g.logger.Error("push delivery failed", "to", to, "request_id", res.RequestID, "error", err)
	}

	writeJSON(w, http.StatusOK, PushResponse{OK: true, Answer: res.Answer})
}

// handleHistory handles GET /api/wa/history requests.
// Returns recent answer-log rows, newest first, limited by ?limit=N
// (default 20, max 200).
func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
		if limit > 200 {
			limit = 200
		}
	}

	records, err := g.store.ListRecentAnswers(r.Context(), limit)
	if err != nil {
		g.logger.Error("failed to list answers", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := HistoryResponse{Answers: make([]HistoryEntry, len(records))}
	for i, rec := range records {
		response.Answers[i] = HistoryEntry{
			ID:            rec.ID,
			Question:      rec.Question,
			Answer:        rec.Answer,
			OK:            rec.OK,
			ElapsedMS:     rec.ElapsedMS,
			UsedTokens:    rec.UsedTokens,
			TimeoutMS:     rec.TimeoutMS,
			TimeoutSource: rec.TimeoutSource,
			Attempts:      rec.Attempts,
			PushedTo:      rec.PushedTo,
			CreatedAt:     rec.CreatedAt.Format(time.RFC3339),
		}
	}

	writeJSON(w, http.StatusOK, response)
}

// handleDiag handles GET /api/llm/diag requests.
// Issues a single short probe against the generation backend, bypassing
// retrieval and retries, and reports what came back. ?url= probes an
// alternate HTTP backend and ?timeout_ms= overrides the probe budget.
func (g *Gateway) handleDiag(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	timeoutMS := diagTimeoutMS
	if s := r.URL.Query().Get("timeout_ms"); s != "" {
		parsed, err := strconv.Atoi(s)
		if err != nil || parsed < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "timeout_ms must be a positive integer")
			return
		}
		timeoutMS = parsed
	}

	gen := g.generator
	if u := r.URL.Query().Get("url"); u != "" {
		gen = llm.NewHTTPClient(u, g.logger)
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(timeoutMS+2000)*time.Millisecond)
	defer cancel()

	res := gen.Generate(ctx, diagPrompt, diagTokens, timeoutMS)

	response := DiagResponse{
		OK:        res.Success(),
		Status:    res.Meta.Status,
		Text:      truncate(res.Text, diagPreview),
		ElapsedMS: time.Since(start).Milliseconds(),
	}
	if !res.Success() {
		response.Error = res.Meta.Err()
	}

	writeJSON(w, http.StatusOK, response)
}

// handleTwilioHealth handles GET /twilio/health requests.
func (g *Gateway) handleTwilioHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	response := TwilioHealthResponse{
		OK:               true,
		ServerID:         g.serverID,
		PushConfigured:   g.dispatcher.Configured(),
		LLMMode:          g.config.LLM.Mode,
		LLMAPIURL:        g.config.LLM.APIURL,
		DefaultTimeoutMS: g.config.LLM.DefaultTimeoutMS,
		CeilingTimeoutMS: g.config.LLM.CeilingTimeoutMS,
		MaxTokens:        g.config.LLM.MaxTokens,
		AskBaseURL:       g.config.Ask.BaseURL,
	}
	if g.config.Twilio.Enabled {
		response.PushFrom = g.config.Twilio.From
	}

	writeJSON(w, http.StatusOK, response)
}

// answerResponse maps a pipeline result onto the wire shape.
func answerResponse(res pipeline.Result) AnswerResponse {
	return AnswerResponse{
		Answer:        res.Answer,
		OK:            res.OK,
		ElapsedMS:     res.ElapsedMS,
		UsedTokens:    res.UsedTokens,
		MaxTokensUsed: res.MaxTokensUsed,
		TimeoutMSUsed: res.TimeoutMS,
		TimeoutSource: string(res.TimeoutSource),
		Attempts:      res.Attempts,
		RequestID:     res.RequestID,
	}
}

// parseAnswerRequest parses and validates an AnswerRequest from the given
// reader. Returns an error if the JSON is invalid or the question is missing.
func parseAnswerRequest(r io.Reader) (*AnswerRequest, error) {
	var req AnswerRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}

	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		return nil, errors.New("question is required")
	}

	return &req, nil
}

// truncate shortens s to at most n runes, never splitting a rune.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

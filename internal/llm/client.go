// ABOUTME: Generation backend client with closed failure classification
// ABOUTME: Defines the Generator interface and the HTTP prompt-schema client

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/microaistudio/wa-llm-gateway/internal/normalize"
)

// transportHeadroomMS is added to the transport deadline beyond the logical
// timeout so the backend's own timeout can fire first.
const transportHeadroomMS = 2000

// Category is the closed classification of a generation attempt. The retry
// orchestrator switches on this value only and never re-inspects error text.
type Category string

const (
	CategorySuccess   Category = "success"
	CategoryRetryable Category = "retryable"
	CategoryFatal     Category = "fatal"
)

// Meta carries diagnostic fields from one attempt: the upstream status and
// either the raw response payload or an error description.
type Meta struct {
	Status string
	Data   map[string]any
}

// Err returns the error text recorded in Data, if any.
func (m Meta) Err() string {
	s, _ := m.Data["error"].(string)
	return s
}

// Result is the outcome of a single generation attempt. Upstream failures
// are values, not Go errors: the pipeline must always have something to
// hand back to the caller.
type Result struct {
	Category Category
	Text     string
	Meta     Meta
}

// Success reports whether the attempt produced a usable answer.
func (r Result) Success() bool {
	return r.Category == CategorySuccess
}

// Generator issues one call to a text-generation backend.
// Implementations classify the outcome themselves; they never return errors.
type Generator interface {
	Generate(ctx context.Context, prompt string, maxTokens, timeoutMS int) Result
}

// generateRequest is the prompt-schema payload the HTTP backend accepts.
type generateRequest struct {
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens"`
	TimeoutMS int    `json:"timeout_ms"`
}

// HTTPClient calls a generation backend speaking the prompt schema.
type HTTPClient struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPClient creates a generation client for the given chat endpoint.
func NewHTTPClient(url string, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		url:        url,
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// URL returns the configured backend endpoint.
func (c *HTTPClient) URL() string { return c.url }

// Generate issues one generation call. The transport deadline is the logical
// timeout plus headroom; success requires HTTP 200 and non-empty normalized
// text. Everything else is classified retryable or fatal.
func (c *HTTPClient) Generate(ctx context.Context, prompt string, maxTokens, timeoutMS int) Result {
	body, err := json.Marshal(generateRequest{
		Prompt:    prompt,
		MaxTokens: maxTokens,
		TimeoutMS: timeoutMS,
	})
	if err != nil {
		return failure("ERR", fmt.Sprintf("marshal request: %v", err), CategoryFatal)
	}

	deadline := time.Duration(timeoutMS+transportHeadroomMS) * time.Millisecond
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return failure("ERR", fmt.Sprintf("build request: %v", err), CategoryFatal)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return failure("ERR", err.Error(), classifyTransportError(err))
	}
	defer resp.Body.Close()

	var data map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if decodeErr := json.NewDecoder(resp.Body).Decode(&data); decodeErr != nil {
			data = nil
		}
	}

	text := normalize.ExtractText(data)
	if resp.StatusCode == http.StatusOK && text != "" {
		return Result{
			Category: CategorySuccess,
			Text:     text,
			Meta:     Meta{Status: "200", Data: data},
		}
	}

	errText := fmt.Sprintf("HTTP %d", resp.StatusCode)
	return failure(fmt.Sprintf("%d", resp.StatusCode), errText, classifyErrorText(errText))
}

// failure builds a failed Result with the given status and error text.
func failure(status, errText string, cat Category) Result {
	return Result{
		Category: cat,
		Meta: Meta{
			Status: status,
			Data:   map[string]any{"error": errText},
		},
	}
}

// classifyTransportError maps transport-level errors to a category.
// Deadline and timeout errors are transient; everything else depends on
// the error text markers.
func classifyTransportError(err error) Category {
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryRetryable
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryRetryable
	}
	return classifyErrorText(err.Error())
}

// classifyErrorText applies the transient-failure markers: a 5xx-style
// status fragment, the literal 502, "bad gateway", or "timeout".
func classifyErrorText(errText string) Category {
	lower := strings.ToLower(errText)
	if strings.Contains(errText, " 50") ||
		strings.Contains(errText, "502") ||
		strings.Contains(lower, "bad gateway") ||
		strings.Contains(lower, "timeout") {
		return CategoryRetryable
	}
	return CategoryFatal
}

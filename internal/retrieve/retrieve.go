// ABOUTME: Best-effort client for the local retrieval backend
// ABOUTME: Carves a sub-budget out of the request deadline and never errors upward

package retrieve

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"
)

const (
	// Sub-budget bounds: overall timeout minus reserve, clamped to [min, max].
	reserveMS  = 1500
	subFloorMS = 2000
	subCeilMS  = 6000

	// headroomMS is added to the transport deadline so the logical
	// sub-budget fires before the transport does.
	headroomMS = 1000

	maxSourceLen = 80
)

// Context is the best-effort retrieval result. Empty Text means the
// pipeline should fall back to the ungrounded prompt variant.
type Context struct {
	Text    string
	Sources []string
}

// Params are the fixed retrieval parameters sent with every query.
type Params struct {
	Lang       string
	Mode       string
	TopK       int
	EvidenceK  int
	PercentCap int
	MaxTokens  int
}

// DefaultParams returns the retrieval parameters used when config does not
// override them.
func DefaultParams() Params {
	return Params{
		Lang:       "en",
		Mode:       "local",
		TopK:       8,
		EvidenceK:  4,
		PercentCap: 35,
		MaxTokens:  96,
	}
}

// request is the retrieval backend's answer-endpoint payload.
type request struct {
	Q          string `json:"q"`
	Lang       string `json:"lang"`
	Mode       string `json:"mode"`
	TopK       int    `json:"topk"`
	EvidenceK  int    `json:"evidence_k"`
	PercentCap int    `json:"percent_cap"`
	MaxTokens  int    `json:"max_tokens"`
	TimeoutMS  int    `json:"timeout_ms"`
}

// Client fetches supporting context from the retrieval backend.
// It shares one underlying HTTP client across requests; per-call deadlines
// come from the request context.
type Client struct {
	answerURL  string
	params     Params
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a retrieval client for the given base URL.
func NewClient(baseURL string, params Params, logger *slog.Logger) *Client {
	return &Client{
		answerURL:  strings.TrimRight(baseURL, "/") + "/api/ask/answer",
		params:     params,
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// SubBudgetMS computes the retrieval sub-budget for an overall deadline.
func SubBudgetMS(overallTimeoutMS int) int {
	sub := overallTimeoutMS - reserveMS
	if sub < subFloorMS {
		sub = subFloorMS
	}
	if sub > subCeilMS {
		sub = subCeilMS
	}
	return sub
}

// Fetch retrieves context for a question under a sub-budget carved from the
// overall timeout. Any failure (network, non-2xx, bad body) degrades to an
// empty Context; this call never returns an error.
func (c *Client) Fetch(ctx context.Context, question string, overallTimeoutMS int) Context {
	subMS := SubBudgetMS(overallTimeoutMS)

	payload := request{
		Q:          question,
		Lang:       c.params.Lang,
		Mode:       c.params.Mode,
		TopK:       c.params.TopK,
		EvidenceK:  c.params.EvidenceK,
		PercentCap: c.params.PercentCap,
		MaxTokens:  c.params.MaxTokens,
		TimeoutMS:  subMS,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		c.logger.Warn("retrieval payload marshal failed", "error", err)
		return Context{}
	}

	deadline := time.Duration(subMS+headroomMS) * time.Millisecond
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.answerURL, bytes.NewReader(body))
	if err != nil {
		c.logger.Warn("retrieval request build failed", "error", err)
		return Context{}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("retrieval fetch failed", "error", err)
		return Context{}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("retrieval backend returned error status", "status", resp.StatusCode)
		return Context{}
	}

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		c.logger.Warn("retrieval response decode failed", "error", err)
		return Context{}
	}

	return Context{
		Text:    contextText(decoded),
		Sources: sourceLabels(decoded),
	}
}

// contextText prefers the explicit context field, falling back to answer.
func contextText(decoded map[string]any) string {
	if s, _ := decoded["context"].(string); strings.TrimSpace(s) != "" {
		return strings.TrimSpace(s)
	}
	s, _ := decoded["answer"].(string)
	return strings.TrimSpace(s)
}

// sourceLabels normalizes the sources/evidence field to a bounded list of
// short labels. An empty or unusable sources field falls through to
// evidence, matching the context/answer fallback.
func sourceLabels(decoded map[string]any) []string {
	if labels := labelsFrom(decoded["sources"]); len(labels) > 0 {
		return labels
	}
	return labelsFrom(decoded["evidence"])
}

// labelsFrom flattens one sources/evidence value into short labels.
// A mapping is treated as its value set, taken in key order so identical
// responses yield identical label sequences.
func labelsFrom(raw any) []string {
	var items []any
	switch v := raw.(type) {
	case []any:
		items = v
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			items = append(items, v[k])
		}
	default:
		return nil
	}

	var labels []string
	for _, item := range items {
		if item == nil {
			continue
		}
		label := fmt.Sprintf("%v", item)
		if label == "" {
			continue
		}
		labels = append(labels, truncateRunes(label, maxSourceLen))
	}
	return labels
}

// truncateRunes shortens s to at most n runes, never splitting a rune.
func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

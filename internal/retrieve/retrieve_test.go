// ABOUTME: Tests for the best-effort retrieval client
// ABOUTME: Covers sub-budget math, shape handling, and failure absorption

package retrieve

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSubBudgetMS(t *testing.T) {
	cases := []struct {
		overall int
		want    int
	}{
		{9000, 6000},  // 7500 capped at ceiling
		{12000, 6000}, // capped at ceiling
		{5000, 3500},
		{3000, 2000}, // 1500 raised to floor
		{1000, 2000}, // negative raised to floor
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, SubBudgetMS(tc.overall), "overall=%d", tc.overall)
	}
}

func TestFetch_Success(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/ask/answer", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"context": "Refunds within 30 days.",
			"sources": []string{"policy.pdf", "faq.md"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, DefaultParams(), testLogger())
	ctx := c.Fetch(context.Background(), "What is the refund policy?", 9000)

	assert.Equal(t, "Refunds within 30 days.", ctx.Text)
	assert.Equal(t, []string{"policy.pdf", "faq.md"}, ctx.Sources)

	// Fixed retrieval parameters and the sub-budget travel in the payload.
	assert.Equal(t, "What is the refund policy?", gotBody["q"])
	assert.Equal(t, "local", gotBody["mode"])
	assert.Equal(t, float64(8), gotBody["topk"])
	assert.Equal(t, float64(4), gotBody["evidence_k"])
	assert.Equal(t, float64(6000), gotBody["timeout_ms"])
}

func TestFetch_AnswerFallbackAndEvidence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"answer":   "Context from answer field.",
			"evidence": map[string]any{"a": "doc-1", "b": 42},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, DefaultParams(), testLogger())
	ctx := c.Fetch(context.Background(), "q", 9000)

	assert.Equal(t, "Context from answer field.", ctx.Text)
	assert.Len(t, ctx.Sources, 2)
	assert.Contains(t, ctx.Sources, "doc-1")
	assert.Contains(t, ctx.Sources, "42")
}

func TestFetch_EmptySourcesFallsBackToEvidence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"context":  "ctx",
			"sources":  []string{},
			"evidence": []string{"doc1", "doc2"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, DefaultParams(), testLogger())
	ctx := c.Fetch(context.Background(), "q", 9000)

	assert.Equal(t, []string{"doc1", "doc2"}, ctx.Sources)
}

func TestFetch_SourcesOfNullsFallsBackToEvidence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"context":  "ctx",
			"sources":  []any{nil, ""},
			"evidence": []string{"doc1"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, DefaultParams(), testLogger())
	ctx := c.Fetch(context.Background(), "q", 9000)

	assert.Equal(t, []string{"doc1"}, ctx.Sources)
}

func TestFetch_MappingSourcesInKeyOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"context": "ctx",
			"sources": map[string]any{"c": "third", "a": "first", "b": "second"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, DefaultParams(), testLogger())
	ctx := c.Fetch(context.Background(), "q", 9000)

	assert.Equal(t, []string{"first", "second", "third"}, ctx.Sources)
}

func TestFetch_TruncatesLongSourceLabels(t *testing.T) {
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'x'
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"context": "ctx",
			"sources": []string{string(long)},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, DefaultParams(), testLogger())
	ctx := c.Fetch(context.Background(), "q", 9000)

	require.Len(t, ctx.Sources, 1)
	assert.Len(t, ctx.Sources[0], 80)
}

func TestFetch_TruncationKeepsRuneBoundaries(t *testing.T) {
	long := strings.Repeat("नीति", 30) // 120 runes of multibyte text
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"context": "ctx",
			"sources": []string{long},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, DefaultParams(), testLogger())
	ctx := c.Fetch(context.Background(), "q", 9000)

	require.Len(t, ctx.Sources, 1)
	assert.Equal(t, 80, utf8.RuneCountInString(ctx.Sources[0]))
	assert.True(t, utf8.ValidString(ctx.Sources[0]))
}

func TestFetch_NetworkErrorReturnsEmpty(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", DefaultParams(), testLogger())
	ctx := c.Fetch(context.Background(), "q", 9000)

	assert.Equal(t, "", ctx.Text)
	assert.Empty(t, ctx.Sources)
}

func TestFetch_ErrorStatusReturnsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, DefaultParams(), testLogger())
	assert.Equal(t, Context{}, c.Fetch(context.Background(), "q", 9000))
}

func TestFetch_NonJSONBodyReturnsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "<html>not json</html>")
	}))
	defer srv.Close()

	c := NewClient(srv.URL, DefaultParams(), testLogger())
	assert.Equal(t, Context{}, c.Fetch(context.Background(), "q", 9000))
}

// ABOUTME: Tests for the answer pipeline covering success, retry, and degradation
// ABOUTME: Uses fake retriever/generator/store doubles and httptest backends

package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microaistudio/wa-llm-gateway/internal/budget"
	"github.com/microaistudio/wa-llm-gateway/internal/llm"
	"github.com/microaistudio/wa-llm-gateway/internal/retrieve"
	"github.com/microaistudio/wa-llm-gateway/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRetriever struct {
	ctx       retrieve.Context
	questions []string
	timeouts  []int
}

func (f *fakeRetriever) Fetch(_ context.Context, question string, overallTimeoutMS int) retrieve.Context {
	f.questions = append(f.questions, question)
	f.timeouts = append(f.timeouts, overallTimeoutMS)
	return f.ctx
}

type fakeGenerator struct {
	result    llm.Result
	prompts   []string
	maxTokens []int
}

func (g *fakeGenerator) Generate(_ context.Context, prompt string, maxTokens, _ int) llm.Result {
	g.prompts = append(g.prompts, prompt)
	g.maxTokens = append(g.maxTokens, maxTokens)
	return g.result
}

type memStore struct {
	mu      sync.Mutex
	records []*store.AnswerRecord
	saveErr error
}

func (m *memStore) SaveAnswer(_ context.Context, rec *store.AnswerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *memStore) GetAnswer(context.Context, string) (*store.AnswerRecord, error) {
	return nil, store.ErrNotFound
}

func (m *memStore) ListRecentAnswers(context.Context, int) ([]*store.AnswerRecord, error) {
	return nil, nil
}

func (m *memStore) Close() error { return nil }

func noSleepRetryer() *llm.Retryer {
	r := llm.NewRetryer(testLogger())
	r.Sleep = func(time.Duration) {}
	return r
}

func newService(ret Retriever, gen llm.Generator, st store.Store) *Service {
	return New(Options{
		Retriever:        ret,
		Generator:        gen,
		Retryer:          noSleepRetryer(),
		Store:            st,
		DefaultTimeoutMS: 9000,
		CeilingTimeoutMS: 30000,
		MaxTokens:        48,
		Logger:           testLogger(),
	})
}

func TestAnswer_SuccessWithContext(t *testing.T) {
	ret := &fakeRetriever{ctx: retrieve.Context{
		Text:    "Policy: returns accepted within 30 days.",
		Sources: []string{"policy.pdf"},
	}}
	gen := &fakeGenerator{result: llm.Result{
		Category: llm.CategorySuccess,
		Text:     "- Returns are accepted within 30 days",
		Meta: llm.Meta{Status: "ok", Data: map[string]any{
			"elapsed_ms":  float64(412),
			"used_tokens": float64(23),
		}},
	}}

	svc := newService(ret, gen, nil)
	res := svc.Answer(context.Background(), Request{Question: "What is the return policy?"})

	assert.True(t, res.OK)
	assert.Equal(t, "- Returns are accepted within 30 days", res.Answer)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, int64(412), res.ElapsedMS)
	assert.Equal(t, 23, res.UsedTokens)
	assert.Equal(t, 9000, res.TimeoutMS)
	assert.Equal(t, budget.SourceDefault, res.TimeoutSource)
	assert.NotEmpty(t, res.RequestID)

	require.Len(t, ret.questions, 1)
	assert.Equal(t, "What is the return policy?", ret.questions[0])
	assert.Equal(t, []int{9000}, ret.timeouts)

	require.Len(t, gen.prompts, 1)
	assert.Contains(t, gen.prompts[0], "Policy: returns accepted within 30 days.")
	assert.Contains(t, gen.prompts[0], "Sources: [policy.pdf]")
	assert.Contains(t, gen.prompts[0], "QUESTION: What is the return policy?")
}

func TestAnswer_RetriesTransientBackendFailures(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"text":"- Final answer","elapsed_ms":200,"used_tokens":11}`)
	}))
	defer srv.Close()

	svc := newService(&fakeRetriever{}, llm.NewHTTPClient(srv.URL, testLogger()), nil)
	res := svc.Answer(context.Background(), Request{Question: "q"})

	assert.True(t, res.OK)
	assert.Equal(t, "- Final answer", res.Answer)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, calls)
}

func TestAnswer_FatalBackendErrorDegradestoBusy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	svc := newService(&fakeRetriever{}, llm.NewHTTPClient(srv.URL, testLogger()), nil)
	res := svc.Answer(context.Background(), Request{Question: "q"})

	assert.False(t, res.OK)
	assert.Equal(t, BusySentence, res.Answer)
	assert.Equal(t, 1, res.Attempts)
}

func TestAnswer_ExhaustedRetriesDegradeToBusy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	svc := newService(&fakeRetriever{}, llm.NewHTTPClient(srv.URL, testLogger()), nil)
	res := svc.Answer(context.Background(), Request{Question: "q"})

	assert.False(t, res.OK)
	assert.Equal(t, BusySentence, res.Answer)
	assert.Equal(t, 3, res.Attempts)
}

func TestAnswer_EmptyContextUsesBarePrompt(t *testing.T) {
	gen := &fakeGenerator{result: llm.Result{
		Category: llm.CategorySuccess,
		Text:     "- An answer",
		Meta:     llm.Meta{Status: "ok"},
	}}

	svc := newService(&fakeRetriever{}, gen, nil)
	res := svc.Answer(context.Background(), Request{Question: "capital of France?"})

	assert.True(t, res.OK)
	require.Len(t, gen.prompts, 1)
	assert.NotContains(t, gen.prompts[0], "CONTEXT")
	assert.Contains(t, gen.prompts[0], "Question: capital of France?")
}

func TestAnswer_NilRetrieverStillAnswers(t *testing.T) {
	gen := &fakeGenerator{result: llm.Result{
		Category: llm.CategorySuccess,
		Text:     "- ok",
		Meta:     llm.Meta{Status: "ok"},
	}}

	svc := newService(nil, gen, nil)
	res := svc.Answer(context.Background(), Request{Question: "q"})
	assert.True(t, res.OK)
}

func TestAnswer_TokenCapPerCall(t *testing.T) {
	gen := &fakeGenerator{result: llm.Result{
		Category: llm.CategorySuccess,
		Text:     "- ok",
		Meta:     llm.Meta{Status: "ok"},
	}}

	svc := New(Options{
		Retriever:        &fakeRetriever{},
		Generator:        gen,
		Retryer:          noSleepRetryer(),
		DefaultTimeoutMS: 9000,
		CeilingTimeoutMS: 30000,
		MaxTokens:        512,
		Logger:           testLogger(),
	})

	res := svc.Answer(context.Background(), Request{Question: "q", MaxTokens: float64(400)})

	require.Len(t, gen.maxTokens, 1)
	assert.Equal(t, 128, gen.maxTokens[0])
	assert.Equal(t, 128, res.MaxTokensUsed)
}

func TestAnswer_ExplicitTimeoutHintPropagates(t *testing.T) {
	ret := &fakeRetriever{}
	gen := &fakeGenerator{result: llm.Result{
		Category: llm.CategorySuccess,
		Text:     "- ok",
		Meta:     llm.Meta{Status: "ok"},
	}}

	svc := newService(ret, gen, nil)
	res := svc.Answer(context.Background(), Request{Question: "q", TimeoutMS: float64(12000)})

	assert.Equal(t, 12000, res.TimeoutMS)
	assert.Equal(t, budget.SourceExplicit, res.TimeoutSource)
	assert.Equal(t, []int{12000}, ret.timeouts)
}

func TestAnswer_RecordsToStore(t *testing.T) {
	st := &memStore{}
	gen := &fakeGenerator{result: llm.Result{
		Category: llm.CategorySuccess,
		Text:     "- recorded",
		Meta: llm.Meta{Status: "ok", Data: map[string]any{
			"elapsed_ms": float64(99),
		}},
	}}

	svc := newService(&fakeRetriever{}, gen, st)
	res := svc.Answer(context.Background(), Request{
		Question: "q",
		PushTo:   "whatsapp:+15551234567",
	})

	require.Len(t, st.records, 1)
	rec := st.records[0]
	assert.Equal(t, res.RequestID, rec.ID)
	assert.Equal(t, "q", rec.Question)
	assert.Equal(t, "- recorded", rec.Answer)
	assert.True(t, rec.OK)
	assert.Equal(t, int64(99), rec.ElapsedMS)
	assert.Equal(t, "whatsapp:+15551234567", rec.PushedTo)
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestAnswer_StoreFailureDoesNotFailRequest(t *testing.T) {
	st := &memStore{saveErr: fmt.Errorf("disk full")}
	gen := &fakeGenerator{result: llm.Result{
		Category: llm.CategorySuccess,
		Text:     "- ok",
		Meta:     llm.Meta{Status: "ok"},
	}}

	svc := newService(&fakeRetriever{}, gen, st)
	res := svc.Answer(context.Background(), Request{Question: "q"})
	assert.True(t, res.OK)
}

func TestAnswer_UniqueRequestIDs(t *testing.T) {
	gen := &fakeGenerator{result: llm.Result{
		Category: llm.CategorySuccess,
		Text:     "- ok",
		Meta:     llm.Meta{Status: "ok"},
	}}
	svc := newService(&fakeRetriever{}, gen, nil)

	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		res := svc.Answer(context.Background(), Request{Question: "q"})
		assert.False(t, seen[res.RequestID])
		seen[res.RequestID] = true
		assert.False(t, strings.Contains(res.RequestID, " "))
	}
}

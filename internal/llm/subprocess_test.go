// ABOUTME: Tests for the subprocess generation backend
// ABOUTME: Injects a fake runner to avoid spawning real processes

package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testProfile() *Profile {
	p := &Profile{
		Binary: "/opt/llama/llama-run",
		Model:  "/models/mistral-7b.gguf",
	}
	p.applyDefaults()
	return p
}

func TestSubprocessClient_Success(t *testing.T) {
	c := NewSubprocessClient(testProfile(), testLogger())

	var gotName string
	var gotArgs []string
	c.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		gotName = name
		gotArgs = args
		return []byte("\x1b[32mThe capital of France is Paris.\x1b[0m"), nil
	}

	res := c.Generate(context.Background(), "What is the capital of France?", 48, 9000)

	require.True(t, res.Success())
	assert.Equal(t, "The capital of France is Paris.", res.Text)
	assert.Equal(t, "200", res.Meta.Status)

	assert.Equal(t, "/opt/llama/llama-run", gotName)
	assert.Equal(t, "file:///models/mistral-7b.gguf", gotArgs[0])
	assert.Equal(t, "<s>[INST] What is the capital of France? [/INST]", gotArgs[1])
	assert.Contains(t, gotArgs, "--predict")
	assert.Contains(t, gotArgs, "48") // maxTokens below profile predict wins
}

func TestSubprocessClient_RunnerErrorIsFatal(t *testing.T) {
	c := NewSubprocessClient(testProfile(), testLogger())
	c.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return nil, errors.New("exit status 1")
	}

	res := c.Generate(context.Background(), "q", 16, 3000)

	assert.False(t, res.Success())
	assert.Equal(t, CategoryFatal, res.Category)
	assert.Equal(t, "ERR", res.Meta.Status)
}

func TestSubprocessClient_DeadlineIsRetryable(t *testing.T) {
	c := NewSubprocessClient(testProfile(), testLogger())
	c.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		// Simulate a runner killed by the deadline: context expired is the
		// only reliable signal since a negative timeout fires immediately.
		<-ctx.Done()
		return nil, errors.New("signal: killed")
	}

	res := c.Generate(context.Background(), "q", 16, -transportHeadroomMS)

	assert.Equal(t, CategoryRetryable, res.Category)
	assert.Contains(t, res.Meta.Err(), "runner timeout")
}

func TestSubprocessClient_EmptyOutputIsFailure(t *testing.T) {
	c := NewSubprocessClient(testProfile(), testLogger())
	c.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte("\x1b[0m \n \n"), nil
	}

	res := c.Generate(context.Background(), "q", 16, 3000)
	assert.False(t, res.Success())
	assert.Equal(t, CategoryFatal, res.Category)
}

package plugins

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	outspeed "github.com/outspeed-ai/outspeed-go"
	"github.com/outspeed-ai/outspeed-go/shared"
)

type clockTool struct{}

func (clockTool) Name() string        { return "current_time" }
func (clockTool) Description() string { return "Returns the current time" }
func (clockTool) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func (clockTool) Run(ctx context.Context, args []byte) ([]byte, error) {
	return []byte(`{"time":"12:00"}`), nil
}

func TestOpenAIConfigDefaults(t *testing.T) {
	t.Setenv(envKeyOpenAIAPIKey, "sk-test")
	cfg := OpenAIConfig{}
	require.NoError(t, cfg.applyDefaults())

	assert.Equal(t, "sk-test", cfg.APIKey)
	assert.Equal(t, defaultOpenAIModel, cfg.Model)
	assert.Equal(t, defaultOpenAITemperature, cfg.Temperature)
}

func TestOpenAIConfigRequiresAPIKey(t *testing.T) {
	t.Setenv(envKeyOpenAIAPIKey, "")
	cfg := OpenAIConfig{}
	assert.ErrorIs(t, cfg.applyDefaults(), shared.ErrNoAPIKey)
}

func TestOpenAILLMSeedsSystemPrompt(t *testing.T) {
	t.Setenv(envKeyOpenAIAPIKey, "sk-test")
	llm, err := NewOpenAILLM(shared.NewNopLogger(), OpenAIConfig{
		SystemPrompt: "Be terse.",
		MaxTokens:    64,
	}, nil)
	require.NoError(t, err)

	params := llm.params()
	require.Len(t, params.Messages, 1)
	assert.Equal(t, int64(64), params.MaxCompletionTokens.Value)
	assert.Equal(t, 1.0, params.Temperature.Value)
}

func TestOpenAILLMParamsCarryTools(t *testing.T) {
	t.Setenv(envKeyOpenAIAPIKey, "sk-test")
	llm, err := NewOpenAILLM(shared.NewNopLogger(), OpenAIConfig{
		Tools: []outspeed.Tool{clockTool{}},
	}, nil)
	require.NoError(t, err)

	params := llm.params()
	require.Len(t, params.Tools, 1)
	assert.Equal(t, "current_time", params.Tools[0].OfFunction.Function.Name)
}

func TestOpenAIInterruptDrainsQueuedTokens(t *testing.T) {
	t.Setenv(envKeyOpenAIAPIKey, "sk-test")
	llm, err := NewOpenAILLM(shared.NewNopLogger(), OpenAIConfig{}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := llm.Attach(ctx, outspeed.NewTextStream())

	require.NoError(t, out.Put(outspeed.TextChunk{Text: "stale "}))
	require.NoError(t, out.Put(outspeed.TextChunk{Text: "tokens"}))
	require.Equal(t, 2, out.Len())

	llm.Interrupt()
	assert.True(t, out.Empty())
}

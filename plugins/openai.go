package plugins

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bytedance/sonic"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
	"go.uber.org/zap"

	outspeed "github.com/outspeed-ai/outspeed-go"
	"github.com/outspeed-ai/outspeed-go/shared"
	"github.com/outspeed-ai/outspeed-go/tracing"
)

const (
	envKeyOpenAIAPIKey = "OPENAI_API_KEY"

	defaultOpenAIModel       = "gpt-4o-mini"
	defaultOpenAITemperature = 1.0
)

// OpenAIConfig configures the chat completion plugin. The API key falls back
// to OPENAI_API_KEY.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int64
	Tools        []outspeed.Tool
}

func (c *OpenAIConfig) applyDefaults() error {
	if c.APIKey == "" {
		key, err := shared.Getenv(shared.GetenvString, envKeyOpenAIAPIKey, true, "")
		if err != nil {
			return shared.ErrNoAPIKey
		}
		c.APIKey = key
	}
	if c.Model == "" {
		c.Model = defaultOpenAIModel
	}
	if c.Temperature == 0 {
		c.Temperature = defaultOpenAITemperature
	}
	return nil
}

// OpenAILLM streams chat completions. Each user utterance appends to the
// conversation history; response tokens are emitted as they arrive and tool
// calls run to completion before the follow-up response.
type OpenAILLM struct {
	logger shared.LoggerAdapter
	cfg    OpenAIConfig
	tracer *tracing.Tracer
	client openai.Client

	generation atomic.Int64

	mu      sync.Mutex
	history []openai.ChatCompletionMessageParamUnion
	histOut *outspeed.TextStream
	outs    []*outspeed.TextStream
}

func NewOpenAILLM(logger shared.LoggerAdapter, cfg OpenAIConfig, tracer *tracing.Tracer) (*OpenAILLM, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	l := &OpenAILLM{
		logger:  logger,
		cfg:     cfg,
		tracer:  tracer,
		client:  openai.NewClient(opts...),
		histOut: outspeed.NewTextStream(),
	}
	if cfg.SystemPrompt != "" {
		l.history = append(l.history, openai.SystemMessage(cfg.SystemPrompt))
	}
	return l, nil
}

// ChatHistory emits the JSON-serialized conversation after every completed
// turn. Useful for clients rendering a transcript.
func (l *OpenAILLM) ChatHistory() *outspeed.TextStream {
	return l.histOut
}

// Attach consumes user utterances from in and returns the response token
// stream. An end-of-turn marker follows every response.
func (l *OpenAILLM) Attach(ctx context.Context, in *outspeed.TextStream) *outspeed.TextStream {
	out := outspeed.NewTextStream()
	l.mu.Lock()
	l.outs = append(l.outs, out)
	l.mu.Unlock()
	go func() {
		defer out.Close()
		defer l.histOut.Close()
		for {
			chunk, err := in.Get(ctx)
			if err != nil {
				return
			}
			if chunk.Session != nil {
				if err := out.Put(chunk); err != nil {
					return
				}
				continue
			}
			if strings.TrimSpace(chunk.Text) == "" {
				continue
			}
			l.mu.Lock()
			l.history = append(l.history, openai.UserMessage(chunk.Text))
			l.mu.Unlock()
			if err := l.respond(ctx, out); err != nil {
				if ctx.Err() != nil {
					return
				}
				l.logger.Error("generating response", err)
			}
		}
	}()
	return out
}

func (l *OpenAILLM) params() openai.ChatCompletionNewParams {
	l.mu.Lock()
	messages := make([]openai.ChatCompletionMessageParamUnion, len(l.history))
	copy(messages, l.history)
	l.mu.Unlock()

	p := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(l.cfg.Model),
		Messages:    messages,
		Temperature: param.NewOpt(l.cfg.Temperature),
	}
	if l.cfg.MaxTokens > 0 {
		p.MaxCompletionTokens = param.NewOpt(l.cfg.MaxTokens)
	}
	for _, tool := range l.cfg.Tools {
		p.Tools = append(p.Tools, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        tool.Name(),
			Description: openai.String(tool.Description()),
			Parameters:  openai.FunctionParameters(tool.Parameters()),
		}))
	}
	return p
}

// respond streams one completion. Tool calls are assembled across deltas,
// executed, and fed back for a follow-up completion until the model answers
// with text.
func (l *OpenAILLM) respond(ctx context.Context, out *outspeed.TextStream) error {
	gen := l.generation.Load()
	for {
		l.tracer.RegisterEvent(tracing.EventLLMStart)
		stream := l.client.Chat.Completions.NewStreaming(ctx, l.params())

		var text strings.Builder
		calls := map[int64]*outspeed.ToolCall{}
		var order []int64
		first := true
		interrupted := false

		for stream.Next() {
			if l.generation.Load() != gen {
				interrupted = true
				break
			}
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta
			if delta.Content != "" {
				if first {
					first = false
					l.tracer.RegisterEvent(tracing.EventLLMTTFB)
				}
				text.WriteString(delta.Content)
				if err := out.Put(outspeed.TextChunk{Text: delta.Content}); err != nil {
					return err
				}
			}
			for _, tc := range delta.ToolCalls {
				call, ok := calls[tc.Index]
				if !ok {
					call = &outspeed.ToolCall{}
					calls[tc.Index] = call
					order = append(order, tc.Index)
				}
				if tc.ID != "" {
					call.ID = tc.ID
				}
				if tc.Function.Name != "" {
					call.Name = tc.Function.Name
				}
				call.Arguments += tc.Function.Arguments
			}
		}
		if err := stream.Err(); err != nil {
			return fmt.Errorf("streaming completion: %w", err)
		}
		if err := stream.Close(); err != nil {
			l.logger.Warn("closing completion stream", zap.Error(err))
		}

		l.tracer.RegisterEvent(tracing.EventLLMEnd)
		l.tracer.RegisterMetric(tracing.MetricLLMTotalBytes, float64(text.Len()))

		if text.Len() > 0 || interrupted {
			l.mu.Lock()
			l.history = append(l.history, openai.AssistantMessage(text.String()))
			l.mu.Unlock()
		}
		if interrupted || len(order) == 0 {
			if err := out.Put(outspeed.TextChunk{EOT: true}); err != nil {
				return err
			}
			l.publishHistory()
			return nil
		}

		if err := l.runToolCalls(ctx, calls, order); err != nil {
			return err
		}
	}
}

func (l *OpenAILLM) runToolCalls(ctx context.Context, calls map[int64]*outspeed.ToolCall, order []int64) error {
	assistant := openai.ChatCompletionAssistantMessageParam{}
	for _, idx := range order {
		call := calls[idx]
		assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
			OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
				ID: call.ID,
				Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
					Name:      call.Name,
					Arguments: call.Arguments,
				},
			},
		})
	}
	l.mu.Lock()
	l.history = append(l.history, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
	l.mu.Unlock()

	for _, idx := range order {
		call := calls[idx]
		l.logger.Info("running tool", zap.String("tool", call.Name), zap.String("call_id", call.ID))
		result, err := outspeed.RunToolCall(ctx, l.cfg.Tools, *call)
		if err != nil {
			result = outspeed.ToolCallResult{
				CallID:  call.ID,
				Name:    call.Name,
				Content: fmt.Sprintf(`{"error":%q}`, err.Error()),
			}
			l.logger.Error("tool failed", err, zap.String("tool", call.Name))
		}
		l.mu.Lock()
		l.history = append(l.history, openai.ToolMessage(result.Content, result.CallID))
		l.mu.Unlock()
	}
	return nil
}

func (l *OpenAILLM) publishHistory() {
	l.mu.Lock()
	body, err := sonic.Marshal(l.history)
	l.mu.Unlock()
	if err != nil {
		l.logger.Error("marshaling chat history", err)
		return
	}
	if err := l.histOut.Put(outspeed.TextChunk{Text: string(body), EOT: true}); err != nil {
		l.logger.Warn("dropping chat history update", zap.Error(err))
	}
}

// Interrupt aborts the response currently streaming and discards tokens
// already queued downstream. History keeps the partial text so the model
// knows it was cut off.
func (l *OpenAILLM) Interrupt() {
	l.generation.Add(1)
	l.mu.Lock()
	outs := l.outs
	l.mu.Unlock()
	for _, out := range outs {
		out.Drain()
	}
}

func (l *OpenAILLM) Close() error {
	return nil
}

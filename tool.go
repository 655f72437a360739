package outspeed

import (
	"context"
	"errors"
	"fmt"
)

// Tool is a function the language model may call during a conversation.
// Parameters returns a JSON schema object describing the arguments; Run
// receives the raw JSON arguments and returns the raw JSON result.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Run(ctx context.Context, args []byte) ([]byte, error)
}

// ToolCall is one pending call assembled from model output.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolCallResult pairs a completed call with its JSON result.
type ToolCallResult struct {
	CallID  string
	Name    string
	Content string
}

// RunToolCall dispatches a call to the matching tool.
func RunToolCall(ctx context.Context, tools []Tool, call ToolCall) (ToolCallResult, error) {
	if call.Name == "" {
		return ToolCallResult{}, errors.New("tool call has no name")
	}
	for _, tool := range tools {
		if tool.Name() != call.Name {
			continue
		}
		out, err := tool.Run(ctx, []byte(call.Arguments))
		if err != nil {
			return ToolCallResult{}, fmt.Errorf("running tool %s: %w", call.Name, err)
		}
		return ToolCallResult{CallID: call.ID, Name: call.Name, Content: string(out)}, nil
	}
	return ToolCallResult{}, fmt.Errorf("no tool registered with name %s", call.Name)
}

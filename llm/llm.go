// Package llm is a client for OpenAI-compatible chat-completions APIs
// with streaming and tool calling.
package llm

import (
	"context"
	"fmt"
)

// Message is one conversation entry on the wire.
type Message struct {
	Role       string         // "system", "user", "assistant", "tool"
	Content    string
	ToolCalls  []ToolCall     // assistant messages that invoke tools
	ToolCallID string         // tool messages answering a call
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// Tool describes a callable function exposed to the model.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON schema
}

// StreamChunk is one incremental piece of a streamed response.
type StreamChunk struct {
	Content string
	Done    bool
}

// ChatRequest parameterizes one completion call.
type ChatRequest struct {
	Model    string
	Messages []Message
	Tools    []Tool
}

// ChatResponse is the assembled result of a (streamed) completion.
type ChatResponse struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string // "stop" or "tool_calls"
}

// Client streams chat completions. onChunk receives incremental content
// tokens and a final Done chunk; it may be nil.
type Client interface {
	ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error)
}

// HTTPError is a non-200 response from the provider.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("llm: HTTP %d: %s", e.Status, e.Body)
}

package agent

import (
	"context"
	"strings"

	"github.com/jxucoder/fecoder/llm"
	"github.com/jxucoder/fecoder/model"
)

const (
	maxIterations   = 100
	toolResultLimit = 500 // chars of a tool result surfaced to clients
)

// Runner drives the LLM tool-calling loop for one turn.
type Runner struct {
	client        llm.Client
	model         string
	maxIterations int
}

// NewRunner creates a Runner. model may be empty to use the client's
// default.
func NewRunner(client llm.Client, model string) *Runner {
	return &Runner{client: client, model: model, maxIterations: maxIterations}
}

// Run executes one agent turn: the user message is appended to the
// conversation history and the model is looped until it stops calling
// tools or the iteration cap is hit. Events arrive on the returned
// channel, which is closed after a terminal done event. Cancelling ctx
// aborts the turn.
func (r *Runner) Run(ctx context.Context, tb *Toolbox, history []llm.Message, userMessage string) <-chan Event {
	events := make(chan Event, 64)
	go func() {
		defer close(events)
		r.run(ctx, tb, history, userMessage, events)
	}()
	return events
}

func (r *Runner) run(ctx context.Context, tb *Toolbox, history []llm.Message, userMessage string, events chan<- Event) {
	emit := func(ev Event) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: "system", Content: SystemPrompt(tb.sandbox.WorkspacePath)})
	messages = append(messages, history...)
	messages = append(messages, llm.Message{Role: "user", Content: userMessage})

	tools := tb.Definitions()
	previewURL := tb.sandbox.PreviewURL

	for i := 0; i < r.maxIterations; i++ {
		if ctx.Err() != nil {
			return
		}

		resp, err := r.client.ChatStream(ctx, llm.ChatRequest{
			Model:    r.model,
			Messages: messages,
			Tools:    tools,
		}, func(ch llm.StreamChunk) {
			if ch.Content != "" {
				emit(Event{Type: EventToken, Content: ch.Content})
			}
		})
		if err != nil {
			emit(Event{Type: EventError, Content: err.Error()})
			emit(Event{Type: EventDone, URL: previewURL})
			return
		}

		messages = append(messages, llm.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		if len(resp.ToolCalls) == 0 {
			break
		}

		for _, tc := range resp.ToolCalls {
			if ctx.Err() != nil {
				return
			}

			if tc.Name == ShowUserMessageTool {
				msg := str(tc.Arguments, "message")
				emit(Event{Type: EventUserMessage, Content: msg})
				messages = append(messages, llm.Message{
					Role: "tool", Content: msg, ToolCallID: tc.ID,
				})
				continue
			}

			emit(Event{Type: EventToolStart, Tool: tc.Name, Args: tc.Arguments})
			result := tb.Invoke(ctx, tc.Name, tc.Arguments)
			emit(Event{Type: EventToolEnd, Tool: tc.Name, Result: model.Truncate(result, toolResultLimit)})

			if url := extractPreviewURL(result); url != "" {
				previewURL = url
				emit(Event{Type: EventPreviewReady, URL: url})
			}

			messages = append(messages, llm.Message{
				Role: "tool", Content: result, ToolCallID: tc.ID,
			})
		}
	}

	if previewURL == "" {
		previewURL = tb.sandbox.PreviewURL
	}
	emit(Event{Type: EventDone, URL: previewURL})
}

// extractPreviewURL pulls the URL out of a tool result containing a
// "Preview URL:" line, or returns "".
func extractPreviewURL(result string) string {
	_, rest, ok := strings.Cut(result, "Preview URL:")
	if !ok {
		return ""
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

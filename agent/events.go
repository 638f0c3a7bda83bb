// Package agent drives one LLM tool-calling turn against a user's
// sandbox and emits a normalized event stream.
package agent

// Event types emitted during a turn.
const (
	EventToken        = "token"
	EventUserMessage  = "user_message"
	EventToolStart    = "tool_start"
	EventToolEnd      = "tool_end"
	EventPreviewReady = "preview_ready"
	EventError        = "error"
	EventDone         = "done"
)

// Event is one element of the turn's event stream. The stream is a
// typed sum: exactly the fields for the given Type are set.
type Event struct {
	Type    string
	Content string         // token, user_message, error
	Tool    string         // tool_start, tool_end
	Args    map[string]any // tool_start
	Result  string         // tool_end, truncated to 500 chars
	URL     string         // preview_ready, done
}

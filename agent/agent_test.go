package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jxucoder/fecoder/llm"
	"github.com/jxucoder/fecoder/sandbox"
	"github.com/jxucoder/fecoder/workspace"
)

// stubInstance is an in-memory sandbox: files in a map, commands
// answered by simple pattern matching.
type stubInstance struct {
	mu       sync.Mutex
	files    map[string]string
	commands []string
	probeOK  bool
}

func newStubInstance() *stubInstance {
	return &stubInstance{files: make(map[string]string)}
}

func (s *stubInstance) ID() string            { return "sbx-1" }
func (s *stubInstance) WorkspacePath() string { return "/home/user/workspace" }

func (s *stubInstance) Host(ctx context.Context, port int) (string, error) {
	return fmt.Sprintf("%d-sbx-1.example.dev", port), nil
}

func (s *stubInstance) ReadFile(ctx context.Context, path string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.files[path]
	if !ok {
		return "", fmt.Errorf("no such file: %s", path)
	}
	return content, nil
}

func (s *stubInstance) WriteFile(ctx context.Context, path, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = content
	return nil
}

func (s *stubInstance) RunCommand(ctx context.Context, command string, timeout time.Duration) (workspace.CommandResult, error) {
	s.mu.Lock()
	s.commands = append(s.commands, command)
	probeOK := s.probeOK
	s.mu.Unlock()

	switch {
	case strings.Contains(command, "http_code"):
		if probeOK {
			return workspace.CommandResult{Stdout: "200"}, nil
		}
		return workspace.CommandResult{Stdout: "000"}, nil
	case strings.Contains(command, "nohup"):
		s.mu.Lock()
		s.probeOK = true
		s.mu.Unlock()
		return workspace.CommandResult{}, nil
	default:
		return workspace.CommandResult{}, nil
	}
}

func (s *stubInstance) Kill(ctx context.Context) error { return nil }

// scriptedClient returns canned responses in order, capturing requests.
type scriptedClient struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	requests  []llm.ChatRequest
	err       error
}

func (c *scriptedClient) ChatStream(ctx context.Context, req llm.ChatRequest, onChunk func(llm.StreamChunk)) (*llm.ChatResponse, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	var resp *llm.ChatResponse
	if len(c.responses) > 0 {
		resp = c.responses[0]
		c.responses = c.responses[1:]
	} else {
		resp = &llm.ChatResponse{FinishReason: "stop"}
	}
	c.mu.Unlock()

	if onChunk != nil && resp.Content != "" {
		onChunk(llm.StreamChunk{Content: resp.Content})
		onChunk(llm.StreamChunk{Done: true})
	}
	return resp, nil
}

func newTestToolbox() (*Toolbox, *stubInstance) {
	inst := newStubInstance()
	us := &sandbox.UserSandbox{
		UserID:        "u1",
		SandboxID:     inst.ID(),
		WorkspacePath: inst.WorkspacePath(),
		Instance:      inst,
	}
	files := workspace.NewTools(workspace.NewRemoteBackend(inst, us.WorkspacePath))
	tb := NewToolbox(files, us)
	tb.pollInterval = time.Millisecond
	return tb, inst
}

func collect(ch <-chan Event) []Event {
	var events []Event
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func eventsOfType(events []Event, typ string) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestRunBuildAndPreviewFlow(t *testing.T) {
	tb, inst := newTestToolbox()
	client := &scriptedClient{responses: []*llm.ChatResponse{
		{ToolCalls: []llm.ToolCall{
			{ID: "c1", Name: "write_file", Arguments: map[string]any{"path": "src/App.tsx", "content": "export default function App() {}"}},
			{ID: "c2", Name: "start_dev_server", Arguments: map[string]any{}},
		}, FinishReason: "tool_calls"},
		{ToolCalls: []llm.ToolCall{
			{ID: "c3", Name: ShowUserMessageTool, Arguments: map[string]any{"message": "Done! Counter created."}},
		}, FinishReason: "tool_calls"},
		{FinishReason: "stop"},
	}}

	runner := NewRunner(client, "test-model")
	events := collect(runner.Run(context.Background(), tb, nil, "build a counter"))

	starts := eventsOfType(events, EventToolStart)
	if len(starts) != 2 {
		t.Fatalf("got %d tool_start events, want 2: %+v", len(starts), starts)
	}
	if starts[0].Tool != "write_file" || starts[1].Tool != "start_dev_server" {
		t.Errorf("tool order = %s, %s", starts[0].Tool, starts[1].Tool)
	}

	ends := eventsOfType(events, EventToolEnd)
	if len(ends) != 2 {
		t.Fatalf("got %d tool_end events, want 2", len(ends))
	}
	if !strings.Contains(ends[0].Result, "✓ Written to src/App.tsx") {
		t.Errorf("write result = %q", ends[0].Result)
	}

	previews := eventsOfType(events, EventPreviewReady)
	if len(previews) != 1 {
		t.Fatalf("got %d preview_ready events, want 1", len(previews))
	}
	wantURL := "https://5173-sbx-1.example.dev"
	if previews[0].URL != wantURL {
		t.Errorf("preview URL = %q, want %q", previews[0].URL, wantURL)
	}

	userMsgs := eventsOfType(events, EventUserMessage)
	if len(userMsgs) != 1 || userMsgs[0].Content != "Done! Counter created." {
		t.Errorf("user messages = %+v", userMsgs)
	}
	for _, ev := range events {
		if (ev.Type == EventToolStart || ev.Type == EventToolEnd) && ev.Tool == ShowUserMessageTool {
			t.Errorf("show_user_message leaked as %s event", ev.Type)
		}
	}

	last := events[len(events)-1]
	if last.Type != EventDone || last.URL != wantURL {
		t.Errorf("terminal event = %+v", last)
	}

	if got := inst.files["/home/user/workspace/src/App.tsx"]; !strings.Contains(got, "App") {
		t.Errorf("file not written to sandbox: %q", got)
	}
}

func TestRunTruncatesToolResults(t *testing.T) {
	tb, inst := newTestToolbox()
	inst.files["/home/user/workspace/big.txt"] = strings.Repeat("x", 2000)

	client := &scriptedClient{responses: []*llm.ChatResponse{
		{ToolCalls: []llm.ToolCall{
			{ID: "c1", Name: "read_file", Arguments: map[string]any{"path": "big.txt"}},
		}, FinishReason: "tool_calls"},
		{FinishReason: "stop"},
	}}

	events := collect(NewRunner(client, "m").Run(context.Background(), tb, nil, "read it"))

	ends := eventsOfType(events, EventToolEnd)
	if len(ends) != 1 {
		t.Fatalf("got %d tool_end events", len(ends))
	}
	if n := len([]rune(ends[0].Result)); n != 500 {
		t.Errorf("result length = %d, want 500", n)
	}
	if !strings.HasSuffix(ends[0].Result, "...") {
		t.Error("truncated result should end with ellipsis")
	}

	// the model still gets the full content
	lastReq := client.requests[len(client.requests)-1]
	toolMsg := lastReq.Messages[len(lastReq.Messages)-1]
	if len(toolMsg.Content) != 2000 {
		t.Errorf("tool message length = %d, want 2000", len(toolMsg.Content))
	}
}

func TestRunStopsAtIterationCap(t *testing.T) {
	tb, _ := newTestToolbox()
	client := &scriptedClient{}
	// refill forever with the same tool call
	client.responses = nil
	loop := &loopingClient{inner: client}

	runner := NewRunner(loop, "m")
	runner.maxIterations = 3
	events := collect(runner.Run(context.Background(), tb, nil, "go"))

	if got := len(eventsOfType(events, EventToolStart)); got != 3 {
		t.Errorf("got %d tool invocations, want 3", got)
	}
	if events[len(events)-1].Type != EventDone {
		t.Error("missing terminal done event")
	}
}

// loopingClient always asks for another list_files call.
type loopingClient struct{ inner *scriptedClient }

func (c *loopingClient) ChatStream(ctx context.Context, req llm.ChatRequest, onChunk func(llm.StreamChunk)) (*llm.ChatResponse, error) {
	c.inner.mu.Lock()
	c.inner.requests = append(c.inner.requests, req)
	c.inner.mu.Unlock()
	return &llm.ChatResponse{ToolCalls: []llm.ToolCall{
		{ID: "loop", Name: "list_files", Arguments: map[string]any{"path": "."}},
	}, FinishReason: "tool_calls"}, nil
}

func TestRunSurfacesLLMError(t *testing.T) {
	tb, _ := newTestToolbox()
	client := &scriptedClient{err: errors.New("model overloaded")}

	events := collect(NewRunner(client, "m").Run(context.Background(), tb, nil, "hi"))

	errs := eventsOfType(events, EventError)
	if len(errs) != 1 || !strings.Contains(errs[0].Content, "model overloaded") {
		t.Fatalf("error events = %+v", errs)
	}
	if events[len(events)-1].Type != EventDone {
		t.Error("error turn must still end with done")
	}
}

func TestRunStreamsTokens(t *testing.T) {
	tb, _ := newTestToolbox()
	client := &scriptedClient{responses: []*llm.ChatResponse{
		{Content: "thinking about it", FinishReason: "stop"},
	}}

	events := collect(NewRunner(client, "m").Run(context.Background(), tb, nil, "hi"))

	tokens := eventsOfType(events, EventToken)
	if len(tokens) != 1 || tokens[0].Content != "thinking about it" {
		t.Errorf("token events = %+v", tokens)
	}
}

func TestRunIncludesSystemPromptAndHistory(t *testing.T) {
	tb, _ := newTestToolbox()
	client := &scriptedClient{}

	history := []llm.Message{
		{Role: "user", Content: "earlier question"},
		{Role: "assistant", Content: "earlier answer"},
	}
	collect(NewRunner(client, "m").Run(context.Background(), tb, history, "new question"))

	if len(client.requests) != 1 {
		t.Fatalf("got %d requests", len(client.requests))
	}
	msgs := client.requests[0].Messages
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4", len(msgs))
	}
	if msgs[0].Role != "system" || !strings.Contains(msgs[0].Content, "/home/user/workspace") {
		t.Errorf("system message = %+v", msgs[0])
	}
	if msgs[1].Content != "earlier question" || msgs[2].Content != "earlier answer" {
		t.Error("history not preserved in order")
	}
	if msgs[3].Role != "user" || msgs[3].Content != "new question" {
		t.Errorf("user message = %+v", msgs[3])
	}
	if len(client.requests[0].Tools) == 0 {
		t.Error("tool definitions missing from request")
	}
}

func TestRunHonorsCancellation(t *testing.T) {
	tb, _ := newTestToolbox()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := &scriptedClient{}
	events := collect(NewRunner(client, "m").Run(ctx, tb, nil, "hi"))
	for _, ev := range events {
		if ev.Type == EventToolStart {
			t.Error("tools must not run after cancellation")
		}
	}
}

func TestExtractPreviewURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"✓ Dev server running.\nPreview URL: https://5173-x.e2b.app", "https://5173-x.e2b.app"},
		{"Dev server starting...\nPreview URL: https://5173-x.e2b.app\nmore", "https://5173-x.e2b.app"},
		{"no url here", ""},
		{"Preview URL:", ""},
	}
	for _, tt := range tests {
		if got := extractPreviewURL(tt.in); got != tt.want {
			t.Errorf("extractPreviewURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestToolboxDevServerLifecycle(t *testing.T) {
	tb, inst := newTestToolbox()
	ctx := context.Background()

	result := tb.Invoke(ctx, "start_dev_server", map[string]any{})
	if !strings.HasPrefix(result, "✓ Dev server running.") {
		t.Errorf("start result = %q", result)
	}
	if tb.sandbox.PreviewURL != "https://5173-sbx-1.example.dev" {
		t.Errorf("preview URL = %q", tb.sandbox.PreviewURL)
	}
	if !tb.sandbox.DevServerRunning {
		t.Error("DevServerRunning not set")
	}

	var killed, launched bool
	inst.mu.Lock()
	for _, cmd := range inst.commands {
		if strings.Contains(cmd, "pkill") {
			killed = true
		}
		if strings.Contains(cmd, "nohup bun run dev > /tmp/dev-server.log") {
			launched = true
		}
	}
	inst.mu.Unlock()
	if !killed || !launched {
		t.Errorf("kill=%v launch=%v commands=%v", killed, launched, inst.commands)
	}

	status := tb.Invoke(ctx, "check_dev_server", map[string]any{})
	if !strings.Contains(status, "Status: ✓ Running") {
		t.Errorf("check result = %q", status)
	}
	if !strings.Contains(status, "Preview URL: https://5173-sbx-1.example.dev") {
		t.Errorf("check result missing URL: %q", status)
	}

	if got := tb.Invoke(ctx, "get_preview_url", map[string]any{}); got != "https://5173-sbx-1.example.dev" {
		t.Errorf("get_preview_url = %q", got)
	}
}

func TestToolboxUnknownTool(t *testing.T) {
	tb, _ := newTestToolbox()
	if got := tb.Invoke(context.Background(), "teleport", nil); got != "Unknown tool: teleport" {
		t.Errorf("got %q", got)
	}
}

func TestToolboxRefusesDangerousCommands(t *testing.T) {
	tb, inst := newTestToolbox()
	ctx := context.Background()

	out := tb.Invoke(ctx, "run_command", map[string]any{"command": "rm -rf /"})
	if !strings.Contains(out, "BLOCKED") {
		t.Errorf("run_command = %q", out)
	}
	out = tb.Invoke(ctx, "run_command", map[string]any{"command": "git push --force"})
	if !strings.Contains(out, "BLOCKED") {
		t.Errorf("run_command = %q", out)
	}
	out = tb.Invoke(ctx, "start_dev_server", map[string]any{"command": "sudo bun run dev"})
	if !strings.Contains(out, "BLOCKED") {
		t.Errorf("start_dev_server = %q", out)
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if len(inst.commands) != 0 {
		t.Fatalf("refused commands reached the sandbox: %v", inst.commands)
	}
}

func TestToolboxConfirmGate(t *testing.T) {
	tb, inst := newTestToolbox()
	ctx := context.Background()

	out := tb.Invoke(ctx, "run_command", map[string]any{"command": "rm -rf node_modules"})
	if !strings.Contains(out, "CONFIRMATION REQUIRED") {
		t.Errorf("unconfirmed run_command = %q", out)
	}
	inst.mu.Lock()
	if len(inst.commands) != 0 {
		t.Fatalf("unconfirmed command reached the sandbox: %v", inst.commands)
	}
	inst.mu.Unlock()

	tb.Invoke(ctx, "run_command", map[string]any{"command": "rm -rf node_modules", "confirmed": true})
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if len(inst.commands) != 1 {
		t.Errorf("confirmed command did not reach the sandbox: %v", inst.commands)
	}
}

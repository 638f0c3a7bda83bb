package fecoder

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jxucoder/fecoder/llm"
	"github.com/jxucoder/fecoder/model"
	"github.com/jxucoder/fecoder/sandbox"
	"github.com/jxucoder/fecoder/workspace"
)

// fakeInstance is an in-memory sandbox for the end-to-end test.
type fakeInstance struct {
	mu    sync.Mutex
	id    string
	files map[string]string
}

func (f *fakeInstance) ID() string            { return f.id }
func (f *fakeInstance) WorkspacePath() string { return "/home/user/workspace" }

func (f *fakeInstance) Host(ctx context.Context, port int) (string, error) {
	return fmt.Sprintf("%d-%s.example.dev", port, f.id), nil
}

func (f *fakeInstance) ReadFile(ctx context.Context, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.files[path]
	if !ok {
		return "", fmt.Errorf("no such file: %s", path)
	}
	return content, nil
}

func (f *fakeInstance) WriteFile(ctx context.Context, path, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = content
	return nil
}

func (f *fakeInstance) RunCommand(ctx context.Context, command string, timeout time.Duration) (workspace.CommandResult, error) {
	if strings.Contains(command, "http_code") {
		return workspace.CommandResult{Stdout: "200"}, nil
	}
	return workspace.CommandResult{}, nil
}

func (f *fakeInstance) Kill(ctx context.Context) error { return nil }

type fakeProvider struct {
	mu sync.Mutex
	n  int
}

func (p *fakeProvider) Create(ctx context.Context) (sandbox.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n++
	return &fakeInstance{id: fmt.Sprintf("sbx-%d", p.n), files: make(map[string]string)}, nil
}

// buildLLM plays a realistic turn: write a component, start the dev
// server, tell the user.
type buildLLM struct {
	mu    sync.Mutex
	calls int
}

func (c *buildLLM) ChatStream(ctx context.Context, req llm.ChatRequest, onChunk func(llm.StreamChunk)) (*llm.ChatResponse, error) {
	c.mu.Lock()
	c.calls++
	call := c.calls
	c.mu.Unlock()

	switch call {
	case 1:
		return &llm.ChatResponse{ToolCalls: []llm.ToolCall{
			{ID: "c1", Name: "write_file", Arguments: map[string]any{
				"path": "src/App.tsx", "content": "export default function App() { return <h1>Counter</h1> }",
			}},
			{ID: "c2", Name: "start_dev_server", Arguments: map[string]any{}},
		}, FinishReason: "tool_calls"}, nil
	case 2:
		return &llm.ChatResponse{ToolCalls: []llm.ToolCall{
			{ID: "c3", Name: "show_user_message", Arguments: map[string]any{
				"message": "Done! Counter app is live.",
			}},
		}, FinishReason: "tool_calls"}, nil
	default:
		return &llm.ChatResponse{FinishReason: "stop"}, nil
	}
}

func buildTestApp(t *testing.T) *App {
	t.Helper()
	dir := t.TempDir()
	app, err := NewBuilder().
		WithConfig(Config{
			DataDir:      dir,
			DatabasePath: filepath.Join(dir, "test.db"),
			JWTSecret:    "e2e-secret",
		}).
		WithSandboxProvider(&fakeProvider{}).
		WithLLM(&buildLLM{}).
		Build()
	if err != nil {
		t.Fatalf("building app: %v", err)
	}
	t.Cleanup(func() { app.store.Close() })
	return app
}

func do(t *testing.T, h http.Handler, method, url, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, url, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, url, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestEndToEndBuildFlow(t *testing.T) {
	app := buildTestApp(t)
	h := app.Handler()

	// register
	w := do(t, h, http.MethodPost, "/api/auth/register", "",
		`{"email":"alice@example.com","password":"password123"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	// login for a fresh token
	w = do(t, h, http.MethodPost, "/api/auth/login", "",
		`{"email":"alice@example.com","password":"password123"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d", w.Code)
	}
	var auth struct {
		Token string      `json:"token"`
		User  *model.User `json:"user"`
	}
	if err := json.NewDecoder(w.Body).Decode(&auth); err != nil {
		t.Fatalf("decoding login response: %v", err)
	}

	// create a session
	w = do(t, h, http.MethodPost, "/api/sessions", auth.Token, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("create session: expected 201, got %d", w.Code)
	}
	var sess model.Session
	json.NewDecoder(w.Body).Decode(&sess)

	// send the first message
	w = do(t, h, http.MethodPost, "/api/sessions/"+sess.ID+"/message", auth.Token,
		`{"content":"build me a counter app"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("message: expected 202, got %d: %s", w.Code, w.Body.String())
	}

	// stream the turn
	w = do(t, h, http.MethodGet, "/api/sessions/"+sess.ID+"/sse", auth.Token, "")
	if w.Code != http.StatusOK {
		t.Fatalf("sse: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	for _, want := range []string{
		"event: preview_url",
		"event: tool_start",
		"event: tool_end",
		"event: preview_ready",
		"event: user_message",
		"event: done",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("stream missing %q:\n%s", want, body)
		}
	}
	if !strings.Contains(body, "https://5173-sbx-1.example.dev") {
		t.Errorf("stream missing preview URL:\n%s", body)
	}

	// the session is ready again with its sandbox recorded
	w = do(t, h, http.MethodGet, "/api/sessions/"+sess.ID, auth.Token, "")
	var after model.Session
	json.NewDecoder(w.Body).Decode(&after)
	if after.Status != model.StatusReady {
		t.Errorf("status = %s, want ready", after.Status)
	}
	if after.SandboxID != "sbx-1" || after.PreviewURL == "" {
		t.Errorf("session = %+v", after)
	}

	// messages carry the assistant reply with its step trace
	w = do(t, h, http.MethodGet, "/api/sessions/"+sess.ID+"/messages", auth.Token, "")
	var msgs []*model.Message
	json.NewDecoder(w.Body).Decode(&msgs)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	asst := msgs[1]
	if asst.Content != "Done! Counter app is live." {
		t.Errorf("assistant content = %q", asst.Content)
	}
	var sawTool, sawPreview bool
	for _, step := range asst.Steps {
		switch step.Type {
		case model.StepTool:
			sawTool = true
		case model.StepPreview:
			sawPreview = true
			if step.URL == "" {
				t.Error("preview step without URL")
			}
		}
	}
	if !sawTool || !sawPreview {
		t.Errorf("steps = %+v", asst.Steps)
	}

	// the file the agent wrote is readable through the files API
	w = do(t, h, http.MethodGet, "/api/sessions/"+sess.ID+"/files/src/App.tsx", auth.Token, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get file: expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Counter") {
		t.Errorf("file content = %s", w.Body.String())
	}
}

func TestBuildRequiresSecrets(t *testing.T) {
	_, err := NewBuilder().
		WithConfig(Config{DataDir: t.TempDir()}).
		WithSandboxProvider(&fakeProvider{}).
		WithLLM(&buildLLM{}).
		Build()
	if err == nil || !strings.Contains(err.Error(), "JWT secret") {
		t.Fatalf("err = %v, want JWT secret error", err)
	}
}

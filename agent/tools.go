package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jxucoder/fecoder/executor"
	"github.com/jxucoder/fecoder/llm"
	"github.com/jxucoder/fecoder/sandbox"
	"github.com/jxucoder/fecoder/workspace"
)

// ShowUserMessageTool is the pseudo-tool the agent must call to address
// the end user; its input is the user-visible text.
const ShowUserMessageTool = "show_user_message"

// VisibleTools are surfaced to clients as step traces. Everything else
// is internal agent machinery.
var VisibleTools = map[string]bool{
	"read_file":   true,
	"write_file":  true,
	"list_files":  true,
	"grep_search": true,
	"fuzzy_find":  true,
	"run_command": true,
}

const (
	devServerLog  = "/tmp/dev-server.log"
	devServerWait = 10 // poll attempts for the dev server to answer
)

// Toolbox binds the agent's tools to one sandbox and its file tools.
type Toolbox struct {
	files   *workspace.Tools
	sandbox *sandbox.UserSandbox

	// poll pacing, shrunk in tests
	pollInterval time.Duration
}

// NewToolbox creates the per-turn toolbox.
func NewToolbox(files *workspace.Tools, us *sandbox.UserSandbox) *Toolbox {
	return &Toolbox{files: files, sandbox: us, pollInterval: time.Second}
}

func stringParam(props map[string]any, required []string) map[string]any {
	return map[string]any{"type": "object", "properties": props, "required": required}
}

// Definitions returns the tool schemas exposed to the model.
func (tb *Toolbox) Definitions() []llm.Tool {
	path := map[string]any{"type": "string", "description": "Path relative to the workspace root"}
	return []llm.Tool{
		{Name: "read_file", Description: "Read file contents.",
			Parameters: stringParam(map[string]any{"path": path}, []string{"path"})},
		{Name: "write_file", Description: "Write content to a file, creating parent directories.",
			Parameters: stringParam(map[string]any{
				"path":    path,
				"content": map[string]any{"type": "string", "description": "Full file content"},
			}, []string{"path", "content"})},
		{Name: "list_files", Description: "List directory contents.",
			Parameters: stringParam(map[string]any{"path": path}, nil)},
		{Name: "grep_search", Description: "Search file contents for a pattern.",
			Parameters: stringParam(map[string]any{
				"pattern": map[string]any{"type": "string", "description": "Pattern to search for"},
				"path":    path,
			}, []string{"pattern"})},
		{Name: "fuzzy_find", Description: "Fuzzy-find files by approximate name.",
			Parameters: stringParam(map[string]any{
				"query": map[string]any{"type": "string", "description": "Approximate file name"},
			}, []string{"query"})},
		{Name: "run_command", Description: "Run a shell command that terminates (build, install, tsc). Not for dev servers.",
			Parameters: stringParam(map[string]any{
				"command":   map[string]any{"type": "string", "description": "Shell command"},
				"timeout":   map[string]any{"type": "integer", "description": "Seconds, default 60"},
				"confirmed": map[string]any{"type": "boolean", "description": "Set true to re-run a command that asked for confirmation"},
			}, []string{"command"})},
		{Name: "start_dev_server", Description: "Start the dev server in the background and wait for it to answer. Returns the preview URL.",
			Parameters: stringParam(map[string]any{
				"command": map[string]any{"type": "string", "description": "Dev server command, default 'bun run dev'"},
			}, nil)},
		{Name: "get_preview_url", Description: "Get the public preview URL for the running dev server.",
			Parameters: stringParam(map[string]any{}, nil)},
		{Name: "check_dev_server", Description: "Check whether the dev server responds and show recent logs.",
			Parameters: stringParam(map[string]any{}, nil)},
		{Name: ShowUserMessageTool, Description: "Send a message to the user. This is the ONLY way to communicate; always call it at the end of your work.",
			Parameters: stringParam(map[string]any{
				"message": map[string]any{"type": "string", "description": "Message to show to the user"},
			}, []string{"message"})},
	}
}

// Invoke runs one tool call. Failures come back as readable strings so
// the model can recover; nothing here is fatal to the turn.
func (tb *Toolbox) Invoke(ctx context.Context, name string, args map[string]any) string {
	switch name {
	case "read_file":
		return tb.files.ReadFile(ctx, str(args, "path"))
	case "write_file":
		return tb.files.WriteFile(ctx, str(args, "path"), str(args, "content"))
	case "list_files":
		path := str(args, "path")
		if path == "" {
			path = "."
		}
		return tb.files.ListDir(ctx, path)
	case "grep_search":
		path := str(args, "path")
		if path == "" {
			path = "."
		}
		return tb.files.Grep(ctx, str(args, "pattern"), path, 2)
	case "fuzzy_find":
		return tb.files.FuzzyFind(ctx, str(args, "query"))
	case "run_command":
		timeout := time.Duration(num(args, "timeout", 60)) * time.Second
		return tb.files.Run(ctx, str(args, "command"), timeout, boolean(args, "confirmed"))
	case "start_dev_server":
		return tb.startDevServer(ctx, str(args, "command"))
	case "get_preview_url":
		return tb.getPreviewURL(ctx)
	case "check_dev_server":
		return tb.checkDevServer(ctx)
	case ShowUserMessageTool:
		return str(args, "message")
	default:
		return fmt.Sprintf("Unknown tool: %s", name)
	}
}

// startDevServer restarts the dev server in the background, waits for
// it to answer on the preview port and reports the preview URL.
func (tb *Toolbox) startDevServer(ctx context.Context, command string) string {
	if command == "" {
		command = "bun run dev"
	}
	if err := executor.CheckCommand(command, true); err != nil {
		return fmt.Sprintf("Error starting dev server: %v", err)
	}
	inst := tb.sandbox.Instance

	_, _ = inst.RunCommand(ctx, "pkill -f 'vite' 2>/dev/null; exit 0", 5*time.Second)
	sleep(ctx, tb.pollInterval)

	bg := fmt.Sprintf("cd %q && nohup %s > %s 2>&1 &", tb.sandbox.WorkspacePath, command, devServerLog)
	if _, err := inst.RunCommand(ctx, bg, 10*time.Second); err != nil {
		return fmt.Sprintf("Error starting dev server: %v", err)
	}
	tb.sandbox.DevServerRunning = true

	code := "000"
	for i := 0; i < devServerWait; i++ {
		sleep(ctx, tb.pollInterval)
		code = tb.probe(ctx)
		if code == "200" {
			break
		}
	}

	host, err := inst.Host(ctx, sandbox.DefaultPreviewPort)
	if err != nil {
		return fmt.Sprintf("Dev server started but couldn't get URL: %v", err)
	}
	url := "https://" + host
	tb.sandbox.PreviewURL = url
	if code == "200" {
		return fmt.Sprintf("✓ Dev server running.\nPreview URL: %s", url)
	}
	return fmt.Sprintf("Dev server starting...\nPreview URL: %s", url)
}

func (tb *Toolbox) getPreviewURL(ctx context.Context) string {
	if tb.sandbox.PreviewURL != "" {
		return tb.sandbox.PreviewURL
	}
	host, err := tb.sandbox.Instance.Host(ctx, sandbox.DefaultPreviewPort)
	if err != nil {
		return "No preview URL available. Start dev server first."
	}
	tb.sandbox.PreviewURL = "https://" + host
	return tb.sandbox.PreviewURL
}

func (tb *Toolbox) checkDevServer(ctx context.Context) string {
	code := tb.probe(ctx)
	logs, _ := tb.sandbox.Instance.RunCommand(ctx,
		fmt.Sprintf("tail -20 %s 2>/dev/null || echo 'No logs'", devServerLog), 5*time.Second)

	status := fmt.Sprintf("⚠ HTTP %s", code)
	if code == "200" {
		status = "✓ Running"
	}
	url := tb.sandbox.PreviewURL
	if url == "" {
		url = "Not available"
	}
	return fmt.Sprintf("Status: %s\nPreview URL: %s\n\nRecent logs:\n%s", status, url, logs.Stdout)
}

func (tb *Toolbox) probe(ctx context.Context) string {
	result, err := tb.sandbox.Instance.RunCommand(ctx,
		fmt.Sprintf("curl -s -o /dev/null -w '%%{http_code}' http://localhost:%d/ 2>/dev/null || echo '000'",
			sandbox.DefaultPreviewPort), 5*time.Second)
	if err != nil {
		return "000"
	}
	return strings.TrimSpace(result.Stdout)
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

func str(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func num(args map[string]any, key string, fallback float64) float64 {
	if v, ok := args[key].(float64); ok && v > 0 {
		return v
	}
	return fallback
}

func boolean(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

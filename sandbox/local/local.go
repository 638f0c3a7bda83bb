// Package local implements sandbox.Provider on the local machine, for
// development and tests without a remote provider key. Each sandbox is
// a temp workspace directory; commands run as local subprocesses
// through the gated executor.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/jxucoder/fecoder/executor"
	"github.com/jxucoder/fecoder/sandbox"
	"github.com/jxucoder/fecoder/workspace"
)

// Provider creates local directory-backed sandboxes under baseDir.
type Provider struct {
	baseDir     string
	previewPort int
}

// New creates a Provider. baseDir defaults to the system temp dir.
func New(baseDir string) *Provider {
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	return &Provider{baseDir: baseDir, previewPort: sandbox.DefaultPreviewPort}
}

// Create allocates a fresh workspace directory with its own executor.
func (p *Provider) Create(_ context.Context) (sandbox.Instance, error) {
	id := "local-" + uuid.New().String()[:8]
	dir := filepath.Join(p.baseDir, "fecoder-sandbox-"+id)
	if err := os.MkdirAll(filepath.Join(dir, "workspace"), 0o755); err != nil {
		return nil, fmt.Errorf("creating local sandbox dir: %w", err)
	}
	exec, err := executor.New(dir)
	if err != nil {
		return nil, fmt.Errorf("creating executor: %w", err)
	}
	return &instance{id: id, dir: dir, exec: exec}, nil
}

type instance struct {
	id   string
	dir  string
	exec *executor.Executor
}

func (i *instance) ID() string            { return i.id }
func (i *instance) WorkspacePath() string { return filepath.Join(i.dir, "workspace") }

// Host maps the port straight to localhost; there is no proxy locally.
func (i *instance) Host(_ context.Context, port int) (string, error) {
	return fmt.Sprintf("localhost:%d", port), nil
}

func (i *instance) ReadFile(_ context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (i *instance) WriteFile(_ context.Context, path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

// RunCommand runs through the sandbox executor, so local commands get
// the same blocklist and output truncation as any other run. The
// confirm gate already ran in the tools layer, so it is satisfied
// here. Gate refusals come back as failed results rather than errors.
func (i *instance) RunCommand(ctx context.Context, command string, timeout time.Duration) (workspace.CommandResult, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	res, err := i.exec.Run(ctx, executor.RunRequest{Command: command, Timeout: timeout, Confirmed: true})
	if err != nil {
		if ctx.Err() != nil {
			return workspace.CommandResult{}, err
		}
		return workspace.CommandResult{Stderr: err.Error(), ExitCode: -1}, nil
	}
	result := workspace.CommandResult{ExitCode: res.ExitCode}
	if res.ExitCode == 0 {
		result.Stdout = res.Output
	} else {
		result.Stderr = res.Output
	}
	return result, nil
}

// Kill terminates any background processes and removes the workspace.
func (i *instance) Kill(_ context.Context) error {
	i.exec.CleanupAll()
	return os.RemoveAll(i.dir)
}

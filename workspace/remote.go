package workspace

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// SandboxAPI is the subset of a remote sandbox the backend needs. The
// sandbox provider's instance type satisfies it.
type SandboxAPI interface {
	ReadFile(ctx context.Context, path string) (string, error)
	WriteFile(ctx context.Context, path, content string) error
	RunCommand(ctx context.Context, command string, timeout time.Duration) (CommandResult, error)
}

// RemoteBackend defers every operation to a remote sandbox, rooted at
// the sandbox workspace path. Confinement is the provider's job.
type RemoteBackend struct {
	sandbox SandboxAPI
	root    string
}

// NewRemoteBackend wraps a sandbox with the Backend interface.
func NewRemoteBackend(sandbox SandboxAPI, rootPath string) *RemoteBackend {
	return &RemoteBackend{sandbox: sandbox, root: rootPath}
}

// Root returns the sandbox workspace root path.
func (b *RemoteBackend) Root() string { return b.root }

func (b *RemoteBackend) resolve(path string) string {
	if strings.HasPrefix(path, "/") {
		return path
	}
	return strings.ReplaceAll(b.root+"/"+path, "//", "/")
}

func (b *RemoteBackend) ReadFile(ctx context.Context, path string) (string, error) {
	return b.sandbox.ReadFile(ctx, b.resolve(path))
}

func (b *RemoteBackend) WriteFile(ctx context.Context, path, content string) error {
	return b.sandbox.WriteFile(ctx, b.resolve(path), content)
}

func (b *RemoteBackend) FileExists(ctx context.Context, path string) (bool, error) {
	result, err := b.sandbox.RunCommand(ctx,
		fmt.Sprintf(`test -e %q && echo "yes" || echo "no"`, b.resolve(path)), 10*time.Second)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(result.Stdout) == "yes", nil
}

func (b *RemoteBackend) ListDir(ctx context.Context, path string) ([]string, error) {
	result, err := b.sandbox.RunCommand(ctx,
		fmt.Sprintf(`ls -1 %q 2>/dev/null || echo ""`, b.resolve(path)), 10*time.Second)
	if err != nil {
		return nil, err
	}
	out := strings.TrimSpace(result.Stdout)
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// RunCommand runs inside the sandbox with the workspace (or cwd) as the
// working directory. Provider failures are folded into the result.
func (b *RemoteBackend) RunCommand(ctx context.Context, command, cwd string, timeout time.Duration) (CommandResult, error) {
	dir := b.root
	if cwd != "" {
		dir = b.resolve(cwd)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	result, err := b.sandbox.RunCommand(ctx, fmt.Sprintf(`cd %q && %s`, dir, command), timeout)
	if err != nil {
		return CommandResult{Stderr: err.Error(), ExitCode: -1}, nil
	}
	return result, nil
}

// Grep searches inside the sandbox with plain grep.
func (b *RemoteBackend) Grep(ctx context.Context, pattern, path string, contextLines int) (string, error) {
	cmd := fmt.Sprintf(`grep -rn -C %d %q %q 2>/dev/null || echo "No matches found"`,
		contextLines, pattern, b.resolve(path))
	result, err := b.RunCommand(ctx, cmd, "/", 15*time.Second)
	if err != nil {
		return "", err
	}
	return result.Stdout, nil
}

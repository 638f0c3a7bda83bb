package workspace

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// LocalBackend operates on a confined local directory. Every path is
// canonicalized and checked against the root before use, so neither
// traversal nor symlinks can escape the workspace.
type LocalBackend struct {
	root string
}

// NewLocalBackend creates the root directory if missing and resolves it.
func NewLocalBackend(rootPath string) (*LocalBackend, error) {
	if err := os.MkdirAll(rootPath, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(rootPath)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	abs, err := filepath.Abs(resolved)
	if err != nil {
		return nil, err
	}
	return &LocalBackend{root: abs}, nil
}

// Root returns the workspace root path.
func (b *LocalBackend) Root() string { return b.root }

// resolve maps a workspace path to an absolute path, rejecting anything
// that escapes the root after symlink resolution.
func (b *LocalBackend) resolve(path string) (string, error) {
	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(b.root, full)
	}
	full = filepath.Clean(full)

	resolved, err := resolveExisting(full)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(b.root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path outside workspace: %s", path)
	}
	return full, nil
}

// resolveExisting canonicalizes the deepest existing ancestor of full
// and re-joins the non-existent remainder, so confinement checks see
// through symlinks even for paths about to be created.
func resolveExisting(full string) (string, error) {
	remainder := ""
	current := full
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Join(resolved, remainder), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", fmt.Errorf("unresolvable path: %s", full)
		}
		remainder = filepath.Join(filepath.Base(current), remainder)
		current = parent
	}
}

func (b *LocalBackend) ReadFile(_ context.Context, path string) (string, error) {
	full, err := b.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (b *LocalBackend) WriteFile(_ context.Context, path, content string) error {
	full, err := b.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, []byte(content), 0o644)
}

func (b *LocalBackend) FileExists(_ context.Context, path string) (bool, error) {
	full, err := b.resolve(path)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(full)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

func (b *LocalBackend) ListDir(_ context.Context, path string) ([]string, error) {
	full, err := b.resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// RunCommand executes a shell command in the workspace with a wall
// clock timeout. Timeouts are reported as exit code -1, not errors.
func (b *LocalBackend) RunCommand(ctx context.Context, command, cwd string, timeout time.Duration) (CommandResult, error) {
	dir := b.root
	if cwd != "" {
		resolved, err := b.resolve(cwd)
		if err != nil {
			return CommandResult{}, err
		}
		dir = resolved
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return CommandResult{
			Stderr:   fmt.Sprintf("Command timed out after %ds", int(timeout.Seconds())),
			ExitCode: -1,
		}, nil
	}
	result := CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return CommandResult{Stderr: err.Error(), ExitCode: -1}, nil
		}
	}
	return result, nil
}

// Grep searches with ripgrep when available, falling back to GNU grep.
func (b *LocalBackend) Grep(ctx context.Context, pattern, path string, contextLines int) (string, error) {
	full, err := b.resolve(path)
	if err != nil {
		return "", err
	}
	cmd := fmt.Sprintf(
		`rg --color=never -n -C %d %q %q 2>/dev/null || grep -rn -C %d %q %q`,
		contextLines, pattern, full, contextLines, pattern, full,
	)
	result, err := b.RunCommand(ctx, cmd, "", 15*time.Second)
	if err != nil {
		return "", err
	}
	if result.ExitCode == 1 {
		return fmt.Sprintf("No matches found for '%s'", pattern), nil
	}
	return result.Stdout, nil
}

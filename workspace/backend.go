// Package workspace provides a uniform file and command surface over
// either a local directory or a remote sandbox, plus a write-through
// LRU file cache and the search tools built on top.
package workspace

import (
	"context"
	"time"
)

// CommandResult is the outcome of a backend command execution.
type CommandResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Success reports whether the command exited cleanly.
func (r CommandResult) Success() bool { return r.ExitCode == 0 }

// Output returns stdout followed by stderr.
func (r CommandResult) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	return r.Stdout + "\n" + r.Stderr
}

// Backend is the capability surface over "the workspace". Paths are
// relative to Root unless absolute; implementations confine access to
// the workspace.
type Backend interface {
	Root() string
	ReadFile(ctx context.Context, path string) (string, error)
	WriteFile(ctx context.Context, path, content string) error
	FileExists(ctx context.Context, path string) (bool, error)
	// ListDir returns entry names (not paths) of a directory.
	ListDir(ctx context.Context, path string) ([]string, error)
	RunCommand(ctx context.Context, command, cwd string, timeout time.Duration) (CommandResult, error)
	Grep(ctx context.Context, pattern, path string, contextLines int) (string, error)
}

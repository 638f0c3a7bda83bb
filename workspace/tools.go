package workspace

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/jxucoder/fecoder/executor"
)

// defaultIgnore names directories and files excluded from workspace walks.
var defaultIgnore = map[string]bool{
	".git": true, "node_modules": true, "__pycache__": true, ".venv": true,
	"dist": true, "build": true, ".idea": true, ".vscode": true,
	".DS_Store": true, "venv": true, ".next": true, ".cache": true,
	"coverage": true, "package-lock.json": true, "yarn.lock": true,
	"bun.lockb": true, "bun.lock": true,
}

const (
	fuzzyScoreCutoff = 40
	fuzzyLimit       = 10
	grepMaxChars     = 5000
)

// Tools is the per-session file toolkit the agent works through. Every
// method returns a human-readable string; backend failures become error
// strings the agent can read and react to, never panics.
type Tools struct {
	backend Backend
	cache   *FileCache
}

// NewTools wraps a backend with a fresh write-through cache.
func NewTools(backend Backend) *Tools {
	return &Tools{backend: backend, cache: NewFileCache(50)}
}

// Root returns the workspace root path.
func (t *Tools) Root() string { return t.backend.Root() }

// Cache exposes the file cache, mainly for tests.
func (t *Tools) Cache() *FileCache { return t.cache }

// Backend exposes the underlying backend for callers that need raw
// operations (file listing, downloads).
func (t *Tools) Backend() Backend { return t.backend }

// normalizePath strips a leading "./" and trailing "/" so the cache
// keys "./src/App.tsx" and "src/App.tsx" identically.
func normalizePath(path string) string {
	path = strings.TrimPrefix(path, "./")
	return strings.TrimRight(path, "/")
}

// ReadFile returns file content, serving repeated reads from the cache.
func (t *Tools) ReadFile(ctx context.Context, path string) string {
	norm := normalizePath(path)
	if content, ok := t.cache.Get(norm); ok {
		return content
	}
	content, err := t.backend.ReadFile(ctx, path)
	if err != nil {
		return fmt.Sprintf("Error reading file: %v", err)
	}
	t.cache.Set(norm, content)
	return content
}

// WriteFile writes through to the backend and then the cache; a failed
// write invalidates any stale entry.
func (t *Tools) WriteFile(ctx context.Context, path, content string) string {
	norm := normalizePath(path)
	if err := t.backend.WriteFile(ctx, path, content); err != nil {
		t.cache.Invalidate(norm)
		return fmt.Sprintf("Error writing file: %v", err)
	}
	t.cache.Set(norm, content)
	return fmt.Sprintf("✓ Written to %s", path)
}

// ListDir lists a directory's entries, sorted.
func (t *Tools) ListDir(ctx context.Context, path string) string {
	items, err := t.backend.ListDir(ctx, path)
	if err != nil {
		return fmt.Sprintf("Error listing directory: %v", err)
	}
	if len(items) == 0 {
		return fmt.Sprintf("Empty or not a directory: %s", path)
	}
	sorted := append([]string(nil), items...)
	sort.Strings(sorted)
	return strings.Join(sorted, "\n")
}

// FileExists reports whether a path exists in the workspace.
func (t *Tools) FileExists(ctx context.Context, path string) bool {
	ok, err := t.backend.FileExists(ctx, path)
	return err == nil && ok
}

// Grep searches the workspace and annotates the result with the query.
func (t *Tools) Grep(ctx context.Context, pattern, path string, contextLines int) string {
	if path == "" {
		path = "."
	}
	result, err := t.backend.Grep(ctx, pattern, path, contextLines)
	if err != nil {
		return fmt.Sprintf("Search error: %v", err)
	}
	if len(result) > grepMaxChars {
		result = result[:grepMaxChars] + "\n... [truncated]"
	}
	return fmt.Sprintf("Query: %s\nPath: %s\n---\n%s", pattern, path, result)
}

// FuzzyFind ranks workspace files against the query and returns the top
// matches with scores, cutting off below a similarity of 40.
func (t *Tools) FuzzyFind(ctx context.Context, query string) string {
	files := t.allFiles(ctx)
	if len(files) == 0 {
		return "No files found in workspace"
	}

	type match struct {
		path  string
		score int
	}
	var matches []match
	for _, rank := range fuzzy.RankFindNormalizedFold(query, files) {
		score := similarityScore(query, rank.Target, rank.Distance)
		if score >= fuzzyScoreCutoff {
			matches = append(matches, match{path: rank.Target, score: score})
		}
	}
	if len(matches) == 0 {
		return fmt.Sprintf("No files matching '%s'", query)
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].score > matches[j].score })
	if len(matches) > fuzzyLimit {
		matches = matches[:fuzzyLimit]
	}

	out := []string{fmt.Sprintf("Matches for '%s':", query)}
	for _, m := range matches {
		out = append(out, fmt.Sprintf("  %s (score: %d)", m.path, m.score))
	}
	return strings.Join(out, "\n")
}

// Files returns every workspace file path, ignore set excluded.
func (t *Tools) Files(ctx context.Context) []string {
	files := t.allFiles(ctx)
	sort.Strings(files)
	return files
}

// similarityScore maps a Levenshtein distance to a 0-100 similarity.
func similarityScore(query, target string, distance int) int {
	longest := len(query)
	if len(target) > longest {
		longest = len(target)
	}
	if longest == 0 {
		return 0
	}
	score := 100 - (100*distance)/longest
	if score < 0 {
		score = 0
	}
	return score
}

// allFiles walks the workspace through the backend, skipping the ignore
// set. An entry is treated as a directory when it has children.
func (t *Tools) allFiles(ctx context.Context) []string {
	var result []string
	var walk func(path string)
	walk = func(path string) {
		items, err := t.backend.ListDir(ctx, path)
		if err != nil {
			return
		}
		for _, item := range items {
			if defaultIgnore[item] {
				continue
			}
			full := item
			if path != "." {
				full = path + "/" + item
			}
			children, err := t.backend.ListDir(ctx, full)
			if err == nil && len(children) > 0 {
				walk(full)
			} else {
				result = append(result, full)
			}
		}
	}
	walk(".")
	return result
}

// Run executes a command through the backend and formats the output for
// the agent, prefixing failures with the exit code. The security gate
// runs here so remote backends get the same blocklist as local ones.
func (t *Tools) Run(ctx context.Context, command string, timeout time.Duration, confirmed bool) string {
	if err := executor.CheckCommand(command, confirmed); err != nil {
		return fmt.Sprintf("Error running command: %v", err)
	}
	result, err := t.backend.RunCommand(ctx, command, "", timeout)
	if err != nil {
		return fmt.Sprintf("Error running command: %v", err)
	}
	output := strings.TrimSpace(result.Output())
	if !result.Success() {
		output = fmt.Sprintf("[Exit code: %d]\n%s", result.ExitCode, output)
	}
	return output
}

// RunBackground launches a command detached inside the workspace.
// The blocklist applies; background launches never need confirmation.
func (t *Tools) RunBackground(ctx context.Context, command string) string {
	if err := executor.CheckCommand(command, true); err != nil {
		return fmt.Sprintf("Error starting background command: %v", err)
	}
	bg := fmt.Sprintf("nohup %s > /tmp/bg_output.log 2>&1 &", command)
	if _, err := t.backend.RunCommand(ctx, bg, "", 5*time.Second); err != nil {
		return fmt.Sprintf("Error starting background command: %v", err)
	}
	return fmt.Sprintf("Started in background: %s", command)
}

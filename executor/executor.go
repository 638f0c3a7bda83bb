// Package executor runs shell commands rooted in a workspace directory,
// with blocking and background modalities, tail-biased output
// truncation and paginated log readback.
package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	defaultTimeout     = 120 * time.Second
	defaultTailLines   = 40
	successTailLines   = 10
	maxPaginationCalls = 3
	terminateGrace     = 3 * time.Second
	backgroundTail     = 30
)

// Security gate errors. The agent sees these as tool results and can
// react (e.g. retry with confirmed=true).
var (
	ErrBlocked         = errors.New("BLOCKED: command matches security blocklist")
	ErrConfirmRequired = errors.New("CONFIRMATION REQUIRED: command requires confirmed=true")
	ErrEmptyCommand    = errors.New("empty command")
	ErrNotFound        = errors.New("command not found")
	ErrPaginationLimit = errors.New("pagination limit reached (3 calls); summarize what you learned and proceed, or re-run the command")
	ErrBinaryOutput    = errors.New("binary output detected, cannot display")
)

// Executor runs commands under a confined root directory and retains
// their logs in a bounded store.
type Executor struct {
	root      string
	timeout   time.Duration
	tailLines int
	logs      *LogStore
}

// New creates an Executor rooted at rootPath. The root must exist.
func New(rootPath string) (*Executor, error) {
	abs, err := filepath.Abs(rootPath)
	if err != nil {
		return nil, fmt.Errorf("resolving root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("root path does not exist: %s", abs)
	}
	return &Executor{
		root:      abs,
		timeout:   defaultTimeout,
		tailLines: defaultTailLines,
		logs:      NewLogStore(50, 30*time.Minute),
	}, nil
}

// Logs exposes the log store, mainly for tests and diagnostics.
func (e *Executor) Logs() *LogStore { return e.logs }

// RunRequest parameterizes a blocking command run.
type RunRequest struct {
	Command   string
	Dir       string // absolute, within root; empty means root
	Timeout   time.Duration
	Confirmed bool
	Verbose   bool
}

// RunResult is the summarized outcome of a completed command.
type RunResult struct {
	CmdID      string `json:"cmd_id"`
	ExitCode   int    `json:"exit_code"`
	Status     string `json:"status"`
	Output     string `json:"output"`
	TotalLines int    `json:"total_lines"`
	Hint       string `json:"hint,omitempty"`
}

// CheckCommand applies the security gate without executing anything.
// Callers that hand commands to a remote runtime use it to enforce the
// same policy as local runs.
func CheckCommand(command string, confirmed bool) error {
	command = strings.TrimSpace(command)
	if command == "" {
		return ErrEmptyCommand
	}
	if isBlocked(command) {
		return ErrBlocked
	}
	if needsConfirm(command) && !confirmed {
		return fmt.Errorf("%w: %s", ErrConfirmRequired, command)
	}
	return nil
}

// Run executes a command to completion or timeout. Launch failures and
// timeouts are recorded in the log and returned as completed runs with
// exit code -1; only the security gate and cwd validation return errors.
func (e *Executor) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	command := strings.TrimSpace(req.Command)
	if err := CheckCommand(command, req.Confirmed); err != nil {
		return nil, err
	}
	dir, err := e.validateDir(req.Dir)
	if err != nil {
		return nil, err
	}

	log := e.newLog(command, dir)
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}

	cmd := exec.Command("bash", "-c", command)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	done, err := e.startReaders(cmd, log)
	if err != nil {
		log.Stderr = []string{fmt.Sprintf("ERROR: %v\n", err)}
		log.finish(-1)
		return e.formatOutput(log, false), nil
	}

	select {
	case <-done:
		log.finish(exitCode(cmd))
	case <-time.After(timeout):
		_ = cmd.Process.Kill()
		<-done
		log.mu.Lock()
		log.Stderr = []string{fmt.Sprintf("TIMEOUT: Command exceeded %ds\n", int(timeout.Seconds()))}
		log.mu.Unlock()
		log.finish(-1)
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		log.finish(-1)
		return nil, ctx.Err()
	}

	return e.formatOutput(log, req.Verbose), nil
}

// BackgroundResult reports a background launch. For fast-failing
// commands Status is "completed" and Output holds the tail; otherwise
// Status is "running" with the initial output captured so far.
type BackgroundResult struct {
	CmdID         string `json:"cmd_id"`
	Status        string `json:"status"`
	ExitCode      int    `json:"exit_code,omitempty"`
	Output        string `json:"output,omitempty"`
	InitialOutput string `json:"initial_output,omitempty"`
	LinesCaptured int    `json:"lines_captured,omitempty"`
	TotalLines    int    `json:"total_lines,omitempty"`
	URL           string `json:"url,omitempty"`
	Hint          string `json:"hint,omitempty"`
}

// RunBackground launches a long-running command (dev servers) and
// returns after waitForOutput with the early output. A prior background
// process sharing the same first three command tokens is killed first.
func (e *Executor) RunBackground(ctx context.Context, command, dir string, waitForOutput time.Duration) (*BackgroundResult, error) {
	command = strings.TrimSpace(command)
	if err := CheckCommand(command, true); err != nil {
		return nil, err
	}
	cwd, err := e.validateDir(dir)
	if err != nil {
		return nil, err
	}
	if waitForOutput <= 0 {
		waitForOutput = 2 * time.Second
	}

	e.killSimilarBackground(command)

	log := e.newLog(command, cwd)

	cmd := exec.Command("bash", "-c", command)
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	done, err := e.startReaders(cmd, log)
	if err != nil {
		log.Stderr = []string{fmt.Sprintf("ERROR: %v\n", err)}
		log.finish(-1)
		return &BackgroundResult{CmdID: log.ID, Status: "error", Output: err.Error()}, nil
	}

	log.mu.Lock()
	log.proc = cmd
	log.done = done
	log.mu.Unlock()

	go func() {
		<-done
		log.finish(exitCode(cmd))
	}()

	select {
	case <-time.After(waitForOutput):
	case <-done:
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return nil, ctx.Err()
	}

	// The finish goroutine may not have run yet for a fast exit.
	select {
	case <-done:
		log.finish(exitCode(cmd))
	default:
	}

	lines, running := log.snapshot()
	tail := strings.Join(tailOf(lines, backgroundTail), "")

	if !running {
		// Fast failure: the process already exited.
		select {
		case <-done:
		case <-time.After(time.Second):
		}
		log.mu.Lock()
		code := log.ExitCode
		log.mu.Unlock()
		return &BackgroundResult{
			CmdID:      log.ID,
			Status:     "completed",
			ExitCode:   code,
			Output:     strings.TrimRight(tail, "\n"),
			TotalLines: len(lines),
		}, nil
	}

	res := &BackgroundResult{
		CmdID:         log.ID,
		Status:        "running",
		InitialOutput: strings.TrimRight(tail, "\n"),
		LinesCaptured: len(lines),
	}
	if url := DetectURL(tail); url != "" {
		res.URL = url
		res.Hint = fmt.Sprintf("Dev server running at %s", url)
	} else {
		res.Hint = fmt.Sprintf("Process running. Use read_log(%q) to check output.", log.ID)
	}
	return res, nil
}

// TerminateResult reports the outcome of terminating a background process.
type TerminateResult struct {
	CmdID      string `json:"cmd_id"`
	Status     string `json:"status"`
	ExitCode   int    `json:"exit_code"`
	TotalLines int    `json:"total_lines,omitempty"`
}

// Terminate stops a running background process: graceful signal first,
// force kill after a short grace period.
func (e *Executor) Terminate(id string) (*TerminateResult, error) {
	log := e.logs.Get(id)
	if log == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	log.mu.Lock()
	running := log.Running
	proc := log.proc
	done := log.done
	code := log.ExitCode
	log.mu.Unlock()

	if !running {
		return &TerminateResult{CmdID: id, Status: "already_stopped", ExitCode: code}, nil
	}
	if proc == nil || proc.Process == nil {
		return nil, fmt.Errorf("no process reference for %s", id)
	}

	_ = proc.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(terminateGrace):
		_ = proc.Process.Kill()
		<-done
	}
	log.finish(exitCode(proc))

	lines, _ := log.snapshot()
	log.mu.Lock()
	code = log.ExitCode
	log.mu.Unlock()
	return &TerminateResult{
		CmdID:      id,
		Status:     "terminated",
		ExitCode:   code,
		TotalLines: len(lines),
	}, nil
}

// CleanupResult summarizes a CleanupAll call.
type CleanupResult struct {
	TerminatedCount int                 `json:"terminated_count"`
	Processes       []TerminatedProcess `json:"processes"`
}

// TerminatedProcess identifies one process stopped by CleanupAll.
type TerminatedProcess struct {
	CmdID   string `json:"cmd_id"`
	Command string `json:"command"`
	Status  string `json:"status"`
}

// CleanupAll terminates every running background process. Called on
// session destroy and process shutdown.
func (e *Executor) CleanupAll() *CleanupResult {
	res := &CleanupResult{}
	for _, id := range e.logs.RunningIDs() {
		log := e.logs.Get(id)
		if log == nil {
			continue
		}
		tr, err := e.Terminate(id)
		status := "error"
		if err == nil {
			status = tr.Status
		}
		res.Processes = append(res.Processes, TerminatedProcess{
			CmdID:   id,
			Command: truncateCommand(log.Command, 50),
			Status:  status,
		})
	}
	res.TerminatedCount = len(res.Processes)
	return res
}

// LogPage is one page of a command's output.
type LogPage struct {
	CmdID               string `json:"cmd_id"`
	Lines               string `json:"lines"`
	Showing             string `json:"showing,omitempty"`
	TotalLines          int    `json:"total_lines"`
	IsRunning           bool   `json:"is_running"`
	PaginationRemaining int    `json:"pagination_remaining"`
	Prev                string `json:"prev,omitempty"`
	Next                string `json:"next,omitempty"`
}

// ReadLog pages through a command's retained output. Each call counts
// against the log's pagination budget.
func (e *Executor) ReadLog(id string, offset, limit int, fromEnd bool) (*LogPage, error) {
	log := e.logs.Get(id)
	if log == nil {
		recent := e.logs.Recent(5)
		return nil, fmt.Errorf("%w: log %s missing or expired (recent: %s)", ErrNotFound, id, strings.Join(recent, ", "))
	}

	log.mu.Lock()
	log.PageCount++
	over := log.PageCount > maxPaginationCalls
	log.mu.Unlock()
	if over {
		return nil, ErrPaginationLimit
	}

	if limit <= 0 {
		limit = 100
	}
	lines, running := log.snapshot()
	total := len(lines)
	if total == 0 {
		page := &LogPage{CmdID: id, TotalLines: 0, IsRunning: running}
		if running {
			page.Lines = "still starting..."
		}
		return page, nil
	}

	if offset < 0 {
		if fromEnd {
			offset = total - limit
		} else {
			offset = 0
		}
	}
	if offset < 0 {
		offset = 0
	}
	if offset > total-1 {
		offset = total - 1
	}
	end := offset + limit
	if end > total {
		end = total
	}

	output := strings.Join(lines[offset:end], "")
	if isBinary(output) {
		return nil, ErrBinaryOutput
	}

	log.mu.Lock()
	remaining := maxPaginationCalls - log.PageCount
	log.mu.Unlock()

	page := &LogPage{
		CmdID:               id,
		Lines:               strings.TrimRight(output, "\n"),
		Showing:             fmt.Sprintf("lines %d-%d of %d", offset+1, end, total),
		TotalLines:          total,
		IsRunning:           running,
		PaginationRemaining: remaining,
	}
	if offset > 0 {
		prev := offset - limit
		if prev < 0 {
			prev = 0
		}
		page.Prev = fmt.Sprintf("read_log(%q, offset=%d)", id, prev)
	}
	if end < total {
		page.Next = fmt.Sprintf("read_log(%q, offset=%d)", id, end)
	}
	return page, nil
}

// CommandSummary is one row of a ListCommands result.
type CommandSummary struct {
	CmdID     string `json:"cmd_id"`
	Command   string `json:"command"`
	ExitCode  int    `json:"exit_code"`
	IsRunning bool   `json:"is_running"`
	StartedAt string `json:"started_at"`
}

// ListCommands returns recent commands, most recent first.
func (e *Executor) ListCommands(limit int) []CommandSummary {
	if limit <= 0 {
		limit = 5
	}
	ids := e.logs.Recent(limit)
	out := make([]CommandSummary, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		log := e.logs.Get(ids[i])
		if log == nil {
			continue
		}
		log.mu.Lock()
		out = append(out, CommandSummary{
			CmdID:     log.ID,
			Command:   truncateCommand(log.Command, 50),
			ExitCode:  log.ExitCode,
			IsRunning: log.Running,
			StartedAt: log.StartedAt.Format(time.RFC3339),
		})
		log.mu.Unlock()
	}
	return out
}

// --- internals ---

func (e *Executor) newLog(command, dir string) *CommandLog {
	log := &CommandLog{
		ID:        uuid.New().String()[:8],
		Command:   command,
		Dir:       dir,
		StartedAt: time.Now(),
		Running:   true,
	}
	e.logs.Store(log)
	return log
}

// startReaders starts the command and drains stdout and stderr into the
// log line by line. The returned channel closes when both streams are
// exhausted and the process has exited.
func (e *Executor) startReaders(cmd *exec.Cmd, log *CommandLog) (chan struct{}, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("attaching stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("attaching stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting command: %w", err)
	}

	g := &errgroup.Group{}
	g.Go(func() error { return drainLines(stdout, log, false) })
	g.Go(func() error { return drainLines(stderr, log, true) })

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		_ = cmd.Wait()
		close(done)
	}()
	return done, nil
}

// drainLines reads newline-terminated lines, keeping the terminator so
// joined output reproduces the original byte stream.
func drainLines(r io.Reader, log *CommandLog, stderr bool) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			log.appendLine(line, stderr)
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func (e *Executor) validateDir(dir string) (string, error) {
	if dir == "" {
		return e.root, nil
	}
	if !filepath.IsAbs(dir) {
		return "", fmt.Errorf("cwd must be an absolute path, got %q", dir)
	}
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", fmt.Errorf("cwd does not exist: %s", dir)
	}
	rel, err := filepath.Rel(e.root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("cwd outside root (%s), got %q", e.root, dir)
	}
	return resolved, nil
}

// formatOutput applies the truncation policy: binary notice, full
// output when verbose, one-line summary for noisy successes, last 10
// lines for success, last 40 for failure.
func (e *Executor) formatOutput(log *CommandLog, verbose bool) *RunResult {
	lines, _ := log.snapshot()
	total := len(lines)

	log.mu.Lock()
	code := log.ExitCode
	command := log.Command
	log.mu.Unlock()

	sample := strings.Join(headOf(lines, 10), "")
	if isBinary(sample) {
		return &RunResult{
			CmdID:      log.ID,
			ExitCode:   code,
			Status:     "completed",
			Output:     "[Binary output detected. Cannot display.]",
			TotalLines: total,
		}
	}

	noisy := isNoisy(command)
	success := code == 0

	var output string
	var shown int
	truncated := false
	switch {
	case verbose:
		output = strings.Join(lines, "")
		shown = total
	case success && noisy:
		output = fmt.Sprintf("✓ Completed successfully. [%d lines suppressed]", total)
		truncated = true
	case success:
		tail := tailOf(lines, successTailLines)
		output = strings.Join(tail, "")
		shown = len(tail)
		truncated = total > successTailLines
	default:
		tail := tailOf(lines, e.tailLines)
		output = strings.Join(tail, "")
		shown = len(tail)
		truncated = total > e.tailLines
	}

	res := &RunResult{
		CmdID:      log.ID,
		ExitCode:   code,
		Status:     "completed",
		Output:     strings.TrimRight(output, "\n"),
		TotalLines: total,
	}
	if truncated && !(success && noisy) {
		res.Hint = fmt.Sprintf("Use read_log(%q) to see more. Showing last %d of %d lines.", log.ID, shown, total)
	}
	return res
}

// killSimilarBackground terminates running processes whose command
// shares the same first three whitespace tokens.
func (e *Executor) killSimilarBackground(command string) {
	sig := commandSignature(command)
	for _, id := range e.logs.RunningIDs() {
		log := e.logs.Get(id)
		if log == nil {
			continue
		}
		log.mu.Lock()
		existing := log.Command
		hasProc := log.proc != nil
		log.mu.Unlock()
		if hasProc && commandSignature(existing) == sig {
			_, _ = e.Terminate(id)
		}
	}
}

func commandSignature(command string) string {
	fields := strings.Fields(command)
	if len(fields) > 3 {
		fields = fields[:3]
	}
	return strings.Join(fields, " ")
}

func exitCode(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}

func tailOf(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}

func headOf(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[:n]
}

func truncateCommand(command string, maxLen int) string {
	if len(command) <= maxLen {
		return command
	}
	return command[:maxLen] + "..."
}

// Package engine orchestrates sessions: it binds each incoming chat
// message to a single in-flight agent turn, provisions the user's
// sandbox on first use and persists completed turns with their step
// traces.
package engine

import (
	"context"
	"fmt"
	"log"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jxucoder/fecoder/agent"
	"github.com/jxucoder/fecoder/executor"
	"github.com/jxucoder/fecoder/llm"
	"github.com/jxucoder/fecoder/model"
	"github.com/jxucoder/fecoder/sandbox"
	"github.com/jxucoder/fecoder/store"
	"github.com/jxucoder/fecoder/workspace"
)

// Sentinel errors mapped to HTTP statuses by the API layer.
var (
	ErrNotFound  = fmt.Errorf("session not found")
	ErrBusy      = fmt.Errorf("session is busy")
	ErrBadState  = fmt.Errorf("session cannot accept messages")
	ErrNoPending = fmt.Errorf("no pending message for session")
)

const historyLimit = 6

// Event is one server-to-client stream element.
type Event struct {
	Type       string      `json:"type"`
	Content    string      `json:"content,omitempty"`
	Tool       string      `json:"tool,omitempty"`
	StepID     string      `json:"step_id,omitempty"`
	Step       *model.Step `json:"step,omitempty"`
	URL        string      `json:"url,omitempty"`
	Message    string      `json:"message,omitempty"`
	PreviewURL string      `json:"preview_url,omitempty"`
}

// Event types on the wire.
const (
	EventPreviewURL   = "preview_url"
	EventToken        = "token"
	EventUserMessage  = "user_message"
	EventToolStart    = "tool_start"
	EventToolEnd      = "tool_end"
	EventPreviewReady = "preview_ready"
	EventError        = "error"
	EventDone         = "done"
)

// pendingSlot records a message accepted but not yet streamed.
type pendingSlot struct {
	userID       string
	content      string
	needsSandbox bool
}

// Engine is the session orchestrator. One Engine serves all users.
type Engine struct {
	store     store.Store
	sandboxes *sandbox.Manager
	runner    *agent.Runner
	exec      *executor.Executor // optional, local background processes

	mu      sync.Mutex
	pending map[string]*pendingSlot
	running map[string]context.CancelFunc
}

// New creates an Engine. exec may be nil when no local executor is in
// play.
func New(st store.Store, sandboxes *sandbox.Manager, client llm.Client, model string, exec *executor.Executor) *Engine {
	return &Engine{
		store:     st,
		sandboxes: sandboxes,
		runner:    agent.NewRunner(client, model),
		exec:      exec,
		pending:   make(map[string]*pendingSlot),
		running:   make(map[string]context.CancelFunc),
	}
}

// CreateSession creates an empty pending session for the user.
func (e *Engine) CreateSession(userID string) (*model.Session, error) {
	now := time.Now().UTC()
	sess := &model.Session{
		ID:           uuid.New().String()[:8],
		UserID:       userID,
		Status:       model.StatusPending,
		CreatedAt:    now,
		LastActivity: now,
	}
	if err := e.store.CreateSession(sess); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return sess, nil
}

// ListSessions returns the user's sessions, newest first.
func (e *Engine) ListSessions(userID string) ([]*model.Session, error) {
	return e.store.ListSessions(userID)
}

// GetSession returns the session when owned by userID; otherwise
// ErrNotFound, indistinguishable from a missing session.
func (e *Engine) GetSession(userID, sessionID string) (*model.Session, error) {
	sess, err := e.store.GetSession(sessionID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if sess.UserID != userID {
		return nil, ErrNotFound
	}
	return sess, nil
}

// UpdateTitle sets the session title.
func (e *Engine) UpdateTitle(userID, sessionID, title string) (*model.Session, error) {
	sess, err := e.GetSession(userID, sessionID)
	if err != nil {
		return nil, err
	}
	sess.Title = title
	sess.LastActivity = time.Now().UTC()
	if err := e.store.UpdateSession(sess); err != nil {
		return nil, fmt.Errorf("updating session: %w", err)
	}
	return sess, nil
}

// DeleteSession destroys the user's sandbox and marks the session
// terminated. An in-flight turn is cancelled first.
func (e *Engine) DeleteSession(ctx context.Context, userID, sessionID string) error {
	sess, err := e.GetSession(userID, sessionID)
	if err != nil {
		return err
	}

	e.cancelTurn(sessionID)
	e.mu.Lock()
	delete(e.pending, sessionID)
	e.mu.Unlock()

	if sess.SandboxID != "" {
		e.sandboxes.Destroy(ctx, userID)
	}
	sess.Status = model.StatusTerminated
	sess.LastActivity = time.Now().UTC()
	if err := e.store.UpdateSession(sess); err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	return nil
}

// GetMessages returns the session's messages with step traces.
func (e *Engine) GetMessages(userID, sessionID string) ([]*model.Message, error) {
	if _, err := e.GetSession(userID, sessionID); err != nil {
		return nil, err
	}
	return e.store.GetMessages(sessionID)
}

// SendMessage accepts a user message for processing. The session flips
// to busy and a pending slot is recorded; StreamEvents consumes it.
func (e *Engine) SendMessage(userID, sessionID, content string) (*model.Session, error) {
	sess, err := e.GetSession(userID, sessionID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if sess.Status == model.StatusBusy || e.pending[sessionID] != nil {
		e.mu.Unlock()
		return nil, ErrBusy
	}
	if sess.Status != model.StatusPending && sess.Status != model.StatusReady {
		e.mu.Unlock()
		return nil, ErrBadState
	}
	e.pending[sessionID] = &pendingSlot{
		userID:       userID,
		content:      content,
		needsSandbox: sess.SandboxID == "",
	}
	e.mu.Unlock()

	if err := e.store.AddMessage(&model.Message{
		SessionID: sessionID,
		Role:      model.RoleUser,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		e.releaseSlot(sessionID)
		return nil, fmt.Errorf("storing message: %w", err)
	}

	sess.Status = model.StatusBusy
	sess.LastActivity = time.Now().UTC()
	if err := e.store.UpdateSession(sess); err != nil {
		e.releaseSlot(sessionID)
		return nil, fmt.Errorf("updating session: %w", err)
	}
	return sess, nil
}

// StreamEvents consumes the session's pending slot and runs the agent
// turn, returning the event stream. The channel closes after the
// terminal done event. Cancelling ctx aborts the turn; a cancelled
// turn persists no assistant message.
func (e *Engine) StreamEvents(ctx context.Context, userID, sessionID string) (<-chan Event, error) {
	sess, err := e.GetSession(userID, sessionID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	slot := e.pending[sessionID]
	if slot == nil || slot.userID != userID {
		e.mu.Unlock()
		return nil, ErrNoPending
	}
	delete(e.pending, sessionID)

	turnCtx, cancel := context.WithCancel(ctx)
	e.running[sessionID] = cancel
	e.mu.Unlock()

	events := make(chan Event, 64)
	go func() {
		defer close(events)
		defer func() {
			cancel()
			e.mu.Lock()
			delete(e.running, sessionID)
			e.mu.Unlock()
		}()
		e.runTurn(turnCtx, sess, slot, events)
	}()
	return events, nil
}

// WorkspaceBackend returns the workspace of the sandbox serving the
// session, for file endpoints and downloads. ErrNotFound when the
// session has no live sandbox.
func (e *Engine) WorkspaceBackend(userID, sessionID string) (workspace.Backend, error) {
	if _, err := e.GetSession(userID, sessionID); err != nil {
		return nil, err
	}
	us := e.sandboxes.Get(userID)
	if us == nil {
		return nil, ErrNotFound
	}
	return workspace.NewRemoteBackend(us.Instance, us.WorkspacePath), nil
}

// Stop cancels the session's in-flight turn, best effort. A message
// that was accepted but never streamed holds no turn; its pending slot
// is released and the session flipped back to ready so it does not
// stay busy forever.
func (e *Engine) Stop(userID, sessionID string) (bool, error) {
	sess, err := e.GetSession(userID, sessionID)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	cancel := e.running[sessionID]
	var hadSlot bool
	if cancel == nil {
		_, hadSlot = e.pending[sessionID]
		delete(e.pending, sessionID)
	}
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		return true, nil
	}
	if !hadSlot {
		return false, nil
	}
	sess.Status = model.StatusReady
	sess.LastActivity = time.Now().UTC()
	if err := e.store.UpdateSession(sess); err != nil {
		log.Printf("engine: updating session %s after stop: %v", sess.ID, err)
	}
	return true, nil
}

// Shutdown destroys all sandboxes and terminates local background
// processes. Called once on process exit.
func (e *Engine) Shutdown(ctx context.Context) {
	n := e.sandboxes.DestroyAll(ctx)
	if n > 0 {
		log.Printf("engine: destroyed %d sandboxes", n)
	}
	if e.exec != nil {
		res := e.exec.CleanupAll()
		if res.TerminatedCount > 0 {
			log.Printf("engine: terminated %d background processes", res.TerminatedCount)
		}
	}
}

func (e *Engine) cancelTurn(sessionID string) {
	e.mu.Lock()
	cancel := e.running[sessionID]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *Engine) releaseSlot(sessionID string) {
	e.mu.Lock()
	delete(e.pending, sessionID)
	e.mu.Unlock()
}

// runTurn drives one agent turn end to end: sandbox provisioning, the
// agent event projection with step collection, then atomic persistence.
func (e *Engine) runTurn(ctx context.Context, sess *model.Session, slot *pendingSlot, events chan<- Event) {
	emit := func(ev Event) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}
	fail := func(msg string) {
		emit(Event{Type: EventError, Message: msg})
		emit(Event{Type: EventDone, PreviewURL: sess.PreviewURL})
		sess.Status = model.StatusReady
		sess.LastActivity = time.Now().UTC()
		if err := e.store.UpdateSession(sess); err != nil {
			log.Printf("engine: updating session %s after failed turn: %v", sess.ID, err)
		}
	}

	if slot.needsSandbox {
		sess.Status = model.StatusCreating
		if err := e.store.UpdateSession(sess); err != nil {
			log.Printf("engine: updating session %s: %v", sess.ID, err)
		}
	}

	us, err := e.sandboxes.GetOrCreate(ctx, slot.userID)
	if err != nil {
		fail(fmt.Sprintf("creating sandbox: %v", err))
		return
	}
	sess.SandboxID = us.SandboxID
	sess.Status = model.StatusBusy

	if url := e.sandboxes.PreviewURL(ctx, slot.userID, 0); url != "" {
		sess.PreviewURL = url
		us.PreviewURL = url
	}
	if err := e.store.UpdateSession(sess); err != nil {
		log.Printf("engine: updating session %s: %v", sess.ID, err)
	}
	if sess.PreviewURL != "" {
		emit(Event{Type: EventPreviewURL, URL: sess.PreviewURL})
	}

	history, err := e.loadHistory(sess.ID, slot.content)
	if err != nil {
		fail(fmt.Sprintf("loading history: %v", err))
		return
	}

	backend := workspace.NewRemoteBackend(us.Instance, us.WorkspacePath)
	tb := agent.NewToolbox(workspace.NewTools(backend), us)

	var (
		steps          []model.Step
		assistantParts []string
		openSteps      = map[string]int{} // tool name -> index of running step
	)

	for ev := range e.runner.Run(ctx, tb, history, slot.content) {
		switch ev.Type {
		case agent.EventToken:
			emit(Event{Type: EventToken, Content: ev.Content})

		case agent.EventUserMessage:
			assistantParts = append(assistantParts, ev.Content)
			emit(Event{Type: EventUserMessage, Content: ev.Content})

		case agent.EventToolStart:
			if !agent.VisibleTools[ev.Tool] {
				continue
			}
			step := model.Step{
				ID:     uuid.New().String()[:8],
				Type:   model.StepTool,
				Title:  stepTitle(ev.Tool, ev.Args),
				Status: model.StepRunning,
			}
			openSteps[ev.Tool] = len(steps)
			steps = append(steps, step)
			emit(Event{Type: EventToolStart, Tool: ev.Tool, Step: &step})

		case agent.EventToolEnd:
			idx, ok := openSteps[ev.Tool]
			if !ok {
				continue
			}
			delete(openSteps, ev.Tool)
			steps[idx].Status = model.StepDone
			emit(Event{Type: EventToolEnd, Tool: ev.Tool, StepID: steps[idx].ID})

		case agent.EventPreviewReady:
			sess.PreviewURL = ev.URL
			step := model.Step{
				ID:     uuid.New().String()[:8],
				Type:   model.StepPreview,
				Title:  "Preview ready",
				Status: model.StepDone,
				URL:    ev.URL,
			}
			steps = append(steps, step)
			emit(Event{Type: EventPreviewReady, URL: ev.URL, Step: &step})

		case agent.EventError:
			emit(Event{Type: EventError, Message: ev.Content})

		case agent.EventDone:
			if ev.URL != "" {
				sess.PreviewURL = ev.URL
			}
		}
	}

	if ctx.Err() != nil {
		// cancelled turn: nothing persisted, session back to ready
		sess.Status = model.StatusReady
		sess.LastActivity = time.Now().UTC()
		if err := e.store.UpdateSession(sess); err != nil {
			log.Printf("engine: updating session %s after cancel: %v", sess.ID, err)
		}
		return
	}

	sess.Status = model.StatusReady
	sess.LastActivity = time.Now().UTC()
	content := strings.Join(assistantParts, "\n")
	if content == "" && len(steps) == 0 {
		// turn produced nothing visible (e.g. LLM error before any
		// tool ran): update the session but add no empty message
		if err := e.store.UpdateSession(sess); err != nil {
			emit(Event{Type: EventError, Message: fmt.Sprintf("persisting turn: %v", err)})
		}
	} else {
		msg := &model.Message{
			SessionID: sess.ID,
			Role:      model.RoleAssistant,
			Content:   content,
			Steps:     steps,
			CreatedAt: time.Now().UTC(),
		}
		if err := e.store.CompleteTurn(sess, msg); err != nil {
			emit(Event{Type: EventError, Message: fmt.Sprintf("persisting turn: %v", err)})
		}
	}
	emit(Event{Type: EventDone, PreviewURL: sess.PreviewURL})
}

// loadHistory returns the last messages as LLM turns, excluding the
// just-persisted user message that starts this turn.
func (e *Engine) loadHistory(sessionID, content string) ([]llm.Message, error) {
	msgs, err := e.store.RecentMessages(sessionID, historyLimit+1)
	if err != nil {
		return nil, err
	}
	if n := len(msgs); n > 0 && msgs[n-1].Role == model.RoleUser && msgs[n-1].Content == content {
		msgs = msgs[:n-1]
	}
	if len(msgs) > historyLimit {
		msgs = msgs[len(msgs)-historyLimit:]
	}
	history := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		history = append(history, llm.Message{Role: m.Role, Content: m.Content})
	}
	return history, nil
}

// stepTitle renders the human-facing label for a visible tool call.
func stepTitle(tool string, args map[string]any) string {
	get := func(key string) string {
		if v, ok := args[key].(string); ok {
			return v
		}
		return ""
	}
	switch tool {
	case "write_file":
		return "Edited " + path.Base(get("path"))
	case "read_file":
		return "Read " + path.Base(get("path"))
	case "list_files":
		p := get("path")
		if p == "" {
			p = "."
		}
		return "Checked " + p
	case "grep_search":
		return fmt.Sprintf("Searched '%s...'", clip(get("pattern"), 20))
	case "fuzzy_find":
		return fmt.Sprintf("Finding '%s'", get("query"))
	case "run_command":
		return fmt.Sprintf("Running %s...", clip(get("command"), 25))
	default:
		return tool
	}
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

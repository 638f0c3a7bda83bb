// Package model defines the core domain types shared across all fecoder packages.
// It has zero dependencies on other fecoder packages.
package model

import "time"

// Status represents the current state of a session.
type Status string

const (
	// StatusPending means the session exists but no sandbox is attached yet.
	StatusPending Status = "pending"
	// StatusCreating means the first message arrived and the sandbox is being provisioned.
	StatusCreating Status = "creating"
	// StatusReady means the sandbox is alive and waiting for the next message.
	StatusReady Status = "ready"
	// StatusBusy means an agent turn is in flight for this session.
	StatusBusy Status = "busy"
	StatusError Status = "error"
	// StatusTerminated means the session was deleted and its sandbox destroyed.
	StatusTerminated Status = "terminated"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Step kinds and states.
const (
	StepTool    = "tool"
	StepPreview = "preview"

	StepRunning = "running"
	StepDone    = "done"
)

// User is a registered account. PasswordHash is never serialized.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Session is a conversation bound to at most one sandbox.
type Session struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	SandboxID    string    `json:"sandbox_id,omitempty"`
	PreviewURL   string    `json:"preview_url,omitempty"`
	Title        string    `json:"title,omitempty"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Message is a single conversation entry. Assistant messages carry the
// ordered step traces collected during the turn that produced them.
type Message struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Steps     []Step    `json:"steps,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Step is one user-visible tool invocation or preview emission during a turn.
type Step struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status string `json:"status"`
	URL    string `json:"url,omitempty"`
}

// Truncate shortens a string to maxLen runes, adding "..." if truncated.
func Truncate(s string, maxLen int) string {
	if maxLen <= 3 {
		r := []rune(s)
		if len(r) <= maxLen {
			return s
		}
		return string(r[:maxLen])
	}
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}

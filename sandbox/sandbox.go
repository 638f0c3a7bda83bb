// Package sandbox manages per-user remote execution environments. A
// Manager enforces the one-sandbox-per-user rule; providers implement
// the actual lifecycle.
package sandbox

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jxucoder/fecoder/workspace"
)

// Instance is one live sandbox as seen by the rest of the system.
type Instance interface {
	ID() string
	WorkspacePath() string
	// Host returns the public host serving the given sandbox port.
	Host(ctx context.Context, port int) (string, error)
	ReadFile(ctx context.Context, path string) (string, error)
	WriteFile(ctx context.Context, path, content string) error
	RunCommand(ctx context.Context, command string, timeout time.Duration) (workspace.CommandResult, error)
	Kill(ctx context.Context) error
}

// Provider allocates sandboxes.
type Provider interface {
	Create(ctx context.Context) (Instance, error)
}

// UserSandbox binds a live instance to its owning user.
type UserSandbox struct {
	UserID           string
	SandboxID        string
	WorkspacePath    string
	PreviewURL       string
	DevServerRunning bool
	Instance         Instance
}

// templateExclude names directories never uploaded with the template.
var templateExclude = map[string]bool{
	"node_modules": true, ".git": true, "__pycache__": true,
	".venv": true, "dist": true,
}

// DefaultPreviewPort is where the template's dev server listens.
const DefaultPreviewPort = 5173

// Manager maintains the user-id → sandbox mapping with strict
// one-per-user semantics.
type Manager struct {
	mu          sync.Mutex
	provider    Provider
	templateDir string // optional local template overlay
	sandboxes   map[string]*UserSandbox
}

// NewManager creates a Manager. templateDir, when non-empty, is a local
// directory uploaded into every new sandbox's workspace.
func NewManager(provider Provider, templateDir string) *Manager {
	return &Manager{
		provider:    provider,
		templateDir: templateDir,
		sandboxes:   make(map[string]*UserSandbox),
	}
}

// Create allocates a fresh sandbox for the user, destroying any
// existing one first.
func (m *Manager) Create(ctx context.Context, userID string) (*UserSandbox, error) {
	m.Destroy(ctx, userID)

	inst, err := m.provider.Create(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating sandbox: %w", err)
	}

	us := &UserSandbox{
		UserID:        userID,
		SandboxID:     inst.ID(),
		WorkspacePath: inst.WorkspacePath(),
		Instance:      inst,
	}

	if _, err := inst.RunCommand(ctx, fmt.Sprintf("mkdir -p %q", us.WorkspacePath), 30*time.Second); err != nil {
		_ = inst.Kill(ctx)
		return nil, fmt.Errorf("preparing workspace: %w", err)
	}

	if m.templateDir != "" {
		n, err := m.uploadTemplate(ctx, inst, us.WorkspacePath)
		if err != nil {
			_ = inst.Kill(ctx)
			return nil, fmt.Errorf("uploading template: %w", err)
		}
		log.Printf("sandbox: uploaded %d template files to %s", n, us.SandboxID)
	}

	m.mu.Lock()
	m.sandboxes[userID] = us
	m.mu.Unlock()
	return us, nil
}

// GetOrCreate returns the user's sandbox, creating one if absent.
func (m *Manager) GetOrCreate(ctx context.Context, userID string) (*UserSandbox, error) {
	if us := m.Get(userID); us != nil {
		return us, nil
	}
	return m.Create(ctx, userID)
}

// Get returns the user's sandbox or nil.
func (m *Manager) Get(userID string) *UserSandbox {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sandboxes[userID]
}

// Destroy removes the user's sandbox. Provider-side kill failures are
// swallowed; the mapping is dropped regardless.
func (m *Manager) Destroy(ctx context.Context, userID string) bool {
	m.mu.Lock()
	us, ok := m.sandboxes[userID]
	if ok {
		delete(m.sandboxes, userID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	if err := us.Instance.Kill(ctx); err != nil {
		log.Printf("sandbox: kill %s failed: %v", us.SandboxID, err)
	}
	return true
}

// DestroyAll terminates every sandbox and returns the count. Called on
// process shutdown.
func (m *Manager) DestroyAll(ctx context.Context) int {
	m.mu.Lock()
	users := make([]string, 0, len(m.sandboxes))
	for userID := range m.sandboxes {
		users = append(users, userID)
	}
	m.mu.Unlock()

	var count int64
	g := &errgroup.Group{}
	for _, userID := range users {
		userID := userID
		g.Go(func() error {
			if m.Destroy(ctx, userID) {
				atomic.AddInt64(&count, 1)
			}
			return nil
		})
	}
	g.Wait()
	return int(count)
}

// PreviewURL returns the public https URL for the sandbox port, or ""
// when the user has no sandbox or the host lookup fails.
func (m *Manager) PreviewURL(ctx context.Context, userID string, port int) string {
	us := m.Get(userID)
	if us == nil {
		return ""
	}
	if port <= 0 {
		port = DefaultPreviewPort
	}
	host, err := us.Instance.Host(ctx, port)
	if err != nil {
		return ""
	}
	return "https://" + host
}

// ListUsers returns the ids of users with an active sandbox.
func (m *Manager) ListUsers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	users := make([]string, 0, len(m.sandboxes))
	for userID := range m.sandboxes {
		users = append(users, userID)
	}
	return users
}

// uploadTemplate copies the local template tree into the sandbox
// workspace, skipping the exclude set. Unreadable files are skipped.
func (m *Manager) uploadTemplate(ctx context.Context, inst Instance, remoteRoot string) (int, error) {
	uploaded := 0
	err := filepath.WalkDir(m.templateDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if templateExclude[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(m.templateDir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil // skip problematic files
		}
		remote := remoteRoot + "/" + strings.ReplaceAll(rel, string(filepath.Separator), "/")
		if err := inst.WriteFile(ctx, remote, string(data)); err != nil {
			return fmt.Errorf("writing %s: %w", remote, err)
		}
		uploaded++
		return nil
	})
	return uploaded, err
}

// Package fecoder is the top-level entry point for the fecoder server.
//
// Use the Builder to compose a custom fecoder application:
//
//	app, err := fecoder.NewBuilder().Build()
//	app.Start(ctx)
//
// Or customize every component:
//
//	app, err := fecoder.NewBuilder().
//	    WithStore(myStore).
//	    WithSandboxProvider(myProvider).
//	    WithLLM(myClient).
//	    Build()
package fecoder

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/jxucoder/fecoder/auth"
	"github.com/jxucoder/fecoder/engine"
	"github.com/jxucoder/fecoder/executor"
	"github.com/jxucoder/fecoder/httpapi"
	"github.com/jxucoder/fecoder/llm"
	"github.com/jxucoder/fecoder/sandbox"
	"github.com/jxucoder/fecoder/store"
)

// Config holds top-level configuration for a fecoder application.
type Config struct {
	// ServerAddr is the address the HTTP server listens on (default ":8000").
	ServerAddr string

	// DataDir is the directory for persistent data (default "~/.fecoder").
	DataDir string

	// DatabasePath is the full path to the SQLite database file.
	DatabasePath string

	// JWTSecret signs session tokens.
	JWTSecret string

	// JWTExpireDays bounds token lifetime (default 7).
	JWTExpireDays int

	// CORSOrigins lists browser origins allowed to call the API.
	CORSOrigins []string

	// E2B provider settings. An empty APIKey selects local sandboxes.
	E2BAPIKey     string
	E2BTemplateID string
	E2BDomain     string
	E2BTimeout    int

	// LLM provider settings (OpenAI-compatible).
	LLMBaseURL string
	LLMAPIKey  string
	LLMModel   string

	// TemplateDir is an optional local template tree uploaded into every
	// new sandbox workspace.
	TemplateDir string

	// WorkspaceRoot is the base directory for local-mode sandboxes.
	WorkspaceRoot string

	// PoolSize pre-warms this many sandboxes (0 disables pre-warming).
	PoolSize int
}

// Builder constructs a fecoder App.
type Builder struct {
	config   Config
	store    store.Store
	authn    *auth.Authenticator
	provider sandbox.Provider
	llm      llm.Client
	exec     *executor.Executor
}

// NewBuilder creates a new Builder with sensible defaults.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithConfig sets the application configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

// WithStore sets the persistence implementation.
func (b *Builder) WithStore(s store.Store) *Builder {
	b.store = s
	return b
}

// WithAuthenticator sets the token authenticator.
func (b *Builder) WithAuthenticator(a *auth.Authenticator) *Builder {
	b.authn = a
	return b
}

// WithSandboxProvider sets the sandbox provider implementation.
func (b *Builder) WithSandboxProvider(p sandbox.Provider) *Builder {
	b.provider = p
	return b
}

// WithLLM sets the LLM client driving agent turns.
func (b *Builder) WithLLM(client llm.Client) *Builder {
	b.llm = client
	return b
}

// WithExecutor sets the local process executor.
func (b *Builder) WithExecutor(e *executor.Executor) *Builder {
	b.exec = e
	return b
}

// Build creates the App. Missing components are filled with defaults.
func (b *Builder) Build() (*App, error) {
	if err := applyDefaults(b); err != nil {
		return nil, err
	}

	var pool *sandbox.Pool
	provider := b.provider
	if b.config.PoolSize > 0 {
		pool = sandbox.NewPool(provider, sandbox.PoolConfig{Size: b.config.PoolSize})
		provider = pool
	}
	manager := sandbox.NewManager(provider, b.config.TemplateDir)

	eng := engine.New(b.store, manager, b.llm, b.config.LLMModel, b.exec)
	handler := httpapi.New(eng, b.store, b.authn, b.config.CORSOrigins)

	return &App{
		config:  b.config,
		engine:  eng,
		handler: handler,
		store:   b.store,
		pool:    pool,
	}, nil
}

// App is a running fecoder application.
type App struct {
	config  Config
	engine  *engine.Engine
	handler *httpapi.Handler
	store   store.Store
	pool    *sandbox.Pool
}

// Engine returns the underlying engine for direct access.
func (a *App) Engine() *engine.Engine { return a.engine }

// Handler returns the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler { return a.handler.Router() }

// Start starts the HTTP server. Blocks until ctx is done, then shuts
// down the server, the sandboxes and any background processes.
func (a *App) Start(ctx context.Context) error {
	if a.pool != nil {
		a.pool.StartPool(ctx)
	}

	srv := &http.Server{
		Addr:    a.config.ServerAddr,
		Handler: a.handler.Router(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("fecoder server listening on %s", a.config.ServerAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	if a.pool != nil {
		a.pool.StopPool()
	}
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	a.engine.Shutdown(cleanupCtx)
	return a.store.Close()
}

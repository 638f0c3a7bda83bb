package fecoder

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jxucoder/fecoder/auth"
	"github.com/jxucoder/fecoder/executor"
	"github.com/jxucoder/fecoder/llm"
	e2bSandbox "github.com/jxucoder/fecoder/sandbox/e2b"
	localSandbox "github.com/jxucoder/fecoder/sandbox/local"
	sqliteStore "github.com/jxucoder/fecoder/store/sqlite"
)

// applyDefaults fills in missing fields on the builder with sensible defaults.
func applyDefaults(b *Builder) error {
	// Config defaults.
	if b.config.ServerAddr == "" {
		b.config.ServerAddr = ":8000"
	}
	if b.config.DataDir == "" {
		b.config.DataDir = defaultDataDir()
	}
	if b.config.DatabasePath == "" {
		b.config.DatabasePath = filepath.Join(b.config.DataDir, "fecoder.db")
	}
	if b.config.JWTSecret == "" {
		b.config.JWTSecret = os.Getenv("JWT_SECRET")
	}
	if b.config.JWTExpireDays == 0 {
		b.config.JWTExpireDays = 7
	}

	// Ensure data dir exists.
	if err := os.MkdirAll(b.config.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	// Store.
	if b.store == nil {
		st, err := sqliteStore.New(b.config.DatabasePath)
		if err != nil {
			return fmt.Errorf("initializing store: %w", err)
		}
		b.store = st
	}

	// Auth.
	if b.authn == nil {
		if b.config.JWTSecret == "" {
			return fmt.Errorf("JWT secret is required")
		}
		b.authn = auth.New(b.config.JWTSecret, b.config.JWTExpireDays)
	}

	// Sandbox provider: E2B when configured, local directories otherwise.
	if b.provider == nil {
		if b.config.E2BAPIKey != "" {
			b.provider = e2bSandbox.New(
				b.config.E2BAPIKey,
				b.config.E2BTemplateID,
				b.config.E2BDomain,
				b.config.E2BTimeout,
			)
		} else {
			b.provider = localSandbox.New(b.config.WorkspaceRoot)
		}
	}

	// Local process executor, used for shutdown cleanup of background
	// processes in local mode.
	if b.exec == nil && b.config.E2BAPIKey == "" {
		root := b.config.WorkspaceRoot
		if root == "" {
			root = os.TempDir()
		}
		exec, err := executor.New(root)
		if err != nil {
			return fmt.Errorf("initializing executor: %w", err)
		}
		b.exec = exec
	}

	// LLM client.
	if b.llm == nil {
		if b.config.LLMAPIKey == "" {
			return fmt.Errorf("LLM API key is required")
		}
		b.llm = llm.NewOpenAIClient(b.config.LLMAPIKey, b.config.LLMBaseURL, b.config.LLMModel)
	}

	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fecoder"
	}
	return filepath.Join(home, ".fecoder")
}

// Package config provides configuration management for the fecoder
// server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds all configuration for the fecoder server.
type Config struct {
	// ServerAddr is the address the HTTP server listens on (e.g., ":8000").
	ServerAddr string

	// DataDir is the directory for persistent data (SQLite DB, etc.).
	DataDir string

	// DatabasePath is the full path to the SQLite database file.
	DatabasePath string

	// JWTSecret signs session tokens. Required.
	JWTSecret string

	// JWTExpireDays bounds token lifetime. Default: 7.
	JWTExpireDays int

	// CORSOrigins lists browser origins allowed to call the API.
	CORSOrigins []string

	// E2B sandbox provider. When E2BAPIKey is empty the server falls
	// back to local directory sandboxes.
	E2BAPIKey     string
	E2BTemplateID string
	E2BDomain     string
	E2BTimeout    int // sandbox lifetime in seconds

	// LLM provider (OpenAI-compatible).
	LLMBaseURL string
	LLMAPIKey  string
	LLMModel   string

	// TemplateDir is an optional local template tree uploaded into every
	// new sandbox workspace.
	TemplateDir string

	// WorkspaceRoot is the base directory for local-mode sandboxes.
	WorkspaceRoot string

	// PoolSize is the number of pre-warmed sandboxes to keep. 0 disables
	// pre-warming.
	PoolSize int
}

// Load creates a Config from environment variables with sensible defaults.
func Load() (*Config, error) {
	dataDir := envOr("FECODER_DATA_DIR", defaultDataDir())
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	cfg := &Config{
		ServerAddr:    envOr("SERVER_ADDR", ":8000"),
		DataDir:       dataDir,
		DatabasePath:  envOr("DATABASE_URL", filepath.Join(dataDir, "fecoder.db")),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		JWTExpireDays: envOrInt("JWT_EXPIRE_DAYS", 7),
		CORSOrigins:   splitList(os.Getenv("CORS_ORIGINS")),
		E2BAPIKey:     os.Getenv("E2B_API_KEY"),
		E2BTemplateID: os.Getenv("E2B_TEMPLATE_ID"),
		E2BDomain:     envOr("E2B_DOMAIN", "e2b.app"),
		E2BTimeout:    envOrInt("E2B_TIMEOUT", 900),
		LLMBaseURL:    os.Getenv("LLM_BASE_URL"),
		LLMAPIKey:     os.Getenv("LLM_API_KEY"),
		LLMModel:      os.Getenv("LLM_MODEL"),
		TemplateDir:   os.Getenv("TEMPLATE_DIR"),
		WorkspaceRoot: os.Getenv("WORKSPACE_ROOT"),
		PoolSize:      envOrInt("SANDBOX_POOL_SIZE", 0),
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.LLMAPIKey == "" {
		return fmt.Errorf("LLM_API_KEY is required")
	}
	return nil
}

// E2BEnabled returns true if the remote sandbox provider is configured.
func (c *Config) E2BEnabled() bool {
	return c.E2BAPIKey != ""
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fecoder"
	}
	return filepath.Join(home, ".fecoder")
}

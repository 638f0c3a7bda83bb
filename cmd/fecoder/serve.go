package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	fecoder "github.com/jxucoder/fecoder"
	"github.com/jxucoder/fecoder/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the fecoder server",
	Long:  "Start the fecoder API server that manages users, sessions and sandboxed agent turns.",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Load .env into the environment when present (non-destructive).
	if err := godotenv.Load(); err == nil {
		log.Printf("loaded configuration from .env")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	app, err := fecoder.NewBuilder().
		WithConfig(fecoder.Config{
			ServerAddr:    cfg.ServerAddr,
			DataDir:       cfg.DataDir,
			DatabasePath:  cfg.DatabasePath,
			JWTSecret:     cfg.JWTSecret,
			JWTExpireDays: cfg.JWTExpireDays,
			CORSOrigins:   cfg.CORSOrigins,
			E2BAPIKey:     cfg.E2BAPIKey,
			E2BTemplateID: cfg.E2BTemplateID,
			E2BDomain:     cfg.E2BDomain,
			E2BTimeout:    cfg.E2BTimeout,
			LLMBaseURL:    cfg.LLMBaseURL,
			LLMAPIKey:     cfg.LLMAPIKey,
			LLMModel:      cfg.LLMModel,
			TemplateDir:   cfg.TemplateDir,
			WorkspaceRoot: cfg.WorkspaceRoot,
			PoolSize:      cfg.PoolSize,
		}).
		Build()
	if err != nil {
		return fmt.Errorf("building app: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !cfg.E2BEnabled() {
		log.Printf("E2B_API_KEY not set, using local sandboxes")
	}
	return app.Start(ctx)
}

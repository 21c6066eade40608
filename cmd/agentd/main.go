// Package main is the agentd entry point: a single cobra `serve` command
// wiring the Agent Turn Engine's subsystems (C1-C7) into one HTTP+WS
// listener.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentd/agentd/internal/catalog"
	"github.com/agentd/agentd/internal/config"
	"github.com/agentd/agentd/internal/engine"
	"github.com/agentd/agentd/internal/executor"
	"github.com/agentd/agentd/internal/gateway"
	"github.com/agentd/agentd/internal/httpapi"
	"github.com/agentd/agentd/internal/logging"
	"github.com/agentd/agentd/internal/provider"
	"github.com/agentd/agentd/internal/push"
	"github.com/agentd/agentd/internal/session"
	"github.com/agentd/agentd/internal/storage"
)

const version = "0.1.0"

var (
	listenAddr string
	directory  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the agentd server",
	Long:  `Start agentd as a headless server mediating between a client and LLM providers.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "HTTP+WS bind address (overrides config)")
	serveCmd.Flags().StringVarP(&directory, "directory", "d", "", "Default project working directory")
}

func main() {
	logging.Init(logging.DefaultConfig())
	defer logging.Close()

	if err := serveCmd.Execute(); err != nil {
		logging.Fatal().Err(err).Msg("agentd exited with error")
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir := directory
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get working directory: %w", err)
		}
		workDir = wd
	}

	logging.Info().Str("version", version).Str("directory", workDir).Msg("starting agentd")

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return fmt.Errorf("failed to create data directories: %w", err)
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}

	store := session.New(storage.New(paths.Data), cfg.IdleEviction)
	cat := catalog.New()
	providers := provider.NewRegistry(cfg)
	pushDispatcher := push.New(cfg.PushTarget)

	eng := engine.New(store, cat, providers, cfg, pushDispatcher)
	defer eng.Close()

	registerTools(cat, cfg, eng)

	mux := http.NewServeMux()
	mux.Handle("/ws", gateway.NewServer(eng, store))
	mux.Handle("/", httpapi.New(store, eng))

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	go func() {
		logging.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("server shutdown error")
	}

	logging.Info().Msg("stopped")
	return nil
}

// registerTools binds the four canonical tools (§4.2) to their executor
// functions, closing over the config-derived limits and workspace
// boundary that catalog.ExecContext doesn't carry per-call.
func registerTools(cat *catalog.Catalog, cfg *config.Config, eng *engine.Engine) {
	bashLimits := executor.BashLimits{Timeout: cfg.BashTimeout, OutputCap: cfg.BashOutputCap}
	cat.Register(catalog.Descriptor{
		Name:        "bash",
		Description: "Run a shell command with a timeout.",
		Schema:      bashSchema,
		Classify:    func(input map[string]any) catalog.SafetyClass { return executor.ClassifyBash(input, cfg.BashAutoApprove) },
		Execute: func(ctx context.Context, input map[string]any, execCtx catalog.ExecContext) (string, bool, error) {
			return executor.ExecuteBash(ctx, input, execCtx, bashLimits)
		},
	})

	cat.Register(catalog.Descriptor{
		Name:        "str_replace_based_edit_tool",
		Description: "View, create, or edit a file: view/create/str_replace/insert.",
		Schema:      editSchema,
		Classify:    executor.ClassifyEdit,
		Execute: func(ctx context.Context, input map[string]any, execCtx catalog.ExecContext) (string, bool, error) {
			return executor.ExecuteEdit(ctx, input, execCtx, cfg.WorkspaceRoot)
		},
	})

	webSearch := executor.NewWebSearchClient()
	cat.Register(catalog.Descriptor{
		Name:        "web_search",
		Description: "Perform a web query, or fetch a specific URL when given one.",
		Schema:      webSearchSchema,
		Safety:      catalog.Network,
		Execute:     webSearch.Dispatch,
	})

	cat.Register(catalog.Descriptor{
		Name:        "work_plan",
		Description: "Create, complete, or revise the session's work plan.",
		Schema:      workPlanSchema,
		Safety:      catalog.Safe,
		Execute:     executor.NewWorkPlanExec(eng.WorkPlanStore()),
	})
}

var (
	bashSchema = []byte(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "The shell command to run."}
		},
		"required": ["command"]
	}`)

	editSchema = []byte(`{
		"type": "object",
		"properties": {
			"command":     {"type": "string", "enum": ["view", "create", "str_replace", "insert"]},
			"path":        {"type": "string"},
			"file_text":   {"type": "string", "description": "Content for create."},
			"old_str":     {"type": "string", "description": "Exact or fuzzy text to replace."},
			"new_str":     {"type": "string", "description": "Replacement text, or insert content."},
			"insert_line": {"type": "integer", "description": "Line number to insert after."}
		},
		"required": ["command", "path"]
	}`)

	webSearchSchema = []byte(`{
		"type": "object",
		"properties": {
			"query":  {"type": "string", "description": "Search query."},
			"url":    {"type": "string", "description": "Fetch this URL directly instead of searching."},
			"format": {"type": "string", "enum": ["markdown", "text", "html"]}
		}
	}`)

	workPlanSchema = []byte(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "enum": ["create", "complete", "revise"]},
			"items":   {"type": "array", "description": "Initial plan items for create, or upsert-by-id patches for revise."},
			"id":      {"type": "string", "description": "Item id for complete."}
		},
		"required": ["command"]
	}`)
)

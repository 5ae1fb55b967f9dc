package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/agentd/internal/agent"
	"github.com/nextlevelbuilder/agentd/internal/config"
	"github.com/nextlevelbuilder/agentd/internal/httpapi"
	"github.com/nextlevelbuilder/agentd/internal/mcp"
	"github.com/nextlevelbuilder/agentd/internal/providers"
	"github.com/nextlevelbuilder/agentd/internal/sandbox"
	"github.com/nextlevelbuilder/agentd/internal/schedule"
	"github.com/nextlevelbuilder/agentd/internal/store"
	"github.com/nextlevelbuilder/agentd/internal/store/pg"
	"github.com/nextlevelbuilder/agentd/internal/store/sqlite"
	"github.com/nextlevelbuilder/agentd/internal/stream"
	"github.com/nextlevelbuilder/agentd/internal/tools"
	"github.com/nextlevelbuilder/agentd/internal/tracing"
)

const shutdownTimeout = 15 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the agent execution server",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("config load failed", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	if cfg.LLM.APIKey == "" {
		slog.Error("LLM_API_KEY is not set; run `agentd onboard` first")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	traceShutdown, err := tracing.Init(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Error("tracing init failed", "error", err)
		os.Exit(1)
	}

	// Event fabric: Redis when configured, in-process otherwise.
	ttls := stream.TTLs{ResponseList: cfg.Runs.ResponseListTTL(), Status: cfg.Runs.StatusTTL()}
	var fabric stream.Fabric
	if cfg.KV.URL != "" {
		fabric, err = stream.NewRedisFabric(cfg.KV.URL, ttls)
		if err != nil {
			slog.Error("redis fabric init failed", "url", cfg.KV.URL, "error", err)
			os.Exit(1)
		}
		slog.Info("event fabric: redis")
	} else {
		fabric = stream.NewMemoryFabric(ttls)
		slog.Info("event fabric: in-process")
	}

	stores, err := openStores(cfg)
	if err != nil {
		slog.Error("store init failed", "driver", cfg.Database.Driver, "error", err)
		os.Exit(1)
	}

	workspace := config.ExpandHome(cfg.Sandbox.Workspace)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		slog.Error("workspace create failed", "path", workspace, "error", err)
		os.Exit(1)
	}

	// Sandbox: Docker if the daemon answers, host execution otherwise.
	var sandboxMgr sandbox.Manager
	sandboxEnabled := false
	dockerMgr, err := sandbox.NewDockerManager(sandbox.DockerConfig{
		Image:            cfg.Sandbox.Image,
		ProvisionTimeout: time.Duration(cfg.Sandbox.ProvisionTimeoutSeconds) * time.Second,
	})
	if err != nil {
		slog.Warn("docker unavailable, tools run on the host", "error", err)
		sandboxMgr = sandbox.Disabled()
	} else {
		sandboxMgr = dockerMgr
		sandboxEnabled = true
		slog.Info("sandbox: docker", "image", cfg.Sandbox.Image)
	}

	provider := providers.New(cfg.LLM)

	registry := tools.NewRegistry()
	registerBuiltinTools(registry, cfg, workspace, sandboxMgr)

	mcpMgr := mcp.NewManager(registry, cfg.Tools.MCP)
	if err := mcpMgr.Start(ctx); err != nil {
		slog.Warn("some MCP servers failed to connect", "error", err)
	}

	ctxmgr := agent.NewContextManager(agent.ContextManagerConfig{
		Messages: stores.Messages,
		Provider: provider,
		LLM:      cfg.LLM,
		Context:  cfg.Context,
	})

	runner := agent.NewRunner(agent.RunnerConfig{
		Provider:       provider,
		Registry:       registry,
		Dispatcher:     tools.NewDispatcher(registry),
		Stores:         stores,
		Fabric:         fabric,
		Context:        ctxmgr,
		DefaultModel:   cfg.LLM.DefaultModel,
		MaxIterations:  cfg.Runs.MaxAutoContinues,
		ToolTimeout:    time.Duration(cfg.Runs.ToolTimeoutSeconds) * time.Second,
		MaxTokens:      cfg.LLM.MaxTokens,
		Temperature:    cfg.LLM.Temperature,
		Workspace:      workspace,
		SandboxEnabled: sandboxEnabled,
	})

	manager := agent.NewManager(agent.ManagerConfig{
		Runner:           runner,
		Stores:           stores,
		Fabric:           fabric,
		WorkerPoolSize:   cfg.Runs.WorkerPoolSize,
		AdmissionTimeout: cfg.Runs.AdmissionTimeout(),
	})
	manager.SweepOrphans(ctx)

	sched, err := schedule.New(manager, stores, cfg.Schedule)
	if err != nil {
		slog.Error("schedule init failed", "error", err)
		os.Exit(1)
	}
	sched.Start(ctx)

	// Hot-reload context tunables on config file change.
	if err := config.Watch(ctx, cfgPath, func(next *config.Config) {
		ctxmgr.UpdateTunables(next.LLM, next.Context)
	}); err != nil {
		slog.Warn("config watch unavailable", "error", err)
	}

	api := httpapi.NewServer(httpapi.Deps{
		Server:    cfg.Server,
		Manager:   manager,
		Stores:    stores,
		Fabric:    fabric,
		MCP:       mcpMgr,
		Workspace: workspace,
		Version:   Version,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(api.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		sched.Stop()
		if err := api.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown", "error", err)
		}
		if err := manager.Shutdown(shutdownCtx); err != nil {
			slog.Warn("run manager shutdown", "error", err)
		}
		mcpMgr.Stop()
		tools.ShutdownBrowser()
		if err := sandboxMgr.Shutdown(shutdownCtx); err != nil {
			slog.Warn("sandbox shutdown", "error", err)
		}
		if err := fabric.Close(); err != nil {
			slog.Warn("fabric close", "error", err)
		}
		if err := stores.Close(); err != nil {
			slog.Warn("store close", "error", err)
		}
		if err := traceShutdown(shutdownCtx); err != nil {
			slog.Warn("tracing shutdown", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

func openStores(cfg *config.Config) (*store.Stores, error) {
	switch cfg.Database.Driver {
	case "postgres":
		return pg.NewStores(cfg.Database.PostgresDSN)
	case "memory":
		return store.NewMemoryStores(), nil
	default:
		return sqlite.NewStores(config.ExpandHome(cfg.Database.SQLitePath))
	}
}

// registerBuiltinTools wires the builtin tool set per config. Registration
// errors indicate a duplicate name, which is a programming error here.
func registerBuiltinTools(registry *tools.Registry, cfg *config.Config, workspace string, sandboxMgr sandbox.Manager) {
	register := func(t tools.Tool) {
		if t == nil {
			return
		}
		if err := registry.Register(t); err != nil {
			slog.Error("builtin tool registration failed", "tool", t.Name(), "error", err)
		}
	}

	register(tools.NewShellTool(tools.ShellConfig{
		Workspace: workspace,
		Restrict:  cfg.Tools.Shell.Restrict,
		Timeout:   time.Duration(cfg.Tools.Shell.TimeoutSeconds) * time.Second,
		Sandbox:   sandboxMgr,
	}))

	fileCfg := tools.FileToolConfig{
		Workspace: workspace,
		Restrict:  cfg.Tools.Shell.Restrict,
		Sandbox:   sandboxMgr,
	}
	register(tools.NewReadFileTool(fileCfg))
	register(tools.NewWriteFileTool(fileCfg))
	register(tools.NewStrReplaceTool(fileCfg))
	register(tools.NewDeleteFileTool(fileCfg))
	register(tools.NewListDirTool(fileCfg))

	register(tools.NewCompleteTool())
	register(tools.NewAskTool())

	if cfg.Tools.Web.Enabled {
		search := tools.NewWebSearchTool(tools.WebSearchConfig{
			BraveAPIKey:     os.Getenv("BRAVE_API_KEY"),
			BraveEnabled:    true,
			BraveMaxResults: cfg.Tools.Web.MaxResults,
			DDGEnabled:      true,
			DDGMaxResults:   cfg.Tools.Web.MaxResults,
		})
		if search != nil {
			register(search)
		}
		register(tools.NewWebFetchTool(tools.WebFetchConfig{}))
	}

	if cfg.Tools.Browser.Enabled {
		register(tools.NewBrowserNavigateTool())
		register(tools.NewBrowserExtractTool())
		register(tools.NewBrowserTakeoverTool())
	}
}

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/basket/microclaw/internal/agent"
	"github.com/basket/microclaw/internal/channels"
	"github.com/basket/microclaw/internal/config"
	"github.com/basket/microclaw/internal/gateway"
	"github.com/basket/microclaw/internal/hooks"
	"github.com/basket/microclaw/internal/mcp"
	"github.com/basket/microclaw/internal/memory"
	"github.com/basket/microclaw/internal/obs"
	"github.com/basket/microclaw/internal/pathguard"
	"github.com/basket/microclaw/internal/provider"
	"github.com/basket/microclaw/internal/runs"
	"github.com/basket/microclaw/internal/sandbox"
	"github.com/basket/microclaw/internal/scheduler"
	"github.com/basket/microclaw/internal/skills"
	"github.com/basket/microclaw/internal/storage"
	"github.com/basket/microclaw/internal/telemetry"
	"github.com/basket/microclaw/internal/tools"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	loadDotEnv(".env")

	dataDir := flag.String("data", config.DefaultDataDir(), "data directory")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*dataDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.DataDir, cfg.LogLevel, false)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)
	logger.Info("starting", "version", Version, "data_dir", cfg.DataDir)

	otelProvider, err := obs.Init(ctx, cfg.OTELExporter, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), Version)
	if err != nil {
		fatal(logger, "otel init", err)
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutCtx)
	}()

	store, err := storage.Open(cfg.DatabasePath())
	if err != nil {
		fatal(logger, "open store", err)
	}
	defer store.Close()

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		logger.Warn("unknown timezone, using local", "timezone", cfg.Timezone, "error", err)
		loc = time.Local
	}

	runReg := runs.NewRegistry(logger, runs.WithSink(&sseSink{store: store}))

	var pipeline *hooks.Pipeline
	if cfg.Hooks.Dir != "" {
		discovered, errs := hooks.Discover(cfg.Hooks.Dir)
		for _, derr := range errs {
			logger.Warn("hook skipped", "error", derr)
		}
		pipeline = hooks.NewPipeline(discovered, cfg.HooksStatePath(),
			cfg.Hooks.MaxInputBytes, cfg.Hooks.MaxOutputBytes, logger)
		logger.Info("hooks loaded", "count", len(discovered))
	}

	var runner sandbox.ContainerRunner
	if cfg.Sandbox.Mode == "all" {
		docker, derr := sandbox.NewDocker(cfg.Sandbox.Image, cfg.Sandbox.ContainerPrefix, cfg.Sandbox.NoNetwork)
		if derr != nil {
			if cfg.Sandbox.RequireRuntime {
				fatal(logger, "sandbox runtime required but unavailable", derr)
			}
			logger.Warn("container runtime unavailable, tools fall back to host", "error", derr)
		} else {
			runner = docker
			defer docker.Close()
		}
	}
	router := sandbox.NewRouter(cfg.Sandbox.Mode, cfg.Sandbox.RequireRuntime, runner, logger)

	guard, err := pathguard.New(cfg.PathAllowlistFile)
	if err != nil {
		fatal(logger, "path allowlist", err)
	}

	mcpFile, err := mcp.LoadFile(cfg.MCPConfigPath())
	if err != nil {
		fatal(logger, "mcp.json", err)
	}
	mcpManager := mcp.NewManager(mcpFile,
		time.Duration(cfg.DefaultMCPRequestTimeoutSecs)*time.Second, logger)
	mcpManager.Start(ctx)
	defer mcpManager.Stop()

	memService, err := memory.NewService(store, &cfg, mcpManager, logger)
	if err != nil {
		fatal(logger, "memory service", err)
	}

	llm, err := provider.New(provider.Settings{
		Provider:  cfg.LLMProvider,
		Model:     cfg.Model,
		APIKey:    cfg.APIKey,
		BaseURL:   cfg.LLMBaseURL,
		MaxTokens: cfg.MaxTokens,
	})
	if err != nil {
		fatal(logger, "llm provider", err)
	}

	skillSvc := skills.NewService(cfg.SkillsDir())
	if err := skillSvc.Reload(); err != nil {
		logger.Warn("skill load completed with errors", "error", err)
	}
	skillWatcher := skills.NewWatcher(skillSvc, logger)
	go func() {
		if werr := skillWatcher.Run(ctx); werr != nil && ctx.Err() == nil {
			logger.Error("skill watcher stopped", "error", werr)
		}
	}()

	runtime := tools.NewRuntime(pipeline, cfg.ToolTimeoutSecs, logger)

	eng := &engineHandle{}
	hub := channels.NewHub(&cfg, store, eng, logger)
	hub.Register(channels.NewLoopback("web"))

	registry := tools.NewRegistry()
	registry.MustRegister(
		tools.NewReadFileTool(guard),
		tools.NewWriteFileTool(guard),
		tools.NewEditFileTool(guard),
		tools.NewGlobTool(guard),
		tools.NewGrepTool(guard),
		tools.NewShellTool(router),
		tools.NewWebFetchTool(),
		tools.NewWebSearchTool(os.Getenv("BRAVE_API_KEY"), os.Getenv("MICROCLAW_SEARCH_PROVIDER"), logger),
		tools.NewTodoReadTool(cfg.DataDir),
		tools.NewTodoWriteTool(cfg.DataDir),
		tools.NewRememberTool(memService),
		tools.NewForgetTool(memService),
		tools.NewWriteMemoryTool(memService),
		tools.NewReadMemoryTool(memService),
		tools.NewSendMessageTool(hub),
		tools.NewScheduleTaskTool(store, loc),
		tools.NewListScheduledTasksTool(store),
		tools.NewCancelScheduledTaskTool(store),
		tools.NewListDLQTool(store),
		tools.NewReplayDLQTool(store),
		tools.NewExportChatTool(store),
		tools.NewUseSkillTool(skillCatalog{svc: skillSvc}),
		tools.NewSpawnSubAgentTool(eng.Spawn),
	)
	if n := tools.RegisterMCPTools(registry, mcpManager, logger); n > 0 {
		logger.Info("mcp tools registered", "count", n)
	}

	ag := agent.New(&cfg, store, llm, registry, runtime, memService, runReg, logger)
	eng.set(ag)

	if cfg.ReflectorEnabled {
		reflector := memory.NewReflector(memService, llm,
			time.Duration(cfg.ReflectorIntervalMins)*time.Minute, logger)
		go reflector.Run(ctx)
	}

	sched := scheduler.New(scheduler.Config{
		Store:     store,
		Engine:    eng,
		Deliverer: hub,
		Location:  loc,
		Interval:  time.Duration(cfg.SchedulerTickSecs) * time.Second,
		Logger:    logger,
	})
	sched.Start(ctx)
	defer sched.Stop()

	go hub.Start(ctx)

	sampler := obs.NewSampler(store, obs.ProcessCounters(), mcpManager, logger)
	go sampler.Run(ctx)

	confWatcher := config.NewWatcher(cfg.DataDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher start failed", "error", err)
	} else {
		go watchConfig(ctx, confWatcher, &cfg, logger)
	}

	if !cfg.WebEnabled {
		logger.Info("web gateway disabled")
		<-ctx.Done()
		logger.Info("shutdown complete")
		return
	}

	bootstrap, err := loadBootstrapToken(ctx, store, cfg.DataDir, logger)
	if err != nil {
		fatal(logger, "bootstrap token", err)
	}

	gw := gateway.NewServer(gateway.Config{
		Cfg:            &cfg,
		Store:          store,
		Engine:         eng,
		Deliverer:      hub,
		Runs:           runReg,
		Metrics:        sampler,
		Version:        Version,
		BootstrapToken: bootstrap,
		Logger:         logger,
	})
	if err := gw.Run(ctx); err != nil && err != http.ErrServerClosed {
		fatal(logger, "gateway", err)
	}
	logger.Info("shutdown complete")
}

// watchConfig applies hot-reloadable file changes. Most config fields
// need a restart; the persona file and mcp.json are picked up live.
func watchConfig(ctx context.Context, w *config.Watcher, cfg *config.Config, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			switch filepath.Base(ev.Path) {
			case "SOUL.md":
				data, err := os.ReadFile(ev.Path)
				if err != nil {
					logger.Warn("SOUL.md reload failed", "error", err)
					continue
				}
				cfg.SOUL = strings.TrimSpace(string(data))
				logger.Info("SOUL.md hot-reloaded")
			case "mcp.json":
				logger.Info("mcp.json changed; restart to apply server changes")
			case config.ConfigFileName:
				logger.Info("config file changed; restart to apply")
			}
		}
	}
}

// loadBootstrapToken returns the token that authorizes the first
// password set. Once a password exists the bootstrap path stays closed,
// so no token is issued.
func loadBootstrapToken(ctx context.Context, store *storage.Store, dataDir string, logger *slog.Logger) (string, error) {
	hash, err := store.PasswordHash(ctx)
	if err != nil {
		return "", err
	}
	if hash != "" {
		return "", nil
	}
	tokenPath := filepath.Join(dataDir, "bootstrap.token")
	if b, err := os.ReadFile(tokenPath); err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist bootstrap token: %w", err)
	}
	logger.Info("no operator password set; bootstrap token written", "path", tokenPath)
	return token, nil
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

// Command gaia-world is the main entry point for the Gaia world runtime server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Aeonia-ai/gaia-world/internal/broadcast"
	"github.com/Aeonia-ai/gaia-world/internal/command"
	"github.com/Aeonia-ai/gaia-world/internal/config"
	"github.com/Aeonia-ai/gaia-world/internal/docstore"
	"github.com/Aeonia-ai/gaia-world/internal/experience"
	"github.com/Aeonia-ai/gaia-world/internal/fastpath"
	"github.com/Aeonia-ai/gaia-world/internal/gateway"
	"github.com/Aeonia-ai/gaia-world/internal/health"
	"github.com/Aeonia-ai/gaia-world/internal/mcpserver"
	"github.com/Aeonia-ai/gaia-world/internal/mdrunner"
	"github.com/Aeonia-ai/gaia-world/internal/observe"
	"github.com/Aeonia-ai/gaia-world/internal/state"
	"github.com/Aeonia-ai/gaia-world/pkg/provider/llm"
	"github.com/Aeonia-ai/gaia-world/pkg/provider/llm/anyllm"
	"github.com/Aeonia-ai/gaia-world/pkg/provider/llm/mock"
	oaillm "github.com/Aeonia-ai/gaia-world/pkg/provider/llm/openai"
)

const version = "1.0.0"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	mcpMode := flag.Bool("mcp", false, "serve over the MCP stdio transport instead of the network gateway")
	flag.Parse()

	// Local secrets for development. Missing files are fine.
	_ = godotenv.Overload(".env.local")
	_ = godotenv.Overload(".env")

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "gaia-world: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "gaia-world: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// In MCP mode stdout carries the protocol, so logs always go to stderr.
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("gaia-world starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"mcp", *mcpMode,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── LLM provider ──────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	provider, err := buildLLMProvider(cfg, reg)
	if err != nil {
		slog.Error("failed to build llm provider", "err", err)
		return 1
	}

	// ── Document store ────────────────────────────────────────────────────────
	store, closeStore, err := buildStore(ctx, cfg.Store)
	if err != nil {
		slog.Error("failed to open document store", "err", err)
		return 1
	}
	defer closeStore()

	// ── Core runtime ──────────────────────────────────────────────────────────
	exps := experience.NewLoader(cfg.Content.Root)
	states := state.NewManager(store, exps)
	registry := command.NewRegistry(exps)
	engine := fastpath.NewEngine(states)
	runner := mdrunner.NewRunner(states, provider, cfg.LLM.NarrativePass)

	metrics := observe.DefaultMetrics()

	busOpts := []broadcast.Option{
		broadcast.WithDropHook(func(subject string) {
			metrics.RecordBroadcastDrop(context.Background(), subject)
		}),
	}
	if cfg.Broadcast.QueueSize > 0 {
		busOpts = append(busOpts, broadcast.WithQueueSize(cfg.Broadcast.QueueSize))
	}
	if cfg.Broadcast.NATSURL != "" {
		nc, err := nats.Connect(cfg.Broadcast.NATSURL, nats.Name("gaia-world"))
		if err != nil {
			slog.Error("failed to connect to NATS mirror", "url", cfg.Broadcast.NATSURL, "err", err)
			return 1
		}
		defer nc.Drain()
		busOpts = append(busOpts, broadcast.WithMirror(nc))
		slog.Info("broadcast mirror connected", "url", cfg.Broadcast.NATSURL)
	}
	bus := broadcast.New(busOpts...)

	dispatcher := gateway.NewDispatcher(states, engine, runner, registry, bus)

	// ── MCP stdio mode ────────────────────────────────────────────────────────
	if *mcpMode {
		srv := mcpserver.New(states, dispatcher, cfg.Server.AdminPlayers)
		if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("mcp server error", "err", err)
			return 1
		}
		return 0
	}

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownOtel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "gaia-world",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOtel(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Config watcher ────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			slog.SetDefault(newLogger(d.NewLogLevel))
			slog.Info("log level updated", "level", d.NewLogLevel)
		}
		if d.LLMChanged || d.BroadcastChanged {
			slog.Warn("llm and broadcast config changes require a restart to take effect")
		}
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Gateway ───────────────────────────────────────────────────────────────
	checkers := []health.Checker{
		health.ContentRoot(cfg.Content.Root),
		health.Store(store),
	}
	if provider != nil {
		checkers = append(checkers, health.LLM(provider))
	}
	checks := health.New(checkers...)

	verifier := gateway.NewJWTVerifier([]byte(cfg.Server.AuthSecret))

	srvOpts := []gateway.ServerOption{
		gateway.WithHealth(checks),
		gateway.WithMetricsHandler(promhttp.Handler()),
		gateway.WithMetrics(metrics),
	}
	if cfg.Server.TLS != nil {
		srvOpts = append(srvOpts, gateway.WithTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile))
	}
	srv := gateway.NewServer(cfg.Server.ListenAddr, verifier, dispatcher, states, bus, srvOpts...)

	printStartupSummary(cfg)
	slog.Info("server ready — press Ctrl+C to shut down")

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the LLM provider factories that ship with the
// server into reg. Most cloud backends ride the any-llm gateway; "openai" uses
// the native SDK for strict JSON response formats.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterLLM("openai", func(entry config.LLMConfig) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range []string{"anthropic", "gemini", "deepseek", "mistral", "groq"} {
		reg.RegisterLLM(providerName, func(entry config.LLMConfig) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.LLMConfig) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// mock replays canned responses; useful for local content authoring
	// without burning tokens.
	reg.RegisterLLM("mock", func(entry config.LLMConfig) (llm.Provider, error) {
		return &mock.Provider{}, nil
	})
}

// buildLLMProvider instantiates the provider named in cfg, or returns nil when
// none is configured. Markdown commands fail gracefully without a provider;
// fast-path and admin commands keep working.
func buildLLMProvider(cfg *config.Config, reg *config.Registry) (llm.Provider, error) {
	name := cfg.LLM.Name
	if name == "" {
		slog.Warn("no llm provider configured; markdown commands will be unavailable")
		return nil, nil
	}
	p, err := reg.CreateLLM(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", name, err)
	}
	slog.Info("provider created", "kind", "llm", "name", name, "model", cfg.LLM.Model)
	return p, nil
}

// buildStore opens the configured document store backend and returns it with
// a close function.
func buildStore(ctx context.Context, cfg config.StoreConfig) (docstore.Store, func(), error) {
	switch cfg.Backend {
	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		store := docstore.NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate postgres schema: %w", err)
		}
		slog.Info("document store ready", "backend", "postgres")
		return store, pool.Close, nil
	default:
		store, err := docstore.NewFSStore(cfg.FSRoot)
		if err != nil {
			return nil, nil, fmt.Errorf("open fs store at %q: %w", cfg.FSRoot, err)
		}
		slog.Info("document store ready", "backend", "fs", "root", cfg.FSRoot)
		return store, func() {}, nil
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        gaia-world — startup           ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Listen addr", cfg.Server.ListenAddr)
	printRow("Content root", cfg.Content.Root)
	printRow("Store", string(cfg.Store.Backend))
	llmValue := cfg.LLM.Name
	if llmValue == "" {
		llmValue = "(not configured)"
	} else if cfg.LLM.Model != "" {
		llmValue = cfg.LLM.Name + " / " + cfg.LLM.Model
	}
	printRow("LLM", llmValue)
	if cfg.Broadcast.NATSURL != "" {
		printRow("NATS mirror", cfg.Broadcast.NATSURL)
	} else {
		printRow("NATS mirror", "(disabled)")
	}
	if cfg.Server.TLS != nil {
		printRow("TLS", "enabled")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// Command backend is the main entrypoint for the streamcore chat service.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Manages the Twitch credential pair: startup validation, on-demand and
//     scheduled refresh, persistence back to the env file.
//   - Connects to Twitch IRC and turns chat into experience awards through
//     the per-identity ledger, publishing events on the in-process bus.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status,
//     /metrics, and /levels/top.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/streamcore/backend/bus"
	"github.com/onnwee/streamcore/backend/chat"
	"github.com/onnwee/streamcore/backend/config"
	"github.com/onnwee/streamcore/backend/db"
	"github.com/onnwee/streamcore/backend/irc"
	"github.com/onnwee/streamcore/backend/levels"
	"github.com/onnwee/streamcore/backend/server"
	"github.com/onnwee/streamcore/backend/telemetry"
	"github.com/onnwee/streamcore/backend/token"
	"github.com/onnwee/streamcore/backend/twitchapi"
)

func main() {
	// Load the env file if present (local dev convenience only; production relies on real env)
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	_ = godotenv.Load(envFile)

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		// unknown level -> keep info but note once using temporary logger
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("streamcore", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// DB
	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()
	if err := db.Migrate(context.Background(), database); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Event bus and credential manager
	b := bus.New()
	mgr := token.NewManager(token.Options{
		AccessToken:  cfg.AccessToken,
		RefreshToken: cfg.RefreshToken,
		EnvPath:      cfg.EnvFile,
	})

	// Best-effort: check who the access token belongs to and whether it
	// carries the chat scopes. The IRC connection is the real test.
	if cfg.AccessToken != "" {
		vctx, cancel := context.WithTimeout(ctx, 8*time.Second)
		if v, err := (&twitchapi.Validator{}).Validate(vctx, mgr.AccessToken()); err != nil {
			slog.Warn("access token validation failed", slog.Any("err", err))
		} else {
			slog.Info("access token validated", slog.String("login", v.Login), slog.Int("expires_in_s", v.ExpiresIn))
			twitchapi.CheckChatScopes(v)
		}
		cancel()
	}

	// Proactive refresh keeps the pair fresh between on-demand refreshes.
	token.StartRefresher(ctx, mgr, cfg.RefreshInterval)

	// Experience ledger plus chat consumers
	store := &levels.PGStore{DB: database}
	ledger := levels.NewLedger(store, b, levels.WithIdleEviction(cfg.QueueCleanupDelay))
	defer ledger.Close()
	chat.NewExpHandler(ctx, ledger, b)
	chat.NewRecorder(ctx, database, b)

	// Track the connection state for the gauge.
	b.Subscribe(bus.TopicIRCConnected, func(any) { telemetry.SetIRCConnected(true) })
	b.Subscribe(bus.TopicIRCError, func(any) { telemetry.SetIRCConnected(false) })

	// IRC connection (skipped when credentials are missing; HTTP surface
	// still serves the leaderboard and health endpoints)
	var chatClient *irc.Client
	if err := cfg.ValidateChatReady(); err == nil {
		chatClient = irc.New(irc.Options{
			Nick:    cfg.TwitchAccount,
			Channel: cfg.TwitchChannel,
			Creds:   mgr,
			Bus:     b,
		})
		go func() {
			if err := chatClient.Connect(ctx); err != nil {
				slog.Error("chat connection ended", slog.Any("err", err))
			}
		}()
	} else {
		slog.Info("chat disabled", slog.Any("reason", err))
	}

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			// Use an http.Server with timeouts to satisfy G114 and avoid DoS risks
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server (health/status/metrics/leaderboard)
	handlers := server.NewHandlers(database, store)
	handlers.RefreshMetrics = mgr.RefreshMetrics
	handlers.QueueDepth = ledger.ActiveQueues
	if chatClient != nil {
		handlers.ChatState = func() string { return chatClient.State().String() }
	}
	go func() {
		if err := server.Start(ctx, handlers, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
	if chatClient != nil {
		chatClient.Disconnect()
	}
}

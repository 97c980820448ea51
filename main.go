// Command post-relay watches X/Twitter accounts and relays their new posts to
// a Telegram chat. It:
//   - Loads configuration and initializes structured logging.
//   - Opens the account store (Postgres, SQLite or memory) and migrates it.
//   - Baselines every active account, then runs the poll cycle on a fixed interval.
//   - Exposes an HTTP server with /healthz, /readyz, /status, /metrics and admin endpoints.
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

	"github.com/onnwee/post-relay/config"
	"github.com/onnwee/post-relay/notify"
	"github.com/onnwee/post-relay/relay"
	"github.com/onnwee/post-relay/server"
	"github.com/onnwee/post-relay/store"
	"github.com/onnwee/post-relay/subscription"
	"github.com/onnwee/post-relay/telemetry"
	"github.com/onnwee/post-relay/twitterapi"
)

func main() {
	// local dev convenience only; production relies on real env
	_ = godotenv.Load()

	slog.SetDefault(newLogger(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT")))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config invalid", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("post-relay", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()
	slog.Info("tracing", slog.Bool("enabled", telemetry.IsTracingEnabled()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	st, err := store.Open(openCtx, store.OpenOptions{Driver: cfg.DBDriver, DSN: cfg.DBDsn, Migrate: true})
	cancel()
	if err != nil {
		slog.Error("failed to open store", slog.String("driver", cfg.DBDriver), slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("failed to close store", slog.Any("err", err))
		}
	}()

	source, err := twitterapi.New(twitterapi.Config{
		APIKey:      cfg.TwttrAPIKey,
		Host:        cfg.TwttrAPIHost,
		BaseURL:     cfg.TwttrBaseURL,
		MaxAttempts: cfg.TwttrMaxAttempts,
	})
	if err != nil {
		slog.Error("content api client", slog.Any("err", err))
		os.Exit(1)
	}

	notifier, err := notify.NewTelegram(notify.Config{
		Token:       cfg.TelegramToken,
		ChatID:      cfg.ChatID,
		APIEndpoint: cfg.TelegramAPIEndpoint,
		HTTPClient:  &http.Client{Timeout: cfg.TelegramTimeout},
	})
	if err != nil {
		slog.Error("telegram bot init failed", slog.Any("err", err))
		os.Exit(1)
	}
	verifyCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := notifier.Verify(verifyCtx); err != nil {
		slog.Warn("destination chat not reachable yet", slog.String("chat_id", cfg.ChatID), slog.Any("err", err))
	} else {
		slog.Info("telegram ready", slog.String("bot", notifier.BotUsername()), slog.String("chat_id", cfg.ChatID))
	}
	cancel()

	engine := relay.New(st, source, notifier, relay.Options{
		FetchCap:       cfg.FetchCap,
		Concurrency:    cfg.Concurrency,
		AccountTimeout: cfg.AccountTimeout,
	})
	go relay.StartPollJob(ctx, engine, relay.Schedule{
		Interval:   cfg.PollInterval,
		StartDelay: cfg.PollStartDelay,
	})

	if os.Getenv("ENABLE_PPROF") == "1" {
		startPprof(os.Getenv("PPROF_ADDR"))
	}

	deps := server.Deps{
		Store:         st,
		Engine:        engine,
		Subscriptions: subscription.NewService(st, source, nil),
		AdminToken:    cfg.AdminToken,
	}
	go func() {
		if err := server.Start(ctx, deps, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
			stop()
		}
	}()
	slog.Info("post-relay started", slog.String("http_addr", cfg.HTTPAddr), slog.String("db_driver", cfg.DBDriver))

	<-ctx.Done()
	slog.Info("shutting down")
}

// newLogger builds the process logger. Defaults: level=info, format=text.
func newLogger(level, format string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		slog.New(slog.NewTextHandler(os.Stdout, nil)).Warn("unknown LOG_LEVEL, using info", slog.String("value", level))
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func startPprof(addr string) {
	if addr == "" {
		addr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", addr))
		srv := &http.Server{
			Addr:              addr,
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

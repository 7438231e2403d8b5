package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/triadsync/triadsync/internal/httpapi"
	"github.com/triadsync/triadsync/internal/triadsync"
)

func main() {
	_ = godotenv.Load()
	logger := buildLogger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stateFile := stateFilePath()
	stateBackend, err := buildStateBackendFromEnv(stateFile)
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}

	store := triadsync.NewStoreWithOptions(triadsync.StoreOptions{
		StateFile:    stateFile,
		StateBackend: stateBackend,
		MaxPingKeys:  intEnv("TRIADSYNC_MAX_PING_KEYS", 0),
		Logger:       logger,
	})
	defer store.Close()

	calendarClient, err := triadsync.NewGoogleCalendarClient(ctx, triadsync.GoogleCalendarOptions{
		CalendarID:      os.Getenv("GOOGLE_CALENDAR_ID"),
		CredentialsJSON: []byte(os.Getenv("GOOGLE_SERVICE_ACCOUNT_JSON")),
		CredentialsFile: os.Getenv("GOOGLE_SERVICE_ACCOUNT_JSON_PATH"),
		Logger:          logger,
	})
	if err != nil {
		log.Fatalf("failed to initialize calendar client: %v", err)
	}

	schedulerClient := triadsync.NewDiscordSchedulerClient(triadsync.DiscordSchedulerOptions{
		BotToken: os.Getenv("DISCORD_TOKEN"),
		GuildID:  os.Getenv("DISCORD_GUILD_ID"),
	})

	docInternal := triadsync.NewNotionTableClient(triadsync.NotionTableOptions{
		Token:      os.Getenv("NOTION_TOKEN"),
		DatabaseID: os.Getenv("NOTION_EVENT_INTERNAL_ID"),
		Properties: triadsync.InternalTableProperties(),
	})
	docExternal := triadsync.NewNotionTableClient(triadsync.NotionTableOptions{
		Token:      os.Getenv("NOTION_TOKEN"),
		DatabaseID: os.Getenv("NOTION_EVENT_ID"),
		Properties: triadsync.ExternalTableProperties(),
	})

	channels := triadsync.NewChannelManager(triadsync.ChannelManagerOptions{
		Store:           store,
		Calendar:        calendarClient,
		Address:         os.Getenv("GCAL_WEBHOOK_URL"),
		PinnedChannelID: os.Getenv("WATCH_CHANNEL_ID"),
		RenewMargin:     durationEnv("TRIADSYNC_RENEW_MARGIN", 0),
		CheckInterval:   durationEnv("TRIADSYNC_RENEW_CHECK_INTERVAL", 0),
		Logger:          logger,
	})

	reconciler := triadsync.NewReconciler(triadsync.ReconcilerOptions{
		Store:       store,
		Calendar:    calendarClient,
		Scheduler:   schedulerClient,
		DocInternal: docInternal,
		DocExternal: docExternal,
		Channels:    channels,
		Cooldown:    durationEnv("TRIADSYNC_SYNC_COOLDOWN", 0),
		Logger:      logger,
	})

	origin := triadsync.NewOriginHandler(triadsync.OriginHandlerOptions{
		Store:       store,
		Calendar:    calendarClient,
		DocInternal: docInternal,
		DocExternal: docExternal,
		IgnoreTerm:  os.Getenv("TRIADSYNC_IGNORE_TERM"),
		Logger:      logger,
	})

	sweeper := triadsync.NewSweeper(triadsync.SweeperOptions{
		Store:       store,
		DocInternal: docInternal,
		DocExternal: docExternal,
		Interval:    durationEnv("TRIADSYNC_SWEEP_INTERVAL", 0),
		Logger:      logger,
	})

	gateway, err := triadsync.NewGateway(triadsync.GatewayOptions{
		Token:     os.Getenv("DISCORD_TOKEN"),
		GuildID:   os.Getenv("DISCORD_GUILD_ID"),
		BotUserID: os.Getenv("DISCORD_BOT_USER_ID"),
		Origin:    origin,
		Logger:    logger,
	})
	if err != nil {
		log.Fatalf("failed to initialize gateway listener: %v", err)
	}

	go channels.Run(ctx)
	go sweeper.Run(ctx)
	go gateway.Run(ctx)

	if watcher, err := triadsync.NewStateFileWatcher(triadsync.StateFileWatcherOptions{
		Store:     store,
		StateFile: stateFile,
		Logger:    logger,
	}); err == nil {
		go func() {
			if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("state file watcher stopped", "error", err)
			}
		}()
	} else {
		logger.Warn("state file watcher disabled", "error", err)
	}

	addr := os.Getenv("TRIADSYNC_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	server := httpapi.NewServerWithOptions(httpapi.ServerOptions{
		Store:      store,
		Reconciler: reconciler,
		Logger:     logger,
	})

	httpServer := &http.Server{Addr: addr, Handler: server}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("triadsync listening", "addr", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed: %v", err)
	}
}

func buildLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func stateFilePath() string {
	if file := strings.TrimSpace(os.Getenv("TRIADSYNC_STATE_FILE")); file != "" {
		return file
	}
	stateDir := strings.TrimSpace(os.Getenv("STATE_DIR"))
	if stateDir == "" {
		stateDir = ".triadsync"
	}
	return filepath.Join(stateDir, "state.json")
}

func buildStateBackendFromEnv(stateFile string) (triadsync.StateBackend, error) {
	if dsn := strings.TrimSpace(os.Getenv("TRIADSYNC_STATE_BACKEND_DSN")); dsn != "" {
		return triadsync.BuildStateBackendFromDSN(dsn)
	}
	return triadsync.BuildStateBackendFromDSN(stateFile)
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

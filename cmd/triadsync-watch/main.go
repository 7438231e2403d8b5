package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/triadsync/triadsync/internal/triadsync"
)

func main() {
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "triadsync-watch",
		Usage: "Manage the calendar push notification channel.",
		Commands: []*cli.Command{
			registerCommand(),
			renewCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func registerCommand() *cli.Command {
	return &cli.Command{
		Name:  "register",
		Usage: "Register a fresh notification channel and reset the sync cursor.",
		Action: func(c *cli.Context) error {
			return withChannelManager(c, func(ctx context.Context, channels *triadsync.ChannelManager) error {
				state, err := channels.Register(ctx)
				if err != nil {
					return fmt.Errorf("channel registration failed: %w", err)
				}
				fmt.Printf("registered channel %s (resource %s), expires %s\n",
					state.ChannelID, state.ResourceID, state.Expiration.Format(time.RFC3339))
				return nil
			})
		},
	}
}

func renewCommand() *cli.Command {
	return &cli.Command{
		Name:  "renew",
		Usage: "Replace the current channel while keeping the sync cursor.",
		Action: func(c *cli.Context) error {
			return withChannelManager(c, func(ctx context.Context, channels *triadsync.ChannelManager) error {
				state, err := channels.Renew(ctx)
				if err != nil {
					return fmt.Errorf("channel renewal failed: %w", err)
				}
				fmt.Printf("renewed channel %s (resource %s), expires %s\n",
					state.ChannelID, state.ResourceID, state.Expiration.Format(time.RFC3339))
				return nil
			})
		},
	}
}

func withChannelManager(c *cli.Context, fn func(context.Context, *triadsync.ChannelManager) error) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx, cancel := context.WithTimeout(c.Context, 30*time.Second)
	defer cancel()

	stateFile := stateFilePath()
	var backend triadsync.StateBackend
	var err error
	if dsn := strings.TrimSpace(os.Getenv("TRIADSYNC_STATE_BACKEND_DSN")); dsn != "" {
		backend, err = triadsync.BuildStateBackendFromDSN(dsn)
	} else {
		backend, err = triadsync.BuildStateBackendFromDSN(stateFile)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize state backend: %w", err)
	}

	store := triadsync.NewStoreWithOptions(triadsync.StoreOptions{
		StateFile:    stateFile,
		StateBackend: backend,
		Logger:       logger,
	})
	defer store.Close()

	address := strings.TrimSpace(os.Getenv("GCAL_WEBHOOK_URL"))
	if address == "" {
		return fmt.Errorf("GCAL_WEBHOOK_URL is required")
	}

	calendarClient, err := triadsync.NewGoogleCalendarClient(ctx, triadsync.GoogleCalendarOptions{
		CalendarID:      os.Getenv("GOOGLE_CALENDAR_ID"),
		CredentialsJSON: []byte(os.Getenv("GOOGLE_SERVICE_ACCOUNT_JSON")),
		CredentialsFile: os.Getenv("GOOGLE_SERVICE_ACCOUNT_JSON_PATH"),
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize calendar client: %w", err)
	}

	channels := triadsync.NewChannelManager(triadsync.ChannelManagerOptions{
		Store:           store,
		Calendar:        calendarClient,
		Address:         address,
		PinnedChannelID: os.Getenv("WATCH_CHANNEL_ID"),
		Logger:          logger,
	})
	return fn(ctx, channels)
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

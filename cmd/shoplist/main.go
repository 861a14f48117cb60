package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/dukerupert/shoplist/internal/localstate"
	"github.com/dukerupert/shoplist/internal/logging"
	"github.com/dukerupert/shoplist/internal/remote"
	"github.com/dukerupert/shoplist/internal/syncer"
	"github.com/dukerupert/shoplist/internal/tui"
)

type config struct {
	serverURL  string
	listID     string
	statePath  string
	passphrase string
	interval   time.Duration
	logFile    string
	logLevel   string
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func loadConfig() (config, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	dir = filepath.Join(dir, "shoplist")

	interval, err := time.ParseDuration(envOr("SHOPLIST_SYNC_INTERVAL", "1500ms"))
	if err != nil {
		return config{}, fmt.Errorf("parse SHOPLIST_SYNC_INTERVAL: %w", err)
	}

	var cfg config
	flag.StringVar(&cfg.serverURL, "server", envOr("SHOPLIST_SERVER_URL", "http://localhost:8080"), "list server base URL")
	flag.StringVar(&cfg.listID, "list", os.Getenv("SHOPLIST_LIST_ID"), "share id of the list to open (empty: last used, or a new list)")
	flag.StringVar(&cfg.statePath, "state", envOr("SHOPLIST_STATE_PATH", filepath.Join(dir, "state.json")), "local state file")
	flag.DurationVar(&cfg.interval, "interval", interval, "sync interval")
	flag.StringVar(&cfg.logFile, "log-file", envOr("SHOPLIST_LOG_FILE", filepath.Join(dir, "shoplist.log")), "log file")
	flag.StringVar(&cfg.logLevel, "log-level", os.Getenv("SHOPLIST_LOG_LEVEL"), "debug, info, warn or error")
	flag.Parse()

	// Only from the environment so it never shows up in the process list.
	cfg.passphrase = os.Getenv("SHOPLIST_STATE_PASSPHRASE")
	return cfg, nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "shoplist:", err)
		os.Exit(1)
	}
}

func run() error {
	envErr := godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// The terminal belongs to the UI, so logs go to a file.
	if err := os.MkdirAll(filepath.Dir(cfg.logFile), 0o700); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(cfg.logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()
	logger := logging.New(logFile, cfg.logLevel)
	slog.SetDefault(logger)
	if envErr != nil {
		logger.Debug("no .env file loaded", "error", envErr)
	}

	fileStore := localstate.NewFileStore(cfg.statePath, cfg.passphrase)
	state, err := localstate.Open(fileStore)
	if err != nil {
		return err
	}
	logger.Info("state opened", "path", fileStore.Path(), "encrypted", cfg.passphrase != "", "lists", len(state.Lists()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := remote.NewClient(remote.Config{BaseURL: cfg.serverURL})

	listID, err := bootstrap(ctx, cfg.listID, state, client, logger)
	if err != nil {
		return err
	}
	if err := state.Save(); err != nil {
		return err
	}

	sync := syncer.New(state, client, syncer.Config{Interval: cfg.interval}, logger)
	sync.Start(ctx, listID)

	uiErr := tui.Run(ctx, state, sync, listID, logger)

	sync.StopAll()
	if err := state.Save(); err != nil {
		logger.Error("final save", "error", err)
		if uiErr == nil {
			uiErr = err
		}
	}
	if up, del := state.Pending(listID); up+del > 0 {
		fmt.Printf("list %s (%d changes not yet synced)\n", listID, up+del)
	} else {
		fmt.Printf("list %s\n", listID)
	}
	return uiErr
}

// bootstrap picks the list to open and loads its items from the server.
// When the server cannot be reached the last local snapshot is used.
func bootstrap(ctx context.Context, listID string, state *localstate.State, client *remote.Client, logger *slog.Logger) (string, error) {
	if listID == "" {
		if known := state.Lists(); len(known) == 1 {
			listID = known[0]
		}
	}

	loadCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if listID == "" {
		id, err := client.CreateList(loadCtx)
		if err != nil {
			return "", fmt.Errorf("no list id given and a new list could not be created: %w", err)
		}
		logger.Info("created list", "list_id", id)
		state.Load(id, nil)
		return id, nil
	}

	items, err := client.ListItems(loadCtx, listID)
	switch {
	case errors.Is(err, remote.ErrNotFound):
		return "", fmt.Errorf("list %s does not exist on %s", listID, client.BaseURL())
	case err != nil:
		logger.Warn("server unreachable, starting from local snapshot", "list_id", listID, "error", err)
	default:
		state.Load(listID, items)
		logger.Info("list loaded", "list_id", listID, "items", len(items))
	}
	return listID, nil
}

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/studybuddy/studysync/internal/cache/db"
	"github.com/studybuddy/studysync/internal/cache/sync"
	"github.com/studybuddy/studysync/internal/remote"
)

// app bundles the cache and the repo built on top of it for one command.
type app struct {
	db     *db.DB
	repo   sync.Repo
	client *remote.Client // nil when no remote is configured
}

// openApp opens the cache and attaches the remote when configured.
func openApp(notifier sync.Notifier) (*app, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	database, err := db.Open(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	if err := database.InitSchema(); err != nil {
		database.Close()
		return nil, err
	}

	a := &app{db: database}
	syncCfg := &sync.Config{Notifier: notifier, Logger: logger}

	if cfg.RemoteAttached() {
		client, err := remote.New(&remote.Config{
			URL:       cfg.Remote.URL,
			APIKey:    cfg.Remote.APIKey,
			Timeout:   cfg.Remote.Timeout,
			RateLimit: cfg.Remote.RateLimit,
			Burst:     5,
			Logger:    logger,
		})
		if err != nil {
			database.Close()
			return nil, err
		}
		a.client = client
		syncCfg.Remote = client
	} else {
		logger.Debug("no remote configured, running against the local cache only")
	}

	a.repo = sync.New(database, syncCfg)
	return a, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

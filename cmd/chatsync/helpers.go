package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	chatsync "github.com/meshline/chatsync"
)

// newLogger builds a console logger honoring the --verbose flag.
func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()
}

// getClient builds an HTTP client from the stored configuration.
func getClient() (*chatsync.Client, *Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Default.BaseURL == "" {
		return nil, nil, fmt.Errorf("no base URL configured. Run 'chatsync init <base-url>' first")
	}
	return chatsync.NewClient(cfg.Default.BaseURL, cfg.Default.Token), cfg, nil
}

// openCache opens the snapshot cache per configuration. A nil store means
// caching is disabled.
func openCache(cfg *Config, logger zerolog.Logger) (chatsync.SnapshotStore, error) {
	if cfg.Cache.Disabled {
		return nil, nil
	}
	path := cfg.Cache.Path
	if path == "" {
		dir, err := configDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "cache")
	}
	store, err := chatsync.OpenPebbleSnapshots(path, logger)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// newCoordinator assembles a coordinator from the stored configuration.
// The returned cleanup closes the coordinator and the cache.
func newCoordinator(cfg *Config, client *chatsync.Client, logger zerolog.Logger) (*chatsync.SyncCoordinator, func(), error) {
	cache, err := openCache(cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open cache: %w", err)
	}

	opts := []chatsync.CoordinatorOption{
		chatsync.WithSelfUser(cfg.Default.UserID),
		chatsync.WithLogger(logger),
	}
	if cache != nil {
		opts = append(opts, chatsync.WithCache(cache))
	}
	coord := chatsync.NewSyncCoordinator(client, opts...)

	cleanup := func() {
		coord.Close()
		if cache != nil {
			_ = cache.Close()
		}
	}
	return coord, cleanup, nil
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 12 {
		return "****"
	}
	return token[:8] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

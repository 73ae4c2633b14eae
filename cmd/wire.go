package main

import (
	"context"

	"github.com/rs/zerolog/log"

	"instsync/internal/config"
	"instsync/internal/download"
	"instsync/internal/install"
	"instsync/internal/lock"
	"instsync/internal/metrics"
	"instsync/internal/resolver"
	"instsync/internal/store"
)

// buildEngine wires the install engine from cfg. The returned closer
// releases the content store; a store that cannot be opened is skipped.
func buildEngine(ctx context.Context, cfg config.Config) (*install.Engine, func()) {
	if cfg.MetricsEnabled {
		metrics.InitRegistry()
	}
	m := metrics.New()

	var (
		contentStore store.Store
		closer       = func() {}
	)
	bs, err := store.Open(ctx, store.Config{Dir: cfg.StoreDir, LinkTimeout: cfg.LinkTimeout})
	if err != nil {
		log.Warn().Err(err).Str("dir", cfg.StoreDir).Msg("content store unavailable, continuing without it")
	} else {
		contentStore = bs
		closer = func() {
			if err := bs.Close(); err != nil {
				log.Warn().Err(err).Msg("close content store")
			}
		}
	}

	var cf resolver.CurseforgeClient
	if cfg.Curseforge.APIKey != "" {
		cf = resolver.NewCurseforge(resolver.ClientOptions{
			BaseURL:           cfg.Curseforge.BaseURL,
			APIKey:            cfg.Curseforge.APIKey,
			UserAgent:         cfg.UserAgent,
			RequestsPerSecond: cfg.Curseforge.RequestsPerSecond,
		})
	}
	mr := resolver.NewModrinth(resolver.ClientOptions{
		BaseURL:           cfg.Modrinth.BaseURL,
		UserAgent:         cfg.UserAgent,
		RequestsPerSecond: cfg.Modrinth.RequestsPerSecond,
	})

	engine := install.New(install.Options{
		Locks:              lock.NewRegistry(),
		Store:              contentStore,
		Resolver:           resolver.New(cf, mr, m),
		Downloader:         download.New(download.Options{HTTPTimeout: cfg.HTTPTimeout, UserAgent: cfg.UserAgent, Metrics: m}),
		Metrics:            m,
		MaxConcurrentFiles: cfg.MaxConcurrentFiles,
		LockTimeout:        cfg.LockTimeout,
		LinkTimeout:        cfg.LinkTimeout,
	})
	return engine, closer
}

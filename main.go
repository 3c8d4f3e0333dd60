// Package main runs the social relay: it watches Twitter timelines and Twitch
// stream events and posts new activity to Discord channels through webhooks.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"socialrelay/budget"
	"socialrelay/config"
	"socialrelay/discord"
	"socialrelay/poll"
	"socialrelay/router"
	"socialrelay/scraper"
	"socialrelay/server"
	"socialrelay/storage"
	"socialrelay/twitch"
	"socialrelay/twitter"
	"socialrelay/webhook"

	gcs "cloud.google.com/go/storage"
	"github.com/juju/clock"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Relay stopped with error", "error", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	clk := clock.WallClock

	store, err := storage.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("Failed to close database", "error", err)
		}
	}()

	archive, closeArchive, err := openArchive(ctx, cfg.Archive, logger)
	if err != nil {
		return err
	}
	defer closeArchive()

	discordClient := discord.NewClient(cfg.Discord.Token, cfg.Discord.APIBase, logger)
	delivery := webhook.New(discordClient, store, clk, cfg.Discord.WebhookName, logger)

	var audit *router.AuditLog
	if cfg.Discord.AuditWebhookURL != "" {
		audit = router.NewAuditLog(discordClient, cfg.Discord.AuditWebhookURL, clk, logger)
	}
	bus := router.New(store, delivery, audit, router.Config{
		Username:        cfg.Discord.Username,
		AvatarURL:       cfg.Discord.AvatarURL,
		DeliveryTimeout: cfg.Discord.DeliveryTimeout,
	}, logger)

	root := suture.New("socialrelay", suture.Spec{
		EventHook:        (&sutureslog.Handler{Logger: logger}).MustHook(),
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          10 * time.Second,
	})
	if audit != nil {
		root.Add(audit)
	}

	srvCfg := &server.Config{
		Publisher:         bus,
		Events:            store,
		Clock:             clk,
		Logger:            logger,
		Addr:              cfg.Server.Addr,
		AdminToken:        cfg.Server.AdminToken,
		CallbackRateLimit: cfg.Server.CallbackRateLimit,
	}
	if archive != nil {
		srvCfg.Archive = archive
	}

	if cfg.Twitter.Enabled {
		timeline := scraper.New(&http.Client{Timeout: 30 * time.Second}, clk, logger)
		scheduler := poll.New(timeline, bus, clk, poll.Config{
			Interval:     cfg.Twitter.PollInterval,
			CheckTimeout: cfg.Twitter.CheckTimeout,
			Concurrency:  cfg.Twitter.Concurrency,
		}, logger)
		resolver := twitter.NewResolver(twitter.NewClient(ctx, cfg.Twitter.BearerToken, logger), store, clk, logger)

		root.Add(scheduler)
		root.Add(poll.NewAccountSync(scheduler, store, resolver, clk, cfg.Twitter.SyncInterval, logger))
		srvCfg.Poller = scheduler
		logger.Info("Twitter polling enabled", "interval", cfg.Twitter.PollInterval, "concurrency", cfg.Twitter.Concurrency)
	}

	if cfg.Twitch.Enabled {
		var pools []budget.Pool
		for i, p := range cfg.Twitch.Pools() {
			pools = append(pools, twitch.NewClient(twitch.Options{
				Name:         fmt.Sprintf("pool-%d", i),
				ClientID:     p.ClientID,
				ClientSecret: p.ClientSecret,
			}, logger))
		}
		allocator := budget.New(pools, store, budget.Config{
			Callback: cfg.Twitch.CallbackURL,
			Secret:   cfg.Twitch.WebhookSecret,
			Interval: cfg.Twitch.ReconcileInterval,
		}, clk, logger)

		root.Add(allocator)
		srvCfg.Reconciler = allocator
		srvCfg.WebhookSecret = cfg.Twitch.WebhookSecret
		logger.Info("Twitch subscriptions enabled", "pools", len(pools), "callback_url", cfg.Twitch.CallbackURL)
	}

	root.Add(server.New(srvCfg))

	logger.Info("Relay starting", "addr", cfg.Server.Addr, "database", cfg.Database.Driver)
	err = root.Serve(ctx)

	logger.Info("Waiting for in-flight deliveries")
	bus.Wait()
	if audit != nil {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := audit.Flush(flushCtx); err != nil {
			logger.Warn("Final audit flush failed", "error", err)
		}
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervisor: %w", err)
	}
	logger.Info("Relay stopped")
	return nil
}

// openArchive returns the configured payload archive, or nil when archiving is off.
func openArchive(ctx context.Context, cfg config.ArchiveConfig, logger *slog.Logger) (*storage.Archive, func(), error) {
	switch {
	case cfg.LocalPath != "":
		if err := os.MkdirAll(cfg.LocalPath, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create archive directory: %w", err)
		}
		logger.Info("Archiving events locally", "path", cfg.LocalPath)
		return storage.NewArchive(nil, "", cfg.LocalPath, logger), func() {}, nil

	case cfg.Bucket != "":
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("create storage client: %w", err)
		}
		logger.Info("Archiving events to Cloud Storage", "bucket", cfg.Bucket)
		closeFn := func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}
		return storage.NewArchive(client, cfg.Bucket, "", logger), closeFn, nil

	default:
		return nil, func() {}, nil
	}
}

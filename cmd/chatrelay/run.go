package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"chatrelay/internal/access"
	"chatrelay/internal/agent"
	"chatrelay/internal/bus"
	"chatrelay/internal/config"
	"chatrelay/internal/discord"
	"chatrelay/internal/memory"
	"chatrelay/internal/metrics"
	"chatrelay/internal/provider"
	"chatrelay/internal/relay"
	"chatrelay/internal/telegram"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the relay daemon (all enabled channels)",
		Long:  "Starts the enabled channel adapters and the relay pipeline. Press Ctrl+C to stop.",
		RunE:  runRelay,
	}
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger = setupLogger(cfg)
	logger.Info("chatrelay starting", "version", version, "config", cfgPath)

	if err := os.MkdirAll(cfg.General.DataDir, 0o755); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := memory.NewSQLiteStore(cfg.Memory.DBPath, logger)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer store.Close()

	eventBus := bus.New(100, logger)
	defer eventBus.Close()

	backend, err := provider.New(cfg.Agent, logger)
	if err != nil {
		return err
	}
	runtime := agent.NewClient(agent.Config{
		Backend:      backend,
		Store:        store,
		Logger:       logger,
		ExtraPrompt:  cfg.Agent.SystemPrompt,
		HistoryLimit: cfg.Agent.HistoryLimit,
	})

	pairing := access.NewPairingService(store, store, cfg.Pairing.TTLDays, logger)
	collector := metrics.NewCollector()

	rel := relay.New(relay.Config{
		Bus:           eventBus,
		Runtime:       runtime,
		Pairing:       pairing,
		Logger:        logger,
		Metrics:       collector,
		Concurrency:   cfg.General.MaxConcurrentEvents,
		SubmitTimeout: time.Duration(cfg.Agent.TimeoutSeconds) * time.Second,
		AttachMax:     cfg.Attach.MaxBytes,
		Reset:         runtime.Reset,
	})

	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		tg, err := telegram.New(telegram.Config{
			Token:      cfg.Channels.Telegram.Token,
			Mode:       cfg.Channels.Telegram.Mode,
			WebhookURL: cfg.Channels.Telegram.WebhookURL,
			ListenAddr: cfg.Channels.Telegram.ListenAddr,
			ParseMode:  cfg.Channels.Telegram.ParseMode,
			Logger:     logger,
		}, eventBus)
		if err != nil {
			return err
		}
		tcfg := cfg.Channels.Telegram
		streaming := tcfg.Streaming == nil || *tcfg.Streaming
		rel.Bind("telegram", relay.Binding{
			Transport: tg,
			Resolver:  tg.NewResolver(cfg.Attach.Dir),
			Policy: access.NewEvaluator("telegram",
				access.Policy(tcfg.DMPolicy), access.Policy(tcfg.GroupPolicy),
				tcfg.AllowFrom, tcfg.GroupAllowFrom),
			BotHandle:    tg.BotHandle(),
			MessageLimit: tcfg.MaxMessageLength,
			Streaming:    streaming,
			EditInterval: time.Duration(tcfg.EditIntervalSeconds) * time.Second,
			AckEmoji:     tcfg.AckEmoji,
		})
		go func() {
			if err := tg.Start(ctx); err != nil {
				logger.Error("telegram adapter error", "err", err)
			}
		}()
		logger.Info("telegram channel enabled", "streaming", streaming)
	} else {
		logger.Info("telegram channel disabled")
	}

	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token != "" {
		dc, err := discord.New(discord.Config{
			Token:   cfg.Channels.Discord.Token,
			GuildID: cfg.Channels.Discord.GuildID,
			Logger:  logger,
		}, eventBus)
		if err != nil {
			return err
		}
		dcfg := cfg.Channels.Discord
		rel.Bind("discord", relay.Binding{
			Transport: dc,
			Resolver:  discord.NewResolver(cfg.Attach.Dir),
			Policy: access.NewEvaluator("discord",
				access.Policy(dcfg.DMPolicy), access.Policy(dcfg.GroupPolicy),
				dcfg.AllowFrom, dcfg.GroupAllowFrom),
			BotHandle:    dc.BotHandle(),
			MessageLimit: discord.MessageLimit,
			Streaming:    false,
			AckEmoji:     dcfg.AckEmoji,
		})
		go func() {
			if err := dc.Start(ctx); err != nil {
				logger.Error("discord adapter error", "err", err)
			}
		}()
		logger.Info("discord channel enabled")
	} else {
		logger.Info("discord channel disabled")
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", collector.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			logger.Info("metrics listening", "addr", cfg.Metrics.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "err", err)
			}
		}()
	}

	go rel.Run(ctx)

	logger.Info("chatrelay started. Press Ctrl+C to stop.")
	<-ctx.Done()
	logger.Info("shutting down...")

	const shutdownTimeout = 10 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		rel.Close()
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}

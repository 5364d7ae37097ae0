package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tickflow/config"
	"tickflow/internal/archive"
	"tickflow/internal/channel/tick"
	"tickflow/internal/dashboard"
	"tickflow/internal/feed"
	"tickflow/internal/loop"
	"tickflow/internal/metrics"
	"tickflow/internal/notify"
	"tickflow/internal/pipeline"
	"tickflow/internal/settings"
	"tickflow/internal/strategy"
	"tickflow/internal/ticks"
	"tickflow/logger"
)

const defaultConfigPath = "config/config.yml"

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath, defaultConfigPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.App.Name,
		"version":     cfg.App.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting tickflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := settings.Open(ctx, cfg.Settings.Path, settings.Defaults(), log)
	if err != nil {
		log.WithError(err).Error("failed to open settings store")
		os.Exit(1)
	}
	defer store.Close()

	if cfg.Metrics.CloudWatch.Enabled {
		metrics.InitCloudWatch(ctx, cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace)
	}

	var wg sync.WaitGroup

	bg := loop.New(cfg.HTTP.LoopQueue, log)
	wg.Add(1)
	go func() {
		defer wg.Done()
		bg.Run(ctx)
	}()

	conn := feed.NewConnection(cfg.Venue, cfg.Venue.AppID, cfg.Secrets.VenueToken, nil, log)
	manager := ticks.NewManager(cfg.Ticks, cfg.Venue.RequestTimeout, conn, store, log)
	conn.SetHandler(manager)

	if err := conn.Connect(ctx); err != nil {
		log.WithError(err).Error("failed to connect to venue")
		os.Exit(1)
	}

	registry := strategy.NewRegistry(cfg.Strategy, log)

	telegram := notify.NewTelegram(cfg.Notify.APIURL, cfg.Notify.Timeout, func() (string, string) {
		return store.String(settings.KeyTelegramBotToken, cfg.Secrets.TelegramToken),
			store.String(settings.KeyTelegramChatID, cfg.Secrets.TelegramChatID)
	}, log)
	notifier := notify.NewNotifier(cfg.Notify, telegram, store, func() (*float64, string) {
		a := conn.Account()
		return a.Balance, a.Currency
	}, log)
	manager.AddListener(notifier.NotifyTick)
	registry.AddObserver(notifier)

	channels := tick.NewChannels(cfg.Ticks.ChannelBuffer, log)
	manager.AddListener(channels.Listener(ctx))

	trader := pipeline.NewAutoTrader(channels, registry, log)
	if err := trader.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start auto trader")
		os.Exit(1)
	}

	var tradeArchive *archive.Writer
	if cfg.Archive.Enabled {
		tradeArchive, err = archive.NewWriter(ctx, cfg.Archive, cfg.Secrets, log)
		if err != nil {
			log.WithError(err).Error("failed to create trade archive")
			os.Exit(1)
		}
		if err := tradeArchive.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start trade archive")
			os.Exit(1)
		}
		registry.AddObserver(tradeArchive)
	} else {
		log.WithComponent("main").Info("trade archive disabled; skipping S3 writer")
	}

	if cfg.Metrics.CloudWatch.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			metrics.RunCloudWatch(ctx)
		}()
	}
	metrics.StartChannelSizeMetrics(ctx, map[string]metrics.Sizer{"ticks": channels}, 10*time.Second)

	deps := dashboard.Deps{
		Loop:       bg,
		Venue:      conn,
		Ticks:      manager,
		Strategies: registry,
		Settings:   store,
		Notifier:   notifier,
	}
	if tradeArchive != nil {
		deps.Archive = tradeArchive
	}
	server := dashboard.NewServer(cfg.HTTP, cfg.App.Name, deps, log)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Run(ctx); err != nil {
			log.WithError(err).Error("http server failed")
			cancel()
		}
	}()

	if symbol := cfg.Ticks.DefaultSymbol; symbol != "" {
		bg.Go("subscribe_default", func(ctx context.Context) {
			res := manager.Subscribe(ctx, symbol)
			entry := log.WithComponent("main").WithFields(logger.Fields{"symbol": symbol, "code": string(res.Kind)})
			if !res.OK() {
				entry.Warn("default subscription failed")
				return
			}
			entry.Info("subscribed to default symbol")
		})
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case <-ctx.Done():
		log.Warn("context cancelled, shutting down")
	}

	log.Info("starting graceful shutdown")
	cancel()

	// The feed delivers into the manager and the manager into the channel,
	// so they close in that order.
	log.Info("closing venue connection")
	conn.Close()
	manager.Close()
	channels.Close()

	log.Info("stopping auto trader")
	trader.Stop()

	if tradeArchive != nil {
		log.Info("stopping trade archive")
		tradeArchive.Stop()
	}

	notifier.Close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("tickflow stopped")
}

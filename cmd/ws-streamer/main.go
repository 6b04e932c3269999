package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/venoajie/ws-streamer/alert"
	"github.com/venoajie/ws-streamer/broadcast"
	"github.com/venoajie/ws-streamer/config"
	"github.com/venoajie/ws-streamer/internal/channel"
	"github.com/venoajie/ws-streamer/logger"
	"github.com/venoajie/ws-streamer/models"
	"github.com/venoajie/ws-streamer/ohlc"
	"github.com/venoajie/ws-streamer/processor"
	reader "github.com/venoajie/ws-streamer/reader/deribit"
	restapi "github.com/venoajie/ws-streamer/restapi/deribit"
	"github.com/venoajie/ws-streamer/storage"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Service.Name,
		"version": cfg.Service.Version,
	}).Info("starting ws-streamer")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	channels := channel.NewChannels(cfg.Channels.EventBuffer)
	go channels.StartMetricsReporting(ctx)

	store, err := storage.Open(cfg.Storage.SQLite.Path)
	if err != nil {
		log.WithError(err).Error("failed to open sqlite store")
		os.Exit(1)
	}
	defer store.Close()

	if err := store.EnsureSchema(ctx, cfg.Deribit.Currencies, cfg.Deribit.Resolutions); err != nil {
		log.WithError(err).Error("failed to ensure sqlite schema")
		os.Exit(1)
	}

	broadcaster, err := broadcast.NewRedis(cfg.Redis.Addr, cfg.Redis.DB)
	if err != nil {
		log.WithError(err).Error("failed to connect to redis")
		os.Exit(1)
	}
	defer broadcaster.Close()

	var notifier alert.Notifier = alert.Noop{}
	if cfg.Telegram.Enabled {
		telegram, err := alert.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID)
		if err != nil {
			log.WithError(err).Error("failed to initialize telegram alerts")
			os.Exit(1)
		}
		notifier = telegram
	}

	rest := restapi.NewClient(cfg.Deribit.RestURL, cfg.Deribit.ConnectionPool, cfg.Deribit.Timeout)

	instruments := make([]models.Instrument, 0)
	for _, currency := range cfg.Deribit.Currencies {
		listed, err := rest.Instruments(ctx, currency)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"currency": currency}).Error("failed to list instruments")
			os.Exit(1)
		}
		futures := restapi.FilterFutures(listed, cfg.Deribit.SettlementPeriods)
		log.WithFields(logger.Fields{
			"currency":    currency,
			"instruments": restapi.InstrumentNames(futures),
			"perpetuals":  restapi.Perpetuals(futures),
		}).Info("instruments discovered")
		instruments = append(instruments, futures...)
	}
	if len(instruments) == 0 {
		log.Error("no tradeable instruments discovered")
		os.Exit(1)
	}

	reconciler := ohlc.NewReconciler(store, rest, notifier, cfg.Redis.Channels.Revision)
	dispatcher := processor.NewDispatcher(processor.Deps{
		Config:      cfg,
		Queue:       channels,
		Broadcaster: broadcaster,
		Journal:     store,
		Reconciler:  reconciler,
		Notifier:    notifier,
	})

	// Pre-seed ticker snapshots so the first incremental frame merges into a
	// complete base instead of a bare map.
	for _, instrument := range instruments {
		snapshot, err := rest.Ticker(ctx, instrument.InstrumentName)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"instrument": instrument.InstrumentName,
			}).Warn("failed to pre-seed ticker snapshot")
			continue
		}
		dispatcher.SeedTicker(instrument.InstrumentName, snapshot)
	}

	if err := dispatcher.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start dispatcher")
		os.Exit(1)
	}

	var wg sync.WaitGroup
	for _, account := range cfg.Deribit.Accounts {
		session := reader.NewSession(cfg, account, channels, notifier)
		wg.Add(1)
		go func(account config.AccountConfig) {
			defer wg.Done()
			if err := session.Run(ctx, instruments, cfg.Deribit.Resolutions); err != nil && ctx.Err() == nil {
				log.WithError(err).WithFields(logger.Fields{"account": account.ID}).Error("session terminated")
				notifier.Notify(fmt.Sprintf("session for account %s terminated: %v", account.ID, err))
			}
		}(account)
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		dispatcher.Stop()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("ws-streamer stopped")
}

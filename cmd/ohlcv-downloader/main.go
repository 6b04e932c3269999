package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/venoajie/ws-streamer/config"
	"github.com/venoajie/ws-streamer/downloader"
	"github.com/venoajie/ws-streamer/logger"
	"github.com/venoajie/ws-streamer/writer"
)

func main() {
	log := logger.GetLogger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	symbolsFlag := flag.String("symbols", "BTCUSDT", "Comma-separated symbols to download")
	interval := flag.String("interval", "1m", "Kline interval (1m, 5m, 1h, 1d, ...)")
	days := flag.Int("days", 30, "How many days of history to fetch")
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
		cancel()
	}()

	var archiver *writer.CandleArchiver
	if cfg.Storage.S3.Enabled {
		archiver, err = writer.NewCandleArchiver(cfg)
		if err != nil {
			log.WithError(err).Error("failed to create candle archiver")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("S3 storage disabled; downloaded bars will not be archived")
	}

	d := downloader.New(cfg.Downloader)
	if err := d.SyncServerTime(ctx); err != nil {
		log.WithError(err).Error("failed to synchronize server time")
		os.Exit(1)
	}

	end := time.Now()
	start := end.AddDate(0, 0, -*days)

	symbols := strings.Split(*symbolsFlag, ",")
	failed := 0
	for _, symbol := range symbols {
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		if symbol == "" {
			continue
		}

		candles, err := d.Download(ctx, symbol, *interval, start, end)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"symbol": symbol}).Error("download failed")
			failed++
			continue
		}
		log.WithFields(logger.Fields{
			"symbol":   symbol,
			"interval": *interval,
			"bars":     len(candles),
		}).Info("symbol downloaded")

		if archiver != nil {
			if err := archiver.Archive(ctx, symbol, *interval, candles); err != nil {
				log.WithError(err).WithFields(logger.Fields{"symbol": symbol}).Error("archive failed")
				failed++
			}
		}
	}

	if failed > 0 {
		log.WithFields(logger.Fields{"failed": failed}).Error("download run finished with failures")
		os.Exit(1)
	}
	log.Info("download run finished")
}

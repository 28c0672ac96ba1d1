package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"datacollector/collector"
	"datacollector/config"
	"datacollector/exchange/factory"
	"datacollector/internal/metrics"
	"datacollector/logger"
	"datacollector/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("error loading .env file")
	}

	configPath := flag.String("config", "", "Path to configuration file (default config/<APP_ENV>/data_collector.yaml)")
	writerType := flag.String("writer-type", "", "Writer type: parquet_local, parquet_s3 or db_aws")
	bufferSize := flag.Int("buffer-size", 0, "Records per event type buffered before a flush")
	sleepDuration := flag.Int("sleep-duration", 0, "Seconds to sleep between collection cycles")
	flag.Parse()

	path := config.ResolvePath(*configPath)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{"path": path}).Error("failed to load configuration")
		os.Exit(1)
	}
	if err := cfg.ApplyOverrides(config.Overrides{
		WriterType:    *writerType,
		BufferSize:    *bufferSize,
		SleepDuration: *sleepDuration,
	}); err != nil {
		log.WithError(err).Error("invalid command line override")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"environment": config.AppEnvironment(),
		"mode":        string(cfg.Collector.CollectionMode),
		"writer":      cfg.Writer.Type,
		"exchanges":   cfg.Collector.Pairs.Names(),
	}).Info("starting data collector")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(ctx, cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Metrics.CloudWatch.Dashboard)
	}
	if logger.ReportEnabled(cfg.Logging.Level) {
		logger.StartReport(ctx, log, cfg.Logging.ReportInterval)
	}
	metrics.Init()
	if cfg.Metrics.ListenAddr != "" {
		metrics.Serve(ctx, cfg.Metrics.ListenAddr)
	}

	adapters, err := factory.FromConfig(ctx, cfg)
	if err != nil {
		log.WithError(err).Error("failed to create exchange adapters")
		os.Exit(1)
	}

	w, err := writer.New(ctx, cfg.Writer)
	if err != nil {
		log.WithError(err).Error("failed to create writer")
		os.Exit(1)
	}
	defer w.Close()

	c, err := collector.New(cfg.Collector, adapters, w)
	if err != nil {
		log.WithError(err).Error("failed to create collector")
		os.Exit(1)
	}

	if err := c.Run(ctx); err != nil {
		// the final flush failed; the records it held are lost
		log.WithError(err).Error("shutdown flush failed")
	}
	log.Info("data collector stopped")
}

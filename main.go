// fleet.report parses Teltonika AVL streams: devices connect over TCP,
// frames are decoded and enriched with per-IMEI IO mappings, and the
// results are published to RabbitMQ (or CSV files in dev mode). A side
// channel polls the operations database for Codec 12 commands and pushes
// them to connected devices.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/fleet.report/internal/api"
	"github.com/banshee-data/fleet.report/internal/broker"
	"github.com/banshee-data/fleet.report/internal/command"
	"github.com/banshee-data/fleet.report/internal/config"
	"github.com/banshee-data/fleet.report/internal/enrich"
	"github.com/banshee-data/fleet.report/internal/mapping"
	"github.com/banshee-data/fleet.report/internal/monitoring"
	"github.com/banshee-data/fleet.report/internal/opsdb"
	"github.com/banshee-data/fleet.report/internal/server"
	"github.com/banshee-data/fleet.report/internal/version"
)

// shutdownJoin bounds how long background tasks get to unwind after the
// stop signal before the process exits anyway.
const shutdownJoin = 1500 * time.Millisecond

func main() {
	configPath := pflag.StringP("config", "c", "", "path to config file (default $CONFIG_FILE)")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          cfg.NodeID,
	})
	if lvl, err := log.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(lvl)
	} else {
		logger.Warn("unknown log level, using info", "log_level", cfg.LogLevel)
	}

	if err := run(cfg, logger); err != nil &&
		!errors.Is(err, context.Canceled) {
		logger.Error("fatal", "err", err)
		os.Exit(2)
	}
}

func run(cfg *config.Config, logger *log.Logger) error {
	logger.Info("starting", "version", version.Version, "commit", version.GitSHA,
		"mode", cfg.DataTransferMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := opsdb.Open(cfg.DB.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	var mapStore mapping.Store
	if cfg.DB.MappingsCSV != "" {
		mapStore, err = mapping.LoadCSV(cfg.DB.MappingsCSV)
		if err != nil {
			return err
		}
		logger.Info("using CSV mapping fixtures", "path", cfg.DB.MappingsCSV)
	} else {
		mapStore = opsdb.NewMappingStore(db)
	}

	cache, err := mapping.NewCache(mapStore, mapping.CacheConfig{
		TTL:             cfg.Cache.TTL.Std(),
		MaxSize:         cfg.Cache.MaxSize,
		InactiveWindow:  cfg.Cache.InactiveWindow.Std(),
		CleanupInterval: cfg.Cache.CleanupInterval.Std(),
		CheckUpdated:    cfg.Cache.CheckUpdated,
	}, logger.With("component", "mapping"))
	if err != nil {
		return err
	}

	enricher := enrich.New(cache, opsdb.NewPOIStore(db), cfg.POIMaxKm,
		logger.With("component", "enrich"))

	metrics := &monitoring.Metrics{}

	var pub broker.Publisher
	var producer *broker.Producer
	switch cfg.DataTransferMode {
	case config.ModeLogs:
		sink, err := broker.NewCSVSink(cfg.CSVDir)
		if err != nil {
			return err
		}
		defer sink.Close()
		pub = sink
		logger.Info("writing records to CSV", "dir", cfg.CSVDir)
	case config.ModeRabbitMQ:
		producer = broker.NewProducer(broker.ProducerConfig{
			URL:              cfg.AMQP.URL,
			Exchange:         cfg.AMQP.Exchange,
			NodeID:           cfg.NodeID,
			ConfirmTimeout:   cfg.AMQP.ConfirmTimeout.Std(),
			ReconnectTimeout: cfg.AMQP.ReconnectTimeout.Std(),
		}, logger.With("component", "broker"))
		if err := producer.Connect(ctx); err != nil {
			return fmt.Errorf("broker connect: %w", err)
		}
		defer producer.Close()
		pub = producer
	}

	dir := server.NewDirectory()
	cmdStore := opsdb.NewCommandStore(db)
	manager := command.NewManager(cmdStore, directoryAdapter{dir}, metrics, command.Config{
		PollInterval:     cfg.Command.PollInterval.Std(),
		SweepInterval:    cfg.Command.SweepInterval.Std(),
		NoReplyThreshold: cfg.Command.NoReplyThreshold.Std(),
	}, logger.With("component", "command"))

	handler := server.NewHandler(dir, enricher, pub, manager, metrics, server.HandlerConfig{
		ReadTimeout: cfg.ReadTimeout.Std(),
	}, logger.With("component", "server"))
	listener := server.NewListener(server.ListenerConfig{
		Addr:           cfg.ListenAddr,
		MaxConnections: cfg.MaxConnections,
	}, handler, metrics, logger.With("component", "server"))

	reporter := monitoring.NewReporter(cfg.Monitor.URL, cfg.NodeID,
		cfg.Monitor.Interval.Std(), metrics, logger.With("component", "monitor"))
	apiSrv := api.NewServer(pub, metrics, cfg.BrokerGrace.Std(),
		logger.With("component", "api"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return listener.Run(gctx) })
	g.Go(func() error { return manager.Run(gctx) })
	g.Go(func() error { return cache.Run(gctx) })
	g.Go(func() error { return reporter.Run(gctx) })
	g.Go(func() error { return apiSrv.Run(gctx, cfg.HealthAddr) })

	<-gctx.Done()
	logger.Info("shutting down")
	if producer != nil {
		// Fast-fail in-flight publishes so frames go un-ACKed and
		// devices resend them after reconnecting.
		producer.Shutdown()
	}
	stop()

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	case <-time.After(shutdownJoin):
		logger.Warn("shutdown join timed out, exiting anyway")
		return nil
	}
}

// directoryAdapter narrows the server directory to the writer interface
// the command sender needs.
type directoryAdapter struct {
	dir *server.Directory
}

func (a directoryAdapter) ByIMEI(imei string) (command.DeviceWriter, bool) {
	sess, ok := a.dir.ByIMEI(imei)
	if !ok {
		return nil, false
	}
	return sess, true
}

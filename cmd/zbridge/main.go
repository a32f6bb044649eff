package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/phystech/zbridge/internal/chart"
	"github.com/phystech/zbridge/internal/config"
	"github.com/phystech/zbridge/internal/delivery"
	"github.com/phystech/zbridge/internal/event"
	"github.com/phystech/zbridge/internal/ingress"
	"github.com/phystech/zbridge/internal/probe"
	"github.com/phystech/zbridge/internal/server"
	"github.com/phystech/zbridge/internal/store"
	"github.com/phystech/zbridge/internal/zabbix"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	flag.Parse()

	// Load configuration before the logger, so log level/format can be
	// configured.
	v, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("zbridge starting")
	if f := v.ConfigFileUsed(); f != "" {
		logger.Info("configuration loaded", zap.String("source", f))
	} else {
		logger.Warn("no configuration file found, using defaults")
	}

	if v.GetString("zabbix.url") == "" {
		logger.Fatal("zabbix.url is required (set it in the config file or ZBRIDGE_ZABBIX_URL)")
	}

	// Open the event log database.
	dbPath := v.GetString("database.path")
	db, err := store.New(dbPath)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("event log initialized", zap.String("path", dbPath))

	// Event bus connects ingestion to delivery and persistence.
	bus := event.NewBus(logger.Named("event"))

	sink := delivery.NewLogSink(logger.Named("delivery"))
	bus.Subscribe(ingress.TopicAlertReceived, func(ctx context.Context, ev event.Event) {
		msg, ok := ev.Payload.(delivery.Message)
		if !ok {
			return
		}
		if err := sink.Deliver(ctx, msg); err != nil {
			logger.Warn("alert delivery failed", zap.Error(err))
		}
	})
	bus.Subscribe(ingress.TopicAlertReceived, func(ctx context.Context, ev event.Event) {
		msg, ok := ev.Payload.(delivery.Message)
		if !ok {
			return
		}
		if err := db.SaveEvent(ctx, msg.Subject, msg.Text); err != nil {
			logger.Warn("alert persistence failed", zap.Error(err))
		}
	})

	ing := ingress.New(logger.Named("ingress"), bus)

	client := zabbix.NewClient(zabbix.Config{
		URL:        v.GetString("zabbix.url"),
		Token:      v.GetString("zabbix.token"),
		Username:   v.GetString("zabbix.username"),
		Password:   v.GetString("zabbix.password"),
		VerifyTLS:  v.GetBool("zabbix.verify_tls"),
		Timeout:    v.GetDuration("zabbix.timeout"),
		SessionTTL: v.GetDuration("zabbix.session_ttl"),
	}, logger.Named("zabbix"))

	prober := probe.New(probe.Config{
		Count:           v.GetInt("probe.count"),
		PerProbeTimeout: v.GetDuration("probe.per_probe_timeout"),
	}, logger.Named("probe"))

	renderer := chart.New(v.GetInt("chart.width"), v.GetInt("chart.height"))

	addr := v.GetString("server.host") + ":" + v.GetString("server.port")
	srv := server.New(server.Config{
		Addr:            addr,
		ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
		WebhookRPS:      v.GetFloat64("ingress.rate_limit"),
		WebhookBurst:    v.GetInt("ingress.burst"),
		SurgeThreshold:  v.GetFloat64("insight.surge_threshold"),
	}, client, ing, db, renderer, prober, logger.Named("server"))

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("server error", zap.Error(err))
		}
	}()
	logger.Info("zbridge ready", zap.String("addr", addr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	logger.Info("zbridge stopped")
}

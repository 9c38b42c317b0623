package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fluxmq/broker/internal/auth"
	"github.com/fluxmq/broker/internal/broker"
	"github.com/fluxmq/broker/internal/config"
	"github.com/fluxmq/broker/internal/logger"
	"github.com/fluxmq/broker/internal/metadata"
	"github.com/fluxmq/broker/internal/storage"
	"github.com/fluxmq/broker/internal/subscribe"
	"github.com/fluxmq/broker/internal/transport"
)

func gracefulShutdown(srv *transport.TCPServer, cancel context.CancelFunc, done chan struct{}) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	log.Println("graceful shutdown triggered")

	defer cancel()
	if err := srv.Stop(); err != nil {
		log.Println(err)
	}
	time.Sleep(1 * time.Second)

	close(done)
}

func main() {
	cfg, err := config.Load("config.yml")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logLevel := logger.LevelInfo
	if cfg.Logging.Level == "debug" {
		logLevel = logger.LevelDebug
	}
	appLog := logger.New(logger.Config{
		Level:       logLevel,
		Format:      cfg.Logging.Format,
		Environment: cfg.Logging.Environment,
		Service:     cfg.Name,
		Version:     cfg.Version,
	})

	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		log.Fatalf("failed to open storage: %v", err)
	}
	defer store.Close()

	authStore, err := auth.Open(cfg.Auth.DBPath)
	if err != nil {
		log.Fatalf("failed to open auth store: %v", err)
	}

	meta := metadata.New()
	registry := prometheus.NewRegistry()
	engine := subscribe.NewEngine(store, meta, cfg.Dispatch, appLog, registry)

	br := broker.New(store, meta, engine, appLog)

	ctx, cancel := context.WithCancel(context.Background())
	go engine.Run(ctx)

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
				appLog.LogSupervisorEvent("", "", "metrics_server_stopped")
			}
		}()
	}

	srv := transport.New(cfg.Server.Port, br, engine, authStore, appLog)

	done := make(chan struct{}, 1)
	go func() {
		if err := srv.Start(ctx); err != nil {
			log.Fatalf("server error: %v", err)
		}
	}()
	log.Printf("%s listening on %s\n", cfg.Name, cfg.Server.Port)

	go gracefulShutdown(srv, cancel, done)

	<-done
	log.Println("graceful shutdown complete")
}

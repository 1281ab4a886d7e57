package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cesi-keybox/keybox/server/internal/broadcast"
	"github.com/cesi-keybox/keybox/server/internal/config"
	"github.com/cesi-keybox/keybox/server/internal/db"
	"github.com/cesi-keybox/keybox/server/internal/grpcapi"
	"github.com/cesi-keybox/keybox/server/internal/httpapi"
	"github.com/cesi-keybox/keybox/server/internal/keybox/directory"
	"github.com/cesi-keybox/keybox/server/internal/keybox/service"
	"github.com/cesi-keybox/keybox/server/internal/keybox/store"
	"github.com/cesi-keybox/keybox/server/internal/keybox/store/memory"
	"github.com/cesi-keybox/keybox/server/internal/keybox/store/sqlite"
	"github.com/cesi-keybox/keybox/server/internal/transport/natsfeed"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingestion, realtime and admin servers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func openStore(ctx context.Context, cfg *config.Config) (store.EventStore, io.Closer, error) {
	if cfg.Store.Driver == "memory" {
		return memory.NewEventStore(), closerFunc(func() error { return nil }), nil
	}

	conn, err := db.Open(ctx, db.Config{Path: cfg.DB.Path, Env: cfg.Env})
	if err != nil {
		return nil, nil, err
	}
	writer := db.NewWorker(conn)
	closer := closerFunc(func() error {
		writer.Close()
		return conn.Close()
	})
	return sqlite.NewEventStore(conn, writer), closer, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func serve(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	logger := newLogger(cfg.Log.Level)

	dir, err := directory.Load(cfg.Keys.File)
	if err != nil {
		return err
	}
	logger.Info("key directory loaded", "file", cfg.Keys.File, "keys", dir.Len())

	creds, err := service.NewCredentials(cfg.Admin.Username, cfg.Admin.Password, cfg.Admin.PasswordHash)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, storeCloser, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer storeCloser.Close()
	logger.Info("event store ready", "driver", cfg.Store.Driver, "path", cfg.DB.Path)

	// Sinks
	hub := broadcast.NewHub(cfg.Broadcast.Buffer)
	sinks := broadcast.Multi{hub}
	if cfg.Redis.URL != "" {
		rs, err := broadcast.NewRedisSink(cfg.Redis.URL, cfg.Redis.Channel)
		if err != nil {
			return err
		}
		defer rs.Close()
		sinks = append(sinks, rs)
		logger.Info("redis relay enabled", "channel", cfg.Redis.Channel)
	}

	// Services
	pipeline := service.NewPipeline(dir, st, sinks, logger.WithPrefix("ingest"), service.PipelineConfig{
		QueueSize:    cfg.Ingest.QueueSize,
		StoreRetries: cfg.Ingest.StoreRetries,
		RetryBackoff: cfg.Ingest.RetryBackoff,
	})
	guard := service.NewGuard(creds, service.GuardConfig{
		MaxFailures: cfg.Admin.MaxFailures,
		Lockout:     cfg.Admin.Lockout,
		TokenSecret: []byte(cfg.Admin.TokenSecret),
	}, logger.WithPrefix("admin"))
	console := service.NewAdminConsole(guard, st, logger.WithPrefix("admin"))

	sweeper := service.NewThrottleSweeper(guard, cfg.Admin.SweepInterval, logger)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	pipelineDone := make(chan struct{})
	go func() {
		defer close(pipelineDone)
		if err := pipeline.Run(context.WithoutCancel(ctx)); err != nil {
			logger.Error("pipeline stopped", "err", err)
		}
	}()

	// Transport
	var feed *natsfeed.Feed
	if cfg.NATS.Enabled {
		feed, err = natsfeed.Connect(ctx, natsfeed.Config{
			URL:           cfg.NATS.URL,
			Name:          cfg.NATS.Name,
			Subject:       cfg.NATS.Subject,
			Queue:         cfg.NATS.Queue,
			MaxReconnects: cfg.NATS.MaxReconnects,
			ReconnectWait: cfg.NATS.ReconnectWait,
			Timeout:       cfg.NATS.Timeout,
			Username:      cfg.NATS.Username,
			Password:      cfg.NATS.Password,
			Token:         cfg.NATS.Token,
		}, pipeline, logger.WithPrefix("nats"))
		if err != nil {
			pipeline.Close()
			<-pipelineDone
			return err
		}
	}

	// gRPC
	grpcSrv := grpcapi.NewServer(grpcapi.Dependencies{
		Hub:     hub,
		Store:   st,
		Console: console,
		Logger:  logger.WithPrefix("grpc"),
	})
	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.GRPC.Addr, err)
	}
	go func() {
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Error("grpc server error", "err", err)
			stop()
		}
	}()

	// HTTP
	httpSrv := httpapi.NewServer(httpapi.Dependencies{
		Logger:   logger.WithPrefix("http"),
		Addr:     cfg.HTTP.Addr,
		Pipeline: pipeline,
		Store:    st,
	})
	go func() {
		logger.Info("http listening", "addr", cfg.HTTP.Addr)
		if err := httpSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	if feed != nil {
		if err := feed.Close(); err != nil {
			logger.Warn("nats drain", "err", err)
		}
	}
	pipeline.Close()
	<-pipelineDone
	grpcSrv.Stop()
	return nil
}

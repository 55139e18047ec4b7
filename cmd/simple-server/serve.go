package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/davehorton/drachtio-simple-server/internal/client"
	"github.com/davehorton/drachtio-simple-server/internal/config"
	"github.com/davehorton/drachtio-simple-server/internal/esc"
	"github.com/davehorton/drachtio-simple-server/internal/events"
	"github.com/davehorton/drachtio-simple-server/internal/notify"
	"github.com/davehorton/drachtio-simple-server/internal/reaper"
	"github.com/davehorton/drachtio-simple-server/internal/server"
	"github.com/davehorton/drachtio-simple-server/internal/sip"
	"github.com/davehorton/drachtio-simple-server/internal/snapshot"
	"github.com/davehorton/drachtio-simple-server/internal/store"
	"github.com/davehorton/drachtio-simple-server/internal/subscription"
)

var serveCmd = &cobra.Command{
	Use:   "serve [publish] [subscribe]",
	Short: "Start the presence server",
	Long: `Start the presence server.

Naming methods limits which requests are served, so one instance can act
as the compositor only and another as the subscription agent. Without
arguments the configured methods are served (default: both).`,
	GroupID:   "server",
	ValidArgs: []string{"publish", "subscribe"},
	Args:      cobra.OnlyValidArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if len(args) > 0 {
			cfg.Methods = args
		}
		methods, err := server.EnabledMethods(cfg.Methods)
		if err != nil {
			return err
		}
		if cfg.EngineURL == "" {
			return errors.New("engine_url (SIMPLE_ENGINE_URL) is required to send NOTIFYs")
		}
		logger := newLogger(cfg.LogLevel)

		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		logger.Info("store opened", "backend", cfg.Store)

		publisher := newPublisher(cfg, logger)

		engine := client.NewEngineClient(cfg.EngineURL, cfg.AuthToken, cfg.NotifyTimeout)
		notifier := notify.New(st, engine, notify.Options{
			Timeout: cfg.NotifyTimeout,
			Logger:  logger,
		})

		resolver := sip.Resolver{Domain: cfg.Domain, Policy: cfg.DomainPolicy}
		compositor := esc.New(st, notifier, esc.Options{
			SupportedEvents: cfg.SupportedEvents,
			Expires:         cfg.Publish.Expires,
			Resolver:        resolver,
			NotifyOnRemove:  cfg.NotifyOnRemove,
			Publisher:       publisher,
			Logger:          logger,
		})
		subs := subscription.New(st, notifier, subscription.Options{
			SupportedEvents: cfg.SupportedEvents,
			Expires:         cfg.Subscribe.Expires,
			EventExpires:    cfg.Subscribe.EventExpires,
			Resolver:        resolver,
			Publisher:       publisher,
			Logger:          logger,
		})
		notifier.SetOnGone(subs.Drop)

		reap := reaper.NewScheduler(st, cfg.ReapInterval, nil, logger)
		reap.Start()
		logger.Info("reaper started", "interval", cfg.ReapInterval)

		snapshots := startSnapshots(cfg, st, logger)

		srv := server.New(st, compositor, subs, server.Options{
			SupportedEvents: cfg.SupportedEvents,
			Methods:         methods,
			Sweeper:         reap,
			Logger:          logger,
		})
		grpcServer, health := server.NewGRPCServer(cfg.AuthToken, logger)

		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			reap.Stop()
			publisher.Close()
			st.Close()
			return err
		}
		go func() {
			logger.Info("gRPC server listening", "addr", cfg.GRPCAddr)
			if err := grpcServer.Serve(lis); err != nil {
				logger.Error("gRPC server error", "error", err)
			}
		}()

		httpServer := &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           srv.NewHTTPHandler(cfg.AuthToken),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("HTTP server error", "error", err)
			}
		}()

		logger.Info("simple-server started",
			"grpc_addr", cfg.GRPCAddr,
			"http_addr", cfg.HTTPAddr,
			"engine_url", cfg.EngineURL,
			"events", cfg.SupportedEvents,
			"methods", methods,
		)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)

		health.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "error", err)
		}
		logger.Info("HTTP server stopped")

		grpcServer.GracefulStop()
		logger.Info("gRPC server stopped")

		subs.Close()
		subs.Wait()
		notifier.Wait()
		logger.Info("pending NOTIFYs drained")

		reap.Stop()
		if snapshots != nil {
			snapshots.Stop()
			logger.Info("snapshot scheduler stopped")
		}

		if err := publisher.Close(); err != nil {
			logger.Error("error closing publisher", "error", err)
		}
		if err := st.Close(); err != nil {
			logger.Error("error closing store", "error", err)
		}

		logger.Info("shutdown complete")
		return nil
	},
}

func newPublisher(cfg *config.Config, logger *slog.Logger) events.Publisher {
	if cfg.NATSURL == "" {
		logger.Info("events disabled (SIMPLE_NATS_URL not set)")
		return events.NoopPublisher{}
	}
	pub, err := events.NewNATSPublisher(cfg.NATSURL)
	if err != nil {
		logger.Error("events disabled, cannot connect to NATS", "nats_url", cfg.NATSURL, "error", err)
		return events.NoopPublisher{}
	}
	logger.Info("events enabled", "nats_url", cfg.NATSURL)
	return pub
}

// startSnapshots starts the S3 snapshot scheduler when a bucket is set.
func startSnapshots(cfg *config.Config, st store.Store, logger *slog.Logger) *snapshot.Scheduler {
	if cfg.SnapshotInterval <= 0 || cfg.SnapshotS3Bucket == "" {
		return nil
	}
	dest, err := snapshot.NewS3Destination(context.Background(),
		cfg.SnapshotS3Bucket,
		cfg.SnapshotS3Key,
		cfg.SnapshotS3Region,
		cfg.SnapshotS3Endpoint,
	)
	if err != nil {
		logger.Error("failed to create S3 snapshot destination", "error", err)
		return nil
	}
	s := snapshot.NewScheduler(st, []snapshot.Destination{dest}, cfg.SnapshotInterval, nil, logger)
	s.Start()
	logger.Info("snapshot scheduler started",
		"bucket", cfg.SnapshotS3Bucket,
		"key", cfg.SnapshotS3Key,
		"interval", cfg.SnapshotInterval,
	)
	return s
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/appetiteclub/orderdesk/internal/config"
	applog "github.com/appetiteclub/orderdesk/internal/logger"
	"github.com/appetiteclub/orderdesk/internal/memory"
	"github.com/appetiteclub/orderdesk/internal/mongo"
	"github.com/appetiteclub/orderdesk/internal/order"
	"github.com/appetiteclub/orderdesk/internal/server"
	"github.com/appetiteclub/orderdesk/internal/telemetry"
	"github.com/appetiteclub/orderdesk/pkg"
	"github.com/appetiteclub/orderdesk/pkg/event"
	"go.uber.org/zap"
)

const (
	appNamespace = "ORDERD"
	appName      = "orderd"
	appVersion   = "0.1.0"
)

const shutdownWait = 10 * time.Second

func defaults() map[string]any {
	return map[string]any{
		"http.port":     8080,
		"grpc.port":     9090,
		"db.driver":     "mongo",
		"db.mongo.url":  "mongodb://localhost:27017",
		"db.mongo.name": "orderdesk",
		"nats.url":      "nats://localhost:4222",
		"log.level":     "info",
		"log.format":    "json",
		"log.output":    "stderr",
	}
}

func main() {
	cfg, err := config.Load(appNamespace, os.Args[1:], defaults())
	if err != nil {
		log.Fatalf("%s(%s) cannot setup: %v", appName, appVersion, err)
	}

	logger := applog.New(applog.Config{
		Level:  cfg.StringOr("log.level", "info"),
		Format: cfg.StringOr("log.format", "json"),
		Output: cfg.StringOr("log.output", "stderr"),
	}).With(zap.String("app", appName), zap.String("version", appVersion))
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)
	defer stop()

	secret, err := cfg.Require("auth.secret")
	if err != nil {
		log.Fatalf("%s(%s) cannot setup: %v", appName, appVersion, err)
	}

	repo, stopRepo, err := openRepo(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("%s(%s) cannot start repository: %v", appName, appVersion, err)
	}
	defer stopRepo()

	metrics := telemetry.New()
	natsURL := cfg.StringOr("nats.url", "nats://localhost:4222")

	var publisher server.Publisher
	pub, err := pkg.NewNATSPublisher(natsURL)
	if err != nil {
		logger.Warn("cannot connect NATS publisher, order events will not be broadcast", zap.Error(err))
	} else {
		publisher = pub
		defer func() { _ = pub.Close() }()
	}

	presence := server.NewPresence(metrics, logger)
	sub, err := pkg.NewNATSSubscriber(natsURL, logger)
	if err != nil {
		logger.Warn("cannot connect NATS subscriber, room presence disabled", zap.Error(err))
	} else {
		defer func() { _ = sub.Close() }()
		if err := sub.Subscribe(ctx, event.ControlSubject, presence.Handle); err != nil {
			log.Fatalf("%s(%s) cannot subscribe to %s: %v", appName, appVersion, event.ControlSubject, err)
		}
	}

	handler := server.NewHandler(server.HandlerDeps{
		Repo:        repo,
		Broadcaster: server.NewBroadcaster(publisher, logger),
		Metrics:     metrics,
		Secret:      secret,
	}, logger)

	httpAddr := fmt.Sprintf(":%d", cfg.IntOr("http.port", 8080))
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcAddr := fmt.Sprintf(":%d", cfg.IntOr("grpc.port", 9090))
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		log.Fatalf("%s(%s) cannot listen on %s: %v", appName, appVersion, grpcAddr, err)
	}
	grpcServer, healthServer := server.NewGRPCServer(logger)

	errs := make(chan error, 2)
	go func() {
		logger.Info("HTTP listening", zap.String("addr", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		logger.Info("gRPC listening", zap.String("addr", grpcAddr))
		if err := grpcServer.Serve(lis); err != nil {
			errs <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	server.SetServing(healthServer, true)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errs:
		logger.Error("server stopped", zap.Error(err))
	}

	server.SetServing(healthServer, false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		grpcServer.Stop()
	}
}

// openRepo selects the order store from db.driver: "mongo" or "memory".
func openRepo(ctx context.Context, cfg *config.Config, logger *zap.Logger) (order.Repo, func(), error) {
	switch driver := cfg.StringOr("db.driver", "mongo"); driver {
	case "memory":
		logger.Info("using in-memory order store")
		return memory.NewOrderRepo(), func() {}, nil
	case "mongo":
		base := mongo.NewBaseRepo(cfg, logger)
		if err := base.Start(ctx); err != nil {
			return nil, nil, err
		}
		db := base.GetDatabase()
		if db == nil {
			return nil, nil, errors.New("repository database is nil")
		}
		stop := func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
			defer cancel()
			if err := base.Stop(stopCtx); err != nil {
				logger.Warn("cannot stop repository", zap.Error(err))
			}
		}
		return mongo.NewOrderRepo(db), stop, nil
	default:
		return nil, nil, fmt.Errorf("unknown db.driver %q", driver)
	}
}

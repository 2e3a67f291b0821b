package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"pulse/config"
	"pulse/infrastructure/connection"
	"pulse/internal/logging"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		bootLog := logging.New(os.Stderr, "info", false)
		bootLog.Fatal().Err(err).Msg("failed to load config")
	}
	log := logging.ProvideLogger(cfg)

	app, cleanup, err := InitializeApp(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize application")
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           app.Server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	grpcServer, health := connection.NewGRPCServer(logging.ForComponent(log, "grpc"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		log.Info().Str("addr", cfg.GRPCAddr).Msg("starting gRPC server")
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		return app.Gateway.Run(gctx)
	})
	g.Go(func() error {
		app.Server.SweepLimiters(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		// reports NOT_SERVING for every service while draining
		health.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		grpcServer.GracefulStop()
		return err
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
	}
}

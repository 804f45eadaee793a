package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hetuflow/hetuflow/internal/config"
	"github.com/hetuflow/hetuflow/pkg/logger"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to the server config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	logger.Setup(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Service: "hetuflow-server"})
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("Invalid config: %v", err)
	}

	svc, err := bootstrap(cfg)
	if err != nil {
		logger.Fatalf("Failed to start: %v", err)
	}

	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	registerRoutes(r, svc)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Long-lived streams (SSE, agent sockets) end with the signal context
	// instead of holding Shutdown open.
	srv := &http.Server{
		Addr:        cfg.Addr(),
		Handler:     r,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Str("server_id", cfg.Server.ServerID).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return svc.run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("Server stopped with error")
	}
	svc.shutdown()
	logger.Info().Msg("Server exited")
}

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/hetuflow/hetuflow/internal/agent"
	"github.com/hetuflow/hetuflow/internal/config"
	"github.com/hetuflow/hetuflow/pkg/logger"
)

func main() {
	configPath := flag.String("config", os.Getenv("AGENT_CONFIG_PATH"), "path to the agent config file")
	flag.Parse()

	cfg, err := config.LoadAgent(*configPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	logger.Setup(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Service: "hetuflow-agent"})

	app, err := agent.NewApplication(cfg)
	if err != nil {
		logger.Fatalf("Failed to start agent: %v", err)
	}

	go handleSignals(app)

	if err := app.Run(context.Background()); err != nil {
		logger.Error().Err(err).Msg("Agent stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("Agent exited")
}

// handleSignals drains on SIGTERM and kills running processes on SIGINT or
// on a second signal.
func handleSignals(app *agent.Application) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	draining := false
	for sig := range sigs {
		if sig == syscall.SIGTERM && !draining {
			logger.Info().Msg("SIGTERM received, draining running tasks")
			draining = true
			app.Shutdown(true)
			continue
		}
		logger.Info().Str("signal", sig.String()).Msg("Stopping agent")
		app.Shutdown(false)
	}
}

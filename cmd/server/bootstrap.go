package main

import (
	"context"
	"time"

	"github.com/hetuflow/hetuflow/internal/config"
	"github.com/hetuflow/hetuflow/internal/gateway"
	"github.com/hetuflow/hetuflow/internal/middleware"
	"github.com/hetuflow/hetuflow/internal/models"
	"github.com/hetuflow/hetuflow/internal/services"
	"github.com/hetuflow/hetuflow/internal/utils"
	"github.com/hetuflow/hetuflow/pkg/logger"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// appServices holds every component of one server replica.
type appServices struct {
	cfg     *config.Config
	db      *gorm.DB
	metrics *services.Metrics

	servers   *services.ServerService
	jobs      *services.JobService
	agents    *services.AgentService
	tasks     *services.TaskStore
	leader    *services.LeaderElector
	generator *services.TaskGenerator
	retry     *services.RetryService

	conns     *gateway.ConnectionManager
	wsHandler *gateway.WSHandler
	limiter   *middleware.RateLimiter
	manager   *services.AgentManager
	queue     services.EventQueue
	worker    *services.Worker
	logs      *services.LogReceiver
	hub       *services.TaskEventHub
}

// bootstrap connects the database and builds every component. Nothing is
// started until run.
func bootstrap(cfg *config.Config) (*appServices, error) {
	utils.SetJWTSecret(cfg.JWT.Secret)

	if err := models.InitDB(&cfg.Database); err != nil {
		return nil, err
	}
	db := models.GetDB()
	if err := models.AutoMigrate(); err != nil {
		return nil, err
	}

	metrics := services.NewMetrics()
	if sqlDB, err := db.DB(); err == nil {
		metrics.Register(collectors.NewDBStatsCollector(sqlDB, "hetuflow"))
	}

	s := &appServices{
		cfg:     cfg,
		db:      db,
		metrics: metrics,
		servers: services.NewServerService(db),
		jobs:    services.NewJobService(db),
		agents:  services.NewAgentService(db),
		tasks:   services.NewTaskStore(db, cfg.Scheduler.PriorityAgingInterval),
		hub:     services.GetTaskEventHub(),
	}
	s.leader = services.NewLeaderElector(db, &cfg.Scheduler, cfg.Server.ServerID, s.tasks, metrics)
	s.generator = services.NewTaskGenerator(db, &cfg.Scheduler, s.leader, metrics)
	s.retry = services.NewRetryService(s.tasks, &cfg.Scheduler, s.leader, metrics)

	logs, err := services.NewLogReceiver(&cfg.TaskLog, metrics)
	if err != nil {
		return nil, err
	}
	s.logs = logs

	s.conns = gateway.NewConnectionManager()
	handler := gateway.NewMessageHandler(s.conns, cfg.Server.ServerID, map[string]string{
		"server_name":        cfg.Server.ServerName,
		"heartbeat_interval": cfg.Scheduler.HeartbeatInterval.String(),
	})
	s.wsHandler = gateway.NewWSHandler(s.conns, handler, &cfg.Gateway)
	s.limiter = middleware.NewRateLimiter(cfg.Gateway.ConnectRate, cfg.Gateway.ConnectBurst)

	s.queue = services.InitEventQueue(cfg)
	s.manager = services.NewAgentManager(cfg.Server.ServerID, s.conns, s.agents, s.tasks, s.queue, s.logs, s.hub, metrics)
	if syncQueue, ok := s.queue.(*services.SyncQueue); ok {
		syncQueue.SetProcessor(s.manager.HandleTaskEvent)
	}
	if s.queue.IsAsync() {
		s.worker = services.NewWorker(&cfg.Redis)
		if s.worker != nil {
			s.worker.SetProcessor(s.manager.HandleTaskEvent)
		}
	}
	return s, nil
}

// run starts the background loops and blocks until ctx is done and every
// loop has returned.
func (s *appServices) run(ctx context.Context) error {
	if err := s.servers.Register(ctx, s.cfg.Server.ServerID, s.cfg.Server.ServerName, s.cfg.Addr()); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	if s.worker != nil {
		g.Go(func() error { return s.worker.Run(ctx) })
	}
	loops := map[string]func(context.Context){
		"leader":    s.leader.Run,
		"generator": s.generator.Run,
		"retry":     s.retry.Run,
		"agents":    s.manager.Run,
		"task_logs": s.logs.Run,
		"limiter":   s.limiter.Run,
		"sessions":  s.sweepSessions,
	}
	for name, loop := range loops {
		name, loop := name, loop
		g.Go(func() error {
			loop(ctx)
			logger.Debugf("[Server] %s loop stopped", name)
			return nil
		})
	}
	return g.Wait()
}

// sweepSessions drops gateway sessions that stopped heartbeating without
// closing their socket.
func (s *appServices) sweepSessions(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Scheduler.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if dropped := s.conns.CleanupStale(s.cfg.Scheduler.AgentOverdueTTL); len(dropped) > 0 {
				logger.Warnf("[Server] Dropped stale sessions: %v", dropped)
			}
			s.metrics.SetAgentsConnected(s.conns.OnlineCount())
		}
	}
}

// shutdown releases what run does not: the queue, task log files and the
// server row.
func (s *appServices) shutdown() {
	if s.queue != nil {
		s.queue.Close()
	}
	if err := s.logs.Close(); err != nil {
		logger.Warn().Err(err).Msg("[Server] Closing task logs failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.servers.Deactivate(ctx, s.cfg.Server.ServerID); err != nil {
		logger.Warn().Err(err).Msg("[Server] Deactivate failed")
	}
	logger.Info().Msg("All services stopped")
}

package main

import (
	"github.com/gin-gonic/gin"
	"github.com/hetuflow/hetuflow/internal/handlers"
	"github.com/hetuflow/hetuflow/internal/middleware"
	"github.com/hetuflow/hetuflow/pkg/logger"
)

// registerRoutes sets up all HTTP routes on the given Gin engine.
func registerRoutes(r *gin.Engine, svc *appServices) {
	r.Use(logger.GinLogger(), logger.GinRecovery())
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.Use(middleware.CORS(svc.cfg.Server.AllowedOrigins))

	healthHandler := handlers.NewHealthHandler(svc.db, svc.cfg.Server.ServerID, svc.queue, svc.conns, svc.hub, svc.leader)
	r.GET("/health", healthHandler.CheckHealth)
	r.GET("/metrics", handlers.Metrics(svc.metrics))

	authHandler := handlers.NewAuthHandler(svc.cfg)
	jobHandler := handlers.NewJobHandler(svc.jobs)
	scheduleHandler := handlers.NewScheduleHandler(svc.jobs, svc.generator)
	taskHandler := handlers.NewTaskHandler(svc.tasks, svc.generator, svc.manager)
	agentHandler := handlers.NewAgentHandler(svc.agents, svc.conns, svc.manager)
	sseHandler := handlers.NewSSEHandler(svc.hub)

	// Agents authenticate inside the registration frame, so the upgrade
	// route sits outside AuthRequired.
	r.GET("/api/v1/gateway/ws", svc.limiter.Middleware(), svc.wsHandler.Connect)

	r.POST("/api/v1/auth/generate-token", middleware.LocalhostOnly(), authHandler.GenerateToken)

	events := r.Group("/api/events", middleware.AuthRequired(), middleware.AdminRequired())
	events.GET("/tasks", sseHandler.StreamTaskEvents)

	api := r.Group("/api/v1", middleware.AuthRequired(), middleware.AdminRequired(), middleware.AuditLog())
	{
		// Jobs
		api.GET("/jobs", jobHandler.List)
		api.GET("/jobs/:id", jobHandler.Get)
		api.POST("/jobs", jobHandler.Create)

		// Schedules
		api.GET("/schedules", scheduleHandler.List)
		api.GET("/schedules/:id", scheduleHandler.Get)
		api.POST("/schedules", scheduleHandler.Create)
		api.PUT("/schedules/:id/status", scheduleHandler.UpdateStatus)
		api.POST("/schedules/:id/trigger", scheduleHandler.Trigger)

		// Tasks
		api.GET("/tasks", taskHandler.List)
		api.GET("/tasks/:id", taskHandler.Get)
		api.GET("/tasks/:id/instances", taskHandler.Instances)
		api.POST("/tasks", taskHandler.Create)
		api.POST("/tasks/:id/cancel", taskHandler.Cancel)

		// Agents
		api.GET("/agents", agentHandler.List)
		api.GET("/agents/:id", agentHandler.Get)
		api.POST("/gateway/command", agentHandler.SendCommand)
	}
}

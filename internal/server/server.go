package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/relaypub/relay/internal/config"
	"github.com/relaypub/relay/internal/publisher"
	"github.com/relaypub/relay/internal/service"
)

type Server struct {
	Config *config.Config
	DB     *gorm.DB
	Router *gin.Engine
	Logger *zap.Logger
	Server *http.Server

	// Registry is where platform publisher implementations plug in.
	Registry *publisher.Registry

	// Services
	PostService     *service.PostService
	ApprovalService *service.ApprovalService
	Monitoring      *service.MonitoringService
	Dispatcher      *service.Dispatcher
	Sweeper         *service.Sweeper
}

func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	// Set gin mode
	gin.SetMode(cfg.Server.Mode)

	// Initialize database
	db, err := service.NewDatabase(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Initialize services. The dispatcher's handler is the orchestrator, so
	// wiring runs bottom-up from the registry.
	registry := publisher.NewRegistry(logger)
	monitoring := service.NewMonitoringService(db, logger)
	orchestrator := service.NewOrchestrator(db, registry, monitoring, logger)
	dispatcher := service.NewDispatcher(&cfg.Dispatcher, logger, orchestrator.PublishPost)
	allocator := service.NewSlotAllocator(db, cfg, logger)
	builder := service.NewDestinationBuilder(db)
	postService := service.NewPostService(db, cfg, logger, allocator, builder, dispatcher)
	approvalService := service.NewApprovalService(db, cfg, logger, allocator, dispatcher)
	sweeper := service.NewSweeper(db, &cfg.Scheduler, dispatcher, logger)

	// Create router
	router := gin.New()

	// Create server
	srv := &Server{
		Config:          cfg,
		DB:              db,
		Router:          router,
		Logger:          logger,
		Registry:        registry,
		PostService:     postService,
		ApprovalService: approvalService,
		Monitoring:      monitoring,
		Dispatcher:      dispatcher,
		Sweeper:         sweeper,
	}

	// Setup middleware and routes
	srv.setupMiddleware()
	srv.setupRoutes()

	return srv, nil
}

func (s *Server) setupMiddleware() {
	// Recovery middleware
	s.Router.Use(gin.Recovery())

	// Logger middleware
	s.Router.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Formatter: func(param gin.LogFormatterParams) string {
			return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
				param.ClientIP,
				param.TimeStamp.Format(time.RFC3339),
				param.Method,
				param.Path,
				param.Request.Proto,
				param.StatusCode,
				param.Latency,
				param.Request.UserAgent(),
				param.ErrorMessage,
			)
		},
	}))

	// CORS middleware
	s.Router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Actor-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})
}

func (s *Server) setupRoutes() {
	// Health check
	s.Router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Unix(),
		})
	})

	// API routes
	api := s.Router.Group("/api/v1")
	api.Use(s.requireActor())
	{
		ws := api.Group("/workspaces/:wid")
		{
			ws.POST("/posts", s.handleCreatePost)
			ws.POST("/posts/bulk", s.handleBulkCreatePosts)
			ws.GET("/posts", s.handleListPosts)
			ws.GET("/posts/:id", s.handleGetPost)
			ws.PATCH("/posts/:id", s.handleUpdatePost)
			ws.DELETE("/posts/:id", s.handleDeletePost)

			ws.GET("/approvals", s.handleListApprovals)
			ws.POST("/posts/:id/approval/approve", s.handleApprove)
			ws.POST("/posts/:id/approval/reject", s.handleReject)
			ws.POST("/posts/:id/approval/cancel", s.handleCancelApproval)
		}
	}
}

func (s *Server) Start(ctx context.Context) error {
	// Re-arm publish jobs and start the periodic sweep
	if err := s.Sweeper.Start(); err != nil {
		return fmt.Errorf("failed to start sweeper: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", s.Config.Server.Host, s.Config.Server.Port)

	s.Server = &http.Server{
		Addr:    addr,
		Handler: s.Router,
	}

	s.Logger.Info("Starting HTTP server", zap.String("addr", addr))

	if s.Config.Server.CertFile != "" && s.Config.Server.KeyFile != "" {
		return s.Server.ListenAndServeTLS(s.Config.Server.CertFile, s.Config.Server.KeyFile)
	}

	return s.Server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	// Stop background work first; in-flight publish jobs run to completion
	s.Sweeper.Stop()
	s.Dispatcher.Stop()

	if s.Server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	return s.Server.Shutdown(shutdownCtx)
}

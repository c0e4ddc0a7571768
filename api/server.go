// Package api exposes the operations HTTP surface for the connection
// migration: status polling, start/rollback controls and rollout flag
// management.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	limiter "github.com/ulule/limiter/v3"
	ginlimiter "github.com/ulule/limiter/v3/drivers/middleware/gin"
	memory "github.com/ulule/limiter/v3/drivers/store/memory"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/nexastream/nexastream/internal/migration"
	"github.com/nexastream/nexastream/internal/rollout"
)

var validate = validator.New()

// Server is the ops API server.
type Server struct {
	router   *gin.Engine
	server   *http.Server
	logger   *zap.Logger
	migrator *migration.Migrator
	rollout  *rollout.Manager
}

// NewServer wires the ops API over the migrator and rollout manager.
func NewServer(logger *zap.Logger, migrator *migration.Migrator, rolloutMgr *rollout.Manager, rateLimit string) *Server {
	s := &Server{
		logger:   logger,
		migrator: migrator,
		rollout:  rolloutMgr,
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(otelgin.Middleware("nexastream-ops"))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	if rateLimit == "" {
		rateLimit = "100-M"
	}
	rate, err := limiter.NewRateFromFormatted(rateLimit)
	if err != nil {
		rate, _ = limiter.NewRateFromFormatted("100-M")
	}
	router.Use(ginlimiter.NewMiddleware(limiter.New(memory.NewStore(), rate)))

	router.GET("/healthz", s.handleHealthz)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		mig := v1.Group("/migration")
		mig.GET("/status", s.handleStatus)
		mig.GET("/metrics", s.handleMetrics)
		mig.GET("/states/:user", s.handleUserStates)
		mig.POST("/start", s.handleStart)
		mig.POST("/rollback", s.handleRollback)
		mig.POST("/emergency-rollback", s.handleEmergencyRollback)

		ro := v1.Group("/rollout")
		ro.GET("/:flag", s.handleRolloutAnalysis)
		ro.POST("/:flag/toggle", s.handleRolloutToggle)
		ro.POST("/:flag/percentage", s.handleRolloutPercentage)
	}

	s.router = router
	return s
}

// Router exposes the gin engine, mainly for handler tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start runs the HTTP server until Stop is called.
func (s *Server) Start(addr string, readTimeout, writeTimeout time.Duration) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	s.logger.Info("ops API listening", zap.String("addr", addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealthz(c *gin.Context) {
	status := s.migrator.GetMigrationStatus()
	code := http.StatusOK
	if !status.IsHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"healthy":        status.IsHealthy,
		"active_service": status.BlueGreen.ActiveService,
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.migrator.GetMigrationStatus())
}

func (s *Server) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.migrator.GetMigrationMetrics())
}

func (s *Server) handleUserStates(c *gin.Context) {
	userID := c.Param("user")
	backups := s.migrator.StateManager().Backups(userID)
	if len(backups) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no captured state for user %s", userID)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "backups": backups})
}

// handleStart kicks the migration off asynchronously: a full attempt takes
// minutes, so callers get 202 and poll /status. Failures surface both in
// the status phase and in the log.
func (s *Server) handleStart(c *gin.Context) {
	if s.migrator.IsMigrationInProgress() {
		c.JSON(http.StatusConflict, gin.H{"error": migration.ErrMigrationInProgress.Error()})
		return
	}
	go func() {
		if err := s.migrator.StartMigration(context.Background()); err != nil {
			s.logger.Error("migration attempt failed", zap.Error(err))
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "migration started"})
}

func (s *Server) handleRollback(c *gin.Context) {
	if err := s.migrator.RollbackMigration(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "rolled back", "active_service": s.migrator.GetActiveService()})
}

func (s *Server) handleEmergencyRollback(c *gin.Context) {
	s.migrator.TriggerEmergencyRollback()
	c.JSON(http.StatusOK, gin.H{"status": "emergency rollback executed", "active_service": s.migrator.GetActiveService()})
}

func (s *Server) handleRolloutAnalysis(c *gin.Context) {
	flag := c.Param("flag")
	errorRate, avgResponse := s.rollout.GetStatisticalAnalysis(flag)
	c.JSON(http.StatusOK, gin.H{
		"flag":                  flag,
		"enabled":               s.rollout.IsEnabled(flag),
		"percentage":            s.rollout.RolloutPercentage(flag),
		"error_rate":            errorRate,
		"average_response_time": avgResponse.String(),
		"should_rollback":       s.rollout.ShouldTriggerRollback(flag),
	})
}

type toggleRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleRolloutToggle(c *gin.Context) {
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.rollout.ToggleFlag(c.Param("flag"), req.Enabled)
	c.JSON(http.StatusOK, gin.H{"flag": c.Param("flag"), "enabled": req.Enabled})
}

type percentageRequest struct {
	Percentage int `json:"percentage" validate:"gte=0,lte=100"`
}

func (s *Server) handleRolloutPercentage(c *gin.Context) {
	var req percentageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := validate.Struct(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.rollout.UpdateRolloutPercentage(c.Param("flag"), req.Percentage); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"flag": c.Param("flag"), "percentage": req.Percentage})
}

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/zarlabs/zar/internals/attribution"
	"github.com/zarlabs/zar/internals/config"
	"github.com/zarlabs/zar/internals/events"
	"github.com/zarlabs/zar/internals/identity"
	"github.com/zarlabs/zar/internals/monitoring"
	"github.com/zarlabs/zar/internals/numberpool"
	"github.com/zarlabs/zar/internals/userctx"
)

// Server is the analytics + number pool HTTP API
type Server struct {
	logger     *slog.Logger
	cfg        *config.Config
	engine     *numberpool.Engine
	resolver   *attribution.Resolver
	users      *userctx.Store
	ids        *identity.Service
	recorder   events.Recorder
	notifier   *monitoring.Notifier
	httpServer *http.Server
}

func New(
	logger *slog.Logger,
	cfg *config.Config,
	engine *numberpool.Engine,
	resolver *attribution.Resolver,
	users *userctx.Store,
	ids *identity.Service,
	recorder events.Recorder,
	notifier *monitoring.Notifier,
) (*Server, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	return &Server{
		logger:   logger,
		cfg:      cfg,
		engine:   engine,
		resolver: resolver,
		users:    users,
		ids:      ids,
		recorder: recorder,
		notifier: notifier,
	}, nil
}

// Router builds the gin engine with all routes registered
func (s *Server) Router() *gin.Engine {
	if s.cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	// Cookies must survive cross-site embeds, so credentials are allowed and
	// the origin is echoed back rather than wildcarded.
	corsCfg := cors.DefaultConfig()
	corsCfg.AllowCredentials = true
	corsCfg.AllowOriginFunc = func(origin string) bool { return true }
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization", "X-Requested-With")
	r.Use(cors.New(corsCfg))

	api := r.Group("/api/v2")
	api.GET("/ok", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	public := api.Group("", s.rateLimitMiddleware())
	public.POST("/page", s.handlePage)
	public.POST("/track", s.handleTrack)
	public.GET("/noscript", s.handleNoscript)
	public.POST("/number_pool", s.handleNumberPool)
	public.POST("/update_number", s.handleUpdateNumber)

	api.POST("/track_call", s.handleTrackCall)

	api.GET("/get_user_context", s.handleGetUserContext)
	api.POST("/update_user_context", s.handleUpdateUserContext)
	api.GET("/remove_user_context", s.handleRemoveUserContext)
	api.POST("/set_static_number_contexts", s.handleSetStaticNumberContexts)
	api.GET("/get_static_number_context", s.handleGetStaticNumberContext)
	api.GET("/remove_static_number_context", s.handleRemoveStaticNumberContext)

	api.GET("/refresh_number_pool_conn", s.handleRefreshPoolConn)
	api.GET("/init_number_pools", s.handleInitPools)
	api.GET("/reset_pool", s.handleResetPool)
	api.GET("/number_pool_stats", s.handlePoolStats)

	return r
}

// Start serves until SIGINT/SIGTERM, then drains within the shutdown timeout
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         ":" + s.cfg.Port,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "environment", s.cfg.Environment)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

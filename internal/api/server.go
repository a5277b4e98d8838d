// Package api exposes published values over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"player-values/internal/metrics"
	"player-values/internal/model"
	"player-values/internal/oracle"
	"player-values/internal/publish"
	"player-values/internal/storage"
	"player-values/internal/values"
)

// Store is the non-value state the API reads.
type Store interface {
	storage.StateStore
	storage.TrendStore
	CurrentEpoch(ctx context.Context) (model.ValueEpoch, error)
}

// Rebuilder triggers a rebuild on demand.
type Rebuilder interface {
	Rebuild(ctx context.Context, reason, actor string) (publish.Result, error)
}

// Checker runs the consistency oracle.
type Checker interface {
	CheckValue(ctx context.Context, key model.ValueKey) oracle.Check
	CheckTop(ctx context.Context, format model.Format, limit int) (oracle.Report, error)
}

// Options configure the HTTP server.
type Options struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// EnableAdmin mounts the rebuild, mode and oracle routes.
	EnableAdmin bool
}

// Server serves the read API. Values always come from canonical storage through the reader.
type Server struct {
	reader    *values.Reader
	store     Store
	rebuilder Rebuilder
	checker   Checker
	metrics   *metrics.Metrics
	opts      Options
	logger    zerolog.Logger
	engine    *gin.Engine
}

// NewServer builds the router. rebuilder and checker are only needed with EnableAdmin.
func NewServer(opts Options, reader *values.Reader, store Store, rebuilder Rebuilder, checker Checker, m *metrics.Metrics, logger zerolog.Logger) *Server {
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{
		reader:    reader,
		store:     store,
		rebuilder: rebuilder,
		checker:   checker,
		metrics:   m,
		opts:      opts,
		logger:    logger.With().Str("component", "api").Logger(),
	}
	s.engine = s.routes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "UP"}) })
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	v1 := r.Group("/api/v1")
	{
		v1.GET("/values/:format/:player_id", s.getValue)
		v1.GET("/rankings/:format", s.listRankings)
		v1.GET("/trends/:format", s.listTrends)
		v1.GET("/state", s.getState)
	}

	if s.opts.EnableAdmin {
		admin := v1.Group("/admin")
		{
			admin.POST("/rebuild", s.triggerRebuild)
			admin.PUT("/mode", s.setMode)
			admin.GET("/check/:format", s.checkTop)
			admin.GET("/check/:format/:player_id", s.checkValue)
		}
	}
	return r
}

// Run 持续提供服务直到 ctx 取消, 随后等待进行中的请求完成。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.engine,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.Addr).Msg("api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("api stopped")
	return nil
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		status := c.Writer.Status()
		event := s.logger.Debug()
		if status >= http.StatusInternalServerError {
			event = s.logger.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("took", time.Since(started)).
			Msg("request served")
	}
}

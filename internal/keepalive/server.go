// Package keepalive serves the small HTTP surface hosting platforms ping to
// keep the process awake: a status page, a health check and metrics.
package keepalive

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/hray3182/titanbot/internal/metrics"
	"github.com/hray3182/titanbot/internal/models"
	"github.com/hray3182/titanbot/internal/scheduler"
)

const shutdownTimeout = 5 * time.Second

// Source is the read side of the governance gateway the status page needs.
type Source interface {
	LinkedGroup(ctx context.Context) (*models.LinkedGroup, error)
	ListEntries(ctx context.Context, includeInactive bool) ([]*models.ScheduleEntry, error)
}

type Options struct {
	Port    int
	Driver  string
	Metrics *metrics.Metrics
	Now     func() time.Time
	Logger  zerolog.Logger
}

type Server struct {
	source  Source
	opts    Options
	log     zerolog.Logger
	router  *gin.Engine
	started time.Time

	mu       sync.RWMutex
	lastTick *scheduler.TickReport
}

func NewServer(source Source, opts Options) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		source:  source,
		opts:    opts,
		log:     opts.Logger,
		router:  gin.New(),
		started: opts.Now(),
	}
	s.router.Use(gin.Recovery(), s.requestLogger())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/", s.status)
	s.router.HEAD("/", s.status)
	s.router.GET("/healthz", s.health)
	s.router.GET("/metrics", gin.WrapH(s.opts.Metrics.Handler()))
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// RecordTick keeps the latest scheduler tick for the status and health pages.
func (s *Server) RecordTick(r scheduler.TickReport) {
	s.mu.Lock()
	s.lastTick = &r
	s.mu.Unlock()
}

func (s *Server) tick() *scheduler.TickReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastTick
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.opts.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Int("port", s.opts.Port).Msg("keep-alive server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("keep-alive server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("keep-alive shutdown: %w", err)
	}
	return nil
}

func (s *Server) status(c *gin.Context) {
	now := s.opts.Now()
	body := gin.H{
		"status":  "ok",
		"service": "titanbot",
		"uptime":  now.Sub(s.started).Round(time.Second).String(),
		"store":   s.opts.Driver,
	}

	ctx := c.Request.Context()
	if g, err := s.source.LinkedGroup(ctx); err != nil {
		body["status"] = "degraded"
		body["error"] = err.Error()
	} else if g != nil {
		body["linkedGroup"] = gin.H{"chatId": g.ChatID, "title": g.Title}
	}
	if entries, err := s.source.ListEntries(ctx, false); err != nil {
		body["status"] = "degraded"
		body["error"] = err.Error()
	} else {
		body["activeEntries"] = len(entries)
	}
	if t := s.tick(); t != nil {
		body["lastTick"] = gin.H{
			"at":        t.At,
			"skipped":   t.Skipped,
			"sent":      t.Sent,
			"committed": t.Committed,
		}
	}
	c.JSON(http.StatusOK, body)
}

// health fails while the scheduler cannot read the store.
func (s *Server) health(c *gin.Context) {
	t := s.tick()
	if t != nil && t.Skipped {
		msg := "last tick skipped"
		if t.Err != nil {
			msg = t.Err.Error()
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": msg})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("http request")
	}
}

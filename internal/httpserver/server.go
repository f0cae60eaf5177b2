// Package httpserver exposes the submission API over HTTP: create and
// read submissions, batch variants, websocket subscriptions and the
// reference tables.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/programme-lv/judge/internal/config"
	"github.com/programme-lv/judge/internal/fanout"
	"github.com/programme-lv/judge/internal/language"
	"github.com/programme-lv/judge/internal/ratelimit"
	"github.com/programme-lv/judge/internal/submission"
)

type Server struct {
	cfg     config.Config
	service *submission.Service
	hub     *fanout.Hub
	langs   *language.Registry
	limiter *ratelimit.Limiter
	log     *slog.Logger
	http    *http.Server
}

func New(
	cfg config.Config,
	service *submission.Service,
	hub *fanout.Hub,
	langs *language.Registry,
	limiter *ratelimit.Limiter,
	log *slog.Logger,
) *Server {
	s := &Server{
		cfg:     cfg,
		service: service,
		hub:     hub,
		langs:   langs,
		limiter: limiter,
		log:     log.With(slog.String("component", "http")),
	}
	s.http = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(s.recovery(), s.cors())

	r.GET("/languages", s.getLanguages)
	r.GET("/statuses", s.getStatuses)

	limited := r.Group("/", s.rateLimit())
	limited.POST("/submissions", s.createSubmission)
	limited.POST("/submissions/batch", s.createBatch)
	limited.GET("/submissions/batch", s.getBatch)
	limited.GET("/submissions/:token", s.getSubmission)
	limited.GET("/submissions/:token/history", s.getHistory)
	limited.GET("/submissions/:token/ws", s.subscribe)

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", slog.String("addr", s.cfg.HTTPAddr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

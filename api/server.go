// Package api 教师端与协作方使用的 HTTP 控制面。
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"trading-sim-go/infrastructure/monitor"
	"trading-sim-go/realtime"
	"trading-sim-go/session"
	"trading-sim-go/storage"
)

// DayLister 列出可回放的历史交易日，通常是 storage.HistoryStore。
type DayLister interface {
	Days(ctx context.Context) ([]storage.DayInfo, error)
}

// Config Server 依赖。Days 与 Monitor 可为空。
type Config struct {
	Addr     string
	Debug    bool
	Sessions *session.Manager
	Registry *realtime.Registry
	Days     DayLister
	Monitor  *monitor.Monitor
	Logger   *zap.Logger

	// EventRate 每个会话每秒允许注入的事件数，0 表示不限
	EventRate  float64
	EventBurst int
}

type Server struct {
	sessions *session.Manager
	registry *realtime.Registry
	days     DayLister
	mon      *monitor.Monitor
	log      *zap.Logger
	limiter  *sessionLimiter

	engine *gin.Engine
	http   *http.Server
}

func New(cfg Config) (*Server, error) {
	if cfg.Sessions == nil || cfg.Registry == nil {
		return nil, errors.New("api: sessions and registry are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{
		sessions: cfg.Sessions,
		registry: cfg.Registry,
		days:     cfg.Days,
		mon:      cfg.Monitor,
		log:      cfg.Logger,
		limiter:  newSessionLimiter(cfg.EventRate, cfg.EventBurst),
		engine:   gin.New(),
	}
	s.engine.Use(gin.Recovery(), s.accessLog())
	s.setupRoutes()
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	s.engine.GET("/api/health", s.getHealth)
	s.engine.GET("/api/history/days", s.listDays)

	sessions := s.engine.Group("/api/sessions")
	sessions.GET("", s.listSessions)
	sessions.POST("", s.createSession)

	one := sessions.Group("/:id", s.loadSession)
	one.GET("", s.getSession)
	one.DELETE("", s.deleteSession)
	one.GET("/quotes", s.getQuotes)
	one.GET("/surface", s.getSurface)
	one.POST("/shock", s.postShock)
	one.POST("/control", s.postControl)
	one.POST("/events", s.postEvent)

	rp := one.Group("/replay")
	rp.GET("", s.getReplay)
	rp.POST("/load", s.replayLoad)
	rp.POST("/play", s.replayPlay)
	rp.POST("/pause", s.replayPause)
	rp.POST("/step", s.replayStep)
	rp.POST("/seek", s.replaySeek)
	rp.POST("/speed", s.replaySpeed)

	s.engine.GET("/ws", gin.WrapH(&realtime.WSHandler{Registry: s.registry, Logger: s.log}))
	if s.mon != nil {
		s.engine.GET("/metrics", gin.WrapH(s.mon.Handler()))
	}
}

// Handler 供 httptest 使用。
func (s *Server) Handler() http.Handler { return s.engine }

// Run 阻塞直到 ctx 取消，然后优雅关闭。
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info("api server listening", zap.String("addr", s.http.Addr))
		errc <- s.http.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/metrics" {
			return
		}
		s.log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

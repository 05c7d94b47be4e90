package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Options is the subset of config the relay needs.
type Options struct {
	Addr            string
	MaxMessageBytes int64
	SendBuffer      int
	DashboardAuth   bool
}

// Server bundles the hub, the login API and the HTTP listener.
type Server struct {
	cfg    Options
	hub    *Hub
	auth   *Authenticator
	users  Credentials
	logger *zap.Logger
	engine *gin.Engine
}

// NewServer builds the gin engine with recovery, CORS and zap request logging.
func NewServer(cfg Options, hub *Hub, auth *Authenticator, users Credentials, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{cfg: cfg, hub: hub, auth: auth, users: users, logger: logger}
	engine := gin.New()
	engine.Use(gin.Recovery(), corsMiddleware, s.requestLogger())
	s.RegisterRoutes(engine)
	s.engine = engine
	return s
}

// Handler exposes the engine, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves HTTP and the hub loop until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Addr, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.hub.Run(gctx)
	})
	g.Go(func() error {
		s.logger.Info("relay listening", zap.String("addr", s.cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("relay listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func corsMiddleware(c *gin.Context) {
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
	c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	if c.Request.Method == http.MethodOptions {
		c.AbortWithStatus(http.StatusNoContent)
		return
	}
	c.Next()
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/ws" {
			return
		}
		s.logger.Debug("http request",
			zap.String("http_method", c.Request.Method),
			zap.String("http_path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

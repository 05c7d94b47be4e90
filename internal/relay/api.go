package relay

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vesaa/talonwatch/internal/apperrors"
	"github.com/vesaa/talonwatch/internal/models"
)

// Credentials checks a username/password pair.
type Credentials interface {
	Authenticate(username, password string) (*models.User, error)
}

// RegisterRoutes wires up the relay API on the given engine.
//
//	Public:    POST /api/login, GET /api/health, GET /healthz, GET /ws
//	Protected: GET /api/relay/stats (JWT)
func (s *Server) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api")

	// ── Public endpoints ──────────────────────────────────────────────────────
	api.POST("/login", s.handleLogin)
	api.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
	})

	// ── JWT-protected endpoints ───────────────────────────────────────────────
	auth := api.Group("/", s.auth.JWTMiddleware())
	{
		auth.GET("/relay/stats", s.handleStats)
	}

	// Telemetry channel. Dashboards prove identity in join-as-dashboard.
	r.GET("/ws", s.handleWS)

	// Liveness for load-balancers / supervisors (no auth)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

// handleLogin accepts username + password and returns a signed JWT.
//
//	POST /api/login
//	Body: { "username": "admin", "password": "password123" }
func (s *Server) handleLogin(c *gin.Context) {
	var body struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password required"})
		return
	}

	user, err := s.users.Authenticate(body.Username, body.Password)
	if err != nil {
		if errors.Is(err, apperrors.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": apperrors.ErrInvalidCredentials.Error()})
			return
		}
		s.logError(c, err, "login lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	token, err := s.auth.GenerateJWT(user.Username)
	if err != nil {
		s.logError(c, err, "failed to generate token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"username":   user.Username,
		"expires_in": int(s.auth.TTL().Seconds()),
		"type":       "Bearer",
	})
}

// handleStats lists connected probes and the dashboard count.
func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.hub.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "hub not running"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": stats})
}

func (s *Server) logError(c *gin.Context, err error, description string) {
	s.logger.Error(description,
		zap.Error(err),
		zap.String("http_method", c.Request.Method),
		zap.String("http_path", c.Request.URL.Path),
	)
}

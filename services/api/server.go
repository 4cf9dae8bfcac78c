package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"wylloh/config"
	"wylloh/logging"
	"wylloh/middleware"
	"wylloh/pkg/ledger"
	"wylloh/pkg/models"
	keyManager "wylloh/services/key-manager"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// Dependencies are the services the API fronts. Manager is required.
type Dependencies struct {
	Manager    *keyManager.Manager
	Settlement ledger.Settler
	Replicas   []string
	Version    string
}

// Server is the key manager HTTP API.
type Server struct {
	router     *gin.Engine
	manager    *keyManager.Manager
	settlement ledger.Settler
	auth       *middleware.Authenticator
	limiter    *middleware.RateLimiter
	replicas   []string
	version    string
	logger     *logging.Logger
}

// NewServer builds the router. Authentication and rate limiting apply to
// every /api/v1 route; /health is open.
func NewServer(deps Dependencies, security config.SecurityConfig) (*Server, error) {
	if deps.Manager == nil {
		return nil, fmt.Errorf("%w: manager is required", models.ErrInvalidInput)
	}
	auth, err := middleware.NewAuthenticator(security.Auth)
	if err != nil {
		return nil, err
	}

	s := &Server{
		router:     gin.New(),
		manager:    deps.Manager,
		settlement: deps.Settlement,
		auth:       auth,
		limiter:    middleware.NewRateLimiter(security.RateLimiting),
		replicas:   deps.Replicas,
		version:    deps.Version,
		logger:     logging.GetLogger().WithComponent("api"),
	}
	s.setupRoutes(security.CORS)
	return s, nil
}

func (s *Server) setupRoutes(corsConfig config.CORSConfig) {
	s.router.Use(gin.Recovery())

	// CORS must run before auth so preflight requests are answered.
	if corsConfig.Enabled {
		s.router.Use(cors.New(cors.Config{
			AllowOrigins:     corsConfig.AllowedOrigins,
			AllowMethods:     corsConfig.AllowedMethods,
			AllowHeaders:     corsConfig.AllowedHeaders,
			ExposeHeaders:    []string{"Content-Length", "Content-Type", "Retry-After"},
			AllowCredentials: corsConfig.AllowCredentials,
			MaxAge:           corsConfig.MaxAge,
		}))
	}

	s.router.GET("/health", s.healthCheck)

	optionsHandler := func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	}
	s.router.OPTIONS("/api/v1/content/*path", optionsHandler)

	v1 := s.router.Group("/api/v1")
	v1.Use(s.auth.Middleware(), s.limiter.Middleware())
	{
		content := v1.Group("/content/:id")
		{
			content.POST("/key", s.storeKey)
			content.GET("/key", s.retrieveKey)

			content.GET("/grants", s.listGrants)
			content.POST("/grants", s.grantAccess)
			content.DELETE("/grants/:principal", s.revokeAccess)

			content.POST("/rotate", s.rotateKey)
			content.GET("/rotations", s.rotationHistory)
			content.POST("/withdraw", s.withdrawContent)

			content.GET("/ownership", s.verifyOwnership)

			content.POST("/recovery", s.publishRecovery)
			content.GET("/recovery", s.recoverKey)

			content.GET("/content", s.downloadContent)

			content.POST("/purchases", s.recordPurchase)
			content.GET("/purchases", s.listPurchases)
		}
	}
}

// Handler exposes the router for http.Server and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Mount serves h for GET requests on path, outside authentication.
func (s *Server) Mount(path string, h http.Handler) {
	s.router.GET(path, gin.WrapH(h))
}

func (s *Server) Authenticator() *middleware.Authenticator {
	return s.auth
}

func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.limiter
}

// RunLimiterCleanup evicts idle rate limiters every interval until ctx ends.
func (s *Server) RunLimiterCleanup(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.limiter.Cleanup(maxAge); removed > 0 {
				s.logger.Debug("Evicted %d idle rate limiters", removed)
			}
		}
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	entries, ttl := s.manager.KeyCacheStats()
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"service":  "key-manager",
		"version":  s.version,
		"replicas": s.replicas,
		"recovery": s.manager.RecoveryEnabled(),
		"cache": gin.H{
			"entries": entries,
			"ttl":     ttl.String(),
		},
	})
}

// Helper methods

func (s *Server) principal(c *gin.Context) (string, bool) {
	principal, ok := middleware.Principal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
	}
	return principal, ok
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidInput),
		errors.Is(err, models.ErrInvalidKeyMaterial),
		errors.Is(err, models.ErrInvalidClassification):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrInsufficientRights),
		errors.Is(err, models.ErrExpiredGrant),
		errors.Is(err, models.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, models.ErrNotFound),
		errors.Is(err, models.ErrNotKeyed):
		return http.StatusNotFound
	case errors.Is(err, models.ErrAlreadyKeyed):
		return http.StatusConflict
	case errors.Is(err, models.ErrRetrievalExhausted),
		errors.Is(err, models.ErrTransactionFailed):
		return http.StatusBadGateway
	case errors.Is(err, models.ErrAllReplicasFailed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondError(c *gin.Context, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("%s %s failed: %v", op, c.Param("id"), err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/dashsync/internal/auth"
	"github.com/MarcoPoloResearchLab/dashsync/internal/realtime"
	"github.com/MarcoPoloResearchLab/dashsync/internal/sections"
)

const ownerIDContextKey = "dashsync_owner_id"

var (
	errMissingSectionsService = errors.New("sections service dependency required")
	errMissingRealtimeHub     = errors.New("realtime hub dependency required")
)

// TokenValidator authenticates requests. A nil validator disables authentication.
type TokenValidator interface {
	ValidateRequest(r *http.Request) (auth.OwnerClaims, error)
}

// RequestObserver records served requests; the metrics collector implements it.
type RequestObserver interface {
	ObserveHTTP(method, route string, status int, elapsed time.Duration)
	Handler() http.Handler
}

type Dependencies struct {
	Sections  *sections.Service
	Hub       *realtime.Hub
	Presence  *realtime.Presence
	Validator TokenValidator
	Metrics   RequestObserver
	Logger    *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sections == nil {
		return nil, errMissingSectionsService
	}
	if deps.Hub == nil {
		return nil, errMissingRealtimeHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		sections:  deps.Sections,
		hub:       deps.Hub,
		presence:  deps.Presence,
		validator: deps.Validator,
		metrics:   deps.Metrics,
		logger:    logger,
	}
	if handler.metrics != nil {
		router.Use(handler.observeRequest)
		router.GET("/metrics", gin.WrapH(handler.metrics.Handler()))
	}

	router.GET("/healthz", handler.handleHealth)

	dashboard := router.Group("/dashboard")
	dashboard.Use(handler.authorizeRequest)
	dashboard.POST("/save", handler.handleSave)
	dashboard.GET("", handler.handleFetch)
	dashboard.GET("/history", handler.handleHistory)
	dashboard.POST("/restore", handler.handleRestore)
	dashboard.GET("/presence", handler.handlePresence)
	dashboard.GET("/realtime", handler.handleRealtime)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Connection-Id"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	sections  *sections.Service
	hub       *realtime.Hub
	presence  *realtime.Presence
	validator TokenValidator
	metrics   RequestObserver
	logger    *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) observeRequest(c *gin.Context) {
	started := time.Now()
	c.Next()
	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	h.metrics.ObserveHTTP(c.Request.Method, route, c.Writer.Status(), time.Since(started))
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	if h.validator == nil {
		c.Next()
		return
	}
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, failure(reasonUnauthorized))
		return
	}
	c.Set(ownerIDContextKey, claims.OwnerID())
	c.Next()
}

// resolveOwner returns the owner a request acts for. An authenticated caller may only act for
// the owner bound to its token.
func (h *httpHandler) resolveOwner(c *gin.Context, requested string) (string, bool) {
	authenticated := c.GetString(ownerIDContextKey)
	if authenticated == "" {
		return requested, true
	}
	if requested != "" && requested != authenticated {
		h.logger.Warn("owner mismatch",
			zap.String("authenticated_owner_id", authenticated),
			zap.String("requested_owner_id", requested))
		c.AbortWithStatusJSON(http.StatusForbidden, failure(reasonForbidden))
		return "", false
	}
	return authenticated, true
}

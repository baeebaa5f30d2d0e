package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/orderboard/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/orderboard/backend/internal/cards"
	"github.com/MarcoPoloResearchLab/orderboard/backend/internal/commerce"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	tenantIDContextKey       = "orderboard_tenant_id"
	userIDContextKey         = "orderboard_user_id"
	accessTokenQueryKey      = "access_token"
	defaultFeedWindow        = 10 * time.Second
	defaultMaxFeedWindow     = 300 * time.Second
	defaultHeartbeatInterval = 15 * time.Second
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingCardService      = errors.New("card classification service dependency required")
	errMissingCardStore        = errors.New("card store dependency required")
	errMissingConfigStore      = errors.New("card configuration store dependency required")
)

// SessionValidator authenticates requests against TAuth session tokens.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
	ValidateToken(token string) (auth.SessionClaims, error)
}

// FeedSettings bounds the realtime-check look-back window.
type FeedSettings struct {
	Window    time.Duration
	MaxWindow time.Duration
}

type Dependencies struct {
	SessionValidator  SessionValidator
	CardService       *cards.Service
	CardStore         *cards.Store
	ConfigStore       *cards.ConfigStore
	Realtime          *RealtimeDispatcher
	Feed              FeedSettings
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.CardService == nil {
		return nil, errMissingCardService
	}
	if deps.CardStore == nil {
		return nil, errMissingCardStore
	}
	if deps.ConfigStore == nil {
		return nil, errMissingConfigStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	window := deps.Feed.Window
	if window <= 0 {
		window = defaultFeedWindow
	}
	maxWindow := deps.Feed.MaxWindow
	if maxWindow <= 0 {
		maxWindow = defaultMaxFeedWindow
	}
	if maxWindow < window {
		maxWindow = window
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		sessions:          deps.SessionValidator,
		cardService:       deps.CardService,
		cardStore:         deps.CardStore,
		configStore:       deps.ConfigStore,
		realtime:          realtime,
		feedWindow:        window,
		maxFeedWindow:     maxWindow,
		heartbeatInterval: heartbeat,
		logger:            logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/orders/classify", handler.handleClassifyDate)
	protected.GET("/orders/:orderId/cards", handler.handleOrderCards)
	protected.GET("/card-states", handler.handleListCardStates)
	protected.PATCH("/card-states/:cardId", handler.handlePatchCardState)
	protected.POST("/card-states/reorder", handler.handleReorderCardStates)
	protected.GET("/card-states/realtime-check", handler.handleRealtimeCheck)
	protected.GET("/card-states/stream", handler.handleCardStream)
	protected.GET("/card-config", handler.handleGetCardConfig)
	protected.PUT("/card-config", handler.handlePutCardConfig)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-TAuth-Tenant"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	sessions          SessionValidator
	cardService       *cards.Service
	cardStore         *cards.Store
	configStore       *cards.ConfigStore
	realtime          *RealtimeDispatcher
	feedWindow        time.Duration
	maxFeedWindow     time.Duration
	heartbeatInterval time.Duration
	logger            *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if errors.Is(err, auth.ErrMissingSessionToken) {
		if token := strings.TrimSpace(c.Query(accessTokenQueryKey)); token != "" {
			claims, err = h.sessions.ValidateToken(token)
		}
	}
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	tenantID, err := cards.NewTenantID(claims.TenantID)
	if err != nil {
		h.logger.Warn("session carries invalid tenant", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(tenantIDContextKey, tenantID.String())
	c.Set(userIDContextKey, claims.UserID)
	c.Next()
}

func (h *httpHandler) tenantFromContext(c *gin.Context) (cards.TenantID, bool) {
	tenantID, err := cards.NewTenantID(c.GetString(tenantIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return tenantID, true
}

// respondError maps domain sentinels onto statuses. Upstream failures stay
// distinct from an empty successful result.
func (h *httpHandler) respondError(c *gin.Context, fallback string, err error) {
	status := http.StatusInternalServerError
	reason := fallback
	switch {
	case errors.Is(err, cards.ErrInvalidDeliveryDate):
		status, reason = http.StatusBadRequest, "invalid_delivery_date"
	case errors.Is(err, cards.ErrInvalidCardID):
		status, reason = http.StatusBadRequest, "invalid_card_id"
	case errors.Is(err, cards.ErrInvalidStatus):
		status, reason = http.StatusBadRequest, "invalid_status"
	case errors.Is(err, cards.ErrEmptyPatch):
		status, reason = http.StatusBadRequest, "empty_patch"
	case errors.Is(err, cards.ErrInvalidConfiguration):
		status, reason = http.StatusBadRequest, "invalid_configuration"
	case errors.Is(err, cards.ErrCardNotFound):
		status, reason = http.StatusNotFound, "card_not_found"
	case errors.Is(err, commerce.ErrOrderNotFound):
		status, reason = http.StatusNotFound, "order_not_found"
	case errors.Is(err, commerce.ErrRateLimited):
		status, reason = http.StatusServiceUnavailable, "upstream_rate_limited"
	case errors.Is(err, cards.ErrUpstreamFetch):
		status, reason = http.StatusBadGateway, "upstream_unavailable"
	}

	payload := gin.H{"error": reason}
	var serviceErr *cards.ServiceError
	if errors.As(err, &serviceErr) {
		payload["code"] = serviceErr.Code()
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("card request failed",
			zap.String("reason", reason),
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(status, payload)
}

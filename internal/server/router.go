package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/artrio/presence-backend/internal/accounts"
	"github.com/artrio/presence-backend/internal/broadcast"
	"github.com/artrio/presence-backend/internal/presence"
	"github.com/artrio/presence-backend/internal/store"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const userIDContextKey = "presence_user_id"

var (
	errMissingAccountsService = errors.New("accounts service dependency required")
	errMissingStoreService    = errors.New("presence store dependency required")
	errMissingTracker         = errors.New("presence tracker dependency required")
	errMissingHub             = errors.New("broadcast hub dependency required")
	errMissingTokenManager    = errors.New("token manager dependency required")
	errInvalidAuthorization   = errors.New("authorization header missing or invalid")
)

// TokenManager issues and validates session tokens.
type TokenManager interface {
	IssueSessionToken(userID string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP surface to the presence subsystem.
type Dependencies struct {
	Accounts *accounts.Service
	Store    *store.Service
	Tracker  *presence.Tracker
	Hub      *broadcast.Hub
	Tokens   TokenManager
	Logger   *zap.Logger
}

// NewHTTPHandler builds the gin router for the presence service.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Accounts == nil {
		return nil, errMissingAccountsService
	}
	if deps.Store == nil {
		return nil, errMissingStoreService
	}
	if deps.Tracker == nil {
		return nil, errMissingTracker
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenManager
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		accounts: deps.Accounts,
		store:    deps.Store,
		tracker:  deps.Tracker,
		hub:      deps.Hub,
		tokens:   deps.Tokens,
		logger:   logger,
	}

	router.POST("/accounts", handler.handleCreateAccount)
	router.POST("/auth/session", handler.handleIssueSession)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/presence/heartbeat", handler.handleHeartbeat)
	protected.POST("/presence/offline", handler.handleOffline)
	protected.GET("/presence", handler.handleListPresence)
	protected.GET("/presence/:user_id", handler.handleGetPresence)
	protected.GET("/presence/:user_id/text", handler.handleGetPresenceText)
	protected.GET("/ws/presence", handler.handlePresenceChannel)

	return router, nil
}

type httpHandler struct {
	accounts *accounts.Service
	store    *store.Service
	tracker  *presence.Tracker
	hub      *broadcast.Hub
	tokens   TokenManager
	logger   *zap.Logger
}

type createAccountPayload struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

type sessionRequestPayload struct {
	UserID string `json:"user_id"`
}

type sessionResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleCreateAccount(c *gin.Context) {
	var request createAccountPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.accounts.Create(c.Request.Context(), request.UserID, request.Username); err != nil {
		h.logger.Error("account creation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "account_create_failed"})
		return
	}
	c.Status(http.StatusCreated)
}

func (h *httpHandler) handleIssueSession(c *gin.Context) {
	var request sessionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	exists, err := h.accounts.Exists(c.Request.Context(), request.UserID)
	if err != nil {
		h.logger.Error("account lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "account_lookup_failed"})
		return
	}
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "account_not_found"})
		return
	}

	token, expiresIn, err := h.tokens.IssueSessionToken(request.UserID)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, sessionResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, err := bearerToken(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, err := h.tokens.ValidateToken(token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

func bearerToken(c *gin.Context) (string, error) {
	header := c.GetHeader("Authorization")
	if header == "" {
		// Browsers cannot set headers on websocket upgrades; accept the
		// token as a query parameter there.
		if token := strings.TrimSpace(c.Query("token")); token != "" {
			return token, nil
		}
		return "", errInvalidAuthorization
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", errInvalidAuthorization
	}
	return strings.TrimSpace(parts[1]), nil
}

func callerID(c *gin.Context) string {
	value, _ := c.Get(userIDContextKey)
	userID, _ := value.(string)
	return userID
}

// handleHeartbeat asserts the caller's liveness. The caller id always comes
// from the validated token, never the payload, so cross-user writes are
// structurally impossible here.
func (h *httpHandler) handleHeartbeat(c *gin.Context) {
	h.writePresence(c, true)
}

// handleOffline is the best-effort "page closing" write.
func (h *httpHandler) handleOffline(c *gin.Context) {
	h.writePresence(c, false)
}

func (h *httpHandler) writePresence(c *gin.Context, online bool) {
	caller := callerID(c)
	err := h.store.SetPresence(c.Request.Context(), caller, caller, online)
	switch {
	case errors.Is(err, store.ErrAccountNotFound):
		c.JSON(http.StatusConflict, gin.H{"error": "account_not_found"})
	case errors.Is(err, store.ErrPermissionDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": "permission_denied"})
	case err != nil:
		h.logger.Warn("presence write failed", zap.String("user_id", caller), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "presence_write_failed"})
	default:
		c.Status(http.StatusNoContent)
	}
}

func (h *httpHandler) handleListPresence(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"statuses": h.tracker.Overview()})
}

func (h *httpHandler) handleGetPresence(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("user_id"))
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	c.JSON(http.StatusOK, h.tracker.Status(userID))
}

func (h *httpHandler) handleGetPresenceText(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("user_id"))
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":     userID,
		"status_text": h.tracker.PresenceText(userID),
	})
}

package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/cardpoll/internal/activity"
	"github.com/MarcoPoloResearchLab/cardpoll/internal/auth"
	"github.com/MarcoPoloResearchLab/cardpoll/internal/remote"
	"github.com/MarcoPoloResearchLab/cardpoll/internal/session"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey = "cardpoll_user_id"
	holderContextKey = "cardpoll_session_holder"
)

var errMissingSessionRegistry = errors.New("session registry dependency required")

// ActivityService is the shared activity store.
type ActivityService interface {
	Snapshot(ctx context.Context, userID activity.UserID) (activity.RemoteSnapshot, error)
	Vote(ctx context.Context, request activity.VoteRequest) error
	Comment(ctx context.Context, request activity.CommentRequest) (activity.Comment, error)
	CreatedCards(ctx context.Context) ([]activity.CreatedCard, error)
	AddCreatedCard(ctx context.Context, created activity.CreatedCard) (activity.CreatedCard, error)
}

// SessionTokenIssuer signs a token for a freshly acquired session.
type SessionTokenIssuer interface {
	IssueSessionToken(ctx context.Context, userID string) (string, int64, error)
}

// SessionTokenValidator resolves the bearer identity of a request.
type SessionTokenValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// Dependencies wires the HTTP handler. ActivityService nil means the store is not
// configured; activity resources then answer 503. Tokens and Validator are optional.
type Dependencies struct {
	ActivityService ActivityService
	Sessions        session.Registry
	Tokens          SessionTokenIssuer
	Validator       SessionTokenValidator
	Logger          *zap.Logger
}

// NewHTTPHandler builds the gin router of the shared service.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionRegistry
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		activity:  deps.ActivityService,
		sessions:  deps.Sessions,
		tokens:    deps.Tokens,
		validator: deps.Validator,
		logger:    logger,
	}

	router.GET(remote.PathHealth, handler.handleHealth)

	api := router.Group("/")
	api.Use(handler.resolveIdentity)
	api.GET(remote.PathActivity, handler.handleGetActivity)
	api.POST(remote.PathActivity, handler.handlePostActivity)
	api.GET(remote.PathCreatedCards, handler.handleGetCreatedCards)
	api.POST(remote.PathCreatedCards, handler.handlePostCreatedCard)
	api.GET(remote.PathActiveUser, handler.handleGetActiveUsers)
	api.POST(remote.PathActiveUser, handler.handlePostActiveUser)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	activity  ActivityService
	sessions  session.Registry
	tokens    SessionTokenIssuer
	validator SessionTokenValidator
	logger    *zap.Logger
}

// resolveIdentity binds the bearer identity, when one is presented, to the request.
// Requests without a token pass through anonymously; an invalid token is refused. An
// expired token still names the holder of its session on reads and on /active-user, so a
// lapsed device can read, release and renew; anywhere else it is refused.
func (h *httpHandler) resolveIdentity(c *gin.Context) {
	if h.validator == nil || c.GetHeader("Authorization") == "" {
		c.Next()
		return
	}
	claims, err := h.validator.ValidateRequest(c.Request)
	if errors.Is(err, auth.ErrExpiredSessionToken) && claims.UserID != "" && acceptsLapsedToken(c) {
		h.logger.Debug("expired token used for identification", zap.String("user_id", claims.UserID))
		c.Set(holderContextKey, claims.UserID)
		c.Next()
		return
	}
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, remote.ErrorResponse{Error: "unauthorized", Code: "UNAUTHORIZED"})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Set(holderContextKey, claims.UserID)
	c.Next()
}

func acceptsLapsedToken(c *gin.Context) bool {
	method := c.Request.Method
	return method == http.MethodGet || (method == http.MethodPost && c.FullPath() == remote.PathActiveUser)
}

// sessionHolder returns the identity named by the bearer token, valid or expired.
func sessionHolder(c *gin.Context) string {
	return c.GetString(holderContextKey)
}

// requestUserID returns the identity of a valid bearer token when present, otherwise fallback.
func requestUserID(c *gin.Context, fallback string) string {
	if userID := c.GetString(userIDContextKey); userID != "" {
		return userID
	}
	return fallback
}

// writeError maps an error kind to its status and taxonomy code.
func (h *httpHandler) writeError(c *gin.Context, operation string, err error) {
	kind := activity.KindOf(err)
	status := http.StatusInternalServerError
	message := "backend error"
	switch kind {
	case activity.ErrNotConfigured:
		status, message = http.StatusServiceUnavailable, "store not configured"
	case activity.ErrBadRequest:
		status, message = http.StatusBadRequest, err.Error()
	case activity.ErrAlreadyActive:
		status, message = http.StatusConflict, "already logged in"
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("operation", operation),
			zap.String("code", activity.CodeOf(err)),
			zap.Error(err))
	}
	code := kind.Error()
	if kind == activity.ErrAlreadyActive {
		code = remote.CodeAlreadyLoggedIn
	}
	c.JSON(status, remote.ErrorResponse{Error: message, Code: code})
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	store := "configured"
	if h.activity == nil {
		store = "unconfigured"
	}
	c.JSON(http.StatusOK, remote.HealthResponse{Status: "ok", Store: store})
}

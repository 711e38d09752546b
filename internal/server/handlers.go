package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/cardpoll/internal/activity"
	"github.com/MarcoPoloResearchLab/cardpoll/internal/remote"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var errStoreNotConfigured = activity.NewServiceError("server.activity", "missing_store", activity.ErrNotConfigured, errors.New("activity store is not configured"))

func badRequest(operation string, err error) error {
	return activity.NewServiceError(operation, "invalid_request", activity.ErrBadRequest, err)
}

func (h *httpHandler) handleGetActivity(c *gin.Context) {
	if h.activity == nil {
		h.writeError(c, "server.get_activity", errStoreNotConfigured)
		return
	}
	var userID activity.UserID
	if raw := requestUserID(c, c.Query("userId")); strings.TrimSpace(raw) != "" {
		parsed, err := activity.NewUserID(raw)
		if err != nil {
			h.writeError(c, "server.get_activity", badRequest("server.get_activity", err))
			return
		}
		userID = parsed
	}
	snapshot, err := h.activity.Snapshot(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, "server.get_activity", err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (h *httpHandler) handlePostActivity(c *gin.Context) {
	if h.activity == nil {
		h.writeError(c, "server.post_activity", errStoreNotConfigured)
		return
	}
	var request remote.ActivityRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.writeError(c, "server.post_activity", badRequest("server.post_activity", err))
		return
	}

	switch request.Type {
	case remote.RequestTypeVote:
		h.handleVote(c, request)
	case remote.RequestTypeComment:
		h.handleComment(c, request)
	default:
		h.writeError(c, "server.post_activity", badRequest("server.post_activity", fmt.Errorf("unknown request type %q", request.Type)))
	}
}

func (h *httpHandler) handleVote(c *gin.Context, request remote.ActivityRequest) {
	const operation = "server.vote"
	userID, err := activity.NewUserID(requestUserID(c, request.UserID))
	if err != nil {
		h.writeError(c, operation, badRequest(operation, err))
		return
	}
	cardID, err := activity.NewCardID(request.CardID)
	if err != nil {
		h.writeError(c, operation, badRequest(operation, err))
		return
	}
	option, err := activity.ParseOption(request.Option)
	if err != nil {
		h.writeError(c, operation, badRequest(operation, err))
		return
	}
	err = h.activity.Vote(c.Request.Context(), activity.VoteRequest{UserID: userID, CardID: cardID, Option: option})
	if err != nil {
		h.writeError(c, operation, err)
		return
	}
	c.JSON(http.StatusOK, remote.OKResponse{OK: true})
}

func (h *httpHandler) handleComment(c *gin.Context, request remote.ActivityRequest) {
	const operation = "server.comment"
	cardID, err := activity.NewCardID(request.CardID)
	if err != nil {
		h.writeError(c, operation, badRequest(operation, err))
		return
	}
	if request.Comment == nil {
		h.writeError(c, operation, badRequest(operation, errors.New("comment is required")))
		return
	}
	comment, err := h.activity.Comment(c.Request.Context(), activity.CommentRequest{
		CardID: cardID,
		Author: request.Comment.User,
		Text:   request.Comment.Text,
	})
	if err != nil {
		h.writeError(c, operation, err)
		return
	}
	c.JSON(http.StatusOK, remote.OKResponse{OK: true, Comment: &comment})
}

func (h *httpHandler) handleGetCreatedCards(c *gin.Context) {
	if h.activity == nil {
		h.writeError(c, "server.list_created", errStoreNotConfigured)
		return
	}
	created, err := h.activity.CreatedCards(c.Request.Context())
	if err != nil {
		h.writeError(c, "server.list_created", err)
		return
	}
	c.JSON(http.StatusOK, created)
}

func (h *httpHandler) handlePostCreatedCard(c *gin.Context) {
	const operation = "server.add_created"
	if h.activity == nil {
		h.writeError(c, operation, errStoreNotConfigured)
		return
	}
	var request remote.CreatedCardRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.writeError(c, operation, badRequest(operation, err))
		return
	}
	created, err := h.activity.AddCreatedCard(c.Request.Context(), activity.CreatedCard{
		UserID: requestUserID(c, request.UserID),
		Card:   request.Card,
	})
	if err != nil {
		h.writeError(c, operation, err)
		return
	}
	c.JSON(http.StatusOK, remote.OKResponse{OK: true, Card: &created})
}

func (h *httpHandler) handleGetActiveUsers(c *gin.Context) {
	active, err := h.sessions.Active(c.Request.Context())
	if err != nil {
		h.writeError(c, "server.active_users", err)
		return
	}
	c.JSON(http.StatusOK, remote.ActiveUsersResponse{UserIDs: active})
}

func (h *httpHandler) handlePostActiveUser(c *gin.Context) {
	var request remote.ActiveUserRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.writeError(c, "server.active_user", badRequest("server.active_user", err))
		return
	}
	if strings.TrimSpace(request.LogoutUserID) != "" {
		target := request.LogoutUserID
		if holder := sessionHolder(c); holder != "" {
			target = holder
		}
		h.handleRelease(c, target)
		return
	}
	target := strings.TrimSpace(request.UserID)
	if target == "" {
		target = sessionHolder(c)
	}
	h.handleAcquire(c, target)
}

// handleAcquire grants the session of userID. A refused acquisition by the bearer of a
// token for that same session renews the token instead.
func (h *httpHandler) handleAcquire(c *gin.Context, userID string) {
	const operation = "server.acquire"
	result, err := h.sessions.TryAcquire(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, operation, err)
		return
	}
	renewal := !result.Acquired && h.tokens != nil && sessionHolder(c) == userID
	if !result.Acquired && !renewal {
		h.writeError(c, operation, activity.NewServiceError(operation, "already_active", activity.ErrAlreadyActive, nil))
		return
	}

	response := remote.ActiveUserResponse{OK: true}
	if h.tokens != nil {
		token, expiresIn, err := h.tokens.IssueSessionToken(c.Request.Context(), userID)
		if err != nil {
			if result.Acquired {
				if releaseErr := h.sessions.Release(c.Request.Context(), userID); releaseErr != nil {
					h.logger.Error("session release after token failure failed", zap.Error(releaseErr))
				}
			}
			h.writeError(c, operation, activity.NewServiceError(operation, "token_issue_failed", activity.ErrBackend, err))
			return
		}
		response.Token = token
		response.ExpiresIn = expiresIn
	}
	if renewal {
		h.logger.Info("session token renewed", zap.String("user_id", userID))
	}
	c.JSON(http.StatusOK, response)
}

// handleRelease answers ok for identities that hold no session, including unknown ones.
func (h *httpHandler) handleRelease(c *gin.Context, userID string) {
	err := h.sessions.Release(c.Request.Context(), userID)
	if err != nil && !errors.Is(err, activity.ErrBadRequest) {
		h.writeError(c, "server.release", err)
		return
	}
	c.JSON(http.StatusOK, remote.ActiveUserResponse{OK: true})
}

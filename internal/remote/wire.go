package remote

import "github.com/MarcoPoloResearchLab/cardpoll/internal/activity"

// Request types accepted by POST /activity.
const (
	RequestTypeVote    = "vote"
	RequestTypeComment = "comment"
)

// CodeAlreadyLoggedIn is the error code of a refused session acquisition.
const CodeAlreadyLoggedIn = "ALREADY_LOGGED_IN"

// Resource paths.
const (
	PathActivity     = "/activity"
	PathCreatedCards = "/created-votes"
	PathActiveUser   = "/active-user"
	PathHealth       = "/healthz"
)

// ActivityRequest is the body of POST /activity.
type ActivityRequest struct {
	Type    string          `json:"type"`
	UserID  string          `json:"userId,omitempty"`
	CardID  string          `json:"cardId"`
	Option  string          `json:"option,omitempty"`
	Comment *CommentPayload `json:"comment,omitempty"`
}

// CommentPayload is the comment of a comment request.
type CommentPayload struct {
	User activity.Author `json:"user"`
	Text string          `json:"text"`
}

// CreatedCardRequest is the body of POST /created-votes.
type CreatedCardRequest struct {
	UserID string                `json:"userId"`
	Card   activity.CardBaseline `json:"card"`
}

// OKResponse acknowledges a write.
type OKResponse struct {
	OK      bool                  `json:"ok"`
	Comment *activity.Comment     `json:"comment,omitempty"`
	Card    *activity.CreatedCard `json:"card,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// ActiveUserRequest is the body of POST /active-user. Exactly one field is set.
type ActiveUserRequest struct {
	UserID       string `json:"userId,omitempty"`
	LogoutUserID string `json:"logoutUserId,omitempty"`
}

// ActiveUserResponse acknowledges a session acquisition or release.
type ActiveUserResponse struct {
	OK        bool   `json:"ok"`
	Token     string `json:"token,omitempty"`
	ExpiresIn int64  `json:"expiresIn,omitempty"`
}

// ActiveUsersResponse lists active identities.
type ActiveUsersResponse struct {
	UserIDs []string `json:"userIds"`
}

// HealthResponse reports service readiness.
type HealthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
}

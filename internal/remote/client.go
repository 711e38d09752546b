// Package remote is the device-side client of the shared activity service, plus the wire
// types both sides exchange.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cardpoll/internal/activity"
	"go.uber.org/zap"
)

const (
	defaultTimeout   = 10 * time.Second
	maxErrorBodySize = 4 << 10

	opFetchActivity = "remote.fetch_activity"
	opVote          = "remote.vote"
	opComment       = "remote.comment"
	opCreatedCards  = "remote.created_cards"
	opCreateCard    = "remote.create_card"
	opAcquire       = "remote.acquire_session"
	opRelease       = "remote.release_session"
	opActive        = "remote.active_sessions"
	opHealth        = "remote.health"
)

// TokenSource supplies the bearer token sent with each request. An empty token sends none.
type TokenSource interface {
	Token(ctx context.Context) string
}

// Config describes a Client.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Tokens     TokenSource
	Logger     *zap.Logger
}

// Client calls the shared activity service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	logger     *zap.Logger
}

// Session is a granted active session.
type Session struct {
	Token     string
	ExpiresIn int64
}

// New constructs a Client for baseURL.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	parsed, err := url.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("remote: invalid base url %q", cfg.BaseURL)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{baseURL: base, httpClient: httpClient, tokens: cfg.Tokens, logger: logger}, nil
}

// FetchActivity reads the global aggregate and userID's selections.
func (c *Client) FetchActivity(ctx context.Context, userID string) (activity.RemoteSnapshot, error) {
	path := PathActivity
	if userID != "" {
		path += "?" + url.Values{"userId": []string{userID}}.Encode()
	}
	var snapshot activity.RemoteSnapshot
	if err := c.do(ctx, opFetchActivity, http.MethodGet, path, nil, &snapshot); err != nil {
		return activity.RemoteSnapshot{}, err
	}
	if snapshot.Global == nil {
		snapshot.Global = map[string]activity.Aggregate{}
	}
	if snapshot.UserSelections == nil {
		snapshot.UserSelections = map[string]activity.Option{}
	}
	return snapshot, nil
}

// Vote records userID's vote for option on cardID.
func (c *Client) Vote(ctx context.Context, userID, cardID string, option activity.Option) error {
	request := ActivityRequest{Type: RequestTypeVote, UserID: userID, CardID: cardID, Option: string(option)}
	return c.do(ctx, opVote, http.MethodPost, PathActivity, request, &OKResponse{})
}

// Comment appends a comment to cardID.
func (c *Client) Comment(ctx context.Context, cardID string, author activity.Author, text string) error {
	request := ActivityRequest{
		Type:    RequestTypeComment,
		CardID:  cardID,
		Comment: &CommentPayload{User: author, Text: text},
	}
	return c.do(ctx, opComment, http.MethodPost, PathActivity, request, &OKResponse{})
}

// CreatedCards lists created cards, newest first.
func (c *Client) CreatedCards(ctx context.Context) ([]activity.CreatedCard, error) {
	var created []activity.CreatedCard
	if err := c.do(ctx, opCreatedCards, http.MethodGet, PathCreatedCards, nil, &created); err != nil {
		return nil, err
	}
	if created == nil {
		created = []activity.CreatedCard{}
	}
	return created, nil
}

// CreateCard publishes a created card and returns it as stored.
func (c *Client) CreateCard(ctx context.Context, created activity.CreatedCard) (activity.CreatedCard, error) {
	var response OKResponse
	request := CreatedCardRequest{UserID: created.UserID, Card: created.Card}
	if err := c.do(ctx, opCreateCard, http.MethodPost, PathCreatedCards, request, &response); err != nil {
		return activity.CreatedCard{}, err
	}
	if response.Card != nil {
		return *response.Card, nil
	}
	return created, nil
}

// AcquireSession marks userID active. A held session reports ErrAlreadyActive.
func (c *Client) AcquireSession(ctx context.Context, userID string) (Session, error) {
	var response ActiveUserResponse
	if err := c.do(ctx, opAcquire, http.MethodPost, PathActiveUser, ActiveUserRequest{UserID: userID}, &response); err != nil {
		return Session{}, err
	}
	return Session{Token: response.Token, ExpiresIn: response.ExpiresIn}, nil
}

// ReleaseSession clears userID's active session.
func (c *Client) ReleaseSession(ctx context.Context, userID string) error {
	return c.do(ctx, opRelease, http.MethodPost, PathActiveUser, ActiveUserRequest{LogoutUserID: userID}, &ActiveUserResponse{})
}

// ActiveSessions lists active identities.
func (c *Client) ActiveSessions(ctx context.Context) ([]string, error) {
	var response ActiveUsersResponse
	if err := c.do(ctx, opActive, http.MethodGet, PathActiveUser, nil, &response); err != nil {
		return nil, err
	}
	if response.UserIDs == nil {
		response.UserIDs = []string{}
	}
	return response.UserIDs, nil
}

// Health reports the service status.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var response HealthResponse
	err := c.do(ctx, opHealth, http.MethodGet, PathHealth, nil, &response)
	return response, err
}

func (c *Client) do(ctx context.Context, operation, method, path string, body, dest any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return activity.NewServiceError(operation, "encode_failed", activity.ErrBadRequest, err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return activity.NewServiceError(operation, "request_failed", activity.ErrBackend, err)
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		if token := c.tokens.Token(ctx); token != "" {
			request.Header.Set("Authorization", "Bearer "+token)
		}
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.logger.Warn("remote request failed",
			zap.String("operation", operation),
			zap.Error(err))
		return activity.NewServiceError(operation, "transport_failed", activity.ErrBackend, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return c.statusError(operation, response)
	}
	if dest == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(dest); err != nil && !errors.Is(err, io.EOF) {
		return activity.NewServiceError(operation, "decode_failed", activity.ErrBackend, err)
	}
	return nil
}

func (c *Client) statusError(operation string, response *http.Response) error {
	var payload ErrorResponse
	raw, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodySize))
	_ = json.Unmarshal(raw, &payload)
	message := strings.TrimSpace(payload.Error)
	if message == "" {
		message = http.StatusText(response.StatusCode)
	}
	cause := fmt.Errorf("status %d: %s", response.StatusCode, message)

	var kind error
	reason := fmt.Sprintf("status_%d", response.StatusCode)
	switch response.StatusCode {
	case http.StatusServiceUnavailable:
		kind, reason = activity.ErrNotConfigured, "not_configured"
	case http.StatusBadRequest, http.StatusUnauthorized:
		kind, reason = activity.ErrBadRequest, "rejected"
	case http.StatusConflict:
		kind, reason = activity.ErrAlreadyActive, "already_active"
	default:
		kind = activity.ErrBackend
	}
	c.logger.Debug("remote request rejected",
		zap.String("operation", operation),
		zap.Int("status", response.StatusCode),
		zap.String("code", payload.Code))
	return activity.NewServiceError(operation, reason, kind, cause)
}

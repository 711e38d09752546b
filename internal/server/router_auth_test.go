package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cardpoll/internal/activity"
	"github.com/MarcoPoloResearchLab/cardpoll/internal/auth"
	"github.com/MarcoPoloResearchLab/cardpoll/internal/kv/kvtest"
	"github.com/MarcoPoloResearchLab/cardpoll/internal/remote"
	"github.com/MarcoPoloResearchLab/cardpoll/internal/session"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var testSigningSecret = []byte("router-test-secret")

// movableClock is a test clock that only moves when told to.
type movableClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *movableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *movableClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type authFixture struct {
	handler  http.Handler
	issuer   *auth.TokenIssuer
	registry session.Registry
	clock    *movableClock
	logs     *observer.ObservedLogs
}

func newAuthFixture(t *testing.T, now time.Time) authFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	clock := &movableClock{now: now}

	store := kvtest.NewSQLStore(t)
	registry, err := session.NewRegistry(session.Config{Store: store, KnownUsers: []string{"user1", "user2"}})
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	service, err := activity.NewService(activity.ServiceConfig{Store: store, IDProvider: &testIDs{}, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to build activity service: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: testSigningSecret, TokenTTL: time.Hour, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{SigningSecret: testSigningSecret, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to build validator: %v", err)
	}

	core, logs := observer.New(zapcore.DebugLevel)
	handler, err := NewHTTPHandler(Dependencies{
		ActivityService: service,
		Sessions:        registry,
		Tokens:          issuer,
		Validator:       validator,
		Logger:          zap.New(core),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return authFixture{handler: handler, issuer: issuer, registry: registry, clock: clock, logs: logs}
}

func acquireToken(t *testing.T, handler http.Handler, userID, bearer string) string {
	t.Helper()
	recorder := performWithToken(handler, http.MethodPost, "/active-user", `{"userId":"`+userID+`"}`, bearer)
	if recorder.Code != http.StatusOK {
		t.Fatalf("acquire of %s failed: %d %s", userID, recorder.Code, recorder.Body.String())
	}
	token := decode[remote.ActiveUserResponse](t, recorder).Token
	if token == "" {
		t.Fatalf("expected a session token for %s", userID)
	}
	return token
}

func performWithToken(handler http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, path, strings.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func TestAcquireIssuesSessionToken(t *testing.T) {
	fixture := newAuthFixture(t, time.Date(2026, 10, 3, 10, 0, 0, 0, time.UTC))

	recorder := perform(fixture.handler, http.MethodPost, "/active-user", `{"userId":"user1"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	response := decode[remote.ActiveUserResponse](t, recorder)
	if response.Token == "" || response.ExpiresIn != 3600 {
		t.Fatalf("unexpected acquire response %+v", response)
	}
}

func TestBearerIdentityOverridesBodyUserID(t *testing.T) {
	fixture := newAuthFixture(t, time.Date(2026, 10, 3, 10, 0, 0, 0, time.UTC))
	token, _, err := fixture.issuer.IssueSessionToken(t.Context(), "user2")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	recorder := performWithToken(fixture.handler, http.MethodPost, "/activity",
		`{"type":"vote","userId":"user1","cardId":"seed-3","option":"B"}`, token)
	if recorder.Code != http.StatusOK {
		t.Fatalf("vote failed: %d %s", recorder.Code, recorder.Body.String())
	}

	asUser2 := decode[activity.RemoteSnapshot](t, performWithToken(fixture.handler, http.MethodGet, "/activity?userId=user1", "", token))
	if asUser2.UserSelections["seed-3"] != activity.OptionB {
		t.Fatalf("expected the vote to be recorded for the bearer identity, got %v", asUser2.UserSelections)
	}
	asUser1 := decode[activity.RemoteSnapshot](t, perform(fixture.handler, http.MethodGet, "/activity?userId=user1", ""))
	if len(asUser1.UserSelections) != 0 {
		t.Fatalf("expected no selection for the body identity, got %v", asUser1.UserSelections)
	}
}

func TestInvalidTokenIsRefusedAndLoggedAtWarn(t *testing.T) {
	fixture := newAuthFixture(t, time.Date(2026, 10, 3, 10, 0, 0, 0, time.UTC))

	recorder := performWithToken(fixture.handler, http.MethodGet, "/activity", "", "not-a-token")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	if decode[remote.ErrorResponse](t, recorder).Code != "UNAUTHORIZED" {
		t.Fatalf("unexpected body %s", recorder.Body.String())
	}
	entries := fixture.logs.FilterMessage("token validation failed").All()
	if len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected one warn entry, got %+v", entries)
	}
}

func TestExpiredTokenIsRefusedForWritesAndLoggedAtInfo(t *testing.T) {
	fixture := newAuthFixture(t, time.Date(2026, 10, 3, 10, 0, 0, 0, time.UTC))
	token := acquireToken(t, fixture.handler, "user1", "")
	fixture.clock.Advance(2 * time.Hour)

	recorder := performWithToken(fixture.handler, http.MethodPost, "/activity",
		`{"type":"vote","userId":"user1","cardId":"seed-0","option":"A"}`, token)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	entries := fixture.logs.FilterMessage("token validation failed").All()
	if len(entries) != 1 || entries[0].Level != zapcore.InfoLevel {
		t.Fatalf("expected one info entry, got %+v", entries)
	}
}

func TestExpiredTokenStillReadsAndReleases(t *testing.T) {
	fixture := newAuthFixture(t, time.Date(2026, 10, 3, 10, 0, 0, 0, time.UTC))
	token := acquireToken(t, fixture.handler, "user1", "")
	fixture.clock.Advance(2 * time.Hour)

	recorder := performWithToken(fixture.handler, http.MethodGet, "/activity?userId=user1", "", token)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected read with expired token to succeed, got %d", recorder.Code)
	}

	recorder = performWithToken(fixture.handler, http.MethodPost, "/active-user", `{"logoutUserId":"user1"}`, token)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected release with expired token to succeed, got %d %s", recorder.Code, recorder.Body.String())
	}
	active, err := fixture.registry.Active(t.Context())
	if err != nil {
		t.Fatalf("failed to list sessions: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected the session to be released, got %v", active)
	}
}

func TestHolderRenewsExpiredToken(t *testing.T) {
	fixture := newAuthFixture(t, time.Date(2026, 10, 3, 10, 0, 0, 0, time.UTC))
	token := acquireToken(t, fixture.handler, "user1", "")
	fixture.clock.Advance(2 * time.Hour)

	renewed := acquireToken(t, fixture.handler, "user1", token)
	if renewed == token {
		t.Fatalf("expected a fresh token")
	}
	recorder := performWithToken(fixture.handler, http.MethodPost, "/activity",
		`{"type":"vote","userId":"user1","cardId":"seed-0","option":"A"}`, renewed)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected vote with renewed token to succeed, got %d", recorder.Code)
	}

	recorder = perform(fixture.handler, http.MethodPost, "/active-user", `{"userId":"user1"}`)
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected anonymous acquire of a held session to conflict, got %d", recorder.Code)
	}
}

func TestAcquireTargetsRequestedIdentityNotBearer(t *testing.T) {
	fixture := newAuthFixture(t, time.Date(2026, 10, 3, 10, 0, 0, 0, time.UTC))
	token := acquireToken(t, fixture.handler, "user1", "")

	acquireToken(t, fixture.handler, "user2", token)
	active, err := fixture.registry.Active(t.Context())
	if err != nil {
		t.Fatalf("failed to list sessions: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected both sessions to be held, got %v", active)
	}
}

func TestHealthBypassesTokenValidation(t *testing.T) {
	fixture := newAuthFixture(t, time.Date(2026, 10, 3, 10, 0, 0, 0, time.UTC))
	recorder := performWithToken(fixture.handler, http.MethodGet, "/healthz", "", "garbage")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	fixture := newAuthFixture(t, time.Date(2026, 10, 3, 10, 0, 0, 0, time.UTC))
	request := httptest.NewRequest(http.MethodOptions, "/activity", http.NoBody)
	request.Header.Set("Origin", "https://cards.example")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	request.Header.Set("Access-Control-Request-Headers", "Authorization, Content-Type")
	recorder := httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
	if got := recorder.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("unexpected allow origin %q", got)
	}
}

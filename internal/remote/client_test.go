package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/cardpoll/internal/activity"
)

type staticTokens string

func (s staticTokens) Token(context.Context) string { return string(s) }

func newTestClient(t *testing.T, handler http.HandlerFunc, tokens TokenSource) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := New(Config{BaseURL: server.URL + "/", Tokens: tokens})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	return client
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func TestFetchActivitySendsUserAndToken(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != PathActivity || r.URL.Query().Get("userId") != "user1" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		writeJSON(w, http.StatusOK, activity.RemoteSnapshot{
			Global:         map[string]activity.Aggregate{"seed-0": {CountA: 2}},
			UserSelections: map[string]activity.Option{"seed-0": activity.OptionA},
		})
	}, staticTokens("tok"))

	snapshot, err := client.FetchActivity(context.Background(), "user1")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if snapshot.Global["seed-0"].CountA != 2 || snapshot.UserSelections["seed-0"] != activity.OptionA {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
}

func TestVoteAndCommentPayloads(t *testing.T) {
	var received []ActivityRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var request ActivityRequest
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			t.Errorf("invalid body: %v", err)
		}
		if r.Header.Get("Authorization") != "" {
			t.Errorf("expected no authorization header without a token")
		}
		received = append(received, request)
		writeJSON(w, http.StatusOK, OKResponse{OK: true})
	}, staticTokens(""))
	ctx := context.Background()

	if err := client.Vote(ctx, "user1", "seed-0", activity.OptionB); err != nil {
		t.Fatalf("vote failed: %v", err)
	}
	if err := client.Comment(ctx, "seed-0", activity.Author{Name: "Ann"}, "hello"); err != nil {
		t.Fatalf("comment failed: %v", err)
	}
	if len(received) != 2 {
		t.Fatalf("expected two requests, got %d", len(received))
	}
	if received[0].Type != RequestTypeVote || received[0].Option != "B" || received[0].UserID != "user1" {
		t.Fatalf("unexpected vote payload %+v", received[0])
	}
	if received[1].Type != RequestTypeComment || received[1].Comment == nil || received[1].Comment.Text != "hello" {
		t.Fatalf("unexpected comment payload %+v", received[1])
	}
}

func TestStatusCodesMapToErrorKinds(t *testing.T) {
	cases := []struct {
		status int
		kind   error
	}{
		{http.StatusServiceUnavailable, activity.ErrNotConfigured},
		{http.StatusBadRequest, activity.ErrBadRequest},
		{http.StatusConflict, activity.ErrAlreadyActive},
		{http.StatusInternalServerError, activity.ErrBackend},
	}
	for _, tc := range cases {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, tc.status, ErrorResponse{Error: "nope", Code: "X"})
		}, nil)
		_, err := client.AcquireSession(context.Background(), "user1")
		if !errors.Is(err, tc.kind) {
			t.Fatalf("status %d: expected %v, got %v", tc.status, tc.kind, err)
		}
	}
}

func TestTransportFailureIsBackendError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	baseURL := server.URL
	server.Close()

	client, err := New(Config{BaseURL: baseURL})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	if _, err := client.CreatedCards(context.Background()); !errors.Is(err, activity.ErrBackend) {
		t.Fatalf("expected backend error, got %v", err)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			writeJSON(w, http.StatusOK, ActiveUsersResponse{UserIDs: []string{"user1"}})
			return
		}
		var request ActiveUserRequest
		_ = json.NewDecoder(r.Body).Decode(&request)
		if request.LogoutUserID != "" {
			writeJSON(w, http.StatusOK, ActiveUserResponse{OK: true})
			return
		}
		writeJSON(w, http.StatusOK, ActiveUserResponse{OK: true, Token: "signed", ExpiresIn: 60})
	}, nil)
	ctx := context.Background()

	session, err := client.AcquireSession(ctx, "user1")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if session.Token != "signed" || session.ExpiresIn != 60 {
		t.Fatalf("unexpected session %+v", session)
	}
	active, err := client.ActiveSessions(ctx)
	if err != nil || len(active) != 1 {
		t.Fatalf("unexpected active sessions %v, %v", active, err)
	}
	if err := client.ReleaseSession(ctx, "user1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
}

func TestNewRejectsInvalidBaseURL(t *testing.T) {
	if _, err := New(Config{BaseURL: "localhost"}); err == nil {
		t.Fatalf("expected invalid url error")
	}
}

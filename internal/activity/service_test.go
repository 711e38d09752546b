package activity

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cardpoll/internal/kv"
	"github.com/MarcoPoloResearchLab/cardpoll/internal/kv/kvtest"
	"go.uber.org/zap"
)

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

func fixedClock() time.Time {
	return time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
}

func newTestService(t *testing.T, store kv.Store, ids []string) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Store:      store,
		Clock:      fixedClock,
		IDProvider: &staticIDGenerator{ids: ids},
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service
}

func TestServiceVoteIncrementsAggregateAndRecordsSelection(t *testing.T) {
	service := newTestService(t, kvtest.NewSQLStore(t), nil)
	ctx := context.Background()

	if err := service.Vote(ctx, VoteRequest{UserID: "user1", CardID: "seed-0", Option: OptionA}); err != nil {
		t.Fatalf("vote failed: %v", err)
	}
	if err := service.Vote(ctx, VoteRequest{UserID: "user2", CardID: "seed-0", Option: OptionB}); err != nil {
		t.Fatalf("vote failed: %v", err)
	}

	snapshot, err := service.Snapshot(ctx, "user1")
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	aggregate := snapshot.Global["seed-0"]
	if aggregate.CountA != 1 || aggregate.CountB != 1 {
		t.Fatalf("unexpected aggregate %+v", aggregate)
	}
	if snapshot.UserSelections["seed-0"] != OptionA {
		t.Fatalf("expected user1 selection A, got %q", snapshot.UserSelections["seed-0"])
	}

	other, err := service.Snapshot(ctx, "user2")
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if other.UserSelections["seed-0"] != OptionB {
		t.Fatalf("expected user2 selection B, got %q", other.UserSelections["seed-0"])
	}
}

func TestServiceVoteDoesNotRejectRepeatedVotes(t *testing.T) {
	service := newTestService(t, kv.NewMemoryStore(), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := service.Vote(ctx, VoteRequest{UserID: "user1", CardID: "card", Option: OptionA}); err != nil {
			t.Fatalf("vote %d failed: %v", i, err)
		}
	}
	snapshot, err := service.Snapshot(ctx, "user1")
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if snapshot.Global["card"].CountA != 3 {
		t.Fatalf("expected unguarded counter to reach 3, got %d", snapshot.Global["card"].CountA)
	}
}

func TestServiceVoteSelectionFailureKeepsIncrement(t *testing.T) {
	store := kvtest.NewFailingStore(kv.NewMemoryStore())
	store.FailPut(SelectionKey("user1"))
	service := newTestService(t, store, nil)
	ctx := context.Background()

	err := service.Vote(ctx, VoteRequest{UserID: "user1", CardID: "card", Option: OptionB})
	if !errors.Is(err, ErrBackend) {
		t.Fatalf("expected backend error, got %v", err)
	}
	if CodeOf(err) != "activity.vote.selection_write_failed" {
		t.Fatalf("unexpected error code %q", CodeOf(err))
	}

	snapshot, err := service.Snapshot(ctx, "user1")
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if snapshot.Global["card"].CountB != 1 {
		t.Fatalf("expected increment to survive, got %+v", snapshot.Global["card"])
	}
	if _, ok := snapshot.UserSelections["card"]; ok {
		t.Fatalf("expected no recorded selection")
	}
}

func TestServiceVoteRejectsInvalidInput(t *testing.T) {
	store := kvtest.NewFailingStore(kv.NewMemoryStore())
	service := newTestService(t, store, nil)
	ctx := context.Background()

	requests := []VoteRequest{
		{CardID: "card", Option: OptionA},
		{UserID: "user1", Option: OptionA},
		{UserID: "user1", CardID: "card", Option: "C"},
		{UserID: UserID(strings.Repeat("u", MaxIdentifierLength+1)), CardID: "card", Option: OptionA},
		{UserID: "user1", CardID: CardID(strings.Repeat("c", MaxIdentifierLength+1)), Option: OptionA},
	}
	for _, request := range requests {
		if err := service.Vote(ctx, request); !errors.Is(err, ErrBadRequest) {
			t.Fatalf("expected bad request for %+v, got %v", request, err)
		}
	}
	if _, writes := store.Calls(); writes != 0 {
		t.Fatalf("expected no writes for rejected input, got %d", writes)
	}
}

func TestServiceVoteAcceptsLongestIdentifierOnSQLStore(t *testing.T) {
	service := newTestService(t, kvtest.NewSQLStore(t), nil)
	ctx := context.Background()
	userID := UserID(strings.Repeat("u", MaxIdentifierLength))

	if err := service.Vote(ctx, VoteRequest{UserID: userID, CardID: "seed-0", Option: OptionB}); err != nil {
		t.Fatalf("vote failed: %v", err)
	}
	snapshot, err := service.Snapshot(ctx, userID)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if snapshot.Global["seed-0"].CountB != 1 || snapshot.UserSelections["seed-0"] != OptionB {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
}

func TestServiceVoteNormalizesOption(t *testing.T) {
	service := newTestService(t, kv.NewMemoryStore(), nil)
	ctx := context.Background()

	if err := service.Vote(ctx, VoteRequest{UserID: "user1", CardID: "seed-0", Option: Option(" a ")}); err != nil {
		t.Fatalf("vote failed: %v", err)
	}
	snapshot, err := service.Snapshot(ctx, "user1")
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	aggregate := snapshot.Global["seed-0"]
	if aggregate.CountA != 1 || aggregate.CountB != 0 {
		t.Fatalf("expected the vote to count for A, got %+v", aggregate)
	}
	if snapshot.UserSelections["seed-0"] != OptionA {
		t.Fatalf("expected selection A, got %q", snapshot.UserSelections["seed-0"])
	}
}

func TestServiceCommentsAppendInOrder(t *testing.T) {
	service := newTestService(t, kvtest.NewSQLStore(t), []string{"c-1", "c-2"})
	ctx := context.Background()

	first, err := service.Comment(ctx, CommentRequest{CardID: "card", Author: Author{Name: "Ann"}, Text: "first"})
	if err != nil {
		t.Fatalf("first comment failed: %v", err)
	}
	second, err := service.Comment(ctx, CommentRequest{CardID: "card", Author: Author{Name: "Ben", IconURL: "https://example.com/b.png"}, Text: "second"})
	if err != nil {
		t.Fatalf("second comment failed: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("expected distinct comment ids")
	}

	snapshot, err := service.Snapshot(ctx, "")
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	comments := snapshot.Global["card"].Comments
	if len(comments) != 2 || comments[0].Text != "first" || comments[1].Text != "second" {
		t.Fatalf("unexpected comments %+v", comments)
	}
	if comments[0].Timestamp != "2026-10-01T12:00:00Z" {
		t.Fatalf("unexpected timestamp %q", comments[0].Timestamp)
	}
	if comments[1].User.IconURL != "https://example.com/b.png" {
		t.Fatalf("expected icon url to be kept")
	}
}

func TestServiceCommentRejectsEmptyText(t *testing.T) {
	service := newTestService(t, kv.NewMemoryStore(), []string{"c-1"})
	_, err := service.Comment(context.Background(), CommentRequest{CardID: "card", Author: Author{Name: "Ann"}, Text: "   "})
	if !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected bad request, got %v", err)
	}
}

func TestServiceCreatedCardsNewestFirst(t *testing.T) {
	service := newTestService(t, kv.NewMemoryStore(), []string{"card-1", "card-2"})
	ctx := context.Background()

	for _, question := range []string{"Tea or coffee?", "Cats or dogs?"} {
		_, err := service.AddCreatedCard(ctx, CreatedCard{
			UserID: "user1",
			Card:   CardBaseline{Question: question, OptionA: "one", OptionB: "two"},
		})
		if err != nil {
			t.Fatalf("add created card failed: %v", err)
		}
	}

	created, err := service.CreatedCards(ctx)
	if err != nil {
		t.Fatalf("list created cards failed: %v", err)
	}
	if len(created) != 2 {
		t.Fatalf("expected two created cards, got %d", len(created))
	}
	if created[0].Card.ID != "card-2" || created[0].Card.Question != "Cats or dogs?" {
		t.Fatalf("expected newest card first, got %+v", created[0])
	}
	if created[1].Card.CreatedAt != "2026-10-01T12:00:00Z" || created[1].Card.Creator != "user1" {
		t.Fatalf("expected server-assigned fields, got %+v", created[1].Card)
	}
}

func TestServiceWithoutStoreReportsNotConfigured(t *testing.T) {
	service := &Service{}
	ctx := context.Background()

	if _, err := service.Snapshot(ctx, "user1"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected not configured, got %v", err)
	}
	if err := service.Vote(ctx, VoteRequest{UserID: "u", CardID: "c", Option: OptionA}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected not configured, got %v", err)
	}
	if _, err := service.CreatedCards(ctx); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected not configured, got %v", err)
	}
	if _, err := NewService(ServiceConfig{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected constructor to report not configured, got %v", err)
	}
}

func TestULIDProviderIssuesDistinctIDs(t *testing.T) {
	provider := NewULIDProvider(fixedClock)
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id, err := provider.NewID()
		if err != nil {
			t.Fatalf("id generation failed: %v", err)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = struct{}{}
	}
}

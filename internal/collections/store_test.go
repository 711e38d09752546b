package collections

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cardpoll/internal/activity"
	"github.com/MarcoPoloResearchLab/cardpoll/internal/events"
	"github.com/MarcoPoloResearchLab/cardpoll/internal/kv"
	"github.com/MarcoPoloResearchLab/cardpoll/internal/kv/kvtest"
	"github.com/stretchr/testify/require"
)

func sequentialIDs() func() string {
	next := 0
	return func() string {
		next++
		return fmt.Sprintf("col-%d", next)
	}
}

func newTestStore(t *testing.T, backing kv.Store, dispatcher *events.Dispatcher) *Store {
	t.Helper()
	store, err := New(Config{
		Store:  backing,
		NewID:  sequentialIDs(),
		Clock:  func() time.Time { return time.Date(2026, 10, 2, 8, 0, 0, 0, time.UTC) },
		Events: dispatcher,
	})
	require.NoError(t, err)
	return store
}

func TestCreateUpdateDelete(t *testing.T) {
	scoped := newTestStore(t, kvtest.NewSQLStore(t), nil).Scope("user1")
	ctx := context.Background()

	created, err := scoped.Create(ctx, Draft{Name: " Weekend ", Visibility: "public"})
	require.NoError(t, err)
	require.Equal(t, "col-1", created.ID)
	require.Equal(t, "Weekend", created.Name)
	require.Equal(t, VisibilityPublic, created.Visibility)
	require.Equal(t, defaultColor, created.Color)

	name := "Weekend plans"
	visibility := "member"
	updated, err := scoped.Update(ctx, created.ID, Patch{Name: &name, Visibility: &visibility})
	require.NoError(t, err)
	require.Equal(t, name, updated.Name)
	require.Equal(t, VisibilityMember, updated.Visibility)

	listed, err := scoped.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []Collection{updated}, listed)

	require.NoError(t, scoped.Delete(ctx, created.ID))
	listed, err = scoped.List(ctx)
	require.NoError(t, err)
	require.Empty(t, listed)

	require.ErrorIs(t, scoped.Delete(ctx, created.ID), activity.ErrBadRequest)
	_, err = scoped.Create(ctx, Draft{Name: "  "})
	require.ErrorIs(t, err, activity.ErrBadRequest)
	_, err = scoped.Create(ctx, Draft{Name: "x", Visibility: "secret"})
	require.ErrorIs(t, err, activity.ErrBadRequest)
}

func TestCollectionsAreOwnedByOneIdentity(t *testing.T) {
	store := newTestStore(t, kv.NewMemoryStore(), nil)
	ctx := context.Background()

	created, err := store.Scope("user1").Create(ctx, Draft{Name: "Mine"})
	require.NoError(t, err)

	others, err := store.Scope("user2").List(ctx)
	require.NoError(t, err)
	require.Empty(t, others)

	_, err = store.Scope("user2").ToggleCard(ctx, created.ID, "seed-0")
	require.ErrorIs(t, err, activity.ErrBadRequest)
}

func TestToggleCardImpliesBookmark(t *testing.T) {
	scoped := newTestStore(t, kv.NewMemoryStore(), nil).Scope("user1")
	ctx := context.Background()

	created, err := scoped.Create(ctx, Draft{Name: "Favorites"})
	require.NoError(t, err)

	member, err := scoped.ToggleCard(ctx, created.ID, "seed-0")
	require.NoError(t, err)
	require.True(t, member)
	bookmarks, err := scoped.Bookmarks(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"seed-0"}, bookmarks)

	member, err = scoped.ToggleCard(ctx, created.ID, "seed-0")
	require.NoError(t, err)
	require.False(t, member)
	bookmarks, err = scoped.Bookmarks(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"seed-0"}, bookmarks, "leaving a collection keeps the bookmark")
}

func TestUnbookmarkRemovesCardFromCollections(t *testing.T) {
	scoped := newTestStore(t, kv.NewMemoryStore(), nil).Scope("user1")
	ctx := context.Background()

	first, err := scoped.Create(ctx, Draft{Name: "One"})
	require.NoError(t, err)
	second, err := scoped.Create(ctx, Draft{Name: "Two"})
	require.NoError(t, err)
	for _, id := range []string{first.ID, second.ID} {
		_, err := scoped.ToggleCard(ctx, id, "seed-3")
		require.NoError(t, err)
	}

	bookmarked, err := scoped.ToggleBookmark(ctx, "seed-3")
	require.NoError(t, err)
	require.False(t, bookmarked)

	listed, err := scoped.List(ctx)
	require.NoError(t, err)
	for _, collection := range listed {
		require.False(t, collection.Contains("seed-3"))
	}

	bookmarked, err = scoped.ToggleBookmark(ctx, "seed-4")
	require.NoError(t, err)
	require.True(t, bookmarked, "cards can be bookmarked outside any collection")
}

func TestPinsCascadeOnDelete(t *testing.T) {
	scoped := newTestStore(t, kv.NewMemoryStore(), nil).Scope("user1")
	ctx := context.Background()

	created, err := scoped.Create(ctx, Draft{Name: "Pinned"})
	require.NoError(t, err)
	pinned, err := scoped.TogglePin(ctx, created.ID)
	require.NoError(t, err)
	require.True(t, pinned)

	ids, err := scoped.Pinned(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{created.ID}, ids)

	require.NoError(t, scoped.Delete(ctx, created.ID))
	ids, err = scoped.Pinned(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)

	_, err = scoped.TogglePin(ctx, "missing")
	require.ErrorIs(t, err, activity.ErrBadRequest)
}

func seedLegacy(t *testing.T, backing kv.Store) {
	t.Helper()
	ctx := context.Background()
	legacy := []legacyCollection{
		{ID: "old-1", Name: "Legacy", IsPublic: true, CardIDs: []string{"seed-0", "seed-1", "seed-0"}},
		{Name: "No id", CardIDs: []string{"seed-2"}},
	}
	require.NoError(t, backing.Put(ctx, LegacyCollectionsKey, legacy))
	require.NoError(t, backing.Put(ctx, LegacyPinnedKey, []string{"old-1", "ghost"}))
	require.NoError(t, backing.Put(ctx, LegacyBookmarksKey, []string{"seed-9"}))
}

func TestLegacyMigrationRunsOnce(t *testing.T) {
	backing := kvtest.NewSQLStore(t)
	seedLegacy(t, backing)
	ctx := context.Background()

	scoped := newTestStore(t, backing, nil).Scope("user1")
	first, err := scoped.List(ctx)
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.Equal(t, []string{"seed-0", "seed-1"}, first[0].CardIDs, "duplicate card ids are dropped")
	require.Equal(t, VisibilityPublic, first[0].Visibility)
	require.Equal(t, VisibilityPrivate, first[1].Visibility)
	require.Equal(t, "col-1", first[1].ID)

	pinned, err := scoped.Pinned(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"old-1"}, pinned, "pins of unknown collections are dropped")

	bookmarks, err := scoped.Bookmarks(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"seed-9", "seed-0", "seed-1", "seed-2"}, bookmarks)

	record, err := scoped.MigrationRecord(ctx)
	require.NoError(t, err)
	require.Equal(t, MigratedFromLegacy, record.MigratedFrom)
	require.Equal(t, 1, record.Version)

	// A new process must not copy again.
	reopened := newTestStore(t, backing, nil).Scope("user1")
	second, err := reopened.List(ctx)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Len(t, second[0].CardIDs, 2)

	var legacy []legacyCollection
	found, err := backing.Get(ctx, LegacyCollectionsKey, &legacy)
	require.NoError(t, err)
	require.True(t, found, "legacy data is kept")
	require.Len(t, legacy, 2)
}

func TestMigrationWithoutLegacyData(t *testing.T) {
	scoped := newTestStore(t, kv.NewMemoryStore(), nil).Scope("guest_abc")
	record, err := scoped.MigrationRecord(context.Background())
	require.NoError(t, err)
	require.Equal(t, MigratedFromNone, record.MigratedFrom)
}

func TestMigrationReadFailureLeavesNoRecord(t *testing.T) {
	backing := kvtest.NewFailingStore(kv.NewMemoryStore())
	seedLegacy(t, backing)
	backing.FailGet(LegacyCollectionsKey)
	ctx := context.Background()

	scoped := newTestStore(t, backing, nil).Scope("user1")
	_, err := scoped.List(ctx)
	require.ErrorIs(t, err, activity.ErrBackend)

	var record MigrationRecord
	found, err := backing.Store.Get(ctx, MigrationKey("user1"), &record)
	require.NoError(t, err)
	require.False(t, found)

	fresh := kvtest.NewFailingStore(backing.Store)
	listed, err := newTestStore(t, fresh, nil).Scope("user1").List(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 2, "migration retries after the read recovers")
}

func TestMutationsPublishEvents(t *testing.T) {
	dispatcher := events.NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, _ := dispatcher.Subscribe(ctx, events.TopicCollections)

	scoped := newTestStore(t, kv.NewMemoryStore(), dispatcher).Scope("user1")
	_, err := scoped.ToggleBookmark(ctx, "seed-1")
	require.NoError(t, err)

	select {
	case event := <-stream:
		require.Equal(t, events.KindBookmark, event.Kind)
		require.Equal(t, "user1", event.Identity)
		require.Equal(t, []string{"seed-1"}, event.CardIDs)
	case <-time.After(time.Second):
		t.Fatal("expected bookmark event")
	}
}

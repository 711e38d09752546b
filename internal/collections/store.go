// Package collections stores per-identity collections, pinned collections and bookmarks.
package collections

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/cardpoll/internal/activity"
	"github.com/MarcoPoloResearchLab/cardpoll/internal/events"
	"github.com/MarcoPoloResearchLab/cardpoll/internal/kv"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	opList           = "collections.list"
	opCreate         = "collections.create"
	opUpdate         = "collections.update"
	opDelete         = "collections.delete"
	opToggleCard     = "collections.toggle_card"
	opTogglePin      = "collections.toggle_pin"
	opToggleBookmark = "collections.toggle_bookmark"
	opMigrate        = "collections.migrate"

	reasonReadFailed  = "read_failed"
	reasonWriteFailed = "write_failed"
	reasonInvalid     = "invalid_request"
	reasonNotFound    = "not_found"
)

var errCollectionNotFound = errors.New("collection not found")

// Config describes the dependencies of a Store.
type Config struct {
	Store  kv.Store
	NewID  func() string
	Clock  func() time.Time
	Logger *zap.Logger
	Events *events.Dispatcher
}

// Store owns the collection data of every identity on one kv store.
type Store struct {
	kv       kv.Store
	newID    func() string
	clock    func() time.Time
	logger   *zap.Logger
	events   *events.Dispatcher
	mu       sync.Mutex
	migrated map[string]bool
}

// New constructs a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Store == nil {
		return nil, errors.New("collections: kv store required")
	}
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		kv:       cfg.Store,
		newID:    newID,
		clock:    clock,
		logger:   logger,
		events:   cfg.Events,
		migrated: make(map[string]bool),
	}, nil
}

// Scope returns the view of one identity's collections.
func (s *Store) Scope(identity string) *Scoped {
	return &Scoped{store: s, identity: identity}
}

// Scoped reads and writes the collections of one identity. Every operation first makes sure
// legacy device-wide data has been carried over.
type Scoped struct {
	store    *Store
	identity string
}

// state is one identity's complete collection data.
type state struct {
	collections []Collection
	pinned      []string
	bookmarks   []string
}

// List returns the identity's collections in creation order.
func (s *Scoped) List(ctx context.Context) ([]Collection, error) {
	st, err := s.read(ctx, opList)
	if err != nil {
		return nil, err
	}
	return st.collections, nil
}

// Pinned returns the pinned collection ids.
func (s *Scoped) Pinned(ctx context.Context) ([]string, error) {
	st, err := s.read(ctx, opList)
	if err != nil {
		return nil, err
	}
	return st.pinned, nil
}

// Bookmarks returns the bookmarked card ids.
func (s *Scoped) Bookmarks(ctx context.Context) ([]string, error) {
	st, err := s.read(ctx, opList)
	if err != nil {
		return nil, err
	}
	return st.bookmarks, nil
}

// Create adds a collection.
func (s *Scoped) Create(ctx context.Context, draft Draft) (Collection, error) {
	name, err := normalizeName(draft.Name)
	if err != nil {
		return Collection{}, s.fail(opCreate, reasonInvalid, err)
	}
	visibility, err := ParseVisibility(draft.Visibility)
	if err != nil {
		return Collection{}, s.fail(opCreate, reasonInvalid, err)
	}
	color := strings.TrimSpace(draft.Color)
	if color == "" {
		color = defaultColor
	}
	created := Collection{
		ID:         s.store.newID(),
		Name:       name,
		Color:      color,
		Visibility: visibility,
		CardIDs:    []string{},
		CreatedAt:  s.store.clock().UTC().Format(time.RFC3339),
	}
	err = s.mutate(ctx, opCreate, func(st *state) error {
		st.collections = append(st.collections, created)
		return nil
	})
	if err != nil {
		return Collection{}, err
	}
	s.publish(events.KindCollection, nil)
	return created, nil
}

// Update changes a collection's name, color or visibility.
func (s *Scoped) Update(ctx context.Context, collectionID string, patch Patch) (Collection, error) {
	var updated Collection
	err := s.mutate(ctx, opUpdate, func(st *state) error {
		index := indexOf(st.collections, collectionID)
		if index < 0 {
			return errCollectionNotFound
		}
		next := st.collections[index]
		if patch.Name != nil {
			name, err := normalizeName(*patch.Name)
			if err != nil {
				return err
			}
			next.Name = name
		}
		if patch.Color != nil && strings.TrimSpace(*patch.Color) != "" {
			next.Color = strings.TrimSpace(*patch.Color)
		}
		if patch.Visibility != nil {
			visibility, err := ParseVisibility(*patch.Visibility)
			if err != nil {
				return err
			}
			next.Visibility = visibility
		}
		st.collections[index] = next
		updated = next
		return nil
	})
	if err != nil {
		return Collection{}, err
	}
	s.publish(events.KindCollection, nil)
	return updated, nil
}

// Delete removes a collection and unpins it. Its cards stay bookmarked.
func (s *Scoped) Delete(ctx context.Context, collectionID string) error {
	err := s.mutate(ctx, opDelete, func(st *state) error {
		index := indexOf(st.collections, collectionID)
		if index < 0 {
			return errCollectionNotFound
		}
		st.collections = append(st.collections[:index], st.collections[index+1:]...)
		st.pinned = remove(st.pinned, collectionID)
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(events.KindCollection, nil)
	return nil
}

// ToggleCard adds cardID to the collection, bookmarking it, or removes it again. Removal
// keeps the bookmark. It reports whether the card is a member afterwards.
func (s *Scoped) ToggleCard(ctx context.Context, collectionID, cardID string) (bool, error) {
	card, err := activity.NewCardID(cardID)
	if err != nil {
		return false, s.fail(opToggleCard, reasonInvalid, err)
	}
	var member bool
	err = s.mutate(ctx, opToggleCard, func(st *state) error {
		index := indexOf(st.collections, collectionID)
		if index < 0 {
			return errCollectionNotFound
		}
		collection := st.collections[index]
		if collection.Contains(card.String()) {
			collection.CardIDs = remove(collection.CardIDs, card.String())
		} else {
			collection.CardIDs = append(append([]string(nil), collection.CardIDs...), card.String())
			if !contains(st.bookmarks, card.String()) {
				st.bookmarks = append(st.bookmarks, card.String())
			}
			member = true
		}
		st.collections[index] = collection
		return nil
	})
	if err != nil {
		return false, err
	}
	s.publish(events.KindCollection, []string{card.String()})
	return member, nil
}

// TogglePin pins or unpins a collection and reports whether it is pinned afterwards.
func (s *Scoped) TogglePin(ctx context.Context, collectionID string) (bool, error) {
	var pinned bool
	err := s.mutate(ctx, opTogglePin, func(st *state) error {
		if indexOf(st.collections, collectionID) < 0 {
			return errCollectionNotFound
		}
		if contains(st.pinned, collectionID) {
			st.pinned = remove(st.pinned, collectionID)
			return nil
		}
		st.pinned = append(st.pinned, collectionID)
		pinned = true
		return nil
	})
	if err != nil {
		return false, err
	}
	s.publish(events.KindPinned, nil)
	return pinned, nil
}

// ToggleBookmark bookmarks or unbookmarks cardID and reports whether it is bookmarked
// afterwards. Unbookmarking removes the card from every collection.
func (s *Scoped) ToggleBookmark(ctx context.Context, cardID string) (bool, error) {
	card, err := activity.NewCardID(cardID)
	if err != nil {
		return false, s.fail(opToggleBookmark, reasonInvalid, err)
	}
	var bookmarked bool
	err = s.mutate(ctx, opToggleBookmark, func(st *state) error {
		if !contains(st.bookmarks, card.String()) {
			st.bookmarks = append(st.bookmarks, card.String())
			bookmarked = true
			return nil
		}
		st.bookmarks = remove(st.bookmarks, card.String())
		for i := range st.collections {
			st.collections[i].CardIDs = remove(st.collections[i].CardIDs, card.String())
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	s.publish(events.KindBookmark, []string{card.String()})
	return bookmarked, nil
}

// MigrationRecord returns the identity's migration record, running the migration if needed.
func (s *Scoped) MigrationRecord(ctx context.Context) (MigrationRecord, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if err := s.ensureMigratedLocked(ctx); err != nil {
		return MigrationRecord{}, err
	}
	var record MigrationRecord
	if _, err := s.store.kv.Get(ctx, MigrationKey(s.identity), &record); err != nil {
		return MigrationRecord{}, s.fail(opMigrate, reasonReadFailed, err)
	}
	return record, nil
}

func (s *Scoped) read(ctx context.Context, operation string) (state, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if err := s.ensureMigratedLocked(ctx); err != nil {
		return state{}, err
	}
	st, err := s.loadLocked(ctx)
	if err != nil {
		return state{}, s.fail(operation, reasonReadFailed, err)
	}
	return st, nil
}

// mutate applies change to a fresh copy of the identity's state and writes back the parts
// it touched.
func (s *Scoped) mutate(ctx context.Context, operation string, change func(*state) error) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if err := s.ensureMigratedLocked(ctx); err != nil {
		return err
	}
	st, err := s.loadLocked(ctx)
	if err != nil {
		return s.fail(operation, reasonReadFailed, err)
	}
	before := st.clone()
	if err := change(&st); err != nil {
		if errors.Is(err, errCollectionNotFound) {
			return s.fail(operation, reasonNotFound, fmt.Errorf("%w: %v", activity.ErrBadRequest, err))
		}
		return s.fail(operation, reasonInvalid, err)
	}
	if err := s.saveLocked(ctx, before, st); err != nil {
		return s.fail(operation, reasonWriteFailed, err)
	}
	return nil
}

func (s *Scoped) loadLocked(ctx context.Context) (state, error) {
	st := state{}
	if _, err := s.store.kv.Get(ctx, CollectionsKey(s.identity), &st.collections); err != nil {
		return state{}, err
	}
	if _, err := s.store.kv.Get(ctx, PinnedKey(s.identity), &st.pinned); err != nil {
		return state{}, err
	}
	if _, err := s.store.kv.Get(ctx, BookmarksKey(s.identity), &st.bookmarks); err != nil {
		return state{}, err
	}
	return st.normalized(), nil
}

func (s *Scoped) saveLocked(ctx context.Context, before, after state) error {
	if !sameCollections(before.collections, after.collections) {
		if err := s.store.kv.Put(ctx, CollectionsKey(s.identity), after.collections); err != nil {
			return err
		}
	}
	if !sameStrings(before.pinned, after.pinned) {
		if err := s.store.kv.Put(ctx, PinnedKey(s.identity), after.pinned); err != nil {
			return err
		}
	}
	if !sameStrings(before.bookmarks, after.bookmarks) {
		if err := s.store.kv.Put(ctx, BookmarksKey(s.identity), after.bookmarks); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scoped) fail(operation, reason string, err error) error {
	if !errors.Is(err, activity.ErrBadRequest) {
		s.store.logger.Error("collection store error",
			zap.String("operation", operation),
			zap.String("reason", reason),
			zap.String("identity", s.identity),
			zap.Error(err))
	}
	return activity.NewServiceError(operation, reason, nil, err)
}

func (s *Scoped) publish(kind string, cardIDs []string) {
	s.store.events.Publish(events.Event{
		Topic:     events.TopicCollections,
		Kind:      kind,
		Identity:  s.identity,
		CardIDs:   cardIDs,
		Timestamp: s.store.clock().UTC(),
	})
}

func (st state) normalized() state {
	if st.collections == nil {
		st.collections = []Collection{}
	}
	for i := range st.collections {
		if st.collections[i].CardIDs == nil {
			st.collections[i].CardIDs = []string{}
		}
	}
	if st.pinned == nil {
		st.pinned = []string{}
	}
	if st.bookmarks == nil {
		st.bookmarks = []string{}
	}
	return st
}

func (st state) clone() state {
	collections := make([]Collection, len(st.collections))
	for i, collection := range st.collections {
		collection.CardIDs = append([]string(nil), collection.CardIDs...)
		collections[i] = collection
	}
	return state{
		collections: collections,
		pinned:      append([]string(nil), st.pinned...),
		bookmarks:   append([]string(nil), st.bookmarks...),
	}
}

func indexOf(collections []Collection, collectionID string) int {
	for i, collection := range collections {
		if collection.ID == collectionID {
			return i
		}
	}
	return -1
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sameCollections(a, b []Collection) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Name != b[i].Name || a[i].Color != b[i].Color ||
			a[i].Visibility != b[i].Visibility || a[i].CreatedAt != b[i].CreatedAt ||
			!sameStrings(a[i].CardIDs, b[i].CardIDs) {
			return false
		}
	}
	return true
}

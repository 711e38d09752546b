// Package coordinator routes a client session's reads and writes to exactly one backend,
// chosen once at startup, and keeps the merged view callers render.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/cardpoll/internal/activity"
	"github.com/MarcoPoloResearchLab/cardpoll/internal/catalog"
	"github.com/MarcoPoloResearchLab/cardpoll/internal/events"
	"github.com/MarcoPoloResearchLab/cardpoll/internal/identity"
	"go.uber.org/zap"
)

const (
	opVote       = "coordinator.vote"
	opComment    = "coordinator.comment"
	opCreateCard = "coordinator.create_card"
	opLogin      = "coordinator.login"
	opLogout     = "coordinator.logout"
	opRefresh    = "coordinator.refresh"
)

// Config describes the collaborators of a Coordinator. Remote is optional; without it the
// session stays local.
type Config struct {
	Local    *LocalBackend
	Remote   *RemoteBackend
	Identity *identity.Resolver
	Catalog  *catalog.Catalog
	Events   *events.Dispatcher
	Clock    func() time.Time
	Logger   *zap.Logger
}

// CardView is a card as callers display it.
type CardView struct {
	Card      activity.CardBaseline
	Merged    activity.MergedView
	Selection activity.Option
	Comments  []activity.Comment
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	local    *LocalBackend
	remote   *RemoteBackend
	resolver *identity.Resolver
	seed     *catalog.Catalog
	events   *events.Dispatcher
	clock    func() time.Time
	logger   *zap.Logger

	mu          sync.RWMutex
	initialized bool
	backend     Backend
	current     identity.Identity
	generation  uint64
	records     map[string]activity.Record
	created     []activity.CreatedCard
}

// New constructs a Coordinator in local mode. Call Init before use.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Local == nil {
		return nil, errors.New("coordinator: local backend required")
	}
	if cfg.Identity == nil {
		return nil, errors.New("coordinator: identity resolver required")
	}
	if cfg.Catalog == nil {
		return nil, errors.New("coordinator: catalog required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		local:    cfg.Local,
		remote:   cfg.Remote,
		resolver: cfg.Identity,
		seed:     cfg.Catalog,
		events:   cfg.Events,
		clock:    clock,
		logger:   logger,
		backend:  cfg.Local,
		records:  map[string]activity.Record{},
		created:  []activity.CreatedCard{},
	}, nil
}

// Init resolves the identity and checks the remote service once. When the check succeeds
// the session is remote for its lifetime; otherwise it stays local. Later calls return the
// chosen mode without probing again.
func (c *Coordinator) Init(ctx context.Context) Mode {
	c.mu.Lock()
	if c.initialized {
		mode := c.backend.Mode()
		c.mu.Unlock()
		return mode
	}
	c.initialized = true
	c.current = c.resolver.Current(ctx)
	c.generation++
	current, generation := c.current, c.generation
	c.mu.Unlock()

	if c.remote != nil {
		snapshot, err := c.remote.Fetch(ctx, current.ID)
		if err == nil {
			c.mu.Lock()
			c.backend = c.remote
			c.mu.Unlock()
			c.apply(current, generation, snapshot)
			c.renewSession(ctx, current)
			c.logger.Info("remote activity store selected", zap.String("identity", current.ID))
			return ModeRemote
		}
		if errors.Is(err, activity.ErrNotConfigured) {
			c.logger.Info("remote activity store not configured; using local store")
		} else {
			c.logger.Error("remote activity store unreachable; using local store", zap.Error(err))
		}
	}

	snapshot, _ := c.local.Fetch(ctx, current.ID)
	c.apply(current, generation, snapshot)
	return ModeLocal
}

// Mode reports the authoritative backend.
func (c *Coordinator) Mode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.backend.Mode()
}

// Identity reports the identity the view is loaded for.
func (c *Coordinator) Identity() identity.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Refresh refetches the view for the current identity.
func (c *Coordinator) Refresh(ctx context.Context) error {
	c.mu.RLock()
	backend, current, generation := c.backend, c.current, c.generation
	c.mu.RUnlock()
	return c.fetchInto(ctx, backend, current, generation)
}

// SetIdentity switches the view to next and refetches from the same backend. A fetch that
// was started for an earlier identity is discarded when it resolves.
func (c *Coordinator) SetIdentity(ctx context.Context, next identity.Identity) error {
	c.mu.Lock()
	c.current = next
	c.generation++
	c.records = map[string]activity.Record{}
	backend, generation := c.backend, c.generation
	c.mu.Unlock()

	c.events.Publish(events.Event{
		Topic:     events.TopicIdentity,
		Kind:      events.KindIdentity,
		Identity:  next.ID,
		Timestamp: c.clock().UTC(),
	})
	return c.fetchInto(ctx, backend, next, generation)
}

// Login acquires an active session for userID and switches to it. A different logged-in
// user is logged out first so their session does not stay held; logging in as the current
// user changes nothing.
func (c *Coordinator) Login(ctx context.Context, userID string) (identity.Identity, error) {
	user, err := activity.NewUserID(userID)
	if err != nil {
		return identity.Identity{}, activity.NewServiceError(opLogin, "invalid_request", activity.ErrBadRequest, err)
	}
	if previous := c.Identity(); !previous.IsGuest() && previous.ID != "" {
		if previous.ID == user.String() {
			return previous, nil
		}
		if _, err := c.Logout(ctx); err != nil {
			return identity.Identity{}, err
		}
	}

	backend := c.currentBackend()
	token, err := backend.AcquireSession(ctx, user.String())
	if err != nil {
		return identity.Identity{}, err
	}
	next, err := c.resolver.Login(ctx, user.String(), token)
	if err != nil {
		if releaseErr := backend.ReleaseSession(ctx, user.String()); releaseErr != nil {
			c.logger.Warn("session release after failed login failed", zap.Error(releaseErr))
		}
		return identity.Identity{}, activity.NewServiceError(opLogin, "state_write_failed", activity.ErrBackend, err)
	}
	if err := c.SetIdentity(ctx, next); err != nil {
		c.logger.Warn("refresh after login failed", zap.Error(err))
	}
	return next, nil
}

// Logout releases the user's session and starts a new guest session. When the release
// fails the device stays logged in, token included, so the release can be retried.
func (c *Coordinator) Logout(ctx context.Context) (identity.Identity, error) {
	previous := c.Identity()
	if !previous.IsGuest() && previous.ID != "" {
		if err := c.currentBackend().ReleaseSession(ctx, previous.ID); err != nil {
			c.logger.Warn("session release failed", zap.String("identity", previous.ID), zap.Error(err))
			return previous, err
		}
	}
	next, err := c.resolver.Logout(ctx)
	if err != nil {
		return previous, activity.NewServiceError(opLogout, "state_write_failed", activity.ErrBackend, err)
	}
	if err := c.SetIdentity(ctx, next); err != nil {
		c.logger.Warn("refresh after logout failed", zap.Error(err))
	}
	return next, nil
}

// renewSession asks the remote service for a fresh token for the logged-in user, whose
// stored token may have lapsed since the last run.
func (c *Coordinator) renewSession(ctx context.Context, current identity.Identity) {
	if current.IsGuest() || current.ID == "" || c.resolver.Token(ctx) == "" {
		return
	}
	token, err := c.remote.AcquireSession(ctx, current.ID)
	if err != nil {
		c.logger.Warn("session renewal failed", zap.String("identity", current.ID), zap.Error(err))
		return
	}
	if token == "" {
		return
	}
	if _, err := c.resolver.Login(ctx, current.ID, token); err != nil {
		c.logger.Warn("storing renewed session token failed", zap.Error(err))
	}
}

// Vote records the current identity's vote on cardID and returns the card's merged view.
// In remote mode a card that already carries a selection is refused.
func (c *Coordinator) Vote(ctx context.Context, cardID string, option activity.Option) (CardView, error) {
	parsed, err := activity.ParseOption(string(option))
	if err != nil {
		return CardView{}, activity.NewServiceError(opVote, "invalid_request", activity.ErrBadRequest, err)
	}
	if _, ok := c.lookup(cardID); !ok {
		return CardView{}, activity.NewServiceError(opVote, "unknown_card", activity.ErrBadRequest, fmt.Errorf("card %q not found", cardID))
	}

	c.mu.RLock()
	backend, current, generation := c.backend, c.current, c.generation
	existing := c.records[cardID]
	c.mu.RUnlock()

	if backend.Mode() == ModeRemote && existing.HasSelection() {
		return CardView{}, activity.NewServiceError(opVote, "already_voted", activity.ErrBadRequest,
			fmt.Errorf("%s already voted %s on %s", current.ID, existing.UserSelectedOption, cardID))
	}

	record, err := backend.Vote(ctx, current.ID, cardID, parsed)
	c.afterWrite(ctx, backend, current, generation, cardID, record, err)
	if err != nil {
		return CardView{}, err
	}
	c.publish(events.KindVote, current.ID, cardID)
	view, _ := c.Card(cardID)
	return view, nil
}

// Comment appends the current identity's comment to cardID.
func (c *Coordinator) Comment(ctx context.Context, cardID string, author activity.Author, text string) (CardView, error) {
	if _, ok := c.lookup(cardID); !ok {
		return CardView{}, activity.NewServiceError(opComment, "unknown_card", activity.ErrBadRequest, fmt.Errorf("card %q not found", cardID))
	}
	c.mu.RLock()
	backend, current, generation := c.backend, c.current, c.generation
	c.mu.RUnlock()

	record, err := backend.Comment(ctx, current.ID, cardID, author, text)
	c.afterWrite(ctx, backend, current, generation, cardID, record, err)
	if err != nil {
		return CardView{}, err
	}
	c.publish(events.KindComment, current.ID, cardID)
	view, _ := c.Card(cardID)
	return view, nil
}

// CreateCard publishes a new card authored by the current identity.
func (c *Coordinator) CreateCard(ctx context.Context, card activity.CardBaseline) (activity.CreatedCard, error) {
	c.mu.RLock()
	backend, current, generation := c.backend, c.current, c.generation
	c.mu.RUnlock()

	if card.ID != "" {
		if _, taken := c.lookup(card.ID); taken {
			return activity.CreatedCard{}, activity.NewServiceError(opCreateCard, "duplicate_card", activity.ErrBadRequest,
				fmt.Errorf("card %q already exists", card.ID))
		}
	}
	created, err := backend.CreateCard(ctx, activity.CreatedCard{UserID: current.ID, Card: card})
	if backend.Mode() == ModeRemote {
		if refreshErr := c.fetchInto(ctx, backend, current, generation); refreshErr != nil {
			c.logger.Warn("refetch after create failed", zap.Error(refreshErr))
		}
	} else if err == nil {
		c.mu.Lock()
		c.created = append([]activity.CreatedCard{created}, c.created...)
		c.mu.Unlock()
	}
	if err != nil {
		return activity.CreatedCard{}, err
	}
	c.publish(events.KindCreated, current.ID, created.Card.ID)
	return created, nil
}

// ActiveSessions lists identities with an active session.
func (c *Coordinator) ActiveSessions(ctx context.Context) ([]string, error) {
	return c.currentBackend().ActiveSessions(ctx)
}

// Activity returns the current identity's record for cardID.
func (c *Coordinator) Activity(cardID string) activity.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.records[cardID].Clone()
}

// AllActivity returns every loaded record.
func (c *Coordinator) AllActivity() map[string]activity.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	records := make(map[string]activity.Record, len(c.records))
	for cardID, record := range c.records {
		records[cardID] = record.Clone()
	}
	return records
}

// Created returns the created cards, newest first.
func (c *Coordinator) Created() []activity.CreatedCard {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]activity.CreatedCard(nil), c.created...)
}

// Catalog returns the seed cards combined with the created cards.
func (c *Coordinator) Catalog() *catalog.Catalog {
	return c.seed.WithCreated(c.Created())
}

// MergedCounts returns the display counters of cardID.
func (c *Coordinator) MergedCounts(cardID string) (activity.MergedView, bool) {
	view, ok := c.Card(cardID)
	return view.Merged, ok
}

// Card returns the display view of one card.
func (c *Coordinator) Card(cardID string) (CardView, bool) {
	baseline, ok := c.lookup(cardID)
	if !ok {
		return CardView{}, false
	}
	record := c.Activity(cardID)
	return CardView{
		Card:      baseline,
		Merged:    activity.Merge(baseline, record),
		Selection: record.UserSelectedOption,
		Comments:  record.Comments,
	}, true
}

// Cards returns the display view of every card, created cards first.
func (c *Coordinator) Cards() []CardView {
	all := c.Catalog().All()
	records := c.AllActivity()
	views := make([]CardView, 0, len(all))
	for _, baseline := range all {
		record := records[baseline.ID]
		views = append(views, CardView{
			Card:      baseline,
			Merged:    activity.Merge(baseline, record),
			Selection: record.UserSelectedOption,
			Comments:  record.Comments,
		})
	}
	return views
}

// Subscribe streams activity changes until ctx is done.
func (c *Coordinator) Subscribe(ctx context.Context) (<-chan events.Event, func()) {
	return c.events.Subscribe(ctx, events.TopicActivity)
}

func (c *Coordinator) currentBackend() Backend {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.backend
}

func (c *Coordinator) lookup(cardID string) (activity.CardBaseline, bool) {
	if baseline, ok := c.seed.Lookup(cardID); ok {
		return baseline, true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, entry := range c.created {
		if entry.Card.ID == cardID {
			return entry.Card, true
		}
	}
	return activity.CardBaseline{}, false
}

// afterWrite reconciles the view after a mutation: remote sessions refetch whether or not
// the write succeeded, local sessions take the record the store returned.
func (c *Coordinator) afterWrite(ctx context.Context, backend Backend, current identity.Identity, generation uint64, cardID string, record activity.Record, writeErr error) {
	if backend.Mode() == ModeRemote {
		if err := c.fetchInto(ctx, backend, current, generation); err != nil {
			c.logger.Warn("refetch after write failed", zap.Error(err))
		}
		return
	}
	if writeErr != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != generation {
		return
	}
	c.records[cardID] = record.Clone()
}

func (c *Coordinator) fetchInto(ctx context.Context, backend Backend, current identity.Identity, generation uint64) error {
	snapshot, err := backend.Fetch(ctx, current.ID)
	if err != nil {
		c.logger.Error("activity fetch failed",
			zap.String("operation", opRefresh),
			zap.String("identity", current.ID),
			zap.Error(err))
		return err
	}
	if c.apply(current, generation, snapshot) {
		c.publish(events.KindRefresh, current.ID)
	}
	return nil
}

// apply installs snapshot unless the identity changed since the fetch began.
func (c *Coordinator) apply(current identity.Identity, generation uint64, snapshot Snapshot) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != generation {
		c.logger.Debug("discarding stale activity fetch", zap.String("identity", current.ID))
		return false
	}
	records := snapshot.Records
	if records == nil {
		records = map[string]activity.Record{}
	}
	created := snapshot.Created
	if created == nil {
		created = []activity.CreatedCard{}
	}
	c.records = records
	c.created = created
	return true
}

func (c *Coordinator) publish(kind, identityID string, cardIDs ...string) {
	c.events.Publish(events.Event{
		Topic:     events.TopicActivity,
		Kind:      kind,
		Identity:  identityID,
		CardIDs:   cardIDs,
		Timestamp: c.clock().UTC(),
	})
}

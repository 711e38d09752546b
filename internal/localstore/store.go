// Package localstore keeps the activity a device contributed, namespaced per identity.
package localstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/cardpoll/internal/activity"
	"github.com/MarcoPoloResearchLab/cardpoll/internal/kv"
	"go.uber.org/zap"
)

// KeyCreatedCards holds the cards created on this device, newest first.
const KeyCreatedCards = "created_cards"

const (
	opVote        = "localstore.vote"
	opComment     = "localstore.comment"
	opAddCreated  = "localstore.add_created"
	opListCreated = "localstore.list_created"
)

// ActivityKey returns the key holding one identity's activity records.
func ActivityKey(identity string) string {
	return kv.Key("activity", identity)
}

// Config describes the dependencies of a Store.
type Config struct {
	Store      kv.Store
	IDProvider activity.IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Store is the device-local activity store. Mutations are read-modify-write cycles
// serialized within the process.
type Store struct {
	kv     kv.Store
	ids    activity.IDProvider
	clock  func() time.Time
	logger *zap.Logger
	mu     sync.Mutex
}

// New constructs a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Store == nil {
		return nil, errors.New("localstore: kv store required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = activity.NewULIDProvider(clock)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{kv: cfg.Store, ids: ids, clock: clock, logger: logger}, nil
}

// Scope returns the view of the store for one identity.
func (s *Store) Scope(identity string) *Scoped {
	return &Scoped{store: s, identity: identity}
}

// Scoped reads and writes the records of one identity.
type Scoped struct {
	store    *Store
	identity string
}

// Identity returns the identity the view is bound to.
func (s *Scoped) Identity() string {
	return s.identity
}

// Get returns the record for cardID, or a zero record when it is absent or unreadable.
func (s *Scoped) Get(ctx context.Context, cardID string) activity.Record {
	records := s.GetAll(ctx)
	return records[cardID]
}

// GetAll returns every record of the identity. Read failures yield an empty map.
func (s *Scoped) GetAll(ctx context.Context) map[string]activity.Record {
	records, err := s.load(ctx)
	if err != nil {
		s.store.logger.Warn("local activity unreadable",
			zap.String("identity", s.identity),
			zap.Error(err))
		return map[string]activity.Record{}
	}
	return records
}

// AddVote increments the chosen counter of cardID and records option as the device's
// selection. Repeated calls accumulate; the latest option wins the selection.
func (s *Scoped) AddVote(ctx context.Context, cardID string, option activity.Option) (activity.Record, error) {
	card, err := activity.NewCardID(cardID)
	if err != nil {
		return activity.Record{}, activity.NewServiceError(opVote, "invalid_request", activity.ErrBadRequest, err)
	}
	parsed, err := activity.ParseOption(string(option))
	if err != nil {
		return activity.Record{}, activity.NewServiceError(opVote, "invalid_request", activity.ErrBadRequest, err)
	}
	return s.update(ctx, opVote, card.String(), func(record *activity.Record) error {
		if parsed == activity.OptionA {
			record.CountA++
		} else {
			record.CountB++
		}
		record.UserSelectedOption = parsed
		return nil
	})
}

// AddComment appends a comment to cardID and returns the updated record and the comment.
func (s *Scoped) AddComment(ctx context.Context, cardID string, author activity.Author, text string) (activity.Record, activity.Comment, error) {
	card, err := activity.NewCardID(cardID)
	if err != nil {
		return activity.Record{}, activity.Comment{}, activity.NewServiceError(opComment, "invalid_request", activity.ErrBadRequest, err)
	}
	var added activity.Comment
	record, err := s.update(ctx, opComment, card.String(), func(record *activity.Record) error {
		comment, err := activity.NewComment(s.store.ids, s.store.clock, author, text)
		if err != nil {
			return err
		}
		record.Comments = append(record.Comments, comment)
		added = comment
		return nil
	})
	if err != nil {
		return activity.Record{}, activity.Comment{}, err
	}
	return record, added, nil
}

func (s *Scoped) update(ctx context.Context, operation, cardID string, mutate func(*activity.Record) error) (activity.Record, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	records, err := s.load(ctx)
	if err != nil {
		s.store.logError(operation, "read_failed", err, s.identity, cardID)
		return activity.Record{}, activity.NewServiceError(operation, "read_failed", activity.ErrBackend, err)
	}
	record := records[cardID].Clone()
	if err := mutate(&record); err != nil {
		return activity.Record{}, activity.NewServiceError(operation, "invalid_request", nil, err)
	}
	records[cardID] = record
	if err := s.store.kv.Put(ctx, ActivityKey(s.identity), records); err != nil {
		s.store.logError(operation, "write_failed", err, s.identity, cardID)
		return activity.Record{}, activity.NewServiceError(operation, "write_failed", activity.ErrBackend, err)
	}
	return record.Clone(), nil
}

func (s *Scoped) load(ctx context.Context) (map[string]activity.Record, error) {
	records := map[string]activity.Record{}
	if _, err := s.store.kv.Get(ctx, ActivityKey(s.identity), &records); err != nil {
		return nil, err
	}
	if records == nil {
		records = map[string]activity.Record{}
	}
	return records, nil
}

// CreatedCards lists the cards created on this device, newest first.
func (s *Store) CreatedCards(ctx context.Context) ([]activity.CreatedCard, error) {
	var created []activity.CreatedCard
	if _, err := s.kv.Get(ctx, KeyCreatedCards, &created); err != nil {
		s.logError(opListCreated, "read_failed", err, "", "")
		return nil, activity.NewServiceError(opListCreated, "read_failed", activity.ErrBackend, err)
	}
	if created == nil {
		created = []activity.CreatedCard{}
	}
	return created, nil
}

// AddCreatedCard prepends a created card, assigning its id and creation time.
func (s *Store) AddCreatedCard(ctx context.Context, created activity.CreatedCard) (activity.CreatedCard, error) {
	prepared, err := activity.PrepareCreatedCard(created, s.ids, s.clock)
	if err != nil {
		return activity.CreatedCard{}, activity.NewServiceError(opAddCreated, "invalid_request", nil, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	existing, err := s.CreatedCards(ctx)
	if err != nil {
		return activity.CreatedCard{}, err
	}
	next := append([]activity.CreatedCard{prepared}, existing...)
	if err := s.kv.Put(ctx, KeyCreatedCards, next); err != nil {
		s.logError(opAddCreated, "write_failed", err, prepared.UserID, prepared.Card.ID)
		return activity.CreatedCard{}, activity.NewServiceError(opAddCreated, "write_failed", activity.ErrBackend, err)
	}
	return prepared, nil
}

func (s *Store) logError(operation, reason string, err error, identity, cardID string) {
	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	if identity != "" {
		fields = append(fields, zap.String("identity", identity))
	}
	if cardID != "" {
		fields = append(fields, zap.String("card_id", cardID))
	}
	s.logger.Error("local store error", fields...)
}

package activity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cardpoll/internal/kv"
	"go.uber.org/zap"
)

var (
	errMissingStore      = errors.New("remote store is not configured")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew      = "activity.service.new"
	opSnapshot        = "activity.snapshot"
	opVote            = "activity.vote"
	opComment         = "activity.comment"
	opListCreated     = "activity.list_created"
	opAddCreated      = "activity.add_created"
	fieldUserID       = "user_id"
	fieldCardID       = "card_id"
	reasonMissing     = "missing_store"
	reasonInvalid     = "invalid_request"
	reasonReadFailed  = "read_failed"
	reasonWriteFailed = "write_failed"
)

// Storage keys of the shared resources.
const (
	KeyGlobal       = "activity:global"
	KeyCreatedCards = "created-votes"
)

// SelectionKey returns the key holding one identity's selections.
func SelectionKey(userID UserID) string {
	return kv.Key("activity", "user", userID.String())
}

// ServiceConfig describes the dependencies of the shared activity service.
type ServiceConfig struct {
	Store      kv.Store
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service is the shared remote activity store: one global aggregate map for every card
// plus one selection map per identity.
//
// Votes and comments are read-modify-write cycles over whole documents without locking.
// Two concurrent writers on the aggregate can lose an increment; this matches the
// consistency bar of approximate social counters.
type Service struct {
	store      kv.Store
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService constructs the service. A nil Store is a configuration error; deployments
// without a store run with no Service at all.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, NewServiceError(opServiceNew, reasonMissing, ErrNotConfigured, errMissingStore)
	}
	if cfg.IDProvider == nil {
		return nil, NewServiceError(opServiceNew, "missing_id_provider", ErrBackend, errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		store:      cfg.Store,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// VoteRequest is a validated vote.
type VoteRequest struct {
	UserID UserID
	CardID CardID
	Option Option
}

// CommentRequest is a validated comment.
type CommentRequest struct {
	CardID CardID
	Author Author
	Text   string
}

// Snapshot returns the global aggregate and, when userID is set, that identity's selections.
func (s *Service) Snapshot(ctx context.Context, userID UserID) (RemoteSnapshot, error) {
	if s.store == nil {
		return RemoteSnapshot{}, NewServiceError(opSnapshot, reasonMissing, ErrNotConfigured, errMissingStore)
	}
	global, err := s.loadGlobal(ctx)
	if err != nil {
		s.logError(opSnapshot, reasonReadFailed, err)
		return RemoteSnapshot{}, NewServiceError(opSnapshot, reasonReadFailed, ErrBackend, err)
	}
	selections := map[string]Option{}
	if userID != "" {
		selections, err = s.loadSelections(ctx, userID)
		if err != nil {
			s.logError(opSnapshot, reasonReadFailed, err, zap.String(fieldUserID, userID.String()))
			return RemoteSnapshot{}, NewServiceError(opSnapshot, reasonReadFailed, ErrBackend, err)
		}
	}
	return RemoteSnapshot{Global: global, UserSelections: selections}, nil
}

// Vote increments the chosen counter in the global aggregate, then records the identity's
// selection. The two writes are separate: when the second fails the increment stays and
// the identity has no recorded selection, so it may vote again. The error code
// activity.vote.selection_write_failed identifies that case.
func (s *Service) Vote(ctx context.Context, request VoteRequest) error {
	if s.store == nil {
		return NewServiceError(opVote, reasonMissing, ErrNotConfigured, errMissingStore)
	}
	if _, err := NewUserID(request.UserID.String()); err != nil {
		return NewServiceError(opVote, reasonInvalid, ErrBadRequest, err)
	}
	if _, err := NewCardID(request.CardID.String()); err != nil {
		return NewServiceError(opVote, reasonInvalid, ErrBadRequest, err)
	}
	option, err := ParseOption(string(request.Option))
	if err != nil {
		return NewServiceError(opVote, reasonInvalid, ErrBadRequest, err)
	}

	fields := []zap.Field{
		zap.String(fieldUserID, request.UserID.String()),
		zap.String(fieldCardID, request.CardID.String()),
	}

	global, err := s.loadGlobal(ctx)
	if err != nil {
		s.logError(opVote, reasonReadFailed, err, fields...)
		return NewServiceError(opVote, reasonReadFailed, ErrBackend, err)
	}
	entry := global[request.CardID.String()]
	if option == OptionA {
		entry.CountA++
	} else {
		entry.CountB++
	}
	global[request.CardID.String()] = entry
	if err := s.store.Put(ctx, KeyGlobal, global); err != nil {
		s.logError(opVote, reasonWriteFailed, err, fields...)
		return NewServiceError(opVote, reasonWriteFailed, ErrBackend, err)
	}

	selections, err := s.loadSelections(ctx, request.UserID)
	if err == nil {
		selections[request.CardID.String()] = option
		err = s.store.Put(ctx, SelectionKey(request.UserID), selections)
	}
	if err != nil {
		s.loggerOrDefault().Warn("vote counted without recorded selection",
			append(fields, zap.String("option", string(option)), zap.Error(err))...)
		return NewServiceError(opVote, "selection_write_failed", ErrBackend, err)
	}
	return nil
}

// Comment appends a comment with a generated id and timestamp to the card's aggregate.
func (s *Service) Comment(ctx context.Context, request CommentRequest) (Comment, error) {
	if s.store == nil {
		return Comment{}, NewServiceError(opComment, reasonMissing, ErrNotConfigured, errMissingStore)
	}
	if _, err := NewCardID(request.CardID.String()); err != nil {
		return Comment{}, NewServiceError(opComment, reasonInvalid, ErrBadRequest, err)
	}
	comment, err := NewComment(s.idProvider, s.clock, request.Author, request.Text)
	if err != nil {
		return Comment{}, NewServiceError(opComment, reasonInvalid, nil, err)
	}

	global, err := s.loadGlobal(ctx)
	if err != nil {
		s.logError(opComment, reasonReadFailed, err, zap.String(fieldCardID, request.CardID.String()))
		return Comment{}, NewServiceError(opComment, reasonReadFailed, ErrBackend, err)
	}
	entry := global[request.CardID.String()]
	entry.Comments = append(entry.Comments, comment)
	global[request.CardID.String()] = entry
	if err := s.store.Put(ctx, KeyGlobal, global); err != nil {
		s.logError(opComment, reasonWriteFailed, err, zap.String(fieldCardID, request.CardID.String()))
		return Comment{}, NewServiceError(opComment, reasonWriteFailed, ErrBackend, err)
	}
	return comment, nil
}

// CreatedCards lists created cards, newest first.
func (s *Service) CreatedCards(ctx context.Context) ([]CreatedCard, error) {
	if s.store == nil {
		return nil, NewServiceError(opListCreated, reasonMissing, ErrNotConfigured, errMissingStore)
	}
	var created []CreatedCard
	if _, err := s.store.Get(ctx, KeyCreatedCards, &created); err != nil {
		s.logError(opListCreated, reasonReadFailed, err)
		return nil, NewServiceError(opListCreated, reasonReadFailed, ErrBackend, err)
	}
	if created == nil {
		created = []CreatedCard{}
	}
	return created, nil
}

// AddCreatedCard prepends a created card, assigning an id and creation time when absent.
func (s *Service) AddCreatedCard(ctx context.Context, created CreatedCard) (CreatedCard, error) {
	if s.store == nil {
		return CreatedCard{}, NewServiceError(opAddCreated, reasonMissing, ErrNotConfigured, errMissingStore)
	}
	prepared, err := PrepareCreatedCard(created, s.idProvider, s.clock)
	if err != nil {
		return CreatedCard{}, NewServiceError(opAddCreated, reasonInvalid, nil, err)
	}

	existing, err := s.CreatedCards(ctx)
	if err != nil {
		return CreatedCard{}, err
	}
	next := append([]CreatedCard{prepared}, existing...)
	if err := s.store.Put(ctx, KeyCreatedCards, next); err != nil {
		s.logError(opAddCreated, reasonWriteFailed, err, zap.String(fieldUserID, prepared.UserID))
		return CreatedCard{}, NewServiceError(opAddCreated, reasonWriteFailed, ErrBackend, err)
	}
	return prepared, nil
}

// NewComment validates author and text and stamps a new comment.
func NewComment(ids IDProvider, clock func() time.Time, author Author, text string) (Comment, error) {
	trimmedText := strings.TrimSpace(text)
	if trimmedText == "" {
		return Comment{}, errors.Join(ErrBadRequest, errors.New("comment text is required"))
	}
	name := strings.TrimSpace(author.Name)
	if name == "" {
		return Comment{}, errors.Join(ErrBadRequest, errors.New("comment author name is required"))
	}
	id, err := ids.NewID()
	if err != nil {
		return Comment{}, errors.Join(ErrBackend, err)
	}
	return Comment{
		ID:        id,
		User:      Author{Name: name, IconURL: strings.TrimSpace(author.IconURL)},
		Timestamp: clock().UTC().Format(time.RFC3339Nano),
		Text:      trimmedText,
	}, nil
}

// PrepareCreatedCard validates a created card and fills in its id and creation time.
func PrepareCreatedCard(created CreatedCard, ids IDProvider, clock func() time.Time) (CreatedCard, error) {
	userID, err := NewUserID(created.UserID)
	if err != nil {
		return CreatedCard{}, err
	}
	if err := created.Card.Validate(); err != nil {
		return CreatedCard{}, err
	}
	prepared := created
	prepared.UserID = userID.String()
	prepared.Card.Tags = append([]string(nil), created.Card.Tags...)
	if strings.TrimSpace(prepared.Card.ID) != "" {
		cardID, err := NewCardID(prepared.Card.ID)
		if err != nil {
			return CreatedCard{}, err
		}
		prepared.Card.ID = cardID.String()
	} else {
		id, err := ids.NewID()
		if err != nil {
			return CreatedCard{}, errors.Join(ErrBackend, err)
		}
		prepared.Card.ID = id
	}
	if strings.TrimSpace(prepared.Card.CreatedAt) == "" {
		prepared.Card.CreatedAt = clock().UTC().Format(time.RFC3339)
	}
	if prepared.Card.Creator == "" {
		prepared.Card.Creator = prepared.UserID
	}
	return prepared, nil
}

func (s *Service) loadGlobal(ctx context.Context) (map[string]Aggregate, error) {
	global := map[string]Aggregate{}
	if _, err := s.store.Get(ctx, KeyGlobal, &global); err != nil {
		return nil, err
	}
	if global == nil {
		global = map[string]Aggregate{}
	}
	return global, nil
}

func (s *Service) loadSelections(ctx context.Context, userID UserID) (map[string]Option, error) {
	selections := map[string]Option{}
	if _, err := s.store.Get(ctx, SelectionKey(userID), &selections); err != nil {
		return nil, err
	}
	if selections == nil {
		selections = map[string]Option{}
	}
	return selections, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("activity service error", attrs...)
}

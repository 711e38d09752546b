package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/cardpoll/internal/activity"
	"github.com/MarcoPoloResearchLab/cardpoll/internal/localstore"
	"github.com/MarcoPoloResearchLab/cardpoll/internal/remote"
	"github.com/MarcoPoloResearchLab/cardpoll/internal/session"
)

// Mode names the authoritative backend of a client session.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
)

// Snapshot is everything a backend knows for one identity.
type Snapshot struct {
	Records map[string]activity.Record
	Created []activity.CreatedCard
}

// Backend is one of the two stores a Coordinator routes to. Vote and Comment return the
// updated record when the backend computes it locally; remote backends return a zero record
// and the Coordinator refetches.
type Backend interface {
	Mode() Mode
	Fetch(ctx context.Context, identity string) (Snapshot, error)
	Vote(ctx context.Context, identity, cardID string, option activity.Option) (activity.Record, error)
	Comment(ctx context.Context, identity, cardID string, author activity.Author, text string) (activity.Record, error)
	CreateCard(ctx context.Context, created activity.CreatedCard) (activity.CreatedCard, error)
	AcquireSession(ctx context.Context, identity string) (string, error)
	ReleaseSession(ctx context.Context, identity string) error
	ActiveSessions(ctx context.Context) ([]string, error)
}

// LocalBackend serves everything from the device store.
type LocalBackend struct {
	store    *localstore.Store
	sessions session.Registry
}

// NewLocalBackend builds a LocalBackend. sessions guards logins on this device.
func NewLocalBackend(store *localstore.Store, sessions session.Registry) (*LocalBackend, error) {
	if store == nil || sessions == nil {
		return nil, errors.New("coordinator: local store and session registry required")
	}
	return &LocalBackend{store: store, sessions: sessions}, nil
}

// Mode implements Backend.
func (b *LocalBackend) Mode() Mode { return ModeLocal }

// Fetch implements Backend. Unreadable created cards yield an empty list.
func (b *LocalBackend) Fetch(ctx context.Context, identity string) (Snapshot, error) {
	created, err := b.store.CreatedCards(ctx)
	if err != nil {
		created = []activity.CreatedCard{}
	}
	return Snapshot{Records: b.store.Scope(identity).GetAll(ctx), Created: created}, nil
}

// Vote implements Backend.
func (b *LocalBackend) Vote(ctx context.Context, identity, cardID string, option activity.Option) (activity.Record, error) {
	return b.store.Scope(identity).AddVote(ctx, cardID, option)
}

// Comment implements Backend.
func (b *LocalBackend) Comment(ctx context.Context, identity, cardID string, author activity.Author, text string) (activity.Record, error) {
	record, _, err := b.store.Scope(identity).AddComment(ctx, cardID, author, text)
	return record, err
}

// CreateCard implements Backend.
func (b *LocalBackend) CreateCard(ctx context.Context, created activity.CreatedCard) (activity.CreatedCard, error) {
	return b.store.AddCreatedCard(ctx, created)
}

// AcquireSession implements Backend. Local sessions carry no token.
func (b *LocalBackend) AcquireSession(ctx context.Context, identity string) (string, error) {
	result, err := b.sessions.TryAcquire(ctx, identity)
	if err != nil {
		return "", err
	}
	if !result.Acquired {
		return "", activity.NewServiceError("coordinator.login", "already_active", activity.ErrAlreadyActive,
			fmt.Errorf("%s is already logged in elsewhere", identity))
	}
	return "", nil
}

// ReleaseSession implements Backend.
func (b *LocalBackend) ReleaseSession(ctx context.Context, identity string) error {
	return b.sessions.Release(ctx, identity)
}

// ActiveSessions implements Backend.
func (b *LocalBackend) ActiveSessions(ctx context.Context) ([]string, error) {
	return b.sessions.Active(ctx)
}

// RemoteBackend serves everything from the shared service.
type RemoteBackend struct {
	client *remote.Client
}

// NewRemoteBackend builds a RemoteBackend.
func NewRemoteBackend(client *remote.Client) (*RemoteBackend, error) {
	if client == nil {
		return nil, errors.New("coordinator: remote client required")
	}
	return &RemoteBackend{client: client}, nil
}

// Mode implements Backend.
func (b *RemoteBackend) Mode() Mode { return ModeRemote }

// Fetch implements Backend. Both the activity and the created-cards resources must answer.
func (b *RemoteBackend) Fetch(ctx context.Context, identity string) (Snapshot, error) {
	snapshot, err := b.client.FetchActivity(ctx, identity)
	if err != nil {
		return Snapshot{}, err
	}
	created, err := b.client.CreatedCards(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Records: snapshot.Records(), Created: created}, nil
}

// Vote implements Backend.
func (b *RemoteBackend) Vote(ctx context.Context, identity, cardID string, option activity.Option) (activity.Record, error) {
	return activity.Record{}, b.client.Vote(ctx, identity, cardID, option)
}

// Comment implements Backend.
func (b *RemoteBackend) Comment(ctx context.Context, _ string, cardID string, author activity.Author, text string) (activity.Record, error) {
	return activity.Record{}, b.client.Comment(ctx, cardID, author, text)
}

// CreateCard implements Backend.
func (b *RemoteBackend) CreateCard(ctx context.Context, created activity.CreatedCard) (activity.CreatedCard, error) {
	return b.client.CreateCard(ctx, created)
}

// AcquireSession implements Backend.
func (b *RemoteBackend) AcquireSession(ctx context.Context, identity string) (string, error) {
	granted, err := b.client.AcquireSession(ctx, identity)
	if err != nil {
		return "", err
	}
	return granted.Token, nil
}

// ReleaseSession implements Backend.
func (b *RemoteBackend) ReleaseSession(ctx context.Context, identity string) error {
	return b.client.ReleaseSession(ctx, identity)
}

// ActiveSessions implements Backend.
func (b *RemoteBackend) ActiveSessions(ctx context.Context) ([]string, error) {
	return b.client.ActiveSessions(ctx)
}

// Package identity derives the activity key of the current device session.
package identity

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/cardpoll/internal/kv"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// KeyAuth holds the device's AuthState.
const KeyAuth = "auth"

const guestPrefix = "guest_"

// ErrInvalidIdentity indicates that a login did not carry a usable user id.
var ErrInvalidIdentity = errors.New("identity: invalid identity")

// Kind distinguishes authenticated users from anonymous device sessions.
type Kind string

const (
	KindGuest Kind = "guest"
	KindUser  Kind = "user"
)

// Identity is the key every per-identity record is stored under.
type Identity struct {
	ID   string
	Kind Kind
}

// IsGuest reports whether the identity is an anonymous device session.
func (i Identity) IsGuest() bool {
	return i.Kind == KindGuest
}

func (i Identity) String() string {
	return i.ID
}

// AuthState is the persisted login state of a device.
type AuthState struct {
	UserID     string `json:"userId,omitempty"`
	Token      string `json:"token,omitempty"`
	GuestID    string `json:"guestId"`
	LoggedInAt string `json:"loggedInAt,omitempty"`
}

// Identity projects the state into the identity it stands for.
func (s AuthState) Identity() Identity {
	if s.UserID != "" {
		return Identity{ID: s.UserID, Kind: KindUser}
	}
	return Identity{ID: s.GuestID, Kind: KindGuest}
}

// ResolverConfig describes the dependencies of a Resolver.
type ResolverConfig struct {
	Store    kv.Store
	NewGuest func() string
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Resolver reads and updates the device's login state.
type Resolver struct {
	store    kv.Store
	newGuest func() string
	clock    func() time.Time
	logger   *zap.Logger

	mu     sync.Mutex
	cached *AuthState
}

// NewResolver constructs a Resolver over store.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Store == nil {
		return nil, errors.New("identity: store required")
	}
	newGuest := cfg.NewGuest
	if newGuest == nil {
		newGuest = NewGuestID
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		store:    cfg.Store,
		newGuest: newGuest,
		clock:    clock,
		logger:   logger,
	}, nil
}

// NewGuestID returns a fresh device-scoped guest id.
func NewGuestID() string {
	return guestPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Current returns the identity of the device session. It never fails: an unreadable state
// falls back to the last known state, or to a fresh guest id held in memory.
func (r *Resolver) Current(ctx context.Context) Identity {
	return r.State(ctx).Identity()
}

// State returns the device's login state, creating and persisting a guest id on first use.
func (r *Resolver) State(ctx context.Context) AuthState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocked(ctx)
}

// Token returns the session token of the logged-in user, if any.
func (r *Resolver) Token(ctx context.Context) string {
	return r.State(ctx).Token
}

// Login records userID as the authenticated identity. The guest id is kept so a later
// Logout can replace it.
func (r *Resolver) Login(ctx context.Context, userID, token string) (Identity, error) {
	trimmed := strings.TrimSpace(userID)
	if trimmed == "" {
		return Identity{}, ErrInvalidIdentity
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	state := r.loadLocked(ctx)
	state.UserID = trimmed
	state.Token = strings.TrimSpace(token)
	state.LoggedInAt = r.clock().UTC().Format(time.RFC3339)
	if err := r.saveLocked(ctx, state); err != nil {
		return Identity{}, err
	}
	return state.Identity(), nil
}

// Logout clears the authenticated identity and starts a new guest session. The previous
// guest id is discarded so activity from before the login is not conflated with the new one.
func (r *Resolver) Logout(ctx context.Context) (Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := AuthState{GuestID: r.newGuest()}
	if err := r.saveLocked(ctx, state); err != nil {
		return Identity{}, err
	}
	return state.Identity(), nil
}

func (r *Resolver) loadLocked(ctx context.Context) AuthState {
	var state AuthState
	found, err := r.store.Get(ctx, KeyAuth, &state)
	if err != nil {
		r.logger.Warn("auth state unreadable", zap.Error(err))
		if r.cached != nil {
			return *r.cached
		}
		state = AuthState{GuestID: r.newGuest()}
		r.cached = &state
		return state
	}
	if found && state.GuestID != "" {
		r.cached = &state
		return state
	}
	state.GuestID = r.newGuest()
	if err := r.saveLocked(ctx, state); err != nil {
		r.cached = &state
	}
	return state
}

func (r *Resolver) saveLocked(ctx context.Context, state AuthState) error {
	if err := r.store.Put(ctx, KeyAuth, state); err != nil {
		r.logger.Error("auth state write failed", zap.Error(err))
		return err
	}
	r.cached = &state
	return nil
}

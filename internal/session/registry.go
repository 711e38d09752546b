// Package session enforces at most one active login per identity.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/cardpoll/internal/activity"
	"github.com/MarcoPoloResearchLab/cardpoll/internal/kv"
	"go.uber.org/zap"
)

const (
	opAcquire = "session.acquire"
	opRelease = "session.release"
	opActive  = "session.active"
)

// Mode names how a Registry guards acquisition.
type Mode string

const (
	// ModeAtomic uses the store's set-if-absent primitive.
	ModeAtomic Mode = "atomic"
	// ModeBestEffort reads, then writes. Concurrent acquisitions of one identity can both win.
	ModeBestEffort Mode = "best-effort"
)

// ReasonAlreadyActive is the Result.Reason of a refused acquisition.
const ReasonAlreadyActive = "ALREADY_ACTIVE"

// PresenceKey returns the key of an identity's presence marker.
func PresenceKey(identity string) string {
	return kv.Key("active-user", identity)
}

// Presence is the marker stored while an identity is logged in.
type Presence struct {
	Since string `json:"since"`
}

// Result reports the outcome of TryAcquire.
type Result struct {
	Acquired bool
	Reason   string
}

// Registry tracks active sessions.
type Registry interface {
	// TryAcquire marks identity active unless it already is.
	TryAcquire(ctx context.Context, identity string) (Result, error)
	// Release clears identity's marker. Releasing an inactive identity succeeds.
	Release(ctx context.Context, identity string) error
	// Active lists the known identities that are currently active.
	Active(ctx context.Context) ([]string, error)
	Mode() Mode
}

// Config describes the dependencies of a Registry.
type Config struct {
	Store      kv.Store
	KnownUsers []string
	Clock      func() time.Time
	Logger     *zap.Logger
}

// NewRegistry returns an AtomicRegistry when the store supports set-if-absent and a
// BestEffortRegistry otherwise.
func NewRegistry(cfg Config) (Registry, error) {
	base, err := newBase(cfg)
	if err != nil {
		return nil, err
	}
	if atomicStore, ok := cfg.Store.(kv.AtomicStore); ok {
		return &AtomicRegistry{base: base, store: atomicStore}, nil
	}
	base.logger.Warn("session store lacks set-if-absent; concurrent logins of one identity are not excluded")
	return &BestEffortRegistry{base: base}, nil
}

type base struct {
	store  kv.Store
	known  []string
	index  map[string]struct{}
	clock  func() time.Time
	logger *zap.Logger
}

func newBase(cfg Config) (base, error) {
	if cfg.Store == nil {
		return base{}, activity.NewServiceError("session.new", "missing_store", activity.ErrNotConfigured, errors.New("store required"))
	}
	known := make([]string, 0, len(cfg.KnownUsers))
	index := make(map[string]struct{}, len(cfg.KnownUsers))
	for _, user := range cfg.KnownUsers {
		trimmed := strings.TrimSpace(user)
		if trimmed == "" {
			continue
		}
		if _, dup := index[trimmed]; dup {
			continue
		}
		index[trimmed] = struct{}{}
		known = append(known, trimmed)
	}
	if len(known) == 0 {
		return base{}, errors.New("session: at least one known user is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return base{store: cfg.Store, known: known, index: index, clock: clock, logger: logger}, nil
}

func (b base) validate(operation, identity string) (string, error) {
	trimmed := strings.TrimSpace(identity)
	if _, ok := b.index[trimmed]; !ok {
		return "", activity.NewServiceError(operation, "unknown_identity", activity.ErrBadRequest, fmt.Errorf("identity %q is not a known user", identity))
	}
	return trimmed, nil
}

func (b base) presence() Presence {
	return Presence{Since: b.clock().UTC().Format(time.RFC3339)}
}

func (b base) release(ctx context.Context, identity string) error {
	trimmed, err := b.validate(opRelease, identity)
	if err != nil {
		return err
	}
	if err := b.store.Delete(ctx, PresenceKey(trimmed)); err != nil {
		b.logError(opRelease, err, trimmed)
		return activity.NewServiceError(opRelease, "delete_failed", activity.ErrBackend, err)
	}
	return nil
}

func (b base) active(ctx context.Context) ([]string, error) {
	active := make([]string, 0, len(b.known))
	for _, identity := range b.known {
		var marker Presence
		found, err := b.store.Get(ctx, PresenceKey(identity), &marker)
		if err != nil {
			b.logError(opActive, err, identity)
			return nil, activity.NewServiceError(opActive, "read_failed", activity.ErrBackend, err)
		}
		if found {
			active = append(active, identity)
		}
	}
	return active, nil
}

func (b base) logError(operation string, err error, identity string) {
	b.logger.Error("session registry error",
		zap.String("operation", operation),
		zap.String("identity", identity),
		zap.Error(err))
}

// AtomicRegistry acquires with a single set-if-absent, so concurrent acquisitions of one
// identity have exactly one winner.
type AtomicRegistry struct {
	base
	store kv.AtomicStore
}

// TryAcquire implements Registry.
func (r *AtomicRegistry) TryAcquire(ctx context.Context, identity string) (Result, error) {
	trimmed, err := r.validate(opAcquire, identity)
	if err != nil {
		return Result{}, err
	}
	created, err := r.store.PutIfAbsent(ctx, PresenceKey(trimmed), r.presence())
	if err != nil {
		r.logError(opAcquire, err, trimmed)
		return Result{}, activity.NewServiceError(opAcquire, "write_failed", activity.ErrBackend, err)
	}
	if !created {
		return Result{Reason: ReasonAlreadyActive}, nil
	}
	return Result{Acquired: true}, nil
}

// Release implements Registry.
func (r *AtomicRegistry) Release(ctx context.Context, identity string) error {
	return r.release(ctx, identity)
}

// Active implements Registry.
func (r *AtomicRegistry) Active(ctx context.Context) ([]string, error) {
	return r.active(ctx)
}

// Mode implements Registry.
func (r *AtomicRegistry) Mode() Mode {
	return ModeAtomic
}

// BestEffortRegistry checks for a marker and then writes one. Another acquisition can land
// between the read and the write and both callers succeed. It is meant for stores without
// set-if-absent serving a small fixed set of demo users.
type BestEffortRegistry struct {
	base
	// afterCheck runs between the read and the write; tests use it to interleave callers.
	afterCheck func()
	mu         sync.Mutex
}

// TryAcquire implements Registry.
func (r *BestEffortRegistry) TryAcquire(ctx context.Context, identity string) (Result, error) {
	trimmed, err := r.validate(opAcquire, identity)
	if err != nil {
		return Result{}, err
	}
	var marker Presence
	found, err := r.store.Get(ctx, PresenceKey(trimmed), &marker)
	if err != nil {
		r.logError(opAcquire, err, trimmed)
		return Result{}, activity.NewServiceError(opAcquire, "read_failed", activity.ErrBackend, err)
	}
	if found {
		return Result{Reason: ReasonAlreadyActive}, nil
	}
	r.mu.Lock()
	hook := r.afterCheck
	r.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err := r.store.Put(ctx, PresenceKey(trimmed), r.presence()); err != nil {
		r.logError(opAcquire, err, trimmed)
		return Result{}, activity.NewServiceError(opAcquire, "write_failed", activity.ErrBackend, err)
	}
	return Result{Acquired: true}, nil
}

// Release implements Registry.
func (r *BestEffortRegistry) Release(ctx context.Context, identity string) error {
	return r.release(ctx, identity)
}

// Active implements Registry.
func (r *BestEffortRegistry) Active(ctx context.Context) ([]string, error) {
	return r.active(ctx)
}

// Mode implements Registry.
func (r *BestEffortRegistry) Mode() Mode {
	return ModeBestEffort
}

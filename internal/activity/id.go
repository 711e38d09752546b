package activity

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// IDProvider issues identifiers for comments and created cards.
type IDProvider interface {
	NewID() (string, error)
}

type ulidProvider struct {
	clock func() time.Time
}

// NewULIDProvider constructs an IDProvider that issues time-ordered ULIDs.
func NewULIDProvider(clock func() time.Time) IDProvider {
	if clock == nil {
		clock = time.Now
	}
	return &ulidProvider{clock: clock}
}

func (p *ulidProvider) NewID() (string, error) {
	value, err := ulid.New(ulid.Timestamp(p.clock()), ulid.DefaultEntropy())
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

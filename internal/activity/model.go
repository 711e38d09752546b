package activity

import (
	"fmt"
	"strings"
)

// Option identifies one side of a two-option card.
type Option string

const (
	// OptionA is the first option of a card.
	OptionA Option = "A"
	// OptionB is the second option of a card.
	OptionB Option = "B"
)

// MaxIdentifierLength bounds card and user ids so that every storage key built from one,
// prefix included, fits the key column.
const MaxIdentifierLength = 128

// ParseOption validates raw input and returns an Option.
func ParseOption(rawInput string) (Option, error) {
	switch Option(strings.ToUpper(strings.TrimSpace(rawInput))) {
	case OptionA:
		return OptionA, nil
	case OptionB:
		return OptionB, nil
	default:
		return "", fmt.Errorf("%w: invalid option %q", ErrBadRequest, rawInput)
	}
}

// CardID represents a validated card identifier.
type CardID string

// NewCardID validates raw input and returns a CardID.
func NewCardID(rawInput string) (CardID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty card id", ErrBadRequest)
	}
	if len(trimmed) > MaxIdentifierLength {
		return "", fmt.Errorf("%w: card id exceeds %d characters", ErrBadRequest, MaxIdentifierLength)
	}
	return CardID(trimmed), nil
}

// String returns the underlying string identifier.
func (id CardID) String() string {
	return string(id)
}

// UserID represents a validated identity key, either authenticated or guest.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty user id", ErrBadRequest)
	}
	if len(trimmed) > MaxIdentifierLength {
		return "", fmt.Errorf("%w: user id exceeds %d characters", ErrBadRequest, MaxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Author is the display identity attached to a comment.
type Author struct {
	Name    string `json:"name"`
	IconURL string `json:"iconUrl,omitempty"`
}

// Comment is a single append-only comment on a card.
type Comment struct {
	ID        string `json:"id"`
	User      Author `json:"user"`
	Timestamp string `json:"timestamp"`
	Text      string `json:"text"`
}

// Record is the mutable activity overlay of one card: votes and comments contributed after
// the card was created, plus the selection of the identity it was read for.
type Record struct {
	CountA             int       `json:"countA"`
	CountB             int       `json:"countB"`
	Comments           []Comment `json:"comments"`
	UserSelectedOption Option    `json:"userSelectedOption,omitempty"`
}

// HasSelection reports whether the reading identity already chose an option.
func (r Record) HasSelection() bool {
	return r.UserSelectedOption != ""
}

// Clone returns a copy that shares no slices with r.
func (r Record) Clone() Record {
	clone := r
	if r.Comments != nil {
		clone.Comments = append([]Comment(nil), r.Comments...)
	}
	return clone
}

// Aggregate is the shared per-card entry of the remote store, summed over all identities.
type Aggregate struct {
	CountA   int       `json:"countA"`
	CountB   int       `json:"countB"`
	Comments []Comment `json:"comments"`
}

// CardBaseline holds the author-supplied seed counters and descriptive fields of a card.
type CardBaseline struct {
	ID           string   `json:"id" yaml:"id"`
	Question     string   `json:"question" yaml:"question"`
	OptionA      string   `json:"optionA" yaml:"optionA"`
	OptionB      string   `json:"optionB" yaml:"optionB"`
	CountA       int      `json:"countA" yaml:"countA"`
	CountB       int      `json:"countB" yaml:"countB"`
	CommentCount int      `json:"commentCount" yaml:"commentCount"`
	Tags         []string `json:"tags,omitempty" yaml:"tags"`
	Visibility   string   `json:"visibility,omitempty" yaml:"visibility"`
	Creator      string   `json:"creator,omitempty" yaml:"creator"`
	PeriodEnd    string   `json:"periodEnd,omitempty" yaml:"periodEnd"`
	CreatedAt    string   `json:"createdAt,omitempty" yaml:"createdAt"`
}

// Validate checks the fields a card needs before it can be stored.
func (c CardBaseline) Validate() error {
	if strings.TrimSpace(c.Question) == "" {
		return fmt.Errorf("%w: empty question", ErrBadRequest)
	}
	if strings.TrimSpace(c.OptionA) == "" || strings.TrimSpace(c.OptionB) == "" {
		return fmt.Errorf("%w: both options are required", ErrBadRequest)
	}
	if c.CountA < 0 || c.CountB < 0 || c.CommentCount < 0 {
		return fmt.Errorf("%w: negative baseline counter", ErrBadRequest)
	}
	return nil
}

// CreatedCard is a card created by an identity after launch.
type CreatedCard struct {
	UserID string       `json:"userId"`
	Card   CardBaseline `json:"card"`
}

// MergedView is the display projection of baseline plus activity. It is never persisted.
type MergedView struct {
	CountA       int `json:"countA"`
	CountB       int `json:"countB"`
	CommentCount int `json:"commentCount"`
}

// RemoteSnapshot is the wire shape of the remote activity resource for one identity.
type RemoteSnapshot struct {
	Global         map[string]Aggregate `json:"global"`
	UserSelections map[string]Option    `json:"userSelections"`
}

// Records projects the snapshot into per-card activity records.
func (s RemoteSnapshot) Records() map[string]Record {
	records := make(map[string]Record, len(s.Global)+len(s.UserSelections))
	for cardID, aggregate := range s.Global {
		records[cardID] = Record{
			CountA:   aggregate.CountA,
			CountB:   aggregate.CountB,
			Comments: append([]Comment(nil), aggregate.Comments...),
		}
	}
	for cardID, option := range s.UserSelections {
		record := records[cardID]
		record.UserSelectedOption = option
		records[cardID] = record
	}
	return records
}

package collections

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/cardpoll/internal/activity"
	"github.com/MarcoPoloResearchLab/cardpoll/internal/kv"
)

// Visibility controls who may see a collection.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
	VisibilityMember  Visibility = "member"
)

const (
	defaultColor  = "#6366f1"
	maxNameLength = 80
)

// ParseVisibility validates raw input. Empty input means private.
func ParseVisibility(rawInput string) (Visibility, error) {
	switch Visibility(strings.ToLower(strings.TrimSpace(rawInput))) {
	case "", VisibilityPrivate:
		return VisibilityPrivate, nil
	case VisibilityPublic:
		return VisibilityPublic, nil
	case VisibilityMember:
		return VisibilityMember, nil
	default:
		return "", fmt.Errorf("%w: invalid visibility %q", activity.ErrBadRequest, rawInput)
	}
}

// Collection is a named, ordered set of card ids owned by one identity.
type Collection struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Color      string     `json:"color"`
	Visibility Visibility `json:"visibility"`
	CardIDs    []string   `json:"cardIds"`
	CreatedAt  string     `json:"createdAt,omitempty"`
}

// Contains reports whether cardID is a member.
func (c Collection) Contains(cardID string) bool {
	return contains(c.CardIDs, cardID)
}

// Draft carries the fields of a new collection.
type Draft struct {
	Name       string
	Color      string
	Visibility string
}

// Patch carries the fields to change on an existing collection. Nil fields are kept.
type Patch struct {
	Name       *string
	Color      *string
	Visibility *string
}

// MigrationRecord marks that an identity's collections were initialized.
type MigrationRecord struct {
	Version      int    `json:"version"`
	MigratedFrom string `json:"migratedFrom"`
	MigratedAt   string `json:"migratedAt"`
}

// Migration sources.
const (
	MigratedFromLegacy = "legacy-v1"
	MigratedFromNone   = "none"
	migrationVersion   = 1
)

// Legacy device-wide keys written before collections were namespaced per identity.
const (
	LegacyCollectionsKey = "collections"
	LegacyPinnedKey      = "collections_pinned"
	LegacyBookmarksKey   = "bookmarks"
)

// CollectionsKey returns the key of an identity's collections.
func CollectionsKey(identity string) string {
	return kv.Key("collections", identity)
}

// PinnedKey returns the key of an identity's pinned collection ids.
func PinnedKey(identity string) string {
	return kv.Key("collections_pinned", identity)
}

// BookmarksKey returns the key of an identity's bookmarked card ids.
func BookmarksKey(identity string) string {
	return kv.Key("bookmarks", identity)
}

// MigrationKey returns the key of an identity's migration record.
func MigrationKey(identity string) string {
	return kv.Key("migrations", identity)
}

// legacyCollection is the stored shape before visibility replaced the public flag.
type legacyCollection struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Color      string   `json:"color"`
	IsPublic   bool     `json:"isPublic"`
	Visibility string   `json:"visibility,omitempty"`
	CardIDs    []string `json:"cardIds"`
	CreatedAt  string   `json:"createdAt,omitempty"`
}

func (l legacyCollection) upgrade() Collection {
	visibility := VisibilityPrivate
	if l.IsPublic {
		visibility = VisibilityPublic
	}
	if parsed, err := ParseVisibility(l.Visibility); err == nil && l.Visibility != "" {
		visibility = parsed
	}
	color := strings.TrimSpace(l.Color)
	if color == "" {
		color = defaultColor
	}
	return Collection{
		ID:         strings.TrimSpace(l.ID),
		Name:       strings.TrimSpace(l.Name),
		Color:      color,
		Visibility: visibility,
		CardIDs:    dedupe(l.CardIDs),
		CreatedAt:  l.CreatedAt,
	}
}

func normalizeName(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", fmt.Errorf("%w: collection name is required", activity.ErrBadRequest)
	}
	if len(name) > maxNameLength {
		return "", fmt.Errorf("%w: collection name exceeds %d characters", activity.ErrBadRequest, maxNameLength)
	}
	return name, nil
}

func dedupe(values []string) []string {
	result := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		result = append(result, trimmed)
	}
	return result
}

func remove(values []string, target string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		if value != target {
			result = append(result, value)
		}
	}
	return result
}

func contains(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}

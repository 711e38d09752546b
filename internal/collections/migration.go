package collections

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ensureMigratedLocked carries legacy device-wide collection data over to the identity the
// first time the identity is read. The migration record is written last, so a failure part
// way leaves the migration to run again; legacy keys are never modified.
func (s *Scoped) ensureMigratedLocked(ctx context.Context) error {
	if s.store.migrated[s.identity] {
		return nil
	}

	var record MigrationRecord
	found, err := s.store.kv.Get(ctx, MigrationKey(s.identity), &record)
	if err != nil {
		return s.fail(opMigrate, reasonReadFailed, err)
	}
	if found && record.Version >= migrationVersion {
		s.store.migrated[s.identity] = true
		return nil
	}

	current, err := s.loadLocked(ctx)
	if err != nil {
		return s.fail(opMigrate, reasonReadFailed, err)
	}
	legacy, err := s.loadLegacyLocked(ctx)
	if err != nil {
		return s.fail(opMigrate, reasonReadFailed, err)
	}

	next := current.clone()
	copied := false
	if len(current.collections) == 0 && len(legacy.collections) > 0 {
		next.collections = legacy.collections
		copied = true
	}
	if len(current.pinned) == 0 && len(legacy.pinned) > 0 {
		owned := make([]string, 0, len(legacy.pinned))
		for _, id := range legacy.pinned {
			if indexOf(next.collections, id) >= 0 {
				owned = append(owned, id)
			}
		}
		next.pinned = owned
		copied = copied || len(owned) > 0
	}
	if len(current.bookmarks) == 0 && len(legacy.bookmarks) > 0 {
		next.bookmarks = legacy.bookmarks
		copied = true
	}
	if copied {
		// Every collection member must also be bookmarked.
		for _, collection := range next.collections {
			for _, cardID := range collection.CardIDs {
				if !contains(next.bookmarks, cardID) {
					next.bookmarks = append(next.bookmarks, cardID)
				}
			}
		}
		if err := s.saveLocked(ctx, current, next); err != nil {
			return s.fail(opMigrate, reasonWriteFailed, err)
		}
	}

	record = MigrationRecord{
		Version:      migrationVersion,
		MigratedFrom: MigratedFromNone,
		MigratedAt:   s.store.clock().UTC().Format(time.RFC3339),
	}
	if copied {
		record.MigratedFrom = MigratedFromLegacy
	}
	if err := s.store.kv.Put(ctx, MigrationKey(s.identity), record); err != nil {
		return s.fail(opMigrate, reasonWriteFailed, err)
	}
	s.store.migrated[s.identity] = true
	if copied {
		s.store.logger.Info("legacy collections migrated",
			zap.String("identity", s.identity),
			zap.Int("collections", len(next.collections)))
	}
	return nil
}

func (s *Scoped) loadLegacyLocked(ctx context.Context) (state, error) {
	var legacyCollections []legacyCollection
	if _, err := s.store.kv.Get(ctx, LegacyCollectionsKey, &legacyCollections); err != nil {
		return state{}, err
	}
	st := state{}
	for _, raw := range legacyCollections {
		upgraded := raw.upgrade()
		if upgraded.Name == "" {
			continue
		}
		if upgraded.ID == "" {
			upgraded.ID = s.store.newID()
		}
		if indexOf(st.collections, upgraded.ID) >= 0 {
			continue
		}
		st.collections = append(st.collections, upgraded)
	}
	if _, err := s.store.kv.Get(ctx, LegacyPinnedKey, &st.pinned); err != nil {
		return state{}, err
	}
	if _, err := s.store.kv.Get(ctx, LegacyBookmarksKey, &st.bookmarks); err != nil {
		return state{}, err
	}
	st.pinned = dedupe(st.pinned)
	st.bookmarks = dedupe(st.bookmarks)
	return st.normalized(), nil
}

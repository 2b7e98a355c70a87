// Package store keeps the locally cached flags.
package store

import (
	"log/slog"
	"sync"

	"github.com/launchdarkly/ios-client-sdk-sub001/flags"
)

// FlagStore is a versioned map of flag key to storage slot. Reads and writes
// may come from any goroutine.
type FlagStore struct {
	mu    sync.RWMutex
	items flags.StoredItems
	log   *slog.Logger
}

// New returns a store seeded with items, which may be nil.
func New(items flags.StoredItems, log *slog.Logger) *FlagStore {
	if log == nil {
		log = slog.Default()
	}
	if items == nil {
		items = flags.StoredItems{}
	}
	return &FlagStore{
		items: items.Clone(),
		log:   log.With(slog.String("worker", "flag_store")),
	}
}

// ReplaceStore swaps in a full snapshot.
func (s *FlagStore) ReplaceStore(items flags.StoredItems) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if items == nil {
		items = flags.StoredItems{}
	}
	s.items = items.Clone()
	s.log.Debug("replaced store", slog.Int("count", len(items)))
}

// Update applies flag if its version beats the stored slot.
func (s *FlagStore) Update(flag flags.FeatureFlag) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.items[flag.Key]; ok && !current.AcceptsVersion(flag.Version) {
		s.log.Debug("update rejected, stale version", slog.String("key", flag.Key))
		return false
	}
	s.items[flag.Key] = flags.Item(flag)
	s.log.Debug("updated flag", slog.String("key", flag.Key))
	return true
}

// Delete writes a tombstone for key if version beats the stored slot.
func (s *FlagStore) Delete(key string, version int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.items[key]; ok && !current.AcceptsVersion(&version) {
		s.log.Debug("delete rejected, stale version", slog.String("key", key))
		return false
	}
	s.items[key] = flags.Tombstone(version)
	s.log.Debug("deleted flag", slog.String("key", key))
	return true
}

// FeatureFlag returns the flag for key. Missing and deleted flags report false.
func (s *FlagStore) FeatureFlag(key string) (flags.FeatureFlag, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[key]
	if !ok {
		return flags.FeatureFlag{}, false
	}
	return item.Flag()
}

// StoredItems returns a copy of every slot, tombstones included.
func (s *FlagStore) StoredItems() flags.StoredItems {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.items.Clone()
}

// FeatureFlags returns a copy of the live flags.
func (s *FlagStore) FeatureFlags() map[string]flags.FeatureFlag {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.items.FeatureFlags()
}

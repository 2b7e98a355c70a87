// Package flags holds the client-side flag model: evaluated feature flags as
// served by the flag service, and the versioned slots the flag store keeps
// them in.
package flags

import (
	"encoding/json"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/exp/slices"
)

// UnixMillis is a timestamp in milliseconds since the Unix epoch, as used on
// the wire.
type UnixMillis int64

// Time converts m to a time.Time.
func (m UnixMillis) Time() time.Time {
	return time.UnixMilli(int64(m))
}

// ToUnixMillis converts t to UnixMillis.
func ToUnixMillis(t time.Time) UnixMillis {
	return UnixMillis(t.UnixMilli())
}

// FeatureFlag is one flag's server-side evaluation result. It is replaced as a
// whole on update and never mutated in place.
type FeatureFlag struct {
	Key   string `json:"key"`
	Value any    `json:"value"`

	Variation *int `json:"variation,omitempty"`
	// Version is the environment version, used to order patches and deletes.
	Version *int `json:"version,omitempty"`
	// FlagVersion changes only when this flag changes. Events report it as
	// "version".
	FlagVersion *int `json:"flagVersion,omitempty"`

	TrackEvents          bool           `json:"trackEvents,omitempty"`
	TrackReason          bool           `json:"trackReason,omitempty"`
	DebugEventsUntilDate *UnixMillis    `json:"debugEventsUntilDate,omitempty"`
	Reason               map[string]any `json:"reason,omitempty"`
}

// Clone returns a deep copy of f. Value and Reason are copied recursively so
// the result shares no maps or slices with f.
func (f FeatureFlag) Clone() FeatureFlag {
	out := f
	out.Value = cloneValue(f.Value)
	out.Variation = clonePtr(f.Variation)
	out.Version = clonePtr(f.Version)
	out.FlagVersion = clonePtr(f.FlagVersion)
	out.DebugEventsUntilDate = clonePtr(f.DebugEventsUntilDate)
	if f.Reason != nil {
		out.Reason = cloneValue(f.Reason).(map[string]any)
	}
	return out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = cloneValue(e)
		}
		return out
	case json.RawMessage:
		return slices.Clone(v)
	default:
		return v
	}
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// VersionForEvents returns the version reported in analytics events.
func (f FeatureFlag) VersionForEvents() *int {
	if f.FlagVersion != nil {
		return f.FlagVersion
	}
	return f.Version
}

// ShouldCreateDebugEvents reports whether an evaluation of f falls inside the
// flag's debug window. The window is compared against the last event response
// date from the server when there is one, and against now otherwise.
func (f FeatureFlag) ShouldCreateDebugEvents(lastEventResponse *time.Time, now time.Time) bool {
	if f.DebugEventsUntilDate == nil {
		return false
	}
	comparison := now
	if lastEventResponse != nil {
		comparison = *lastEventResponse
	}
	return !comparison.After(f.DebugEventsUntilDate.Time())
}

// StorageItem is a slot in the flag store: either a flag or a tombstone left
// behind by a versioned delete.
type StorageItem struct {
	flag      FeatureFlag
	tombstone bool
	version   int
}

// Item wraps a copy of flag into a StorageItem.
func Item(flag FeatureFlag) StorageItem {
	return StorageItem{flag: flag.Clone()}
}

// Tombstone records a deletion at version.
func Tombstone(version int) StorageItem {
	return StorageItem{tombstone: true, version: version}
}

// IsTombstone reports whether s marks a deleted flag.
func (s StorageItem) IsTombstone() bool {
	return s.tombstone
}

// Flag returns a copy of the stored flag, or false for a tombstone.
func (s StorageItem) Flag() (FeatureFlag, bool) {
	if s.tombstone {
		return FeatureFlag{}, false
	}
	return s.flag.Clone(), true
}

// Version returns the version used for ordering, or nil if the stored flag
// carries none.
func (s StorageItem) Version() *int {
	if s.tombstone {
		v := s.version
		return &v
	}
	return clonePtr(s.flag.Version)
}

// AcceptsVersion reports whether an update or delete at incoming may replace
// s. An unversioned slot or an unversioned incoming change always applies;
// otherwise the incoming version must be strictly greater.
func (s StorageItem) AcceptsVersion(incoming *int) bool {
	current := s.Version()
	if current == nil || incoming == nil {
		return true
	}
	return *incoming > *current
}

// Equal reports structural equality.
func (s StorageItem) Equal(other StorageItem) bool {
	if s.tombstone != other.tombstone {
		return false
	}
	if s.tombstone {
		return s.version == other.version
	}
	return cmp.Equal(s.flag, other.flag)
}

// StoredItems maps flag keys to storage slots.
type StoredItems map[string]StorageItem

// Clone returns a shallow copy of items.
func (items StoredItems) Clone() StoredItems {
	out := make(StoredItems, len(items))
	for k, v := range items {
		out[k] = v
	}
	return out
}

// FeatureFlags returns the live flags, skipping tombstones.
func (items StoredItems) FeatureFlags() map[string]FeatureFlag {
	out := make(map[string]FeatureFlag, len(items))
	for k, v := range items {
		if flag, ok := v.Flag(); ok {
			out[k] = flag
		}
	}
	return out
}

// NewStoredItems wraps every flag in an Item, keyed by the map key.
func NewStoredItems(featureFlags map[string]FeatureFlag) StoredItems {
	out := make(StoredItems, len(featureFlags))
	for k, f := range featureFlags {
		if f.Key == "" {
			f.Key = k
		}
		out[k] = Item(f)
	}
	return out
}

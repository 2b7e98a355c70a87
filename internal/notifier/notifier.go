// Package notifier tells registered observers which flag values changed.
package notifier

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/launchdarkly/ios-client-sdk-sub001/connection"
	"github.com/launchdarkly/ios-client-sdk-sub001/flags"
	"github.com/launchdarkly/ios-client-sdk-sub001/internal/serial"
)

// Owner scopes observer registrations. Observers of a released owner are
// never called again and are evicted on the next dispatch.
type Owner struct {
	id       uuid.UUID
	released atomic.Bool
}

func NewOwner() *Owner {
	return &Owner{id: uuid.New()}
}

func (o *Owner) ID() string { return o.id.String() }

// Release ends the owner's lifetime.
func (o *Owner) Release() { o.released.Store(true) }

func (o *Owner) Alive() bool { return o != nil && !o.released.Load() }

// ChangedFlag describes one flag whose value changed. A value that is absent
// on either side is nil.
type ChangedFlag struct {
	Key      string
	OldValue any
	NewValue any
}

type changeObserver struct {
	owner *Owner
	// keys is nil for observers of every key.
	keys   []string
	single func(ChangedFlag)
	multi  func(map[string]ChangedFlag)
}

type unchangedObserver struct {
	owner *Owner
	fn    func()
}

type connectionObserver struct {
	owner *Owner
	fn    func(connection.Mode)
}

type errorObserver struct {
	owner *Owner
	fn    func(error)
}

// Notifier dispatches on its own goroutine, one callback at a time, in
// the order notifications were requested.
type Notifier struct {
	exec *serial.Executor
	log  *slog.Logger

	mu         sync.Mutex
	changes    []changeObserver
	unchanged  []unchangedObserver
	connection []connectionObserver
	errors     []errorObserver
}

func New(log *slog.Logger) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{
		exec: serial.New(),
		log:  log.With(slog.String("worker", "notifier")),
	}
}

// ObserveKey calls fn with each change to key.
func (n *Notifier) ObserveKey(owner *Owner, key string, fn func(ChangedFlag)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, changeObserver{owner: owner, keys: []string{key}, single: fn})
}

// ObserveKeys calls fn with the changes to any of keys, restricted to keys.
func (n *Notifier) ObserveKeys(owner *Owner, keys []string, fn func(map[string]ChangedFlag)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, changeObserver{owner: owner, keys: slices.Clone(keys), multi: fn})
}

// ObserveAll calls fn with every change.
func (n *Notifier) ObserveAll(owner *Owner, fn func(map[string]ChangedFlag)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, changeObserver{owner: owner, multi: fn})
}

// ObserveUnchanged calls fn after a sync that changed no values.
func (n *Notifier) ObserveUnchanged(owner *Owner, fn func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.unchanged = append(n.unchanged, unchangedObserver{owner: owner, fn: fn})
}

func (n *Notifier) ObserveConnectionMode(owner *Owner, fn func(connection.Mode)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.connection = append(n.connection, connectionObserver{owner: owner, fn: fn})
}

// ObserveErrors calls fn with each synchronization failure.
func (n *Notifier) ObserveErrors(owner *Owner, fn func(error)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errors = append(n.errors, errorObserver{owner: owner, fn: fn})
}

// RemoveObserver drops every observer registered by owner.
func (n *Notifier) RemoveObserver(owner *Owner) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = slices.DeleteFunc(n.changes, func(o changeObserver) bool { return o.owner == owner })
	n.unchanged = slices.DeleteFunc(n.unchanged, func(o unchangedObserver) bool { return o.owner == owner })
	n.connection = slices.DeleteFunc(n.connection, func(o connectionObserver) bool { return o.owner == owner })
	n.errors = slices.DeleteFunc(n.errors, func(o errorObserver) bool { return o.owner == owner })
}

// evictLocked drops observers of released owners.
func (n *Notifier) evictLocked() {
	n.changes = slices.DeleteFunc(n.changes, func(o changeObserver) bool { return !o.owner.Alive() })
	n.unchanged = slices.DeleteFunc(n.unchanged, func(o unchangedObserver) bool { return !o.owner.Alive() })
	n.connection = slices.DeleteFunc(n.connection, func(o connectionObserver) bool { return !o.owner.Alive() })
	n.errors = slices.DeleteFunc(n.errors, func(o errorObserver) bool { return !o.owner.Alive() })
}

// NotifyObservers compares the values in oldFlags and newFlags and fires the
// change observers whose keys changed, or the unchanged observers if none did.
func (n *Notifier) NotifyObservers(oldFlags, newFlags flags.StoredItems) {
	changed := Diff(oldFlags, newFlags)

	n.mu.Lock()
	n.evictLocked()
	if len(changed) == 0 {
		observers := slices.Clone(n.unchanged)
		n.mu.Unlock()
		n.log.Debug("no flag values changed")
		n.exec.Submit(func() { fireUnchanged(observers) })
		return
	}
	observers := slices.Clone(n.changes)
	n.mu.Unlock()

	n.log.Debug("flag values changed", slog.Int("count", len(changed)))
	n.exec.Submit(func() {
		for _, o := range observers {
			if !o.owner.Alive() {
				continue
			}
			if o.keys == nil {
				o.multi(maps.Clone(changed))
				continue
			}
			subset := make(map[string]ChangedFlag)
			for _, key := range o.keys {
				if c, ok := changed[key]; ok {
					subset[key] = c
				}
			}
			if len(subset) == 0 {
				continue
			}
			if o.single != nil {
				o.single(subset[o.keys[0]])
			} else {
				o.multi(subset)
			}
		}
	})
}

// NotifyUnchanged fires the unchanged observers.
func (n *Notifier) NotifyUnchanged() {
	n.mu.Lock()
	n.evictLocked()
	observers := slices.Clone(n.unchanged)
	n.mu.Unlock()
	n.exec.Submit(func() { fireUnchanged(observers) })
}

func fireUnchanged(observers []unchangedObserver) {
	for _, o := range observers {
		if o.owner.Alive() {
			o.fn()
		}
	}
}

func (n *Notifier) NotifyConnectionModeChanged(mode connection.Mode) {
	n.mu.Lock()
	n.evictLocked()
	observers := slices.Clone(n.connection)
	n.mu.Unlock()
	n.exec.Submit(func() {
		for _, o := range observers {
			if o.owner.Alive() {
				o.fn(mode)
			}
		}
	})
}

func (n *Notifier) NotifyError(err error) {
	n.mu.Lock()
	n.evictLocked()
	observers := slices.Clone(n.errors)
	n.mu.Unlock()
	n.exec.Submit(func() {
		for _, o := range observers {
			if o.owner.Alive() {
				o.fn(err)
			}
		}
	})
}

// Wait blocks until every notification requested so far has been delivered.
func (n *Notifier) Wait() {
	n.exec.Wait()
}

// Close delivers pending notifications and stops dispatch.
func (n *Notifier) Close() {
	n.exec.Close()
}

// Diff returns the keys whose value differs between oldFlags and newFlags.
// Tombstones and missing keys have no value. Version changes alone are not
// changes.
func Diff(oldFlags, newFlags flags.StoredItems) map[string]ChangedFlag {
	keys := maps.Keys(oldFlags)
	for key := range newFlags {
		if _, ok := oldFlags[key]; !ok {
			keys = append(keys, key)
		}
	}

	changed := make(map[string]ChangedFlag)
	for _, key := range keys {
		oldFlag, hadOld := liveFlag(oldFlags, key)
		newFlag, hasNew := liveFlag(newFlags, key)
		switch {
		case !hadOld && !hasNew:
			continue
		case hadOld && hasNew && cmp.Equal(oldFlag.Value, newFlag.Value):
			continue
		}
		c := ChangedFlag{Key: key}
		if hadOld {
			c.OldValue = oldFlag.Value
		}
		if hasNew {
			c.NewValue = newFlag.Value
		}
		changed[key] = c
	}
	return changed
}

func liveFlag(items flags.StoredItems, key string) (flags.FeatureFlag, bool) {
	item, ok := items[key]
	if !ok {
		return flags.FeatureFlag{}, false
	}
	return item.Flag()
}

package events

import (
	"sync"
	"time"

	"github.com/launchdarkly/ios-client-sdk-sub001/flags"
)

// CounterKey groups evaluations that matched the same variation of the same
// flag version. A missing variation or version is a distinct key.
type CounterKey struct {
	Variation    int
	HasVariation bool
	Version      int
	HasVersion   bool
}

func counterKeyFor(flag *flags.FeatureFlag) CounterKey {
	var k CounterKey
	if flag == nil {
		return k
	}
	if flag.Variation != nil {
		k.Variation, k.HasVariation = *flag.Variation, true
	}
	if v := flag.VersionForEvents(); v != nil {
		k.Version, k.HasVersion = *v, true
	}
	return k
}

// CounterValue counts evaluations that produced Value.
type CounterValue struct {
	Value any
	Count int
}

// FlagCounter holds the counters for one flag key.
type FlagCounter struct {
	DefaultValue any
	Counters     map[CounterKey]*CounterValue
}

// Summary is a snapshot of a FlagRequestTracker at the end of its window.
type Summary struct {
	StartDate time.Time
	EndDate   time.Time
	Features  map[string]FlagCounter
}

// FlagRequestTracker counts flag evaluations over one reporting window. It is
// safe for concurrent use.
type FlagRequestTracker struct {
	mu        sync.Mutex
	startDate time.Time
	counters  map[string]*FlagCounter
}

func NewFlagRequestTracker(start time.Time) *FlagRequestTracker {
	return &FlagRequestTracker{
		startDate: start,
		counters:  make(map[string]*FlagCounter),
	}
}

// TrackRequest counts one evaluation of key. The last default seen for a key
// is the one reported.
func (t *FlagRequestTracker) TrackRequest(key string, value any, flag *flags.FeatureFlag, defaultValue any) {
	t.mu.Lock()
	defer t.mu.Unlock()

	counter, ok := t.counters[key]
	if !ok {
		counter = &FlagCounter{Counters: make(map[CounterKey]*CounterValue)}
		t.counters[key] = counter
	}
	counter.DefaultValue = defaultValue

	ck := counterKeyFor(flag)
	if cv, ok := counter.Counters[ck]; ok {
		cv.Count++
		return
	}
	counter.Counters[ck] = &CounterValue{Value: value, Count: 1}
}

func (t *FlagRequestTracker) HasLoggedRequests() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.counters) > 0
}

// Summarize returns a deep copy of the tracked counters.
func (t *FlagRequestTracker) Summarize(end time.Time) Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	features := make(map[string]FlagCounter, len(t.counters))
	for key, counter := range t.counters {
		counters := make(map[CounterKey]*CounterValue, len(counter.Counters))
		for ck, cv := range counter.Counters {
			copied := *cv
			counters[ck] = &copied
		}
		features[key] = FlagCounter{DefaultValue: counter.DefaultValue, Counters: counters}
	}
	return Summary{StartDate: t.startDate, EndDate: end, Features: features}
}

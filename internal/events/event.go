// Package events records analytics events and publishes them in batches.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/launchdarkly/ios-client-sdk-sub001/flags"
	"github.com/launchdarkly/ios-client-sdk-sub001/lduser"
)

// Kind is the event kind as it appears on the wire.
type Kind string

const (
	KindFeature  Kind = "feature"
	KindDebug    Kind = "debug"
	KindIdentify Kind = "identify"
	KindCustom   Kind = "custom"
	KindSummary  Kind = "summary"
	KindAlias    Kind = "alias"
)

// Event is one analytics event. Which fields are meaningful depends on Kind;
// events are built with the constructors below and never modified.
type Event struct {
	Kind         Kind
	Key          string
	CreationDate time.Time
	User         *lduser.User

	// feature and debug
	Value         any
	Default       any
	Flag          *flags.FeatureFlag
	IncludeReason bool

	// custom
	Data        any
	MetricValue *float64

	// alias
	PreviousKey         string
	ContextKind         string
	PreviousContextKind string

	// summary
	Summary *Summary
}

// NewFeatureEvent records the evaluation of a flag that tracks events.
func NewFeatureEvent(key string, value, defaultValue any, flag *flags.FeatureFlag, user lduser.User, includeReason bool, now time.Time) Event {
	return evaluationEvent(KindFeature, key, value, defaultValue, flag, user, includeReason, now)
}

// NewDebugEvent is the verbose twin of a feature event, emitted inside a
// flag's debug window.
func NewDebugEvent(key string, value, defaultValue any, flag *flags.FeatureFlag, user lduser.User, includeReason bool, now time.Time) Event {
	return evaluationEvent(KindDebug, key, value, defaultValue, flag, user, includeReason, now)
}

func evaluationEvent(kind Kind, key string, value, defaultValue any, flag *flags.FeatureFlag, user lduser.User, includeReason bool, now time.Time) Event {
	return Event{
		Kind:          kind,
		Key:           key,
		CreationDate:  now,
		User:          &user,
		Value:         value,
		Default:       defaultValue,
		Flag:          flag,
		IncludeReason: includeReason,
	}
}

// NewCustomEvent builds a custom event. data must be JSON encodable.
func NewCustomEvent(key string, user lduser.User, data any, metricValue *float64, now time.Time) (Event, error) {
	if data != nil {
		if _, err := json.Marshal(data); err != nil {
			return Event{}, fmt.Errorf("custom event %q: data is not JSON encodable: %w", key, err)
		}
	}
	return Event{
		Kind:         KindCustom,
		Key:          key,
		CreationDate: now,
		User:         &user,
		Data:         data,
		MetricValue:  metricValue,
	}, nil
}

func NewIdentifyEvent(user lduser.User, now time.Time) Event {
	return Event{
		Kind:         KindIdentify,
		Key:          user.Key,
		CreationDate: now,
		User:         &user,
	}
}

// NewAliasEvent links a new identity to the one it replaces.
func NewAliasEvent(newUser, oldUser lduser.User, now time.Time) Event {
	return Event{
		Kind:                KindAlias,
		Key:                 newUser.Key,
		CreationDate:        now,
		PreviousKey:         oldUser.Key,
		ContextKind:         newUser.ContextKind(),
		PreviousContextKind: oldUser.ContextKind(),
	}
}

func newSummaryEvent(summary Summary) Event {
	return Event{Kind: KindSummary, Summary: &summary}
}

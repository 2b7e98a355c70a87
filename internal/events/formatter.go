package events

import (
	"encoding/json"

	"github.com/launchdarkly/ios-client-sdk-sub001/flags"
)

// Formatter converts events to their wire encoding.
type Formatter struct {
	// InlineUsers sends the full user in feature and custom events instead
	// of only its key. Identify and debug events always carry the full user.
	InlineUsers bool
}

// Format returns the wire object for e.
func (f Formatter) Format(e Event) map[string]any {
	out := map[string]any{"kind": string(e.Kind)}

	if e.Kind == KindSummary {
		if e.Summary != nil {
			out["startDate"] = flags.ToUnixMillis(e.Summary.StartDate)
			out["endDate"] = flags.ToUnixMillis(e.Summary.EndDate)
			out["features"] = formatFeatures(e.Summary.Features)
		}
		return out
	}

	out["key"] = e.Key
	out["creationDate"] = flags.ToUnixMillis(e.CreationDate)

	if e.User != nil {
		if e.Kind == KindIdentify || e.Kind == KindDebug || f.InlineUsers {
			out["user"] = e.User
		} else {
			out["userKey"] = e.User.Key
		}
		if (e.Kind == KindFeature || e.Kind == KindCustom) && e.User.Anonymous {
			out["contextKind"] = e.User.ContextKind()
		}
	}

	switch e.Kind {
	case KindFeature, KindDebug:
		out["value"] = e.Value
		out["default"] = e.Default
		if e.Flag != nil {
			if e.Flag.Variation != nil {
				out["variation"] = *e.Flag.Variation
			}
			if v := e.Flag.VersionForEvents(); v != nil {
				out["version"] = *v
			}
			if (e.IncludeReason || e.Flag.TrackReason) && e.Flag.Reason != nil {
				out["reason"] = e.Flag.Reason
			}
		}
	case KindCustom:
		if e.Data != nil {
			out["data"] = e.Data
		}
		if e.MetricValue != nil {
			out["metricValue"] = *e.MetricValue
		}
	case KindAlias:
		out["previousKey"] = e.PreviousKey
		out["contextKind"] = e.ContextKind
		out["previousContextKind"] = e.PreviousContextKind
	}
	return out
}

func formatFeatures(features map[string]FlagCounter) map[string]any {
	out := make(map[string]any, len(features))
	for key, counter := range features {
		counters := make([]map[string]any, 0, len(counter.Counters))
		for ck, cv := range counter.Counters {
			c := map[string]any{
				"value":     cv.Value,
				"count":     cv.Count,
				"variation": nil,
			}
			if ck.HasVariation {
				c["variation"] = ck.Variation
			}
			if ck.HasVersion {
				c["version"] = ck.Version
			} else {
				c["unknown"] = true
			}
			counters = append(counters, c)
		}
		out[key] = map[string]any{
			"default":  counter.DefaultValue,
			"counters": counters,
		}
	}
	return out
}

// Batch encodes events as a JSON array.
func (f Formatter) Batch(events []Event) ([]byte, error) {
	out := make([]map[string]any, len(events))
	for i, e := range events {
		out[i] = f.Format(e)
	}
	return json.Marshal(out)
}

// Package diagnostics accumulates the counters reported in periodic
// diagnostic payloads and mirrors them as Prometheus metrics.
package diagnostics

import (
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/launchdarkly/ios-client-sdk-sub001/flags"
)

// Recorder receives the counters that the event reporter and the flag
// synchronizer produce.
type Recorder interface {
	IncrementDroppedEventCount()
	RecordEventsInLastBatch(count int)
	AddStreamInit(init StreamInit)
}

// StreamInit is the timing of one stream connection attempt.
type StreamInit struct {
	Timestamp      flags.UnixMillis `json:"timestamp"`
	DurationMillis int64            `json:"durationMillis"`
	Failed         bool             `json:"failed"`
}

// ID identifies the diagnostic stream of one client instance.
type ID struct {
	DiagnosticID    string `json:"diagnosticId"`
	MobileKeySuffix string `json:"sdkKeySuffix,omitempty"`
}

// Stats is the periodic diagnostic payload.
type Stats struct {
	Kind              string           `json:"kind"`
	ID                ID               `json:"id"`
	CreationDate      flags.UnixMillis `json:"creationDate"`
	DataSinceDate     flags.UnixMillis `json:"dataSinceDate"`
	DroppedEvents     int              `json:"droppedEvents"`
	EventsInLastBatch int              `json:"eventsInLastBatch"`
	StreamInits       []StreamInit     `json:"streamInits"`
}

// Init is the payload sent once when a client starts.
type Init struct {
	Kind         string           `json:"kind"`
	ID           ID               `json:"id"`
	CreationDate flags.UnixMillis `json:"creationDate"`
}

// Cache is the Recorder used by the client. It is safe for concurrent use.
type Cache struct {
	mu                sync.Mutex
	id                ID
	dataSince         time.Time
	droppedEvents     int
	eventsInLastBatch int
	streamInits       []StreamInit

	droppedTotal  prometheus.Counter
	lastBatchSize prometheus.Gauge
	streamInitDur *prometheus.HistogramVec
}

// NewCache returns an empty Cache. Its collectors are registered on reg when
// reg is not nil.
func NewCache(mobileKey string, reg prometheus.Registerer) (*Cache, error) {
	c := &Cache{
		id: ID{
			DiagnosticID:    uuid.NewString(),
			MobileKeySuffix: keySuffix(mobileKey),
		},
		dataSince: time.Now(),

		droppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ldclient_dropped_events_total",
			Help: "Total number of analytics events dropped because the event buffer was full.",
		}),
		lastBatchSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ldclient_events_in_last_batch",
			Help: "Number of events in the most recent published batch.",
		}),
		streamInitDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ldclient_stream_init_duration_seconds",
			Help:    "Time taken to open the flag stream.",
			Buckets: prometheus.DefBuckets,
		}, []string{"failed"}),
	}
	if reg != nil {
		for _, col := range []prometheus.Collector{c.droppedTotal, c.lastBatchSize, c.streamInitDur} {
			if err := reg.Register(col); err != nil {
				return nil, err
			}
		}
	}
	return c, nil
}

func keySuffix(key string) string {
	if len(key) <= 6 {
		return key
	}
	return key[len(key)-6:]
}

// ID returns the identity reported in every payload.
func (c *Cache) ID() ID {
	return c.id
}

func (c *Cache) IncrementDroppedEventCount() {
	c.mu.Lock()
	c.droppedEvents++
	c.mu.Unlock()
	c.droppedTotal.Inc()
}

func (c *Cache) RecordEventsInLastBatch(count int) {
	c.mu.Lock()
	c.eventsInLastBatch = count
	c.mu.Unlock()
	c.lastBatchSize.Set(float64(count))
}

func (c *Cache) AddStreamInit(init StreamInit) {
	c.mu.Lock()
	c.streamInits = append(c.streamInits, init)
	c.mu.Unlock()
	c.streamInitDur.WithLabelValues(strconv.FormatBool(init.Failed)).
		Observe(time.Duration(init.DurationMillis * int64(time.Millisecond)).Seconds())
}

// InitPayload returns the start-up payload.
func (c *Cache) InitPayload(now time.Time) Init {
	return Init{Kind: "diagnostic-init", ID: c.id, CreationDate: flags.ToUnixMillis(now)}
}

// CurrentStatsAndReset returns the accumulated stats and starts a new window
// at now.
func (c *Cache) CurrentStatsAndReset(now time.Time) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := Stats{
		Kind:              "diagnostic",
		ID:                c.id,
		CreationDate:      flags.ToUnixMillis(now),
		DataSinceDate:     flags.ToUnixMillis(c.dataSince),
		DroppedEvents:     c.droppedEvents,
		EventsInLastBatch: c.eventsInLastBatch,
		StreamInits:       c.streamInits,
	}
	if stats.StreamInits == nil {
		stats.StreamInits = []StreamInit{}
	}
	c.dataSince = now
	c.droppedEvents = 0
	c.eventsInLastBatch = 0
	c.streamInits = nil
	return stats
}

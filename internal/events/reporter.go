package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/launchdarkly/ios-client-sdk-sub001/flags"
	"github.com/launchdarkly/ios-client-sdk-sub001/internal/diagnostics"
	"github.com/launchdarkly/ios-client-sdk-sub001/internal/flaghttp"
	"github.com/launchdarkly/ios-client-sdk-sub001/lduser"
)

const (
	DefaultCapacity      = 100
	DefaultFlushInterval = 30 * time.Second
	DefaultRetryDelay    = time.Second
)

// ErrOffline is returned by Flush while the reporter is offline.
var ErrOffline = errors.New("events: reporter is offline")

// PublishError is a failed event publish. StatusCode is zero when no
// response was received.
type PublishError struct {
	StatusCode int
	Err        error
}

func (e *PublishError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("events: publish failed: %v", e.Err)
	}
	return fmt.Sprintf("events: publish failed with status %d", e.StatusCode)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Publisher sends an encoded batch to the events endpoint.
type Publisher interface {
	PublishEvents(ctx context.Context, body []byte, payloadID string) (*flaghttp.Response, error)
}

type ReporterConfig struct {
	Capacity      int
	FlushInterval time.Duration
	RetryDelay    time.Duration
	InlineUsers   bool
	Logger        *slog.Logger
}

// Reporter queues events and publishes them. Recording never blocks on a
// publish in flight.
type Reporter struct {
	cfg       ReporterConfig
	pub       Publisher
	diag      diagnostics.Recorder
	formatter Formatter
	log       *slog.Logger

	online atomic.Bool

	mu       sync.Mutex
	events   []Event
	tracker  *FlagRequestTracker
	lastResp *time.Time

	// flushMu serializes flushes.
	flushMu sync.Mutex

	loopMu   sync.Mutex
	stopLoop context.CancelFunc
	loopDone chan struct{}
}

// NewReporter returns an offline Reporter. diag may be nil.
func NewReporter(cfg ReporterConfig, pub Publisher, diag diagnostics.Recorder) *Reporter {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Reporter{
		cfg:       cfg,
		pub:       pub,
		diag:      diag,
		formatter: Formatter{InlineUsers: cfg.InlineUsers},
		log:       log.With(slog.String("worker", "events")),
		tracker:   NewFlagRequestTracker(time.Now()),
	}
}

func (r *Reporter) IsOnline() bool {
	return r.online.Load()
}

// SetOnline starts or stops the periodic flush.
func (r *Reporter) SetOnline(online bool) {
	r.loopMu.Lock()
	defer r.loopMu.Unlock()

	r.online.Store(online)
	r.log.Debug("set online", slog.Bool("online", online))
	if online {
		if r.stopLoop != nil {
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		r.stopLoop = cancel
		r.loopDone = make(chan struct{})
		go r.start(ctx, r.loopDone)
		return
	}
	if r.stopLoop != nil {
		r.stopLoop()
		<-r.loopDone
		r.stopLoop, r.loopDone = nil, nil
	}
}

func (r *Reporter) start(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := r.Flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.log.Warn("failed to send events", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Record queues e, or drops it when the queue is full.
func (r *Reporter) Record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recordLocked(e)
}

func (r *Reporter) recordLocked(e Event) {
	if len(r.events) >= r.cfg.Capacity {
		r.log.Debug("event queue full, dropping event", slog.String("kind", string(e.Kind)))
		if r.diag != nil {
			r.diag.IncrementDroppedEventCount()
		}
		return
	}
	r.events = append(r.events, e)
}

// RecordFlagEvaluationEvents counts one evaluation of key and queues the
// feature and debug events the flag asks for. flag is nil for unknown keys.
func (r *Reporter) RecordFlagEvaluationEvents(key string, value, defaultValue any, flag *flags.FeatureFlag, user lduser.User, includeReason bool) {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.tracker.TrackRequest(key, value, flag, defaultValue)
	if flag == nil {
		return
	}
	if flag.TrackEvents || (!includeReason && flag.TrackReason) {
		r.recordLocked(NewFeatureEvent(key, value, defaultValue, flag, user, includeReason, now))
	}
	if flag.ShouldCreateDebugEvents(r.lastResp, now) {
		r.recordLocked(NewDebugEvent(key, value, defaultValue, flag, user, includeReason, now))
	}
}

// LastEventResponseDate is the Date header of the last successful publish.
func (r *Reporter) LastEventResponseDate() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastResp == nil {
		return time.Time{}, false
	}
	return *r.lastResp, true
}

// Flush publishes everything queued plus a summary of the tracked
// evaluations. A failed publish is retried once; the batch is dropped after
// that and the last error returned.
func (r *Reporter) Flush(ctx context.Context) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	if !r.IsOnline() {
		r.log.Debug("flush skipped, reporter is offline")
		return ErrOffline
	}
	return r.send(ctx)
}

func (r *Reporter) send(ctx context.Context) error {
	now := time.Now()
	r.mu.Lock()
	batch := r.events
	r.events = nil
	if r.tracker.HasLoggedRequests() {
		batch = append(batch, newSummaryEvent(r.tracker.Summarize(now)))
	}
	r.tracker = NewFlagRequestTracker(now)
	r.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if r.diag != nil {
		r.diag.RecordEventsInLastBatch(len(batch))
	}

	body, err := r.formatter.Batch(batch)
	if err != nil {
		return fmt.Errorf("events: encode batch: %w", err)
	}
	payloadID := uuid.NewString()

	if err := r.deliver(ctx, body, payloadID); err != nil {
		r.log.Debug("dropping events", slog.Int("count", len(batch)), slog.String("payload_id", payloadID), "error", err)
		return err
	}
	return nil
}

// deliver publishes body, retrying once after RetryDelay when the first
// attempt may be retried. A canceled ctx ends delivery.
func (r *Reporter) deliver(ctx context.Context, body []byte, payloadID string) error {
	retry, err := r.publish(ctx, body, payloadID)
	if !retry {
		return err
	}
	r.log.Debug("retrying event publish", "error", err, slog.Duration("delay", r.cfg.RetryDelay))
	timer := time.NewTimer(r.cfg.RetryDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	_, err = r.publish(ctx, body, payloadID)
	return err
}

// publish sends one attempt and reports whether a failure may be retried.
func (r *Reporter) publish(ctx context.Context, body []byte, payloadID string) (bool, error) {
	resp, err := r.pub.PublishEvents(ctx, body, payloadID)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return true, &PublishError{Err: err}
	}
	if resp.IsSuccess() {
		if date, ok := resp.Date(); ok {
			r.mu.Lock()
			r.lastResp = &date
			r.mu.Unlock()
		}
		r.log.Debug("events sent", slog.String("payload_id", payloadID))
		return false, nil
	}
	perr := &PublishError{StatusCode: resp.StatusCode()}
	if !isRetriableStatus(resp.StatusCode()) {
		return false, perr
	}
	return true, perr
}

func isRetriableStatus(code int) bool {
	if code < 400 || code >= 500 {
		return true
	}
	switch code {
	case http.StatusBadRequest, http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return false
}

// Close stops the periodic flush and makes a final flush if online.
func (r *Reporter) Close(ctx context.Context) error {
	online := r.IsOnline()
	r.SetOnline(false)
	if !online {
		return nil
	}
	r.flushMu.Lock()
	defer r.flushMu.Unlock()
	return r.send(ctx)
}

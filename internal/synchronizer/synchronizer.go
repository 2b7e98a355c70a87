// Package synchronizer keeps the flag cache in step with the flag service,
// over a stream or by polling, and reports every update as a Result.
package synchronizer

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/launchdarkly/ios-client-sdk-sub001/flags"
	"github.com/launchdarkly/ios-client-sdk-sub001/internal/diagnostics"
	"github.com/launchdarkly/ios-client-sdk-sub001/internal/eventsource"
	"github.com/launchdarkly/ios-client-sdk-sub001/internal/flaghttp"
)

// DefaultPollingInterval is used when Config.PollingInterval is unset.
const DefaultPollingInterval = 5 * time.Minute

// reportRetryStatusCodes are the statuses after which a REPORT flag request
// is retried once as GET.
var reportRetryStatusCodes = map[int]bool{
	http.StatusBadRequest:       true,
	http.StatusMethodNotAllowed: true,
	http.StatusNotImplemented:   true,
}

// StreamingMode selects the connection type.
type StreamingMode int

const (
	Streaming StreamingMode = iota
	Polling
)

func (m StreamingMode) String() string {
	if m == Polling {
		return "polling"
	}
	return "streaming"
}

// Service is the transport the Synchronizer uses.
type Service interface {
	FetchFlags(ctx context.Context, useReport bool) (*flaghttp.Response, error)
	StreamRequest(useReport bool) (eventsource.Request, error)
	StreamHTTPClient() *http.Client
}

// Config configures a Synchronizer.
type Config struct {
	StreamingMode   StreamingMode
	PollingInterval time.Duration
	UseReport       bool
	Logger          *slog.Logger
	Diagnostics     diagnostics.Recorder

	StreamInitialBackoff time.Duration
	StreamMaxBackoff     time.Duration
	StreamReadTimeout    time.Duration

	// StreamStateChanged, if set, is told when the stream opens and closes.
	StreamStateChanged func(open bool)
}

// Synchronizer owns at most one live connection. Results are delivered to
// the sync callback from the connection's goroutine.
type Synchronizer struct {
	cfg    Config
	svc    Service
	onSync func(Result)
	log    *slog.Logger

	// opMu serializes SetOnline, including teardown of the old connection.
	opMu sync.Mutex

	mu          sync.Mutex
	online      bool
	generation  uint64
	ctx         context.Context
	cancel      context.CancelFunc
	stream      *eventsource.EventSource
	streamStart time.Time
	pollerDone  chan struct{}
}

// New returns an offline Synchronizer.
func New(cfg Config, svc Service, onSync func(Result)) *Synchronizer {
	if cfg.PollingInterval <= 0 {
		cfg.PollingInterval = DefaultPollingInterval
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if onSync == nil {
		onSync = func(Result) {}
	}
	return &Synchronizer{
		cfg:    cfg,
		svc:    svc,
		onSync: onSync,
		log: log.With(
			slog.String("worker", "synchronizer"),
			slog.String("mode", cfg.StreamingMode.String()),
		),
	}
}

func (s *Synchronizer) StreamingMode() StreamingMode    { return s.cfg.StreamingMode }
func (s *Synchronizer) PollingInterval() time.Duration { return s.cfg.PollingInterval }
func (s *Synchronizer) UseReport() bool                { return s.cfg.UseReport }

// IsOnline reports whether a connection is wanted.
func (s *Synchronizer) IsOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// SetOnline starts or tears down the connection. Going offline cancels any
// in-flight request, and results still in flight are discarded.
func (s *Synchronizer) SetOnline(online bool) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if online == s.online {
		s.mu.Unlock()
		return
	}
	s.online = online
	s.generation++

	if online {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		gen := s.generation
		s.mu.Unlock()
		s.log.Debug("going online")
		if s.cfg.StreamingMode == Streaming {
			s.startStream(gen)
		} else {
			s.startPolling(gen)
		}
		return
	}

	cancel, stream, pollerDone := s.cancel, s.stream, s.pollerDone
	s.cancel, s.stream, s.pollerDone = nil, nil, nil
	s.mu.Unlock()

	s.log.Debug("going offline")
	if cancel != nil {
		cancel()
	}
	if stream != nil {
		stream.Stop()
	}
	if pollerDone != nil {
		<-pollerDone
	}
}

// Close takes the Synchronizer offline.
func (s *Synchronizer) Close() {
	s.SetOnline(false)
}

func (s *Synchronizer) startStream(gen uint64) {
	req, err := s.svc.StreamRequest(s.cfg.UseReport)
	if err != nil {
		s.report(gen, Failure{Err: ErrRequest(err)})
		return
	}
	stream := eventsource.New(s, eventsource.Config{
		Request:        req,
		HTTPClient:     s.svc.StreamHTTPClient(),
		ErrorHandler:   s.handleConnectionError,
		Logger:         s.log,
		InitialBackoff: s.cfg.StreamInitialBackoff,
		MaxBackoff:     s.cfg.StreamMaxBackoff,
		ReadTimeout:    s.cfg.StreamReadTimeout,
	})

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.stream = stream
	s.streamStart = time.Now()
	s.mu.Unlock()
	stream.Start()
}

func (s *Synchronizer) startPolling(gen uint64) {
	s.mu.Lock()
	ctx := s.ctx
	done := make(chan struct{})
	s.pollerDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.cfg.PollingInterval)
		defer ticker.Stop()
		s.fetch(ctx, gen, UpdateNone)
		for {
			select {
			case <-ticker.C:
				s.fetch(ctx, gen, UpdateNone)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// fetch requests the flag set and reports the outcome. A REPORT that fails
// with a retry status is repeated once as GET, and only the second outcome
// is reported.
func (s *Synchronizer) fetch(ctx context.Context, gen uint64, eventType UpdateType) {
	resp, err := s.svc.FetchFlags(ctx, s.cfg.UseReport)
	if err == nil && s.cfg.UseReport && reportRetryStatusCodes[resp.StatusCode()] {
		s.log.Debug("REPORT flag request failed, retrying with GET", slog.Int("status", resp.StatusCode()))
		resp, err = s.svc.FetchFlags(ctx, false)
	}

	switch {
	case err != nil:
		if errors.Is(err, context.Canceled) {
			return
		}
		s.report(gen, Failure{Err: ErrRequest(err)})
	case resp.NotModified():
		s.report(gen, UpToDate{})
	case !resp.IsSuccess():
		s.report(gen, Failure{Err: ErrResponse(resp.StatusCode())})
	default:
		items, perr := flags.ParseStoredItems(resp.Body())
		if perr != nil {
			s.report(gen, Failure{Err: ErrData(resp.Body())})
			return
		}
		s.report(gen, FlagCollection{Items: items, EventType: eventType})
	}
}

// report delivers r unless the connection that produced it has been torn
// down since.
func (s *Synchronizer) report(gen uint64, r Result) {
	s.mu.Lock()
	current := s.online && gen == s.generation
	s.mu.Unlock()
	if !current {
		s.log.Debug("discarding stale result")
		return
	}
	s.deliver(r)
}

func (s *Synchronizer) deliver(r Result) {
	if f, ok := r.(Failure); ok {
		if f.Err.IsClientUnauthorized() {
			s.log.Error("unauthorized", "error", f.Err)
		} else {
			s.log.Warn("synchronization failed", "error", f.Err)
		}
	}
	s.onSync(r)
}

// streamGeneration returns the current generation, or reports why a stream
// callback must be dropped.
func (s *Synchronizer) streamGeneration() (uint64, context.Context, bool) {
	s.mu.Lock()
	online, gen, ctx := s.online, s.generation, s.ctx
	s.mu.Unlock()

	switch {
	case !online:
		s.deliver(Failure{Err: ErrIsOffline()})
		return 0, nil, false
	case s.cfg.StreamingMode == Polling:
		s.deliver(Failure{Err: ErrStreamEventWhilePolling()})
		return 0, nil, false
	}
	return gen, ctx, true
}

func (s *Synchronizer) OnOpened() {
	s.log.Debug("stream opened")
	s.mu.Lock()
	start := s.streamStart
	s.streamStart = time.Time{}
	s.mu.Unlock()
	s.recordStreamInit(start, false)
	if s.cfg.StreamStateChanged != nil {
		s.cfg.StreamStateChanged(true)
	}
}

func (s *Synchronizer) OnClosed() {
	s.log.Debug("stream closed")
	if s.cfg.StreamStateChanged != nil {
		s.cfg.StreamStateChanged(false)
	}
}

func (s *Synchronizer) OnComment(string) {}

func (s *Synchronizer) OnMessage(eventType string, event eventsource.MessageEvent) {
	gen, ctx, ok := s.streamGeneration()
	if !ok {
		return
	}
	data := []byte(event.Data)

	switch UpdateType(eventType) {
	case UpdatePing:
		s.fetch(ctx, gen, UpdatePing)
	case UpdatePut:
		items, err := flags.ParseStoredItems(data)
		if err != nil {
			s.report(gen, Failure{Err: ErrData(data)})
			return
		}
		s.report(gen, FlagCollection{Items: items, EventType: UpdatePut})
	case UpdatePatch:
		flag, err := flags.ParseFlag(data)
		if err != nil {
			s.report(gen, Failure{Err: ErrData(data)})
			return
		}
		s.report(gen, Patch{Flag: flag})
	case UpdateDelete:
		del, err := flags.ParseDelete(data)
		if err != nil {
			s.report(gen, Failure{Err: ErrData(data)})
			return
		}
		s.report(gen, Delete{DeleteResponse: del})
	default:
		s.report(gen, Failure{Err: ErrUnknownEventType(eventType)})
	}
}

func (s *Synchronizer) OnError(err error) {
	gen, _, ok := s.streamGeneration()
	if !ok {
		return
	}
	s.restartStreamTiming()
	s.report(gen, Failure{Err: ErrStream(err)})
}

// handleConnectionError shuts the stream down on a 4xx status the server
// will keep returning. Everything else is reconnected.
func (s *Synchronizer) handleConnectionError(err error) eventsource.Action {
	var unsuccessful *eventsource.UnsuccessfulResponseError
	if !errors.As(err, &unsuccessful) || !isUnrecoverableStatus(unsuccessful.StatusCode) {
		return eventsource.Proceed
	}
	gen, _, ok := s.streamGeneration()
	if !ok {
		return eventsource.Shutdown
	}
	s.restartStreamTiming()
	s.report(gen, Failure{Err: ErrStream(err)})
	return eventsource.Shutdown
}

func isUnrecoverableStatus(code int) bool {
	if code < 400 || code >= 500 {
		return false
	}
	switch code {
	case http.StatusBadRequest, http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return true
}

// restartStreamTiming records a failed attempt, if one was being timed, and
// starts timing the reconnect.
func (s *Synchronizer) restartStreamTiming() {
	s.mu.Lock()
	start := s.streamStart
	s.streamStart = time.Now()
	s.mu.Unlock()
	s.recordStreamInit(start, true)
}

func (s *Synchronizer) recordStreamInit(start time.Time, failed bool) {
	if s.cfg.Diagnostics == nil || start.IsZero() {
		return
	}
	s.cfg.Diagnostics.AddStreamInit(diagnostics.StreamInit{
		Timestamp:      flags.ToUnixMillis(start),
		DurationMillis: time.Since(start).Milliseconds(),
		Failed:         failed,
	})
}

// Package eventsource is a server-sent events client that keeps its
// connection open, reconnecting with backoff until it is stopped.
package eventsource

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// DefaultReadTimeout is how long the stream may stay silent before the
// connection is dropped and retried.
const DefaultReadTimeout = 5 * time.Minute

// ErrStreamClosed is reported when the server ends the stream.
var ErrStreamClosed = errors.New("eventsource: stream closed by server")

// errReadTimeout is reported when the stream goes silent for too long.
var errReadTimeout = errors.New("eventsource: read timeout")

// MessageEvent is one dispatched event.
type MessageEvent struct {
	Data        string
	LastEventID string
}

// Handler receives stream callbacks. All calls come from the stream
// goroutine, one at a time.
type Handler interface {
	OnOpened()
	OnClosed()
	OnMessage(eventType string, event MessageEvent)
	OnComment(comment string)
	OnError(err error)
}

// Action tells the EventSource what to do after a connection error.
type Action int

const (
	// Proceed reports the error to Handler.OnError and reconnects.
	Proceed Action = iota
	// Shutdown stops the EventSource without calling Handler.OnError.
	Shutdown
)

// ConnectionErrorHandler decides how a connection error is handled.
type ConnectionErrorHandler func(err error) Action

// UnsuccessfulResponseError is returned when the stream request gets a non-200
// status.
type UnsuccessfulResponseError struct {
	StatusCode int
}

func (e *UnsuccessfulResponseError) Error() string {
	return fmt.Sprintf("eventsource: unexpected status %d", e.StatusCode)
}

// Request describes the stream request.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Config configures an EventSource.
type Config struct {
	Request        Request
	HTTPClient     *http.Client
	ErrorHandler   ConnectionErrorHandler
	Logger         *slog.Logger
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	ReadTimeout    time.Duration
}

// EventSource owns one background connection loop.
type EventSource struct {
	cfg     Config
	handler Handler
	log     *slog.Logger
	backoff *backoff

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// New returns a stopped EventSource.
func New(handler Handler, cfg Config) *EventSource {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Request.Method == "" {
		cfg.Request.Method = http.MethodGet
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &EventSource{
		cfg:     cfg,
		handler: handler,
		log: log.With(
			slog.String("worker", "eventsource"),
			slog.String("stream", cfg.Request.URL),
		),
		backoff: newBackoff(cfg.InitialBackoff, cfg.MaxBackoff),
	}
}

// Start begins connecting. It has no effect if already started.
func (es *EventSource) Start() {
	es.mu.Lock()
	defer es.mu.Unlock()
	if es.started {
		return
	}
	es.started = true
	ctx, cancel := context.WithCancel(context.Background())
	es.cancel = cancel
	es.done = make(chan struct{})
	go es.run(ctx, es.done)
}

// Stop closes the connection and waits for the loop to exit. It must not be
// called from a Handler callback.
func (es *EventSource) Stop() {
	es.mu.Lock()
	cancel, done := es.cancel, es.done
	es.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (es *EventSource) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	es.log.Debug("connecting to stream")
	defer es.log.Debug("stopped")

	for {
		err := es.connect(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = ErrStreamClosed
		}
		if es.cfg.ErrorHandler != nil && es.cfg.ErrorHandler(err) == Shutdown {
			es.log.Warn("stream shut down", "error", err)
			return
		}
		es.log.Warn("stream failed, reconnecting", "error", err)
		es.handler.OnError(err)
		es.backoff.wait(ctx)
		if ctx.Err() != nil {
			return
		}
	}
}

// connect opens the stream and reads it until it fails.
func (es *EventSource) connect(ctx context.Context) error {
	connCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var body io.Reader = http.NoBody
	if len(es.cfg.Request.Body) > 0 {
		body = bytes.NewReader(es.cfg.Request.Body)
	}
	req, err := http.NewRequestWithContext(connCtx, es.cfg.Request.Method, es.cfg.Request.URL, body)
	if err != nil {
		return err
	}
	for k, v := range es.cfg.Request.Header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := es.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &UnsuccessfulResponseError{StatusCode: resp.StatusCode}
	}

	es.log.Info("connected")
	es.backoff.reset()
	es.handler.OnOpened()
	defer es.handler.OnClosed()

	idle := time.AfterFunc(es.cfg.ReadTimeout, func() { cancel(errReadTimeout) })
	defer idle.Stop()
	touch := func() { idle.Reset(es.cfg.ReadTimeout) }

	err = parseStream(bufio.NewReaderSize(resp.Body, 1<<16), es.handler, touch)
	if cause := context.Cause(connCtx); cause != nil && ctx.Err() == nil {
		return cause
	}
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

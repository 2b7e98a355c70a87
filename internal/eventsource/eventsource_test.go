package eventsource

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type message struct {
	eventType string
	data      string
}

type recordingHandler struct {
	mu       sync.Mutex
	calls    []string
	messages []message
	comments []string
	errs     []error
	messaged chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{messaged: make(chan struct{}, 100)}
}

func (h *recordingHandler) record(call string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, call)
}

func (h *recordingHandler) OnOpened() { h.record("opened") }
func (h *recordingHandler) OnClosed() { h.record("closed") }
func (h *recordingHandler) OnMessage(eventType string, event MessageEvent) {
	h.mu.Lock()
	h.calls = append(h.calls, "message")
	h.messages = append(h.messages, message{eventType, event.Data})
	h.mu.Unlock()
	h.messaged <- struct{}{}
}
func (h *recordingHandler) OnComment(comment string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.comments = append(h.comments, comment)
}
func (h *recordingHandler) OnError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, "error")
	h.errs = append(h.errs, err)
}

func (h *recordingHandler) snapshot() ([]string, []message, []error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...), append([]message(nil), h.messages...), append([]error(nil), h.errs...)
}

func TestParseStream(t *testing.T) {
	input := strings.Join([]string{
		": heartbeat",
		"event: put",
		`data: {"a":`,
		`data: 1}`,
		"",
		"event:patch",
		"id: 7",
		`data:{"key":"a"}`,
		"",
		"data: plain",
		"",
		"event: ping",
		"",
		"",
		"",
	}, "\n")
	h := newRecordingHandler()
	var touched int

	err := parseStream(bufio.NewReader(strings.NewReader(input)), h, func() { touched++ })

	assert.ErrorIs(t, err, io.EOF)
	_, messages, _ := h.snapshot()
	assert.Equal(t, []message{
		{"put", "{\"a\":\n1}"},
		{"patch", `{"key":"a"}`},
		{"message", "plain"},
		{"ping", ""},
	}, messages)
	assert.Equal(t, []string{"heartbeat"}, h.comments)
	assert.Equal(t, 14, touched)
}

func streamServer(t *testing.T, body string, hold bool) (*httptest.Server, *int32) {
	var connections int32
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&connections, 1)
		assert.Equal(t, "text/event-stream", req.Header.Get("Accept"))
		rw.Header().Set("Content-Type", "text/event-stream")
		rw.WriteHeader(http.StatusOK)
		_, err := io.WriteString(rw, body)
		assert.NoError(t, err)
		rw.(http.Flusher).Flush()
		if hold {
			<-req.Context().Done()
		}
	}))
	return server, &connections
}

func TestStreamDeliversEventsThenShutsDown(t *testing.T) {
	// Given
	server, _ := streamServer(t, "event: put\ndata: {}\n\nevent: delete\ndata: {\"key\":\"a\",\"version\":2}\n\n", false)
	defer server.Close()
	h := newRecordingHandler()
	var handled []error
	es := New(h, Config{
		Request: Request{URL: server.URL},
		ErrorHandler: func(err error) Action {
			handled = append(handled, err)
			return Shutdown
		},
	})

	// When
	es.Start()
	defer es.Stop()
	<-h.messaged
	<-h.messaged
	es.Stop()

	// Then
	calls, messages, errs := h.snapshot()
	assert.Equal(t, []string{"opened", "message", "message", "closed"}, calls)
	assert.Equal(t, "put", messages[0].eventType)
	assert.Equal(t, "delete", messages[1].eventType)
	assert.Empty(t, errs)
	require.Len(t, handled, 1)
	assert.ErrorIs(t, handled[0], ErrStreamClosed)
}

func TestUnsuccessfulResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		rw.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	h := newRecordingHandler()
	handled := make(chan error, 1)
	es := New(h, Config{
		Request: Request{URL: server.URL},
		ErrorHandler: func(err error) Action {
			handled <- err
			return Shutdown
		},
	})
	es.Start()
	defer es.Stop()

	select {
	case err := <-handled:
		var unsuccessful *UnsuccessfulResponseError
		require.True(t, errors.As(err, &unsuccessful))
		assert.Equal(t, http.StatusUnauthorized, unsuccessful.StatusCode)
	case <-time.After(2 * time.Second):
		require.Fail(t, "error handler never called")
	}
	es.Stop()
	calls, _, _ := h.snapshot()
	assert.Empty(t, calls)
}

func TestProceedReconnects(t *testing.T) {
	var connections int32
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		n := atomic.AddInt32(&connections, 1)
		if n == 1 {
			rw.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		rw.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(rw, "event: put\ndata: {}\n\n")
		rw.(http.Flusher).Flush()
		<-req.Context().Done()
	}))
	defer server.Close()

	h := newRecordingHandler()
	es := New(h, Config{
		Request:        Request{URL: server.URL},
		ErrorHandler:   func(error) Action { return Proceed },
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
	})
	es.Start()

	select {
	case <-h.messaged:
	case <-time.After(2 * time.Second):
		require.Fail(t, "never reconnected")
	}
	es.Stop()

	calls, _, errs := h.snapshot()
	require.Len(t, errs, 1)
	var unsuccessful *UnsuccessfulResponseError
	assert.True(t, errors.As(errs[0], &unsuccessful))
	assert.Equal(t, []string{"error", "opened", "message", "closed"}, calls)
	assert.Equal(t, int32(2), atomic.LoadInt32(&connections))
}

func TestStopEndsHeldConnection(t *testing.T) {
	server, connections := streamServer(t, ": hello\n\n", true)
	defer server.Close()

	h := newRecordingHandler()
	es := New(h, Config{Request: Request{URL: server.URL, Header: http.Header{"Authorization": {"api_key k"}}}})
	es.Start()
	require.Eventually(t, func() bool {
		calls, _, _ := h.snapshot()
		return len(calls) == 1
	}, 2*time.Second, 5*time.Millisecond)

	es.Stop()

	calls, _, errs := h.snapshot()
	assert.Equal(t, []string{"opened", "closed"}, calls)
	assert.Empty(t, errs)
	assert.Equal(t, int32(1), atomic.LoadInt32(connections))
}

func TestReadTimeoutReconnects(t *testing.T) {
	server, connections := streamServer(t, ": hello\n\n", true)
	defer server.Close()

	h := newRecordingHandler()
	es := New(h, Config{
		Request:        Request{URL: server.URL},
		ReadTimeout:    30 * time.Millisecond,
		InitialBackoff: 5 * time.Millisecond,
	})
	es.Start()
	defer es.Stop()

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(connections) >= 2
	}, 2*time.Second, 5*time.Millisecond)
	es.Stop()
	_, _, errs := h.snapshot()
	require.NotEmpty(t, errs)
	assert.ErrorIs(t, errs[0], errReadTimeout)
}

func TestBackoff(t *testing.T) {
	// Given
	b := newBackoff(100*time.Millisecond, time.Second)

	// When
	first := b.next()
	second := b.next()
	for i := 0; i < 10; i++ {
		b.next()
	}

	// Then
	assert.LessOrEqual(t, first, 100*time.Millisecond)
	assert.GreaterOrEqual(t, second, 100*time.Millisecond)
	assert.Equal(t, time.Second, b.current, "backoff should not exceed max")
	b.reset()
	assert.Equal(t, 100*time.Millisecond, b.current, "reset should return to initial backoff")
}

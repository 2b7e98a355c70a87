// Package fixtures is a fake flag service for client tests.
package fixtures

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

const MobileKey = "mob-test-key"

const BoolFlagKey = "bool-flag"
const StringFlagKey = "string-flag"
const IntFlagKey = "int-flag"
const FloatFlagKey = "float-flag"
const JSONFlagKey = "json-flag"

const FlagsJSON = `
{
	"bool-flag": {
		"value": true,
		"variation": 0,
		"version": 10,
		"flagVersion": 3,
		"trackEvents": true,
		"reason": {"kind": "FALLTHROUGH"}
	},
	"string-flag": {
		"value": "blue",
		"variation": 1,
		"version": 10,
		"flagVersion": 7
	},
	"int-flag": {
		"value": 3,
		"variation": 2,
		"version": 10
	},
	"float-flag": {
		"value": 2.5,
		"variation": 0,
		"version": 10
	},
	"json-flag": {
		"value": {"size": 4, "tags": ["a", "b"]},
		"variation": 0,
		"version": 10
	}
}
`

// UpdatedFlagsJSON differs from FlagsJSON in string-flag only.
const UpdatedFlagsJSON = `
{
	"bool-flag": {"value": true, "variation": 0, "version": 11, "flagVersion": 3, "trackEvents": true},
	"string-flag": {"value": "green", "variation": 2, "version": 11, "flagVersion": 8},
	"int-flag": {"value": 3, "variation": 2, "version": 11},
	"float-flag": {"value": 2.5, "variation": 0, "version": 11},
	"json-flag": {"value": {"size": 4, "tags": ["a", "b"]}, "variation": 0, "version": 11}
}
`

// Service serves flag, stream, event and diagnostic requests for MobileKey.
// Requests with any other key get a 401.
type Service struct {
	URL string

	mu                sync.Mutex
	userAgent         string
	flags             string
	flagRequests      int
	streamConnections int
	events            []map[string]any
	diagnostics       []map[string]any
	stream            chan string
}

// NewService starts a Service serving FlagsJSON. It is closed when the test
// ends.
func NewService(t testing.TB) *Service {
	s := &Service{flags: FlagsJSON, stream: make(chan string, 16)}
	server := httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(func() {
		server.CloseClientConnections()
		server.Close()
	})
	s.URL = server.URL
	return s
}

func (s *Service) handle(rw http.ResponseWriter, req *http.Request) {
	if req.Header.Get("Authorization") != "api_key "+MobileKey {
		rw.WriteHeader(http.StatusUnauthorized)
		return
	}
	s.mu.Lock()
	s.userAgent = req.Header.Get("User-Agent")
	s.mu.Unlock()
	switch {
	case strings.HasPrefix(req.URL.Path, "/msdk/evalx/"):
		s.handleFlags(rw)
	case strings.HasPrefix(req.URL.Path, "/meval"):
		s.handleStream(rw, req)
	case req.URL.Path == "/mobile/events/bulk":
		s.handleEvents(rw, req)
	case req.URL.Path == "/mobile/events/diagnostic":
		s.handleDiagnostic(rw, req)
	default:
		rw.WriteHeader(http.StatusNotFound)
	}
}

func (s *Service) handleFlags(rw http.ResponseWriter) {
	s.mu.Lock()
	s.flagRequests++
	body := s.flags
	s.mu.Unlock()

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(rw, body); err != nil {
		panic(err)
	}
}

func (s *Service) handleStream(rw http.ResponseWriter, req *http.Request) {
	s.mu.Lock()
	s.streamConnections++
	body := s.flags
	s.mu.Unlock()

	rw.Header().Set("Content-Type", "text/event-stream")
	rw.WriteHeader(http.StatusOK)
	writeEvent(rw, "put", compact(body))
	for {
		select {
		case msg := <-s.stream:
			_, _ = io.WriteString(rw, msg)
			rw.(http.Flusher).Flush()
		case <-req.Context().Done():
			return
		}
	}
}

func (s *Service) handleEvents(rw http.ResponseWriter, req *http.Request) {
	var batch []map[string]any
	if err := json.NewDecoder(req.Body).Decode(&batch); err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.events = append(s.events, batch...)
	s.mu.Unlock()
	rw.WriteHeader(http.StatusAccepted)
}

func (s *Service) handleDiagnostic(rw http.ResponseWriter, req *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.diagnostics = append(s.diagnostics, payload)
	s.mu.Unlock()
	rw.WriteHeader(http.StatusAccepted)
}

func writeEvent(rw http.ResponseWriter, event, data string) {
	_, _ = fmt.Fprintf(rw, "event: %s\ndata: %s\n\n", event, data)
	rw.(http.Flusher).Flush()
}

func compact(body string) string {
	var out strings.Builder
	for _, line := range strings.Split(body, "\n") {
		out.WriteString(strings.TrimSpace(line))
	}
	return out.String()
}

// SetFlags changes the body of later flag responses and stream puts.
func (s *Service) SetFlags(body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags = body
}

// Push sends a message to the open stream.
func (s *Service) Push(event, data string) {
	s.stream <- fmt.Sprintf("event: %s\ndata: %s\n\n", event, compact(data))
}

// UserAgent is the User-Agent header of the latest authorized request.
func (s *Service) UserAgent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userAgent
}

func (s *Service) FlagRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flagRequests
}

func (s *Service) StreamConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamConnections
}

// Events returns every event received so far, in order.
func (s *Service) Events() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.events...)
}

// EventsOfKind filters Events by the "kind" field.
func (s *Service) EventsOfKind(kind string) []map[string]any {
	var out []map[string]any
	for _, e := range s.Events() {
		if e["kind"] == kind {
			out = append(out, e)
		}
	}
	return out
}

func (s *Service) Diagnostics() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.diagnostics...)
}

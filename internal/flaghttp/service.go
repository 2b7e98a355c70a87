// Package flaghttp talks to the flag service over HTTP: flag requests, event
// and diagnostic publishing, and the stream request.
package flaghttp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/launchdarkly/ios-client-sdk-sub001/internal/eventsource"
	"github.com/launchdarkly/ios-client-sdk-sub001/lduser"
)

const (
	flagRequestPath       = "msdk/evalx/users/"
	reportRequestPath     = "msdk/evalx/user"
	streamRequestPath     = "meval"
	eventRequestPath      = "mobile/events/bulk"
	diagnosticRequestPath = "mobile/events/diagnostic"

	// MethodReport is the body-bearing verb used for flag requests.
	MethodReport = "REPORT"

	eventSchemaHeader  = "X-LaunchDarkly-Event-Schema"
	eventSchemaVersion = "3"
	payloadIDHeader    = "X-LaunchDarkly-Payload-ID"

	tracerName = "github.com/launchdarkly/ios-client-sdk-sub001/internal/flaghttp"
)

// Config configures a Service.
type Config struct {
	MobileKey         string
	BaseURL           string
	StreamURL         string
	EventsURL         string
	EvaluationReasons bool
	Timeout           time.Duration
	UserAgent         string
	Headers           map[string]string
	Logger            *slog.Logger
	// Client is used for every non-stream request when set.
	Client         *resty.Client
	TracerProvider trace.TracerProvider
}

// Service makes the requests of one client instance. It is safe for
// concurrent use.
type Service struct {
	cfg        Config
	client     *resty.Client
	streamHTTP *http.Client
	log        *slog.Logger
	tracer     trace.Tracer

	mu    sync.Mutex
	user  lduser.User
	etags map[string]string
}

// New returns a Service requesting flags for user.
func New(cfg Config, user lduser.User) *Service {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("worker", "flaghttp"))

	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	client := cfg.Client
	if client == nil {
		client = resty.New().SetTransport(otelhttp.NewTransport(
			http.DefaultTransport.(*http.Transport).Clone(),
			otelhttp.WithTracerProvider(tp),
		))
	}
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	client.SetLogger(restyLogger{logger: log})
	client.OnBeforeRequest(newRequestLogMiddleware(log))
	client.OnAfterResponse(newResponseLogMiddleware(log))

	return &Service{
		cfg:    cfg,
		client: client,
		streamHTTP: &http.Client{
			Transport: otelhttp.NewTransport(
				http.DefaultTransport.(*http.Transport).Clone(),
				otelhttp.WithTracerProvider(tp),
			),
		},
		log:    log,
		tracer: tp.Tracer(tracerName),
		user:   user,
		etags:  map[string]string{},
	}
}

// SetUser switches the user flags are requested for. Cached ETags are kept;
// call ClearFlagResponseCache when they belong to the previous user.
func (s *Service) SetUser(user lduser.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = user
}

// User returns the current user.
func (s *Service) User() lduser.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// ClearFlagResponseCache forgets every ETag.
func (s *Service) ClearFlagResponseCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.etags = map[string]string{}
}

// FetchFlags requests the full flag set. useReport selects REPORT with the
// user in the body; otherwise GET with the user in the path.
func (s *Service) FetchFlags(ctx context.Context, useReport bool) (*Response, error) {
	method, target, body, err := s.flagRequest(s.cfg.BaseURL, flagRequestPath, reportRequestPath, useReport)
	if err != nil {
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "flaghttp.FetchFlags",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.request.method", method)),
	)
	defer span.End()

	req := s.newRequest(ctx)
	if etag := s.etag(target); etag != "" {
		req.SetHeader("If-None-Match", etag)
	}
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	resp, err := req.Execute(method, target)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("flaghttp: fetch flags: %w", err)
	}
	out := newResponse(resp)
	span.SetAttributes(attribute.Int("http.response.status_code", out.StatusCode()))
	if out.IsSuccess() {
		if etag := out.Header().Get("ETag"); etag != "" {
			s.setETag(target, etag)
		}
	} else if !out.NotModified() {
		span.SetStatus(codes.Error, out.Status())
		s.clearETag(target)
	}
	return out, nil
}

// PublishEvents posts a serialized event batch.
func (s *Service) PublishEvents(ctx context.Context, body []byte, payloadID string) (*Response, error) {
	ctx, span := s.tracer.Start(ctx, "flaghttp.PublishEvents",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("payload.id", payloadID)),
	)
	defer span.End()

	resp, err := s.newRequest(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader(eventSchemaHeader, eventSchemaVersion).
		SetHeader(payloadIDHeader, payloadID).
		SetBody(body).
		Post(joinURL(s.cfg.EventsURL, eventRequestPath))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("flaghttp: publish events: %w", err)
	}
	out := newResponse(resp)
	span.SetAttributes(attribute.Int("http.response.status_code", out.StatusCode()))
	if !out.IsSuccess() {
		span.SetStatus(codes.Error, out.Status())
	}
	return out, nil
}

// PublishDiagnostic posts one diagnostic payload.
func (s *Service) PublishDiagnostic(ctx context.Context, payload any) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("flaghttp: encode diagnostic: %w", err)
	}
	ctx, span := s.tracer.Start(ctx, "flaghttp.PublishDiagnostic", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	resp, err := s.newRequest(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(joinURL(s.cfg.EventsURL, diagnosticRequestPath))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("flaghttp: publish diagnostic: %w", err)
	}
	return newResponse(resp), nil
}

// StreamRequest describes the stream connection for the current user.
func (s *Service) StreamRequest(useReport bool) (eventsource.Request, error) {
	method, target, body, err := s.flagRequest(s.cfg.StreamURL, streamRequestPath+"/", streamRequestPath, useReport)
	if err != nil {
		return eventsource.Request{}, err
	}
	header := http.Header{}
	for k, v := range s.headers() {
		header.Set(k, v)
	}
	if body != nil {
		header.Set("Content-Type", "application/json")
	}
	return eventsource.Request{Method: method, URL: target, Header: header, Body: body}, nil
}

// StreamHTTPClient is the client for stream connections. It has no overall
// timeout.
func (s *Service) StreamHTTPClient() *http.Client {
	return s.streamHTTP
}

func (s *Service) newRequest(ctx context.Context) *resty.Request {
	return s.client.R().SetContext(ctx).SetHeaders(s.headers())
}

func (s *Service) headers() map[string]string {
	h := make(map[string]string, len(s.cfg.Headers)+2)
	for k, v := range s.cfg.Headers {
		h[k] = v
	}
	h["Authorization"] = "api_key " + s.cfg.MobileKey
	if s.cfg.UserAgent != "" {
		h["User-Agent"] = s.cfg.UserAgent
	}
	return h
}

// flagRequest builds the method, URL and body shared by flag and stream
// requests.
func (s *Service) flagRequest(base, getPath, reportPath string, useReport bool) (string, string, []byte, error) {
	user := s.User()
	if useReport {
		body, err := user.JSON()
		if err != nil {
			return "", "", nil, fmt.Errorf("flaghttp: encode user: %w", err)
		}
		return MethodReport, s.withReasons(joinURL(base, reportPath)), body, nil
	}
	encoded, err := user.Base64URL()
	if err != nil {
		return "", "", nil, fmt.Errorf("flaghttp: encode user: %w", err)
	}
	return http.MethodGet, s.withReasons(joinURL(base, getPath+encoded)), nil, nil
}

func (s *Service) withReasons(target string) string {
	if !s.cfg.EvaluationReasons {
		return target
	}
	return target + "?" + url.Values{"withReasons": {"true"}}.Encode()
}

func (s *Service) etag(target string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.etags[target]
}

func (s *Service) setETag(target, etag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.etags[target] = etag
}

func (s *Service) clearETag(target string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.etags, target)
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + path
}

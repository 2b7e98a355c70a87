package ldclient

import (
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/launchdarkly/ios-client-sdk-sub001/internal/events"
	"github.com/launchdarkly/ios-client-sdk-sub001/internal/synchronizer"
	"github.com/launchdarkly/ios-client-sdk-sub001/internal/throttle"
)

const (
	DefaultBaseURL   = "https://app.launchdarkly.com"
	DefaultStreamURL = "https://clientstream.launchdarkly.com"
	DefaultEventsURL = "https://mobile.launchdarkly.com"

	// Number of seconds to wait for a request to
	// complete before terminating the request.
	DefaultTimeout = 10 * time.Second

	DefaultEventCapacity      = events.DefaultCapacity
	DefaultEventFlushInterval = events.DefaultFlushInterval
	DefaultPollingInterval    = synchronizer.DefaultPollingInterval
	DefaultMaxThrottleDelay   = throttle.DefaultMaxDelay

	DefaultDiagnosticRecordingInterval = 15 * time.Minute
	// MinPollingInterval is the shortest interval WithPollingInterval accepts.
	MinPollingInterval = 30 * time.Second
)

type config struct {
	baseURL   string
	streamURL string
	eventsURL string
	timeout   time.Duration
	headers   map[string]string

	startOnline       bool
	streaming         bool
	pollingInterval   time.Duration
	useReport         bool
	evaluationReasons bool

	eventCapacity      int
	eventFlushInterval time.Duration
	inlineUsers        bool

	throttlingDisabled bool
	maxThrottleDelay   time.Duration

	streamInitialBackoff time.Duration
	streamMaxBackoff     time.Duration

	diagnosticOptOut            bool
	diagnosticRecordingInterval time.Duration
	registerer                  prometheus.Registerer

	logger         *slog.Logger
	restyClient    *resty.Client
	tracerProvider trace.TracerProvider
	bootstrap      Bootstrap
}

func defaultConfig() config {
	return config{
		baseURL:                     DefaultBaseURL,
		streamURL:                   DefaultStreamURL,
		eventsURL:                   DefaultEventsURL,
		timeout:                     DefaultTimeout,
		startOnline:                 true,
		streaming:                   true,
		pollingInterval:             DefaultPollingInterval,
		eventCapacity:               DefaultEventCapacity,
		eventFlushInterval:          DefaultEventFlushInterval,
		maxThrottleDelay:            DefaultMaxThrottleDelay,
		diagnosticRecordingInterval: DefaultDiagnosticRecordingInterval,
	}
}

func (c config) streamingMode() synchronizer.StreamingMode {
	if c.streaming {
		return synchronizer.Streaming
	}
	return synchronizer.Polling
}

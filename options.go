package ldclient

import (
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

type Option func(c *Client)

var _ = []Option{
	WithBaseURL(""),
	WithStreamURL(""),
	WithEventsURL(""),
	WithRequestTimeout(0),
	WithPolling(),
	WithStreaming(),
	WithPollingInterval(0),
	WithReport(),
	WithEvaluationReasons(),
	WithEventCapacity(0),
	WithEventFlushInterval(0),
	WithInlineUsers(),
	WithOffline(),
	WithThrottlingDisabled(),
	WithMaxThrottleDelay(0),
	WithStreamBackoff(0, 0),
	WithDiagnosticOptOut(),
	WithDiagnosticRecordingInterval(0),
	WithCustomHeaders(nil),
}

func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.config.baseURL = url
	}
}

func WithStreamURL(url string) Option {
	return func(c *Client) {
		c.config.streamURL = url
	}
}

func WithEventsURL(url string) Option {
	return func(c *Client) {
		c.config.eventsURL = url
	}
}

func WithRequestTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.config.timeout = timeout
	}
}

// WithPolling fetches flags on an interval instead of streaming them.
func WithPolling() Option {
	return func(c *Client) {
		c.config.streaming = false
	}
}

func WithStreaming() Option {
	return func(c *Client) {
		c.config.streaming = true
	}
}

// WithPollingInterval sets the polling interval. Intervals shorter than
// MinPollingInterval are raised to it.
func WithPollingInterval(interval time.Duration) Option {
	return func(c *Client) {
		if interval < MinPollingInterval {
			interval = MinPollingInterval
		}
		c.config.pollingInterval = interval
	}
}

// WithReport sends the user in a REPORT body instead of the URL path.
func WithReport() Option {
	return func(c *Client) {
		c.config.useReport = true
	}
}

func WithEvaluationReasons() Option {
	return func(c *Client) {
		c.config.evaluationReasons = true
	}
}

func WithEventCapacity(capacity int) Option {
	return func(c *Client) {
		c.config.eventCapacity = capacity
	}
}

func WithEventFlushInterval(interval time.Duration) Option {
	return func(c *Client) {
		c.config.eventFlushInterval = interval
	}
}

// WithInlineUsers sends full users in feature and custom events.
func WithInlineUsers() Option {
	return func(c *Client) {
		c.config.inlineUsers = true
	}
}

// WithOffline starts the client offline. Call SetOnline to connect.
func WithOffline() Option {
	return func(c *Client) {
		c.config.startOnline = false
	}
}

func WithThrottlingDisabled() Option {
	return func(c *Client) {
		c.config.throttlingDisabled = true
	}
}

func WithMaxThrottleDelay(d time.Duration) Option {
	return func(c *Client) {
		c.config.maxThrottleDelay = d
	}
}

// WithStreamBackoff sets the reconnect delay bounds of the stream.
func WithStreamBackoff(initial, max time.Duration) Option {
	return func(c *Client) {
		c.config.streamInitialBackoff = initial
		c.config.streamMaxBackoff = max
	}
}

func WithDiagnosticOptOut() Option {
	return func(c *Client) {
		c.config.diagnosticOptOut = true
	}
}

func WithDiagnosticRecordingInterval(interval time.Duration) Option {
	return func(c *Client) {
		c.config.diagnosticRecordingInterval = interval
	}
}

// WithPrometheusRegisterer registers the client's diagnostic collectors.
func WithPrometheusRegisterer(reg prometheus.Registerer) Option {
	return func(c *Client) {
		c.config.registerer = reg
	}
}

func WithCustomHeaders(headers map[string]string) Option {
	return func(c *Client) {
		c.config.headers = headers
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.config.logger = logger
	}
}

// WithRestyClient uses client for flag and event requests.
func WithRestyClient(client *resty.Client) Option {
	return func(c *Client) {
		c.config.restyClient = client
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		c.config.tracerProvider = tp
	}
}

// WithBootstrap seeds the flag store before the first sync.
func WithBootstrap(b Bootstrap) Option {
	return func(c *Client) {
		c.config.bootstrap = b
	}
}

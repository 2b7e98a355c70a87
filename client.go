// Package ldclient is a feature flag client for one end user. It keeps a
// local copy of the user's evaluated flags in step with the flag service,
// tells observers when flag values change, and reports analytics events.
package ldclient

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/launchdarkly/ios-client-sdk-sub001/connection"
	"github.com/launchdarkly/ios-client-sdk-sub001/flags"
	"github.com/launchdarkly/ios-client-sdk-sub001/internal/diagnostics"
	"github.com/launchdarkly/ios-client-sdk-sub001/internal/events"
	"github.com/launchdarkly/ios-client-sdk-sub001/internal/flaghttp"
	"github.com/launchdarkly/ios-client-sdk-sub001/internal/notifier"
	"github.com/launchdarkly/ios-client-sdk-sub001/internal/serial"
	"github.com/launchdarkly/ios-client-sdk-sub001/internal/shedding"
	"github.com/launchdarkly/ios-client-sdk-sub001/internal/store"
	"github.com/launchdarkly/ios-client-sdk-sub001/internal/synchronizer"
	"github.com/launchdarkly/ios-client-sdk-sub001/internal/throttle"
	"github.com/launchdarkly/ios-client-sdk-sub001/lduser"
)

// Owner scopes observer registrations; see NewOwner.
type Owner = notifier.Owner

// ChangedFlag describes a flag whose value changed.
type ChangedFlag = notifier.ChangedFlag

// IdentifyOutcome is how an Identify call finished.
type IdentifyOutcome = shedding.Outcome

const (
	IdentifyComplete = shedding.Complete
	IdentifyError    = shedding.Error
	IdentifyShed     = shedding.Shed
)

// NewOwner returns a token for registering observers. Releasing it, or
// passing it to StopObserving, ends every registration made with it.
func NewOwner() *Owner {
	return notifier.NewOwner()
}

// Client provides flag values for the current user.
type Client struct {
	mobileKey string
	config    config
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	service       *flaghttp.Service
	store         *store.FlagStore
	notifier      *notifier.Notifier
	reporter      *events.Reporter
	synchronizer  *synchronizer.Synchronizer
	throttler     *throttle.Throttler
	identifyQueue *shedding.Queue
	diagnostics   *diagnostics.Cache

	// applier applies sync results and identify resets in order.
	applier *serial.Executor

	// opMu serializes connection changes.
	opMu sync.Mutex

	mu       sync.Mutex
	online   bool
	user     lduser.User
	connInfo connection.Information

	diagInit    sync.Once
	diagLoopEnd chan struct{}
}

// New returns a client for user. Unless WithOffline is given, the client
// goes online immediately.
func New(mobileKey string, user lduser.User, options ...Option) (*Client, error) {
	if mobileKey == "" {
		return nil, ClientError{msg: "ldclient: mobile key must not be empty"}
	}
	if user.Key == "" {
		return nil, ClientError{msg: "ldclient: user key must not be empty"}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		mobileKey: mobileKey,
		config:    defaultConfig(),
		ctx:       ctx,
		cancel:    cancel,
		user:      user,
		connInfo:  connection.New(),
	}
	for _, opt := range options {
		opt(c)
	}

	c.log = c.config.logger
	if c.log == nil {
		c.log = slog.Default()
	}
	c.log = c.log.With(slog.String("mobile_key_suffix", suffix(mobileKey)))

	if !c.config.diagnosticOptOut {
		cache, err := diagnostics.NewCache(mobileKey, c.config.registerer)
		if err != nil {
			cancel()
			return nil, err
		}
		c.diagnostics = cache
	}

	c.service = flaghttp.New(flaghttp.Config{
		MobileKey:         mobileKey,
		BaseURL:           c.config.baseURL,
		StreamURL:         c.config.streamURL,
		EventsURL:         c.config.eventsURL,
		EvaluationReasons: c.config.evaluationReasons,
		Timeout:           c.config.timeout,
		UserAgent:         getUserAgent(),
		Headers:           c.config.headers,
		Logger:            c.log,
		Client:            c.config.restyClient,
		TracerProvider:    c.config.tracerProvider,
	}, user)

	var initial flags.StoredItems
	if c.config.bootstrap != nil {
		initial = c.config.bootstrap.StoredItems()
	}
	c.store = store.New(initial, c.log)
	c.notifier = notifier.New(c.log)
	c.applier = serial.New()
	c.identifyQueue = shedding.New(c.log)

	c.reporter = events.NewReporter(events.ReporterConfig{
		Capacity:      c.config.eventCapacity,
		FlushInterval: c.config.eventFlushInterval,
		InlineUsers:   c.config.inlineUsers,
		Logger:        c.log,
	}, c.service, c.recorder())

	c.synchronizer = synchronizer.New(synchronizer.Config{
		StreamingMode:        c.config.streamingMode(),
		PollingInterval:      c.config.pollingInterval,
		UseReport:            c.config.useReport,
		Logger:               c.log,
		Diagnostics:          c.recorder(),
		StreamInitialBackoff: c.config.streamInitialBackoff,
		StreamMaxBackoff:     c.config.streamMaxBackoff,
		StreamStateChanged:   c.onStreamStateChanged,
	}, c.service, c.onSyncResult)

	throttleOpts := []throttle.Option{
		throttle.WithMaxDelay(c.config.maxThrottleDelay),
		throttle.WithLogger(c.log),
	}
	if c.config.throttlingDisabled {
		throttleOpts = append(throttleOpts, throttle.WithThrottlingDisabled())
	}
	c.throttler = throttle.New(throttleOpts...)

	c.reporter.Record(events.NewIdentifyEvent(user, time.Now()))

	if c.diagnostics != nil {
		c.diagLoopEnd = make(chan struct{})
		go c.runDiagnostics()
	}

	if c.config.startOnline {
		c.SetOnline(true)
	}
	return c, nil
}

func suffix(key string) string {
	if len(key) <= 6 {
		return key
	}
	return key[len(key)-6:]
}

// recorder keeps a nil cache from becoming a non-nil interface.
func (c *Client) recorder() diagnostics.Recorder {
	if c.diagnostics == nil {
		return nil
	}
	return c.diagnostics
}

// IsOnline reports whether the client wants a connection.
func (c *Client) IsOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// SetOnline connects or disconnects. Going offline is immediate. Repeated
// attempts to go online are throttled with an increasing delay.
func (c *Client) SetOnline(online bool) {
	if !online {
		c.throttler.CancelThrottledRun()
		c.setOnline(false)
		return
	}
	c.throttler.RunThrottled(func() { c.setOnline(true) })
}

func (c *Client) setOnline(online bool) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.online == online {
		c.mu.Unlock()
		return
	}
	c.online = online
	prev := c.connInfo.CurrentConnectionMode
	if online {
		c.connInfo.GoOnline(c.config.streaming, true)
	} else {
		c.connInfo.GoOffline()
	}
	mode := c.connInfo.CurrentConnectionMode
	c.mu.Unlock()

	c.log.Info("connection changed", slog.Bool("online", online), slog.String("mode", string(mode)))
	c.synchronizer.SetOnline(online)
	c.reporter.SetOnline(online)
	if online && c.diagnostics != nil {
		c.diagInit.Do(func() { go c.publishDiagnostic(c.diagnostics.InitPayload(time.Now())) })
	}
	if mode != prev {
		c.notifier.NotifyConnectionModeChanged(mode)
	}
}

func (c *Client) onSyncResult(r synchronizer.Result) {
	c.applier.Submit(func() { c.applyResult(r) })
}

func (c *Client) applyResult(r synchronizer.Result) {
	switch r := r.(type) {
	case synchronizer.FlagCollection:
		c.mutateStore(func() { c.store.ReplaceStore(r.Items) })
		c.pollSucceeded()
	case synchronizer.Patch:
		c.mutateStore(func() { c.store.Update(r.Flag) })
	case synchronizer.Delete:
		c.mutateStore(func() { c.store.Delete(r.Key, r.Version) })
	case synchronizer.UpToDate:
		c.notifier.NotifyUnchanged()
		c.pollSucceeded()
	case synchronizer.Failure:
		c.handleFailure(r.Err)
	}
}

// mutateStore runs mutate between two snapshots and notifies observers of
// the difference. It must run on the applier.
func (c *Client) mutateStore(mutate func()) {
	before := c.store.StoredItems()
	mutate()
	after := c.store.StoredItems()
	c.notifier.NotifyObservers(before, after)
}

func (c *Client) pollSucceeded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connInfo.PollSucceeded(time.Now())
}

func (c *Client) handleFailure(err *synchronizer.Error) {
	if reason, ok := err.FailureReason(); ok {
		c.mu.Lock()
		c.connInfo.RecordFailure(reason, time.Now())
		c.mu.Unlock()
	}
	c.notifier.NotifyError(err)
	if err.IsClientUnauthorized() {
		c.log.Error("mobile key was rejected, going offline", "error", err)
		c.throttler.CancelThrottledRun()
		c.setOnline(false)
	}
}

func (c *Client) onStreamStateChanged(open bool) {
	c.applier.Submit(func() {
		c.mu.Lock()
		prev := c.connInfo.CurrentConnectionMode
		if open {
			c.connInfo.StreamOpened()
		} else {
			c.connInfo.StreamClosed(time.Now())
		}
		mode := c.connInfo.CurrentConnectionMode
		c.mu.Unlock()
		if mode != prev {
			c.notifier.NotifyConnectionModeChanged(mode)
		}
	})
}

// ConnectionInformation returns a copy of the current connection state.
func (c *Client) ConnectionInformation() connection.Information {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connInfo
}

// User returns the current user.
func (c *Client) User() lduser.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

// Identify switches to user. Identify calls made while one is running
// collapse to the latest; superseded calls complete with IdentifyShed.
// completion may be nil.
func (c *Client) Identify(user lduser.User, completion func(IdentifyOutcome, error)) {
	c.identifyQueue.Enqueue(shedding.NewTask(func() error {
		return c.identify(user)
	}, completion))
}

func (c *Client) identify(user lduser.User) error {
	if user.Key == "" {
		return ClientError{msg: "ldclient: user key must not be empty"}
	}
	c.log.Debug("identify", slog.String("user", user.Key))

	c.opMu.Lock()
	c.synchronizer.SetOnline(false)
	c.service.SetUser(user)
	c.service.ClearFlagResponseCache()
	c.mu.Lock()
	c.user = user
	c.mu.Unlock()
	c.opMu.Unlock()

	// Flags of the previous user must not be served to the new one.
	c.applier.Submit(func() {
		c.mutateStore(func() { c.store.ReplaceStore(nil) })
	})
	c.applier.Wait()

	c.reporter.Record(events.NewIdentifyEvent(user, time.Now()))

	c.opMu.Lock()
	defer c.opMu.Unlock()
	if c.IsOnline() {
		c.synchronizer.SetOnline(true)
	}
	return nil
}

// EvaluationDetail is a flag value with the metadata it was evaluated with.
type EvaluationDetail struct {
	Value          any
	VariationIndex *int
	Reason         map[string]any
}

func (c *Client) evaluate(key string, defaultValue any, includeReason bool, accept func(any) (any, bool)) (any, *flags.FeatureFlag) {
	value := defaultValue
	flag, ok := c.store.FeatureFlag(key)
	var fp *flags.FeatureFlag
	if ok {
		fp = &flag
		if v, ok := accept(flag.Value); ok {
			value = v
		}
	}
	c.reporter.RecordFlagEvaluationEvents(key, value, defaultValue, fp, c.User(), includeReason)
	return value, fp
}

func acceptAny(v any) (any, bool) {
	return v, v != nil
}

// Variation returns the value of flag key, or defaultValue if the flag is
// unknown or has no value.
func (c *Client) Variation(key string, defaultValue any) any {
	value, _ := c.evaluate(key, defaultValue, false, acceptAny)
	return value
}

// VariationDetail is Variation with the evaluation reason.
func (c *Client) VariationDetail(key string, defaultValue any) EvaluationDetail {
	value, flag := c.evaluate(key, defaultValue, true, acceptAny)
	detail := EvaluationDetail{Value: value}
	if flag != nil {
		detail.VariationIndex = flag.Variation
		detail.Reason = flag.Reason
	}
	return detail
}

func (c *Client) BoolVariation(key string, defaultValue bool) bool {
	value, _ := c.evaluate(key, defaultValue, false, func(v any) (any, bool) {
		b, ok := v.(bool)
		return b, ok
	})
	return value.(bool)
}

func (c *Client) StringVariation(key string, defaultValue string) string {
	value, _ := c.evaluate(key, defaultValue, false, func(v any) (any, bool) {
		s, ok := v.(string)
		return s, ok
	})
	return value.(string)
}

// IntVariation truncates numeric flag values.
func (c *Client) IntVariation(key string, defaultValue int) int {
	value, _ := c.evaluate(key, defaultValue, false, func(v any) (any, bool) {
		f, ok := v.(float64)
		return int(f), ok
	})
	return value.(int)
}

func (c *Client) Float64Variation(key string, defaultValue float64) float64 {
	value, _ := c.evaluate(key, defaultValue, false, func(v any) (any, bool) {
		f, ok := v.(float64)
		return f, ok
	})
	return value.(float64)
}

// JSONVariation returns the flag value encoded as JSON.
func (c *Client) JSONVariation(key string, defaultValue json.RawMessage) json.RawMessage {
	value, _ := c.evaluate(key, defaultValue, false, func(v any) (any, bool) {
		if v == nil {
			return nil, false
		}
		b, err := json.Marshal(v)
		return json.RawMessage(b), err == nil
	})
	return value.(json.RawMessage)
}

// AllFlags returns the value of every known flag.
func (c *Client) AllFlags() map[string]any {
	all := c.store.FeatureFlags()
	out := make(map[string]any, len(all))
	for key, flag := range all {
		if flag.Value != nil {
			out[key] = flag.Value
		}
	}
	return out
}

// Track records a custom event. data must be JSON encodable.
func (c *Client) Track(key string, data any, metricValue *float64) error {
	e, err := events.NewCustomEvent(key, c.User(), data, metricValue, time.Now())
	if err != nil {
		return err
	}
	c.reporter.Record(e)
	return nil
}

// Alias links newUser to oldUser in analytics.
func (c *Client) Alias(newUser, oldUser lduser.User) {
	c.reporter.Record(events.NewAliasEvent(newUser, oldUser, time.Now()))
}

// Flush publishes queued events now.
func (c *Client) Flush(ctx context.Context) error {
	return c.reporter.Flush(ctx)
}

// Observe calls fn whenever the value of flag key changes.
func (c *Client) Observe(owner *Owner, key string, fn func(ChangedFlag)) {
	c.notifier.ObserveKey(owner, key, fn)
}

// ObserveKeys calls fn with the changes among keys.
func (c *Client) ObserveKeys(owner *Owner, keys []string, fn func(map[string]ChangedFlag)) {
	c.notifier.ObserveKeys(owner, keys, fn)
}

// ObserveAll calls fn with every change.
func (c *Client) ObserveAll(owner *Owner, fn func(map[string]ChangedFlag)) {
	c.notifier.ObserveAll(owner, fn)
}

// ObserveFlagsUnchanged calls fn when a sync changes no flag values.
func (c *Client) ObserveFlagsUnchanged(owner *Owner, fn func()) {
	c.notifier.ObserveUnchanged(owner, fn)
}

func (c *Client) ObserveConnectionModeChanged(owner *Owner, fn func(connection.Mode)) {
	c.notifier.ObserveConnectionMode(owner, fn)
}

// ObserveErrors calls fn with every error the connection to the flag service
// reports. The error is a *SyncError.
func (c *Client) ObserveErrors(owner *Owner, fn func(error)) {
	c.notifier.ObserveErrors(owner, fn)
}

// StopObserving removes every observer registered with owner.
func (c *Client) StopObserving(owner *Owner) {
	c.notifier.RemoveObserver(owner)
}

func (c *Client) runDiagnostics() {
	defer close(c.diagLoopEnd)
	interval := c.config.diagnosticRecordingInterval
	if interval <= 0 {
		interval = DefaultDiagnosticRecordingInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !c.IsOnline() {
				continue
			}
			c.publishDiagnostic(c.diagnostics.CurrentStatsAndReset(time.Now()))
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) publishDiagnostic(payload any) {
	resp, err := c.service.PublishDiagnostic(c.ctx, payload)
	switch {
	case err != nil:
		c.log.Debug("failed to send diagnostic event", "error", err)
	case !resp.IsSuccess():
		c.log.Debug("failed to send diagnostic event", slog.Int("status", resp.StatusCode()))
	}
}

// Close flushes queued events and releases the client's goroutines.
func (c *Client) Close() error {
	c.throttler.Close()
	ctx, cancel := context.WithTimeout(context.Background(), c.config.timeout)
	defer cancel()
	err := c.reporter.Close(ctx)

	c.setOnline(false)
	c.synchronizer.Close()
	c.cancel()
	if c.diagLoopEnd != nil {
		<-c.diagLoopEnd
	}
	c.applier.Close()
	c.notifier.Close()
	return err
}

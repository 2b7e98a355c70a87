package ldclient_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ldclient "github.com/launchdarkly/ios-client-sdk-sub001"
	"github.com/launchdarkly/ios-client-sdk-sub001/connection"
	"github.com/launchdarkly/ios-client-sdk-sub001/fixtures"
	"github.com/launchdarkly/ios-client-sdk-sub001/lduser"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func newClient(t *testing.T, svc *fixtures.Service, opts ...ldclient.Option) *ldclient.Client {
	return newClientWithKey(t, fixtures.MobileKey, svc, opts...)
}

func newClientWithKey(t *testing.T, key string, svc *fixtures.Service, opts ...ldclient.Option) *ldclient.Client {
	t.Helper()
	base := []ldclient.Option{
		ldclient.WithBaseURL(svc.URL),
		ldclient.WithStreamURL(svc.URL),
		ldclient.WithEventsURL(svc.URL),
		ldclient.WithDiagnosticOptOut(),
		ldclient.WithEventFlushInterval(time.Hour),
	}
	client, err := ldclient.New(key, lduser.New("user-1"), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func waitForFlags(t *testing.T, client *ldclient.Client) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(client.AllFlags()) == 5
	}, waitFor, tick)
}

// receive returns the first value on ch accepted by match.
func receive[T any](t *testing.T, ch <-chan T, match func(T) bool) T {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case v := <-ch:
			if match(v) {
				return v
			}
		case <-deadline:
			require.FailNow(t, "timed out waiting for notification")
		}
	}
}

func TestNewRejectsMissingKeys(t *testing.T) {
	// When
	_, errKey := ldclient.New("", lduser.New("user-1"))
	_, errUser := ldclient.New(fixtures.MobileKey, lduser.New(""))

	// Then
	assert.Error(t, errKey)
	assert.Error(t, errUser)
}

func TestPollingClientServesFlags(t *testing.T) {
	// Given
	svc := fixtures.NewService(t)

	// When
	client := newClient(t, svc, ldclient.WithPolling())
	waitForFlags(t, client)

	// Then
	assert.True(t, client.BoolVariation(fixtures.BoolFlagKey, false))
	assert.Equal(t, "blue", client.StringVariation(fixtures.StringFlagKey, "none"))
	assert.Equal(t, 3, client.IntVariation(fixtures.IntFlagKey, 0))
	assert.Equal(t, 2.5, client.Float64Variation(fixtures.FloatFlagKey, 0))
	assert.JSONEq(t, `{"size":4,"tags":["a","b"]}`, string(client.JSONVariation(fixtures.JSONFlagKey, nil)))
	assert.Equal(t, "blue", client.Variation(fixtures.StringFlagKey, "none"))

	info := client.ConnectionInformation()
	assert.Equal(t, connection.ModePolling, info.CurrentConnectionMode)
	assert.NotNil(t, info.LastKnownFlagValidity)
	assert.True(t, info.LastConnectionFailureReason.IsNone())
	assert.Equal(t, 0, svc.StreamConnections())
	assert.GreaterOrEqual(t, svc.FlagRequests(), 1)
	assert.Equal(t, ldclient.GetUserAgentForTest(), svc.UserAgent())
}

func TestVariationDefaults(t *testing.T) {
	// Given
	svc := fixtures.NewService(t)
	client := newClient(t, svc, ldclient.WithPolling())
	waitForFlags(t, client)

	// Then unknown flags and mismatched types fall back to the default
	assert.True(t, client.BoolVariation("missing", true))
	assert.False(t, client.BoolVariation(fixtures.StringFlagKey, false))
	assert.Equal(t, "none", client.StringVariation(fixtures.BoolFlagKey, "none"))
	assert.Equal(t, 9, client.IntVariation(fixtures.StringFlagKey, 9))
	assert.Equal(t, 1.5, client.Float64Variation("missing", 1.5))
	assert.Equal(t, json.RawMessage(`{}`), client.JSONVariation("missing", json.RawMessage(`{}`)))
	assert.Equal(t, "fallback", client.Variation("missing", "fallback"))
}

func TestVariationDetail(t *testing.T) {
	// Given
	svc := fixtures.NewService(t)
	client := newClient(t, svc, ldclient.WithPolling(), ldclient.WithEvaluationReasons())
	waitForFlags(t, client)

	// When
	detail := client.VariationDetail(fixtures.BoolFlagKey, false)
	missing := client.VariationDetail("missing", "d")

	// Then
	assert.Equal(t, true, detail.Value)
	require.NotNil(t, detail.VariationIndex)
	assert.Equal(t, 0, *detail.VariationIndex)
	assert.Equal(t, "FALLTHROUGH", detail.Reason["kind"])

	assert.Equal(t, "d", missing.Value)
	assert.Nil(t, missing.VariationIndex)
	assert.Nil(t, missing.Reason)
}

func TestReturnedFlagValuesAreCopies(t *testing.T) {
	// Given
	svc := fixtures.NewService(t)
	client := newClient(t, svc, ldclient.WithPolling(), ldclient.WithEvaluationReasons())
	waitForFlags(t, client)

	// When the host mutates values it was handed
	client.AllFlags()[fixtures.JSONFlagKey].(map[string]any)["size"] = 99.0
	client.Variation(fixtures.JSONFlagKey, nil).(map[string]any)["tags"].([]any)[0] = "z"
	client.VariationDetail(fixtures.BoolFlagKey, false).Reason["kind"] = "OFF"

	// Then later reads see the cached flags
	assert.JSONEq(t, `{"size": 4, "tags": ["a", "b"]}`, string(client.JSONVariation(fixtures.JSONFlagKey, nil)))
	assert.Equal(t, "FALLTHROUGH", client.VariationDetail(fixtures.BoolFlagKey, false).Reason["kind"])
}

func TestStreamingClientAppliesUpdates(t *testing.T) {
	// Given
	svc := fixtures.NewService(t)
	client := newClient(t, svc)
	waitForFlags(t, client)
	require.Eventually(t, func() bool {
		return client.ConnectionInformation().CurrentConnectionMode == connection.ModeStreaming
	}, waitFor, tick)

	owner := ldclient.NewOwner()
	single := make(chan ldclient.ChangedFlag, 16)
	all := make(chan map[string]ldclient.ChangedFlag, 16)
	client.Observe(owner, fixtures.StringFlagKey, func(c ldclient.ChangedFlag) { single <- c })
	client.ObserveAll(owner, func(m map[string]ldclient.ChangedFlag) { all <- m })

	// When
	svc.Push("patch", `{"key":"string-flag","value":"red","variation":3,"version":20}`)

	// Then
	changed := receive(t, single, func(c ldclient.ChangedFlag) bool { return c.NewValue == "red" })
	assert.Equal(t, "blue", changed.OldValue)
	batch := receive(t, all, func(m map[string]ldclient.ChangedFlag) bool {
		c, ok := m[fixtures.StringFlagKey]
		return ok && c.NewValue == "red"
	})
	assert.Len(t, batch, 1)
	assert.Equal(t, "red", client.StringVariation(fixtures.StringFlagKey, "none"))

	// When a stale patch and a delete arrive
	svc.Push("patch", `{"key":"string-flag","value":"stale","version":5}`)
	svc.Push("delete", `{"key":"int-flag","version":21}`)

	// Then
	deleted := receive(t, all, func(m map[string]ldclient.ChangedFlag) bool {
		_, ok := m[fixtures.IntFlagKey]
		return ok
	})
	assert.Nil(t, deleted[fixtures.IntFlagKey].NewValue)
	assert.Equal(t, 42, client.IntVariation(fixtures.IntFlagKey, 42))
	assert.Equal(t, "red", client.StringVariation(fixtures.StringFlagKey, "none"))
	assert.NotContains(t, client.AllFlags(), fixtures.IntFlagKey)
}

func TestStreamPingRefetchesFlags(t *testing.T) {
	// Given
	svc := fixtures.NewService(t)
	client := newClient(t, svc)
	waitForFlags(t, client)
	require.Eventually(t, func() bool {
		return client.ConnectionInformation().CurrentConnectionMode == connection.ModeStreaming
	}, waitFor, tick)

	// When
	svc.SetFlags(fixtures.UpdatedFlagsJSON)
	svc.Push("ping", "")

	// Then
	assert.Eventually(t, func() bool {
		return client.StringVariation(fixtures.StringFlagKey, "none") == "green"
	}, waitFor, tick)
}

func TestStopObserving(t *testing.T) {
	// Given
	svc := fixtures.NewService(t)
	client := newClient(t, svc)
	waitForFlags(t, client)
	require.Eventually(t, func() bool {
		return client.ConnectionInformation().CurrentConnectionMode == connection.ModeStreaming
	}, waitFor, tick)

	owner := ldclient.NewOwner()
	var mu sync.Mutex
	var seen []any
	client.Observe(owner, fixtures.StringFlagKey, func(c ldclient.ChangedFlag) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, c.NewValue)
	})
	witness := ldclient.NewOwner()
	witnessed := make(chan ldclient.ChangedFlag, 16)
	client.Observe(witness, fixtures.StringFlagKey, func(c ldclient.ChangedFlag) { witnessed <- c })

	// When
	client.StopObserving(owner)
	svc.Push("patch", `{"key":"string-flag","value":"red","version":20}`)
	receive(t, witnessed, func(c ldclient.ChangedFlag) bool { return c.NewValue == "red" })

	// Then
	mu.Lock()
	defer mu.Unlock()
	assert.NotContains(t, seen, "red")
}

func TestConnectionModeObserver(t *testing.T) {
	// Given
	svc := fixtures.NewService(t)
	client := newClient(t, svc, ldclient.WithPolling(), ldclient.WithOffline(), ldclient.WithThrottlingDisabled())
	modes := make(chan connection.Mode, 16)
	client.ObserveConnectionModeChanged(ldclient.NewOwner(), func(m connection.Mode) { modes <- m })
	require.False(t, client.IsOnline())

	// When
	client.SetOnline(true)

	// Then
	receive(t, modes, func(m connection.Mode) bool { return m == connection.ModePolling })
	assert.True(t, client.IsOnline())

	// When
	client.SetOnline(false)

	// Then
	receive(t, modes, func(m connection.Mode) bool { return m == connection.ModeOffline })
	assert.False(t, client.IsOnline())
	assert.Equal(t, connection.ModeOffline, client.ConnectionInformation().CurrentConnectionMode)
}

func TestUnauthorizedKeyForcesOffline(t *testing.T) {
	// Given
	svc := fixtures.NewService(t)

	// When
	client := newClientWithKey(t, "mob-wrong-key", svc, ldclient.WithPolling())

	// Then
	require.Eventually(t, func() bool { return !client.IsOnline() }, waitFor, tick)
	info := client.ConnectionInformation()
	assert.True(t, info.LastConnectionFailureReason.IsUnauthorized())
	assert.NotNil(t, info.LastFailedConnection)
	assert.Equal(t, connection.ModeOffline, info.CurrentConnectionMode)
	assert.Empty(t, client.AllFlags())
	assert.ErrorIs(t, client.Flush(context.Background()), ldclient.ErrOffline)
}

func TestErrorObserverSeesSyncFailures(t *testing.T) {
	// Given an offline client with an error observer
	svc := fixtures.NewService(t)
	client := newClientWithKey(t, "mob-wrong-key", svc,
		ldclient.WithPolling(), ldclient.WithOffline(), ldclient.WithThrottlingDisabled())
	errs := make(chan error, 8)
	client.ObserveErrors(ldclient.NewOwner(), func(err error) { errs <- err })

	// When it goes online with a rejected key
	client.SetOnline(true)

	// Then
	err := receive(t, errs, func(error) bool { return true })
	var syncErr *ldclient.SyncError
	require.ErrorAs(t, err, &syncErr)
	assert.True(t, syncErr.IsClientUnauthorized())
	require.Eventually(t, func() bool { return !client.IsOnline() }, waitFor, tick)
}

func TestUnauthorizedStreamForcesOffline(t *testing.T) {
	svc := fixtures.NewService(t)

	client := newClientWithKey(t, "mob-wrong-key", svc)

	require.Eventually(t, func() bool { return !client.IsOnline() }, waitFor, tick)
	assert.True(t, client.ConnectionInformation().LastConnectionFailureReason.IsUnauthorized())
}

func TestIdentifySwitchesUser(t *testing.T) {
	// Given
	svc := fixtures.NewService(t)
	client := newClient(t, svc, ldclient.WithPolling())
	waitForFlags(t, client)
	before := svc.FlagRequests()

	// When
	done := make(chan ldclient.IdentifyOutcome, 1)
	client.Identify(lduser.New("user-2"), func(o ldclient.IdentifyOutcome, err error) {
		assert.NoError(t, err)
		done <- o
	})

	// Then
	outcome := receive(t, done, func(ldclient.IdentifyOutcome) bool { return true })
	assert.Equal(t, ldclient.IdentifyComplete, outcome)
	assert.Equal(t, "user-2", client.User().Key)
	waitForFlags(t, client)
	assert.Greater(t, svc.FlagRequests(), before)

	require.NoError(t, client.Flush(context.Background()))
	var keys []any
	for _, e := range svc.EventsOfKind("identify") {
		keys = append(keys, e["key"])
	}
	assert.Equal(t, []any{"user-1", "user-2"}, keys)
}

func TestIdentifyRejectsEmptyKey(t *testing.T) {
	svc := fixtures.NewService(t)
	client := newClient(t, svc, ldclient.WithOffline())

	done := make(chan ldclient.IdentifyOutcome, 1)
	client.Identify(lduser.New(""), func(o ldclient.IdentifyOutcome, err error) {
		assert.Error(t, err)
		done <- o
	})

	assert.Equal(t, ldclient.IdentifyError, receive(t, done, func(ldclient.IdentifyOutcome) bool { return true }))
	assert.Equal(t, "user-1", client.User().Key)
}

func TestIdentifyShedsSupersededCalls(t *testing.T) {
	// Given
	svc := fixtures.NewService(t)
	client := newClient(t, svc, ldclient.WithPolling())
	waitForFlags(t, client)

	var mu sync.Mutex
	outcomes := map[string]ldclient.IdentifyOutcome{}
	var wg sync.WaitGroup
	identify := func(key string) {
		wg.Add(1)
		client.Identify(lduser.New(key), func(o ldclient.IdentifyOutcome, _ error) {
			mu.Lock()
			defer mu.Unlock()
			outcomes[key] = o
			wg.Done()
		})
	}

	// When
	for _, key := range []string{"a", "b", "c", "d"} {
		identify(key)
	}
	wg.Wait()

	// Then every call completed once, and the first and last ones ran
	assert.Len(t, outcomes, 4)
	assert.Equal(t, ldclient.IdentifyComplete, outcomes["a"])
	assert.Equal(t, ldclient.IdentifyComplete, outcomes["d"])
	assert.Equal(t, "d", client.User().Key)
}

func TestTrackFlushAndAlias(t *testing.T) {
	// Given
	svc := fixtures.NewService(t)
	client := newClient(t, svc, ldclient.WithPolling())
	waitForFlags(t, client)
	metric := 9.5

	// When
	assert.True(t, client.BoolVariation(fixtures.BoolFlagKey, false))
	require.NoError(t, client.Track("purchase", map[string]any{"sku": "x"}, &metric))
	client.Alias(lduser.New("user-1"), lduser.NewAnonymous("anon-1"))
	require.NoError(t, client.Flush(context.Background()))

	// Then
	feature := svc.EventsOfKind("feature")
	require.Len(t, feature, 1)
	assert.Equal(t, fixtures.BoolFlagKey, feature[0]["key"])
	assert.Equal(t, true, feature[0]["value"])
	assert.Equal(t, false, feature[0]["default"])
	assert.Equal(t, float64(3), feature[0]["version"])
	assert.Equal(t, float64(0), feature[0]["variation"])
	assert.Equal(t, "user-1", feature[0]["userKey"])

	custom := svc.EventsOfKind("custom")
	require.Len(t, custom, 1)
	assert.Equal(t, "purchase", custom[0]["key"])
	assert.Equal(t, map[string]any{"sku": "x"}, custom[0]["data"])
	assert.Equal(t, 9.5, custom[0]["metricValue"])

	alias := svc.EventsOfKind("alias")
	require.Len(t, alias, 1)
	assert.Equal(t, "anon-1", alias[0]["previousKey"])
	assert.Equal(t, "anonymousUser", alias[0]["previousContextKind"])
	assert.Equal(t, "user", alias[0]["contextKind"])

	summary := svc.EventsOfKind("summary")
	require.Len(t, summary, 1)
	assert.Contains(t, summary[0]["features"], fixtures.BoolFlagKey)
	events := svc.Events()
	assert.Equal(t, "summary", events[len(events)-1]["kind"])
}

func TestTrackRejectsUnencodableData(t *testing.T) {
	svc := fixtures.NewService(t)
	client := newClient(t, svc, ldclient.WithOffline())

	err := client.Track("bad", map[string]any{"ch": make(chan int)}, nil)

	assert.Error(t, err)
}

func TestCloseFlushesEvents(t *testing.T) {
	// Given
	svc := fixtures.NewService(t)
	client, err := ldclient.New(fixtures.MobileKey, lduser.New("user-1"),
		ldclient.WithBaseURL(svc.URL),
		ldclient.WithStreamURL(svc.URL),
		ldclient.WithEventsURL(svc.URL),
		ldclient.WithPolling(),
		ldclient.WithDiagnosticOptOut(),
	)
	require.NoError(t, err)
	require.NoError(t, client.Track("closing", nil, nil))

	// When
	require.NoError(t, client.Close())

	// Then
	assert.Len(t, svc.EventsOfKind("custom"), 1)
	assert.False(t, client.IsOnline())
}

func TestDiagnosticInitIsSent(t *testing.T) {
	// Given
	svc := fixtures.NewService(t)
	client, err := ldclient.New(fixtures.MobileKey, lduser.New("user-1"),
		ldclient.WithBaseURL(svc.URL),
		ldclient.WithStreamURL(svc.URL),
		ldclient.WithEventsURL(svc.URL),
		ldclient.WithPolling(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	// Then
	require.Eventually(t, func() bool { return len(svc.Diagnostics()) > 0 }, waitFor, tick)
	payload := svc.Diagnostics()[0]
	assert.Equal(t, "diagnostic-init", payload["kind"])
	id, ok := payload["id"].(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, id["diagnosticId"])
}

func TestBootstrapServesFlagsOffline(t *testing.T) {
	// Given
	bootstrap, err := ldclient.NewLocalFileBootstrap("./fixtures/flags.json")
	require.NoError(t, err)
	svc := fixtures.NewService(t)

	// When
	client := newClient(t, svc, ldclient.WithOffline(), ldclient.WithBootstrap(bootstrap))

	// Then
	assert.False(t, client.BoolVariation(fixtures.BoolFlagKey, true))
	assert.Equal(t, "cached", client.StringVariation(fixtures.StringFlagKey, "none"))
	assert.Equal(t, 0, svc.FlagRequests())
}

// Package connection tracks how the client is connected to the flag service.
package connection

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Mode is the current connectivity mode.
type Mode string

const (
	ModeOffline                         Mode = "offline"
	ModeEstablishingStreamingConnection Mode = "establishingStreamingConnection"
	ModeStreaming                       Mode = "streaming"
	ModePolling                         Mode = "polling"
)

type failureKind int

const (
	failureNone failureKind = iota
	failureUnauthorized
	failureHTTPError
	failureUnknownError
)

const unknownErrorMessage = "Unknown Error"

// FailureReason describes why the last connection attempt failed.
type FailureReason struct {
	kind    failureKind
	code    int
	message string
}

// NoFailure is the reason before any failure has been recorded.
func NoFailure() FailureReason { return FailureReason{} }

// Unauthorized is recorded for 401/403 responses.
func Unauthorized() FailureReason { return FailureReason{kind: failureUnauthorized} }

// HTTPError is recorded for any other failed HTTP status.
func HTTPError(code int) FailureReason { return FailureReason{kind: failureHTTPError, code: code} }

// UnknownError is recorded for transport failures.
func UnknownError(message string) FailureReason {
	if message == "" {
		message = unknownErrorMessage
	}
	return FailureReason{kind: failureUnknownError, message: message}
}

// IsNone reports whether no failure has been recorded.
func (r FailureReason) IsNone() bool { return r.kind == failureNone }

// IsUnauthorized reports whether r is Unauthorized.
func (r FailureReason) IsUnauthorized() bool { return r.kind == failureUnauthorized }

// HTTPStatus returns the status code of an HTTPError reason.
func (r FailureReason) HTTPStatus() (int, bool) {
	return r.code, r.kind == failureHTTPError
}

// Message returns the message of an UnknownError reason.
func (r FailureReason) Message() (string, bool) {
	return r.message, r.kind == failureUnknownError
}

func (r FailureReason) String() string {
	switch r.kind {
	case failureUnauthorized:
		return "unauthorized"
	case failureHTTPError:
		return strconv.Itoa(r.code)
	case failureUnknownError:
		return r.message
	default:
		return "none"
	}
}

type failureReasonJSON struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (r FailureReason) MarshalJSON() ([]byte, error) {
	out := failureReasonJSON{}
	switch r.kind {
	case failureUnauthorized:
		out.Type = "unauthorized"
	case failureHTTPError:
		out.Type = "httpError"
		out.Payload = json.RawMessage(strconv.Itoa(r.code))
	case failureUnknownError:
		out.Type = "unknownError"
		msg, err := json.Marshal(r.message)
		if err != nil {
			return nil, err
		}
		out.Payload = msg
	default:
		out.Type = "none"
	}
	return json.Marshal(out)
}

func (r *FailureReason) UnmarshalJSON(data []byte) error {
	var in failureReasonJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	switch in.Type {
	case "unauthorized":
		*r = Unauthorized()
	case "httpError":
		var code int
		_ = json.Unmarshal(in.Payload, &code)
		*r = HTTPError(code)
	case "unknownError":
		var msg string
		if err := json.Unmarshal(in.Payload, &msg); err != nil {
			msg = "Unable to Decode error."
		}
		*r = UnknownError(msg)
	default:
		*r = NoFailure()
	}
	return nil
}

// Information is the connection state. It holds no timers or sockets; the
// owner serializes access.
type Information struct {
	CurrentConnectionMode       Mode          `json:"currentConnectionMode"`
	LastConnectionFailureReason FailureReason `json:"lastConnectionFailureReason"`
	// LastKnownFlagValidity is the last time flag data was known fresh. It is
	// only meaningful while polling or after a stream closes.
	LastKnownFlagValidity *time.Time `json:"lastKnownFlagValidity,omitempty"`
	LastFailedConnection  *time.Time `json:"lastFailedConnection,omitempty"`
}

// New returns an offline Information with no recorded failure.
func New() Information {
	return Information{CurrentConnectionMode: ModeOffline}
}

// GoOnline moves to establishing a stream when streaming is allowed and to
// polling otherwise. An unreachable network keeps the mode offline.
func (i *Information) GoOnline(streamingAllowed, reachable bool) {
	switch {
	case !reachable:
		i.CurrentConnectionMode = ModeOffline
	case streamingAllowed:
		i.CurrentConnectionMode = ModeEstablishingStreamingConnection
	default:
		i.CurrentConnectionMode = ModePolling
	}
}

// StreamOpened confirms the stream. Streamed data is live, so the validity
// timestamp is cleared.
func (i *Information) StreamOpened() {
	if i.CurrentConnectionMode == ModeEstablishingStreamingConnection {
		i.CurrentConnectionMode = ModeStreaming
		i.LastKnownFlagValidity = nil
	}
}

// PollSucceeded refreshes the validity timestamp while polling.
func (i *Information) PollSucceeded(now time.Time) {
	if i.CurrentConnectionMode == ModePolling {
		i.LastKnownFlagValidity = &now
	}
}

// StreamClosed records that streamed data just went stale. A retry goes
// through establishing again.
func (i *Information) StreamClosed(now time.Time) {
	if i.CurrentConnectionMode == ModeStreaming {
		i.LastKnownFlagValidity = &now
		i.CurrentConnectionMode = ModeEstablishingStreamingConnection
	}
}

// RecordFailure stores the reason and time of a connection failure.
func (i *Information) RecordFailure(reason FailureReason, now time.Time) {
	i.LastConnectionFailureReason = reason
	i.LastFailedConnection = &now
}

// GoOffline moves to offline regardless of the prior mode.
func (i *Information) GoOffline() {
	i.CurrentConnectionMode = ModeOffline
}

func (i Information) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current Connection Mode: %s | ", i.CurrentConnectionMode)
	fmt.Fprintf(&b, "Last Connection Failure Reason: %s | ", i.LastConnectionFailureReason)
	fmt.Fprintf(&b, "Last Known Flag Validity: %s | ", formatTime(i.LastKnownFlagValidity))
	fmt.Fprintf(&b, "Last Failed Connection: %s", formatTime(i.LastFailedConnection))
	return b.String()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "NONE"
	}
	return t.Format(time.RFC3339Nano)
}

package synchronizer

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/launchdarkly/ios-client-sdk-sub001/connection"
	"github.com/launchdarkly/ios-client-sdk-sub001/flags"
	"github.com/launchdarkly/ios-client-sdk-sub001/internal/eventsource"
)

// UpdateType names the stream event that produced a result.
type UpdateType string

const (
	// UpdateNone tags results from polling.
	UpdateNone   UpdateType = ""
	UpdatePing   UpdateType = "ping"
	UpdatePut    UpdateType = "put"
	UpdatePatch  UpdateType = "patch"
	UpdateDelete UpdateType = "delete"
)

// Result is delivered to the sync callback. It is one of FlagCollection,
// Patch, Delete, UpToDate or Failure.
type Result interface {
	isResult()
}

// FlagCollection is a full snapshot.
type FlagCollection struct {
	Items     flags.StoredItems
	EventType UpdateType
}

// Patch updates one flag.
type Patch struct {
	Flag flags.FeatureFlag
}

// Delete tombstones one flag.
type Delete struct {
	flags.DeleteResponse
}

// UpToDate means the server confirmed the cached flags with a 304.
type UpToDate struct{}

// Failure carries a synchronization error.
type Failure struct {
	Err *Error
}

func (FlagCollection) isResult() {}
func (Patch) isResult()          {}
func (Delete) isResult()         {}
func (UpToDate) isResult()       {}
func (Failure) isResult()        {}

// ErrorKind classifies an Error.
type ErrorKind int

const (
	// KindIsOffline means a callback arrived while offline.
	KindIsOffline ErrorKind = iota
	// KindStreamEventWhilePolling means a stream callback arrived in polling mode.
	KindStreamEventWhilePolling
	// KindRequest is a transport failure with no response.
	KindRequest
	// KindResponse is a failed HTTP status.
	KindResponse
	// KindData is a payload that did not parse.
	KindData
	// KindStreamError is a stream transport failure.
	KindStreamError
	// KindUnknownEventType is an unrecognized stream event.
	KindUnknownEventType
)

func (k ErrorKind) String() string {
	switch k {
	case KindIsOffline:
		return "isOffline"
	case KindStreamEventWhilePolling:
		return "streamEventWhilePolling"
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindData:
		return "data"
	case KindStreamError:
		return "streamError"
	case KindUnknownEventType:
		return "unknownEventType"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Error is a synchronization failure. Which fields are set depends on Kind.
type Error struct {
	Kind ErrorKind
	// Cause is set for KindRequest and KindStreamError.
	Cause error
	// StatusCode is set for KindResponse.
	StatusCode int
	// Data holds the raw payload for KindData.
	Data []byte
	// EventType is set for KindUnknownEventType.
	EventType string
}

func ErrIsOffline() *Error { return &Error{Kind: KindIsOffline} }

func ErrStreamEventWhilePolling() *Error { return &Error{Kind: KindStreamEventWhilePolling} }

func ErrRequest(cause error) *Error { return &Error{Kind: KindRequest, Cause: cause} }

func ErrResponse(statusCode int) *Error { return &Error{Kind: KindResponse, StatusCode: statusCode} }

func ErrData(data []byte) *Error { return &Error{Kind: KindData, Data: data} }

func ErrStream(cause error) *Error { return &Error{Kind: KindStreamError, Cause: cause} }

func ErrUnknownEventType(eventType string) *Error {
	return &Error{Kind: KindUnknownEventType, EventType: eventType}
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindRequest, KindStreamError:
		return fmt.Sprintf("synchronizer: %s: %v", e.Kind, e.Cause)
	case KindResponse:
		return fmt.Sprintf("synchronizer: response: status %d", e.StatusCode)
	case KindData:
		return fmt.Sprintf("synchronizer: data: %d bytes did not parse", len(e.Data))
	case KindUnknownEventType:
		return fmt.Sprintf("synchronizer: unknown event type %q", e.EventType)
	default:
		return "synchronizer: " + e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the status code behind a response or stream error.
func (e *Error) HTTPStatus() (int, bool) {
	switch e.Kind {
	case KindResponse:
		return e.StatusCode, true
	case KindStreamError:
		var unsuccessful *eventsource.UnsuccessfulResponseError
		if errors.As(e.Cause, &unsuccessful) {
			return unsuccessful.StatusCode, true
		}
	}
	return 0, false
}

// IsClientUnauthorized reports a 401 or 403 from a poll or the stream. The
// client must go fully offline on such an error.
func (e *Error) IsClientUnauthorized() bool {
	code, ok := e.HTTPStatus()
	return ok && isUnauthorizedStatus(code)
}

// FailureReason maps e to a connection failure reason. Errors that are not
// connection failures report false.
func (e *Error) FailureReason() (connection.FailureReason, bool) {
	if code, ok := e.HTTPStatus(); ok {
		if isUnauthorizedStatus(code) {
			return connection.Unauthorized(), true
		}
		return connection.HTTPError(code), true
	}
	switch e.Kind {
	case KindRequest, KindStreamError:
		msg := ""
		if e.Cause != nil {
			msg = e.Cause.Error()
		}
		return connection.UnknownError(msg), true
	default:
		return connection.NoFailure(), false
	}
}

func isUnauthorizedStatus(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

package ldclient

import (
	"github.com/launchdarkly/ios-client-sdk-sub001/internal/events"
	"github.com/launchdarkly/ios-client-sdk-sub001/internal/synchronizer"
)

// ErrOffline is returned by Flush while the client is offline.
var ErrOffline = events.ErrOffline

// SyncError is the error passed to ObserveErrors observers.
type SyncError = synchronizer.Error

type ClientError struct {
	msg string
}

func (e ClientError) Error() string {
	return e.msg
}

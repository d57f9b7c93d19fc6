package domain

import (
	"errors"
	"fmt"
)

// StatusCode is the wire-visible session status. Values are stable across versions.
type StatusCode int

const (
	StatusOK StatusCode = iota
	StatusLeft
	StatusAudioJoinedFromAnotherDevice
	StatusAudioAuthenticationRejected
	StatusAudioCallAtCapacity
	StatusMeetingEnded
	StatusAudioInternalServerError
	StatusAudioServiceUnavailable
	StatusAudioDisconnected
	StatusVideoCallSwitchToViewOnly
	StatusVideoCallAtSourceCapacity
	StatusSignalingBadRequest
	StatusSignalingInternalServerError
	StatusSignalingRequestFailed
	StatusICEGatheringTimeoutWorkaround
	StatusConnectionHealthReconnect
	StatusRealtimeApiFailed
	StatusTaskFailed
	StatusIncompatibleSDP
	StatusTURNCredentialsForbidden
	StatusNoAttendeePresent
	StatusAudioAttendeeRemoved
	StatusAudioVideoWasRemovedFromPrimaryMeeting

	statusCodeCount
)

var statusNames = [statusCodeCount]string{
	"OK",
	"Left",
	"AudioJoinedFromAnotherDevice",
	"AudioAuthenticationRejected",
	"AudioCallAtCapacity",
	"MeetingEnded",
	"AudioInternalServerError",
	"AudioServiceUnavailable",
	"AudioDisconnected",
	"VideoCallSwitchToViewOnly",
	"VideoCallAtSourceCapacity",
	"SignalingBadRequest",
	"SignalingInternalServerError",
	"SignalingRequestFailed",
	"ICEGatheringTimeoutWorkaround",
	"ConnectionHealthReconnect",
	"RealtimeApiFailed",
	"TaskFailed",
	"IncompatibleSDP",
	"TURNCredentialsForbidden",
	"NoAttendeePresent",
	"AudioAttendeeRemoved",
	"AudioVideoWasRemovedFromPrimaryMeeting",
}

func (c StatusCode) String() string {
	if !c.Valid() {
		return fmt.Sprintf("StatusCode(%d)", int(c))
	}
	return statusNames[c]
}

// Valid reports whether c is one of the enumerated codes.
func (c StatusCode) Valid() bool {
	return c >= 0 && c < statusCodeCount
}

// AllStatusCodes returns every enumerated code in wire order.
func AllStatusCodes() []StatusCode {
	out := make([]StatusCode, 0, statusCodeCount)
	for c := StatusOK; c < statusCodeCount; c++ {
		out = append(out, c)
	}
	return out
}

// RetryPolicy is what the driver does after a session-level status.
type RetryPolicy int

const (
	// Retryable is a transient service condition: reconnect with backoff.
	Retryable RetryPolicy = iota
	// FatalStop is a programming or permanent error: surface it, no retry.
	FatalStop
	// NormalEnd is an expected termination: treat as a successful teardown.
	NormalEnd
)

func (p RetryPolicy) String() string {
	switch p {
	case Retryable:
		return "retryable"
	case FatalStop:
		return "fatal_stop"
	case NormalEnd:
		return "normal_end"
	default:
		return "unknown"
	}
}

type classification struct {
	policy  RetryPolicy
	bounded bool
}

var statusTable = [statusCodeCount]classification{
	StatusOK:                                     {policy: NormalEnd},
	StatusLeft:                                   {policy: NormalEnd},
	StatusAudioJoinedFromAnotherDevice:           {policy: NormalEnd},
	StatusAudioAuthenticationRejected:            {policy: FatalStop},
	StatusAudioCallAtCapacity:                    {policy: FatalStop},
	StatusMeetingEnded:                           {policy: NormalEnd},
	StatusAudioInternalServerError:               {policy: Retryable},
	StatusAudioServiceUnavailable:                {policy: Retryable},
	StatusAudioDisconnected:                      {policy: FatalStop},
	StatusVideoCallSwitchToViewOnly:              {policy: FatalStop},
	StatusVideoCallAtSourceCapacity:              {policy: FatalStop},
	StatusSignalingBadRequest:                    {policy: FatalStop},
	StatusSignalingInternalServerError:           {policy: Retryable},
	StatusSignalingRequestFailed:                 {policy: Retryable},
	StatusICEGatheringTimeoutWorkaround:          {policy: Retryable},
	StatusConnectionHealthReconnect:              {policy: Retryable},
	StatusRealtimeApiFailed:                      {policy: Retryable, bounded: true},
	StatusTaskFailed:                             {policy: Retryable, bounded: true},
	StatusIncompatibleSDP:                        {policy: Retryable, bounded: true},
	StatusTURNCredentialsForbidden:               {policy: FatalStop},
	StatusNoAttendeePresent:                      {policy: NormalEnd},
	StatusAudioAttendeeRemoved:                   {policy: NormalEnd},
	StatusAudioVideoWasRemovedFromPrimaryMeeting: {policy: NormalEnd},
}

// Classify maps a status code to its retry policy. Codes outside the
// enumeration are FatalStop: an unknown code can never be safely retried.
func Classify(c StatusCode) RetryPolicy {
	if !c.Valid() {
		return FatalStop
	}
	return statusTable[c].policy
}

// IsBounded reports whether a Retryable code is only retried a limited
// number of consecutive times before the session gives up.
func IsBounded(c StatusCode) bool {
	return c.Valid() && statusTable[c].bounded
}

// IsFailure reports whether c represents a failed session rather than an
// expected end or success.
func IsFailure(c StatusCode) bool {
	return c != StatusOK && !IsModeSwitch(c) && Classify(c) != NormalEnd
}

// IsModeSwitch reports codes the driver handles by changing session mode
// instead of ending or reconnecting the session.
func IsModeSwitch(c StatusCode) bool {
	return c == StatusVideoCallSwitchToViewOnly
}

// StatusError carries a StatusCode across component boundaries.
type StatusError struct {
	Code StatusCode
	Err  error
}

// NewStatusError wraps err with code. err may be nil.
func NewStatusError(code StatusCode, err error) *StatusError {
	return &StatusError{Code: code, Err: err}
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return "status " + e.Code.String()
	}
	return fmt.Sprintf("status %s: %v", e.Code, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// StatusOf extracts the StatusCode from err. Errors that carry no code map
// to StatusTaskFailed so that no unmapped error reaches the driver.
func StatusOf(err error) StatusCode {
	if err == nil {
		return StatusOK
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return StatusTaskFailed
}

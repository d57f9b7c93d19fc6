// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const (
	MaxAttendeeIDLen    = 64
	MaxMetadataValueLen = 256
	MaxMetadataEntries  = 16
)

var (
	ErrAttendeeIDEmpty    = errors.New("attendee id empty")
	ErrAttendeeIDTooLong  = errors.New("attendee id too long")
	ErrMeetingIDEmpty     = errors.New("meeting id empty")
	ErrSignalingURLEmpty  = errors.New("signaling url empty")
	ErrMetadataTooLarge   = errors.New("app metadata has too many entries")
	ErrMetadataValueLong  = errors.New("app metadata value too long")
	ErrMetadataKeyInvalid = errors.New("app metadata key empty")
)

type (
	MeetingID  string
	AttendeeID string
)

// AppMetadata describes the client application. It is carried verbatim in
// the Join frame and never interpreted by the session logic.
type AppMetadata map[string]string

// Validate bounds the record so a misconfigured client cannot bloat Join.
func (m AppMetadata) Validate() error {
	if len(m) > MaxMetadataEntries {
		return ErrMetadataTooLarge
	}
	for k, v := range m {
		if k == "" {
			return ErrMetadataKeyInvalid
		}
		if len(v) > MaxMetadataValueLen {
			return ErrMetadataValueLong
		}
	}
	return nil
}

// Clone returns an independent copy; nil stays nil.
func (m AppMetadata) Clone() AppMetadata {
	if m == nil {
		return nil
	}
	out := make(AppMetadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// MeetingConfig identifies the meeting and attendee this session joins.
type MeetingConfig struct {
	MeetingID    MeetingID
	AttendeeID   AttendeeID
	JoinToken    string
	SignalingURL string
	Metadata     AppMetadata
}

// NewAttendeeID generates a random attendee id for clients that were not
// assigned one by the meeting service.
func NewAttendeeID() AttendeeID {
	return AttendeeID(uuid.NewString())
}

func (c MeetingConfig) Validate() error {
	if c.MeetingID == "" {
		return ErrMeetingIDEmpty
	}
	if c.AttendeeID == "" {
		return ErrAttendeeIDEmpty
	}
	if len(c.AttendeeID) > MaxAttendeeIDLen {
		return ErrAttendeeIDTooLong
	}
	if c.SignalingURL == "" {
		return ErrSignalingURLEmpty
	}
	return c.Metadata.Validate()
}

// Capabilities are optional protocol features negotiated per connection.
type Capabilities struct {
	Compression bool `json:"compression,omitempty"`
}

package core

import (
	"github.com/dkeye/callcontrol/internal/domain"
	"github.com/pion/webrtc/v4"
)

// FrameType tags the variant carried by a Frame.
type FrameType string

const (
	FrameJoin         FrameType = "join"
	FrameJoinAck      FrameType = "join_ack"
	FrameIndexUpdate  FrameType = "index"
	FrameAnswer       FrameType = "answer"
	FrameIceCandidate FrameType = "candidate"
	FrameSubscribe    FrameType = "subscribe"
	FrameLeave        FrameType = "leave"
	FrameStatus       FrameType = "status"
)

// Frame is one signaling message. Exactly one payload matching Type is set.
// Seq increases monotonically per direction and per connection.
type Frame struct {
	Type FrameType
	Seq  uint64

	Join      *JoinPayload
	JoinAck   *JoinAckPayload
	Index     *IndexPayload
	Answer    *AnswerPayload
	Candidate *webrtc.ICECandidateInit
	Subscribe *SubscribePayload
	Leave     *LeavePayload
	Status    *StatusPayload
}

type JoinPayload struct {
	MeetingID    domain.MeetingID    `json:"meeting_id"`
	AttendeeID   domain.AttendeeID   `json:"attendee_id"`
	JoinToken    string              `json:"join_token,omitempty"`
	ClientID     string              `json:"client_id"`
	Metadata     domain.AppMetadata  `json:"metadata,omitempty"`
	Capabilities domain.Capabilities `json:"capabilities"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type JoinAckPayload struct {
	Capabilities      domain.Capabilities `json:"capabilities"`
	SubscriptionLimit int                 `json:"subscription_limit,omitempty"`
	ICEServers        []ICEServer         `json:"ice_servers,omitempty"`
}

// IndexPayload is a full snapshot of the video index. A zero
// SubscriptionLimit leaves the current limit unchanged.
type IndexPayload struct {
	Sources           []domain.VideoSource `json:"sources"`
	SubscriptionLimit int                  `json:"subscription_limit,omitempty"`
}

type AnswerPayload struct {
	Round uint64 `json:"round"`
	SDP   string `json:"sdp"`
}

type SubscribePayload struct {
	Round  uint64                  `json:"round"`
	SDP    string                  `json:"sdp"`
	Slots  domain.SubscriptionPlan `json:"slots"`
	Paused []domain.AttendeeID     `json:"paused,omitempty"`
}

type LeavePayload struct {
	Reason string `json:"reason,omitempty"`
}

// StatusPayload reports a session status. Terminal is never sent on the
// wire: the channel sets it on the single notification it delivers when it
// closes.
type StatusPayload struct {
	Code     domain.StatusCode `json:"code"`
	Reason   string            `json:"reason,omitempty"`
	Terminal bool              `json:"-"`
}

func NewJoinFrame(p JoinPayload) Frame { return Frame{Type: FrameJoin, Join: &p} }

func NewSubscribeFrame(p SubscribePayload) Frame { return Frame{Type: FrameSubscribe, Subscribe: &p} }

func NewLeaveFrame(reason string) Frame {
	return Frame{Type: FrameLeave, Leave: &LeavePayload{Reason: reason}}
}

func NewCandidateFrame(c webrtc.ICECandidateInit) Frame {
	return Frame{Type: FrameIceCandidate, Candidate: &c}
}

func NewStatusFrame(code domain.StatusCode, reason string) Frame {
	return Frame{Type: FrameStatus, Status: &StatusPayload{Code: code, Reason: reason}}
}

// IsTerminal reports whether f is the channel's closing notification.
func (f Frame) IsTerminal() bool {
	return f.Type == FrameStatus && f.Status != nil && f.Status.Terminal
}

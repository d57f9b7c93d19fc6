package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/callcontrol/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// DefaultSubscriptionLimit is used until the server announces a limit.
const DefaultSubscriptionLimit = 25

// ConnectionMonitor is the heartbeat view of the signaling connection.
type ConnectionMonitor struct {
	LastPong    time.Time
	MissedPongs int
}

// SessionContext is the state shared by every Task, the signaling handlers
// and the reconnect controller. Consumers must not keep copies of its fields
// across suspension points; they re-read after every wait.
//
// Invariant violations panic: they are programming errors.
type SessionContext struct {
	mu sync.RWMutex

	meeting   domain.MeetingConfig
	signaling SignalConnection
	media     MediaConnection

	round          uint64
	pendingRound   uint64
	pendingOffer   *webrtc.SessionDescription
	previousOffer  *webrtc.SessionDescription
	remoteAnswer   *webrtc.SessionDescription
	iceCandidates  []webrtc.ICECandidateInit
	iceServers     []ICEServer
	indexVersion   uint64
	index          domain.VideoIndex
	limit          int
	plan           domain.SubscriptionPlan
	previousPlan   domain.SubscriptionPlan
	paused         map[domain.AttendeeID]struct{}
	displaySizes   map[string]domain.TargetDisplaySize
	estimate       domain.BandwidthEstimate
	monitor        ConnectionMonitor
	lastStatus     domain.StatusCode
	reconnectCount int
	caps           domain.Capabilities
	viewOnly       bool
}

func NewSessionContext(meeting domain.MeetingConfig) *SessionContext {
	return &SessionContext{
		meeting:      meeting,
		index:        domain.VideoIndex{},
		limit:        DefaultSubscriptionLimit,
		paused:       make(map[domain.AttendeeID]struct{}),
		displaySizes: make(map[string]domain.TargetDisplaySize),
	}
}

func (s *SessionContext) Meeting() domain.MeetingConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.meeting
	m.Metadata = m.Metadata.Clone()
	return m
}

// Signaling returns the live signaling handle, or nil.
func (s *SessionContext) Signaling() SignalConnection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.signaling
}

// AttachSignaling installs a new signaling handle. The previous one must
// have been retired first.
func (s *SessionContext) AttachSignaling(c SignalConnection) {
	if c == nil {
		panic("core: attach nil signaling connection")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signaling != nil {
		panic("core: signaling connection attached while another is live")
	}
	s.signaling = c
	s.caps = domain.Capabilities{}
}

// RetireSignaling detaches and returns the live handle. The caller owns the
// returned handle and must Close it.
func (s *SessionContext) RetireSignaling() SignalConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.signaling
	s.signaling = nil
	s.caps = domain.Capabilities{}
	s.monitor = ConnectionMonitor{}
	return c
}

func (s *SessionContext) Media() MediaConnection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.media
}

// AttachMedia installs a new media connection. Like signaling, at most one
// is live and negotiation state restarts with it.
func (s *SessionContext) AttachMedia(m MediaConnection) {
	if m == nil {
		panic("core: attach nil media connection")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.media != nil {
		panic("core: media connection attached while another is live")
	}
	s.media = m
	s.pendingOffer = nil
	s.previousOffer = nil
	s.remoteAnswer = nil
	s.iceCandidates = nil
	// A fresh connection has no receive slots yet.
	s.previousPlan = nil
	s.plan = nil
}

// RetireMedia detaches and returns the live media connection.
func (s *SessionContext) RetireMedia() MediaConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.media
	s.media = nil
	return m
}

// BeginNegotiation records offer as pending for a new round and returns the
// round number. An older pending offer is abandoned.
func (s *SessionContext) BeginNegotiation(offer webrtc.SessionDescription) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.round + 1
	if next <= s.round {
		panic("core: negotiation round overflow")
	}
	if s.pendingOffer != nil && s.pendingRound == next {
		panic(fmt.Sprintf("core: offer already outstanding for round %d", next))
	}
	if s.pendingOffer != nil {
		log.Debug().Str("module", "core.session").Uint64("round", s.pendingRound).Msg("abandoning pending offer")
	}
	s.round = next
	s.pendingRound = next
	s.pendingOffer = &offer
	return next
}

// CompleteNegotiation applies answer to the pending offer of round. It
// reports false for a stale round, which callers must ignore.
func (s *SessionContext) CompleteNegotiation(round uint64, answer webrtc.SessionDescription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingOffer == nil || round != s.pendingRound {
		return false
	}
	s.previousOffer = s.pendingOffer
	s.pendingOffer = nil
	s.remoteAnswer = &answer
	return true
}

// Round returns the latest negotiation round.
func (s *SessionContext) Round() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.round
}

// PendingOffer returns the outstanding offer and its round, if any.
func (s *SessionContext) PendingOffer() (webrtc.SessionDescription, uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pendingOffer == nil {
		return webrtc.SessionDescription{}, 0, false
	}
	return *s.pendingOffer, s.pendingRound, true
}

func (s *SessionContext) PreviousOffer() (webrtc.SessionDescription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.previousOffer == nil {
		return webrtc.SessionDescription{}, false
	}
	return *s.previousOffer, true
}

func (s *SessionContext) RemoteAnswer() (webrtc.SessionDescription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.remoteAnswer == nil {
		return webrtc.SessionDescription{}, false
	}
	return *s.remoteAnswer, true
}

func (s *SessionContext) AddICECandidate(c webrtc.ICECandidateInit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iceCandidates = append(s.iceCandidates, c)
}

func (s *SessionContext) ICECandidates() []webrtc.ICECandidateInit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]webrtc.ICECandidateInit, len(s.iceCandidates))
	copy(out, s.iceCandidates)
	return out
}

func (s *SessionContext) SetICEServers(servers []ICEServer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iceServers = append([]ICEServer(nil), servers...)
}

func (s *SessionContext) ICEServers() []ICEServer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ICEServer(nil), s.iceServers...)
}

// SetVideoIndex replaces the index and bumps its version.
func (s *SessionContext) SetVideoIndex(idx domain.VideoIndex) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = idx.Clone()
	s.indexVersion++
	return s.indexVersion
}

// VideoIndex returns a copy of the index and its version. Version zero
// means no index has been received yet.
func (s *SessionContext) VideoIndex() (domain.VideoIndex, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.Clone(), s.indexVersion
}

// SetSubscriptionLimit applies a server-provided limit. The current plan is
// truncated so it never exceeds the limit.
func (s *SessionContext) SetSubscriptionLimit(n int) {
	if n <= 0 {
		panic(fmt.Sprintf("core: subscription limit %d", n))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limit = n
	if len(s.plan) > n {
		s.plan = s.plan.Resize(n)
		if len(s.previousPlan) > 0 {
			s.previousPlan = s.previousPlan.Resize(n)
		}
	}
}

func (s *SessionContext) SubscriptionLimit() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.limit
}

// CommitPlan makes next the current plan. The previous plan is the last
// applied one, resized to len(next) so both stay positionally comparable.
func (s *SessionContext) CommitPlan(next domain.SubscriptionPlan, paused []domain.AttendeeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(next) > s.limit {
		panic(fmt.Sprintf("core: plan of %d slots exceeds subscription limit %d", len(next), s.limit))
	}
	if len(s.previousPlan) > 0 || len(next) > 0 {
		s.previousPlan = s.previousPlan.Resize(len(next))
	}
	s.plan = next.Clone()
	s.paused = make(map[domain.AttendeeID]struct{}, len(paused))
	for _, a := range paused {
		s.paused[a] = struct{}{}
	}
}

// MarkPlanApplied records that the receive side now matches the current
// plan, so the next diff starts from it.
func (s *SessionContext) MarkPlanApplied() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.previousPlan = s.plan.Clone()
}

// Plans returns the current and previous plans.
func (s *SessionContext) Plans() (current, previous domain.SubscriptionPlan) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.plan.Clone(), s.previousPlan.Clone()
}

// PlanDiff compares the current plan with the previous one. A previous
// plan that is empty counts as all-inactive.
func (s *SessionContext) PlanDiff() domain.PlanDiff {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prev := s.previousPlan
	if len(prev) == 0 {
		prev = make(domain.SubscriptionPlan, len(s.plan))
	}
	return domain.DiffPlans(prev, s.plan)
}

func (s *SessionContext) PausedAttendees() []domain.AttendeeID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AttendeeID, 0, len(s.paused))
	for a := range s.paused {
		out = append(out, a)
	}
	return out
}

func (s *SessionContext) IsPaused(a domain.AttendeeID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.paused[a]
	return ok
}

// SetTargetDisplaySize records a display hint for sourceID.
func (s *SessionContext) SetTargetDisplaySize(sourceID string, size domain.TargetDisplaySize) {
	if !size.Valid() {
		panic(fmt.Sprintf("core: invalid target display size %d", size))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.displaySizes[sourceID] = size
}

func (s *SessionContext) TargetDisplaySizes() map[string]domain.TargetDisplaySize {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]domain.TargetDisplaySize, len(s.displaySizes))
	for k, v := range s.displaySizes {
		out[k] = v
	}
	return out
}

// SetBandwidthEstimate stores e unless it is older than the current one.
func (s *SessionContext) SetBandwidthEstimate(e domain.BandwidthEstimate) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.estimate.At.IsZero() && e.At.Before(s.estimate.At) {
		return false
	}
	s.estimate = e
	return true
}

func (s *SessionContext) BandwidthEstimate() domain.BandwidthEstimate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.estimate
}

func (s *SessionContext) MarkPong(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.monitor.LastPong = at
	s.monitor.MissedPongs = 0
}

func (s *SessionContext) MarkMissedPong() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.monitor.MissedPongs++
}

func (s *SessionContext) Monitor() ConnectionMonitor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.monitor
}

func (s *SessionContext) SetLastStatus(c domain.StatusCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastStatus = c
}

func (s *SessionContext) LastStatus() domain.StatusCode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastStatus
}

func (s *SessionContext) SetReconnectAttempts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnectCount = n
}

func (s *SessionContext) ReconnectAttempts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reconnectCount
}

func (s *SessionContext) SetCapabilities(c domain.Capabilities) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caps = c
}

func (s *SessionContext) Capabilities() domain.Capabilities {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.caps
}

func (s *SessionContext) SetViewOnly(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.viewOnly = v
}

func (s *SessionContext) ViewOnly() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.viewOnly
}

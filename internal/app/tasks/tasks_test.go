package tasks

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/callcontrol/internal/app/task"
	"github.com/dkeye/callcontrol/internal/core"
	"github.com/dkeye/callcontrol/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sdpWith(kinds ...string) string {
	var b strings.Builder
	b.WriteString("v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n")
	for i, k := range kinds {
		fmt.Fprintf(&b, "m=%s 9 UDP/TLS/RTP/SAVPF 96\r\nc=IN IP4 0.0.0.0\r\na=mid:%d\r\n", k, i)
	}
	return b.String()
}

// fakeSignal is an in-memory SignalConnection whose server side is a
// respond function producing reply frames for every sent frame.
type fakeSignal struct {
	mu        sync.Mutex
	open      bool
	closed    bool
	openErr   error
	caps      domain.Capabilities
	closeCode domain.StatusCode
	sent      []core.Frame
	handlers  map[int]core.FrameHandler
	nextID    int
	respond   func(core.Frame) []core.Frame
	deliver   chan core.Frame
	done      chan struct{}
}

func newFakeSignal(respond func(core.Frame) []core.Frame) *fakeSignal {
	return &fakeSignal{
		handlers: map[int]core.FrameHandler{},
		respond:  respond,
		deliver:  make(chan core.Frame, 64),
		done:     make(chan struct{}),
	}
}

func (s *fakeSignal) Open(context.Context) error {
	if s.openErr != nil {
		return s.openErr
	}
	s.mu.Lock()
	s.open = true
	s.mu.Unlock()
	go s.dispatch()
	return nil
}

func (s *fakeSignal) dispatch() {
	defer close(s.done)
	for f := range s.deliver {
		for _, h := range s.snapshot() {
			h.HandleFrame(f)
		}
		if f.IsTerminal() {
			return
		}
	}
}

func (s *fakeSignal) snapshot() []core.FrameHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int, 0, len(s.handlers))
	for id := range s.handlers {
		ids = append(ids, id)
	}
	// Registration order.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
	out := make([]core.FrameHandler, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.handlers[id])
	}
	return out
}

func (s *fakeSignal) Send(f core.Frame) error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return fmt.Errorf("not open")
	}
	s.sent = append(s.sent, f)
	s.mu.Unlock()
	if s.respond != nil {
		for _, r := range s.respond(f) {
			s.push(r)
		}
	}
	return nil
}

// push delivers a server frame. A terminal status closes the channel.
func (s *fakeSignal) push(f core.Frame) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if f.Type == core.FrameStatus && f.Status.Terminal {
		s.open, s.closed = false, true
		s.closeCode = f.Status.Code
	}
	s.mu.Unlock()
	s.deliver <- f
}

func (s *fakeSignal) OnFrame(h core.FrameHandler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.handlers[id] = h
	return func() {
		s.mu.Lock()
		delete(s.handlers, id)
		s.mu.Unlock()
	}
}

func (s *fakeSignal) SetCapabilities(c domain.Capabilities) {
	s.mu.Lock()
	s.caps = c
	s.mu.Unlock()
}

func (s *fakeSignal) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *fakeSignal) CloseCode() domain.StatusCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode
}

func (s *fakeSignal) Close() {
	s.mu.Lock()
	wasOpen := s.open
	s.mu.Unlock()
	if wasOpen {
		s.push(core.Frame{Type: core.FrameStatus, Status: &core.StatusPayload{Code: domain.StatusOK, Terminal: true}})
	}
}

func (s *fakeSignal) sentTypes() []core.FrameType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.FrameType
	for _, f := range s.sent {
		if f.Type != core.FrameIceCandidate {
			out = append(out, f.Type)
		}
	}
	return out
}

func (s *fakeSignal) sentOf(t core.FrameType) []core.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Frame
	for _, f := range s.sent {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

type fakeMedia struct {
	mu       sync.Mutex
	slots    int
	answers  []webrtc.SessionDescription
	closed   bool
	started  bool
	videoOff bool
	onICE    func(webrtc.ICECandidateInit)
}

func (m *fakeMedia) Start(context.Context) error {
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
	return nil
}

func (m *fakeMedia) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

func (m *fakeMedia) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *fakeMedia) EnsureReceiveSlots(n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > m.slots {
		m.slots = n
	}
	return nil
}

func (m *fakeMedia) CreateOffer() (webrtc.SessionDescription, error) {
	m.mu.Lock()
	kinds := []string{"audio"}
	for i := 0; i < m.slots; i++ {
		kinds = append(kinds, "video")
	}
	m.mu.Unlock()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdpWith(kinds...)}, nil
}

func (m *fakeMedia) ApplyAnswer(a webrtc.SessionDescription) error {
	m.mu.Lock()
	m.answers = append(m.answers, a)
	m.mu.Unlock()
	return nil
}

func (m *fakeMedia) AddICECandidate(webrtc.ICECandidateInit) error { return nil }

func (m *fakeMedia) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	m.mu.Lock()
	m.onICE = fn
	m.mu.Unlock()
}

func (m *fakeMedia) OnClosed(func()) {}

func (m *fakeMedia) StopLocalVideo() error {
	m.mu.Lock()
	m.videoOff = true
	m.mu.Unlock()
	return nil
}

// firstN fills the plan with the first sources by id at Low.
type firstN struct{ calls int }

func (p *firstN) Recompute(sc *core.SessionContext, trigger string) bool {
	p.calls++
	idx, _ := sc.VideoIndex()
	plan := make(domain.SubscriptionPlan, sc.SubscriptionLimit())
	for i, s := range idx.Sources() {
		if i >= len(plan) {
			break
		}
		plan[i] = domain.Slot{SourceID: s.ID, AttendeeID: s.AttendeeID}
	}
	_, prev := sc.Plans()
	sc.CommitPlan(plan, nil)
	return !plan.Equal(prev)
}

var testSources = []domain.VideoSource{
	{ID: "s1", AttendeeID: "a1", Priority: 2},
	{ID: "s2", AttendeeID: "a2", Priority: 1},
	{ID: "s3", AttendeeID: "a3", Priority: 0},
}

// server answers Join with JoinAck and an index, and Subscribe with an
// answer mirroring the offer.
func server(f core.Frame) []core.Frame {
	switch f.Type {
	case core.FrameJoin:
		return []core.Frame{
			{Type: core.FrameJoinAck, JoinAck: &core.JoinAckPayload{
				Capabilities:      domain.Capabilities{Compression: true},
				SubscriptionLimit: 2,
				ICEServers:        []core.ICEServer{{URLs: []string{"stun:stun.example.org"}}},
			}},
			{Type: core.FrameIndexUpdate, Index: &core.IndexPayload{Sources: testSources}},
		}
	case core.FrameSubscribe:
		return []core.Frame{{Type: core.FrameAnswer, Answer: &core.AnswerPayload{Round: f.Subscribe.Round, SDP: f.Subscribe.SDP}}}
	}
	return nil
}

type harness struct {
	sc      *core.SessionContext
	env     *Env
	signals []*fakeSignal
	media   []*fakeMedia
	planner *firstN
	respond func(core.Frame) []core.Frame
	mu      sync.Mutex
}

func newHarness(respond func(core.Frame) []core.Frame) *harness {
	h := &harness{
		sc: core.NewSessionContext(domain.MeetingConfig{
			MeetingID:    "m-1",
			AttendeeID:   "a-0",
			SignalingURL: "ws://signal",
			Metadata:     domain.AppMetadata{"app": "test"},
		}),
		planner: &firstN{},
		respond: respond,
	}
	h.env = &Env{
		NewSignal: func(sc *core.SessionContext) core.SignalConnection {
			s := newFakeSignal(h.respond)
			// Session handler, as the orchestrator installs it.
			s.OnFrame(core.FrameHandlerFunc(func(f core.Frame) {
				switch f.Type {
				case core.FrameIndexUpdate:
					idx := domain.VideoIndex{}
					for _, src := range f.Index.Sources {
						idx[src.ID] = src
					}
					sc.SetVideoIndex(idx)
				case core.FrameStatus:
					sc.SetLastStatus(f.Status.Code)
				}
			}))
			h.mu.Lock()
			h.signals = append(h.signals, s)
			h.mu.Unlock()
			return s
		},
		NewMedia: func(*core.SessionContext) (core.MediaConnection, error) {
			m := &fakeMedia{}
			h.mu.Lock()
			h.media = append(h.media, m)
			h.mu.Unlock()
			return m, nil
		},
		Planner:            h.planner,
		RequestCompression: true,
		JoinTimeout:        time.Second,
		NegotiationTimeout: time.Second,
		LeaveTimeout:       100 * time.Millisecond,
	}
	return h
}

func (h *harness) signal(i int) *fakeSignal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.signals[i]
}

func TestSetupPipeline(t *testing.T) {
	h := newHarness(server)
	res := h.env.Setup().Run(context.Background(), h.sc)
	require.Equal(t, task.Succeeded, res.State, "%+v", res)

	sig := h.signal(0)
	assert.Equal(t, []core.FrameType{core.FrameJoin, core.FrameSubscribe}, sig.sentTypes())

	join := sig.sentOf(core.FrameJoin)[0].Join
	assert.Equal(t, domain.MeetingID("m-1"), join.MeetingID)
	assert.Equal(t, "test", join.Metadata["app"])
	assert.True(t, join.Capabilities.Compression)
	_, err := uuid.Parse(join.ClientID)
	assert.NoError(t, err)

	assert.True(t, h.sc.Capabilities().Compression)
	assert.True(t, sig.caps.Compression)
	assert.Equal(t, 2, h.sc.SubscriptionLimit())
	assert.Len(t, h.sc.ICEServers(), 1)

	sub := sig.sentOf(core.FrameSubscribe)[0].Subscribe
	assert.Equal(t, uint64(1), sub.Round)
	require.Len(t, sub.Slots, 2)
	assert.Equal(t, "s1", sub.Slots[0].SourceID)

	assert.Equal(t, 2, h.media[0].slots)
	assert.True(t, h.media[0].started)
	require.Len(t, h.media[0].answers, 1)
	_, hasRemote := h.sc.RemoteAnswer()
	assert.True(t, hasRemote)
	assert.False(t, h.sc.PlanDiff().Changed(), "plan applied")
}

func TestSetupRetiresPreviousConnections(t *testing.T) {
	h := newHarness(server)
	require.Equal(t, task.Succeeded, h.env.Setup().Run(context.Background(), h.sc).State)
	require.Equal(t, task.Succeeded, h.env.Setup().Run(context.Background(), h.sc).State)

	assert.False(t, h.signal(0).IsOpen())
	assert.True(t, h.media[0].IsClosed())
	assert.Same(t, h.signal(1), h.sc.Signaling())
}

func TestJoinRejected(t *testing.T) {
	h := newHarness(func(f core.Frame) []core.Frame {
		if f.Type == core.FrameJoin {
			return []core.Frame{core.NewStatusFrame(domain.StatusAudioAuthenticationRejected, "bad token")}
		}
		return nil
	})
	res := h.env.Setup().Run(context.Background(), h.sc)
	assert.Equal(t, task.Failed, res.State)
	assert.Equal(t, domain.StatusAudioAuthenticationRejected, res.Code)
	assert.Equal(t, "join", res.Task)
	assert.Empty(t, h.media, "later tasks never ran")
}

func TestOpenFailureCarriesStatus(t *testing.T) {
	h := newHarness(server)
	base := h.env.NewSignal
	h.env.NewSignal = func(sc *core.SessionContext) core.SignalConnection {
		s := base(sc).(*fakeSignal)
		s.openErr = domain.NewStatusError(domain.StatusSignalingInternalServerError, nil)
		return s
	}
	res := h.env.Setup().Run(context.Background(), h.sc)
	assert.Equal(t, task.Failed, res.State)
	assert.Equal(t, domain.StatusSignalingInternalServerError, res.Code)
	assert.Equal(t, "open_signaling", res.Task)
}

func TestMeetingEndedDuringNegotiation(t *testing.T) {
	h := newHarness(func(f core.Frame) []core.Frame {
		if f.Type == core.FrameSubscribe {
			return []core.Frame{
				core.NewStatusFrame(domain.StatusMeetingEnded, "ended"),
				{Type: core.FrameStatus, Status: &core.StatusPayload{Code: domain.StatusMeetingEnded, Terminal: true}},
			}
		}
		return server(f)
	})
	res := h.env.Setup().Run(context.Background(), h.sc)
	assert.Equal(t, task.Failed, res.State)
	assert.Equal(t, domain.StatusMeetingEnded, res.Code)
	assert.Equal(t, domain.NormalEnd, domain.Classify(res.Code))
}

// endingMedia ends the meeting on the server while the offer is built.
type endingMedia struct {
	*fakeMedia
	sig func() *fakeSignal
}

func (m *endingMedia) CreateOffer() (webrtc.SessionDescription, error) {
	sig := m.sig()
	sig.push(core.Frame{Type: core.FrameStatus, Status: &core.StatusPayload{Code: domain.StatusMeetingEnded, Terminal: true}})
	<-sig.done
	return m.fakeMedia.CreateOffer()
}

func TestMeetingEndedWhileBuildingOffer(t *testing.T) {
	h := newHarness(server)
	h.env.NewMedia = func(*core.SessionContext) (core.MediaConnection, error) {
		m := &endingMedia{fakeMedia: &fakeMedia{}, sig: func() *fakeSignal { return h.signal(0) }}
		h.mu.Lock()
		h.media = append(h.media, m.fakeMedia)
		h.mu.Unlock()
		return m, nil
	}
	res := h.env.Setup().Run(context.Background(), h.sc)
	assert.Equal(t, task.Failed, res.State)
	assert.Equal(t, domain.StatusMeetingEnded, res.Code)
	assert.Equal(t, "negotiate", res.Task)
	assert.Empty(t, h.signal(0).sentOf(core.FrameSubscribe))
}

func TestClosedSignalReportsCloseCode(t *testing.T) {
	sc := core.NewSessionContext(domain.MeetingConfig{MeetingID: "m", AttendeeID: "a", SignalingURL: "ws://x"})
	sig := newFakeSignal(nil)
	require.NoError(t, sig.Open(context.Background()))
	sc.AttachSignaling(sig)
	sig.push(core.Frame{Type: core.FrameStatus, Status: &core.StatusPayload{Code: domain.StatusAudioAuthenticationRejected, Terminal: true}})
	<-sig.done

	_, err := liveSignal(sc)
	assert.Equal(t, domain.StatusAudioAuthenticationRejected, domain.StatusOf(err))

	err = sendError(sc, sig, fmt.Errorf("not open"))
	assert.Equal(t, domain.StatusAudioAuthenticationRejected, domain.StatusOf(err))
}

func TestWaiterKeepsStatusWhenFull(t *testing.T) {
	sig := newFakeSignal(nil)
	require.NoError(t, sig.Open(context.Background()))
	w := watch(sig, func(f core.Frame) bool { return f.Type == core.FrameIndexUpdate })
	defer w.unregister()

	for i := 0; i < waiterDepth+4; i++ {
		sig.push(core.Frame{Type: core.FrameIndexUpdate, Index: &core.IndexPayload{}})
	}
	sig.push(core.Frame{Type: core.FrameStatus, Status: &core.StatusPayload{Code: domain.StatusMeetingEnded, Terminal: true}})
	<-sig.done

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < waiterDepth; i++ {
		f, err := w.wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, core.FrameIndexUpdate, f.Type)
	}
	_, err := w.wait(ctx)
	assert.Equal(t, domain.StatusMeetingEnded, domain.StatusOf(err))
}

func TestIncompatibleAnswer(t *testing.T) {
	h := newHarness(func(f core.Frame) []core.Frame {
		if f.Type == core.FrameSubscribe {
			return []core.Frame{{Type: core.FrameAnswer, Answer: &core.AnswerPayload{Round: f.Subscribe.Round, SDP: sdpWith("audio")}}}
		}
		return server(f)
	})
	res := h.env.Setup().Run(context.Background(), h.sc)
	assert.Equal(t, task.Failed, res.State)
	assert.Equal(t, domain.StatusIncompatibleSDP, res.Code)
	assert.True(t, domain.IsBounded(res.Code))
}

func TestStaleAnswerIgnored(t *testing.T) {
	h := newHarness(func(f core.Frame) []core.Frame {
		if f.Type == core.FrameSubscribe {
			return []core.Frame{
				{Type: core.FrameAnswer, Answer: &core.AnswerPayload{Round: f.Subscribe.Round - 1, SDP: "garbage"}},
				{Type: core.FrameAnswer, Answer: &core.AnswerPayload{Round: f.Subscribe.Round, SDP: f.Subscribe.SDP}},
			}
		}
		return server(f)
	})
	res := h.env.Setup().Run(context.Background(), h.sc)
	require.Equal(t, task.Succeeded, res.State, "%+v", res)
	assert.Len(t, h.media[0].answers, 1)
}

func TestJoinTimeout(t *testing.T) {
	h := newHarness(func(core.Frame) []core.Frame { return nil })
	h.env.JoinTimeout = 30 * time.Millisecond
	res := h.env.Setup().Run(context.Background(), h.sc)
	assert.Equal(t, task.Failed, res.State)
	assert.Equal(t, domain.StatusTaskFailed, res.Code)
	assert.ErrorIs(t, res.Err, task.ErrTimeout)
}

func TestUpdateOnlyRenegotiatesChanges(t *testing.T) {
	h := newHarness(server)
	require.Equal(t, task.Succeeded, h.env.Setup().Run(context.Background(), h.sc).State)
	sig := h.signal(0)

	res := h.env.Update("estimate").Run(context.Background(), h.sc)
	require.Equal(t, task.Succeeded, res.State)
	assert.Len(t, sig.sentOf(core.FrameSubscribe), 1, "no diff, no subscribe")

	h.sc.SetVideoIndex(domain.VideoIndex{"s0": {ID: "s0", AttendeeID: "a9"}, "s1": testSources[0]})
	res = h.env.Update("index").Run(context.Background(), h.sc)
	require.Equal(t, task.Succeeded, res.State)

	subs := sig.sentOf(core.FrameSubscribe)
	require.Len(t, subs, 2)
	assert.Equal(t, uint64(2), subs[1].Subscribe.Round)
	assert.Equal(t, "s0", subs[1].Subscribe.Slots[0].SourceID)
	assert.Equal(t, 3, h.planner.calls)
}

func TestRenegotiateOffersUnchangedPlan(t *testing.T) {
	h := newHarness(server)
	require.Equal(t, task.Succeeded, h.env.Setup().Run(context.Background(), h.sc).State)
	sig := h.signal(0)
	before, _ := h.sc.Plans()

	res := h.env.Renegotiate().Run(context.Background(), h.sc)
	require.Equal(t, task.Succeeded, res.State, "%+v", res)

	subs := sig.sentOf(core.FrameSubscribe)
	require.Len(t, subs, 2)
	assert.Equal(t, uint64(2), subs[1].Subscribe.Round)
	assert.True(t, before.Equal(subs[1].Subscribe.Slots))
	assert.Len(t, h.media[0].answers, 2)
}

func TestLocalCandidatesAreTrickled(t *testing.T) {
	h := newHarness(server)
	require.Equal(t, task.Succeeded, h.env.Setup().Run(context.Background(), h.sc).State)

	c := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host"}
	h.media[0].onICE(c)

	assert.Equal(t, []webrtc.ICECandidateInit{c}, h.sc.ICECandidates())
	sent := h.signal(0).sentOf(core.FrameIceCandidate)
	require.Len(t, sent, 1)
	assert.Equal(t, c.Candidate, sent[0].Candidate.Candidate)
}

func TestViewOnlyStopsLocalVideo(t *testing.T) {
	h := newHarness(server)
	h.sc.SetViewOnly(true)
	require.Equal(t, task.Succeeded, h.env.Setup().Run(context.Background(), h.sc).State)
	assert.True(t, h.media[0].videoOff)
}

func TestTeardown(t *testing.T) {
	h := newHarness(func(f core.Frame) []core.Frame {
		if f.Type == core.FrameLeave {
			return []core.Frame{
				core.NewStatusFrame(domain.StatusLeft, "bye"),
				{Type: core.FrameStatus, Status: &core.StatusPayload{Code: domain.StatusLeft, Terminal: true}},
			}
		}
		return server(f)
	})
	require.Equal(t, task.Succeeded, h.env.Setup().Run(context.Background(), h.sc).State)
	sig, media := h.signal(0), h.media[0]

	res := h.env.Teardown("user left").Run(context.Background(), h.sc)
	assert.Equal(t, task.Succeeded, res.State)

	leaves := sig.sentOf(core.FrameLeave)
	require.Len(t, leaves, 1)
	assert.Equal(t, "user left", leaves[0].Leave.Reason)
	assert.True(t, media.IsClosed())
	assert.Nil(t, h.sc.Signaling())
	assert.Nil(t, h.sc.Media())
}

func TestTeardownWithoutSession(t *testing.T) {
	h := newHarness(server)
	res := h.env.Teardown("shutdown").Run(context.Background(), h.sc)
	assert.Equal(t, task.Succeeded, res.State)
}

func TestValidateAnswer(t *testing.T) {
	offer := sdpWith("audio", "video")
	assert.NoError(t, validateAnswer(offer, sdpWith("audio", "video")))
	assert.Error(t, validateAnswer(offer, "garbage"))
	assert.ErrorIs(t, validateAnswer(offer, sdpWith()), ErrNoMedia)
	assert.Error(t, validateAnswer(offer, sdpWith("video", "audio")))
	assert.Error(t, validateAnswer(offer, sdpWith("audio")))
}

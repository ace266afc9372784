package call

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/mentorhub/mentorchat-go/internal/stats"
	"github.com/mentorhub/mentorchat-go/internal/testutil"
	"github.com/mentorhub/mentorchat-go/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type emitted struct {
	event   transport.EventType
	payload any
}

type fakeSignaler struct {
	mu       sync.Mutex
	emits    []emitted
	handlers map[transport.EventType]map[int]transport.Handler
	nextId   int
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{handlers: make(map[transport.EventType]map[int]transport.Handler)}
}

func (f *fakeSignaler) On(event transport.EventType, h transport.Handler) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextId++
	if f.handlers[event] == nil {
		f.handlers[event] = make(map[int]transport.Handler)
	}
	f.handlers[event][f.nextId] = h
	return f.nextId
}

func (f *fakeSignaler) Off(event transport.EventType, id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers[event], id)
}

func (f *fakeSignaler) Emit(event transport.EventType, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emits = append(f.emits, emitted{event: event, payload: payload})
}

func (f *fakeSignaler) fire(ev transport.Event) {
	f.mu.Lock()
	hs := make([]transport.Handler, 0, len(f.handlers[ev.Type]))
	for _, h := range f.handlers[ev.Type] {
		hs = append(hs, h)
	}
	f.mu.Unlock()

	for _, h := range hs {
		h(ev)
	}
}

func (f *fakeSignaler) emittedEvents() []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]emitted(nil), f.emits...)
}

func (f *fakeSignaler) lastEmit() (emitted, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.emits) == 0 {
		return emitted{}, false
	}
	return f.emits[len(f.emits)-1], true
}

type fakeStream struct {
	mu     sync.Mutex
	closes int
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *fakeStream) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

type fakeMedia struct {
	mu      sync.Mutex
	err     error
	streams []*fakeStream
}

func (m *fakeMedia) Acquire(ctx context.Context, video bool) (MediaStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	stream := &fakeStream{}
	m.streams = append(m.streams, stream)
	return stream, nil
}

func newTestCallClient(t *testing.T, fs *fakeSignaler, fm *fakeMedia, hooks Hooks) *Client {
	return NewClient(fs, fm, "u-1", hooks, testutil.TestLogger(t), stats.NopStats{})
}

func Test_Start(t *testing.T) {
	fs := newFakeSignaler()
	fm := &fakeMedia{}
	c := newTestCallClient(t, fs, fm, Hooks{})

	callId, err := c.Start(context.Background(), "c-1", "u-2", true)
	require.NoError(t, err, "expected outgoing call to start")
	require.NotEmpty(t, callId, "expected a generated call id")

	info := c.Snapshot()
	assert.Equal(t, StateConnecting, info.State)
	assert.Equal(t, DirectionOutgoing, info.Direction)
	assert.Equal(t, "u-2", info.PeerId)
	assert.True(t, info.Video)

	last, ok := fs.lastEmit()
	require.True(t, ok, "expected an offer emit")
	assert.Equal(t, transport.EventCallOffer, last.event)
	offer := last.payload.(transport.CallOffer)
	assert.Equal(t, callId, offer.CallId)
	assert.Equal(t, "u-1", offer.CallerId)
}

func Test_Start_whileInCall(t *testing.T) {
	fs := newFakeSignaler()
	c := newTestCallClient(t, fs, &fakeMedia{}, Hooks{})

	callId, err := c.Start(context.Background(), "c-1", "u-2", false)
	require.NoError(t, err)
	before := c.Snapshot()

	_, err = c.Start(context.Background(), "c-2", "u-3", false)
	assert.Error(t, err, "expected second call to be rejected")

	after := c.Snapshot()
	assert.Equal(t, before.State, after.State, "expected existing call state unchanged")
	assert.Equal(t, callId, after.CallId, "expected original call to survive")
}

func Test_Start_mediaFailureAbortsBeforeSignaling(t *testing.T) {
	fs := newFakeSignaler()
	fm := &fakeMedia{err: errors.New("camera busy")}
	c := newTestCallClient(t, fs, fm, Hooks{})

	_, err := c.Start(context.Background(), "c-1", "u-2", true)
	assert.Error(t, err, "expected media failure to abort the call")
	assert.Equal(t, StateIdle, c.Snapshot().State, "expected state reset to idle")
	assert.Empty(t, fs.emittedEvents(), "expected no signal before media acquisition")
}

func Test_End_idempotent(t *testing.T) {
	fs := newFakeSignaler()
	fm := &fakeMedia{}
	c := newTestCallClient(t, fs, fm, Hooks{})

	callId, err := c.Start(context.Background(), "c-1", "u-2", false)
	require.NoError(t, err)

	fs.fire(transport.Event{Type: transport.EventCallOfferSent, IncomingCall: &transport.CallOffer{CallId: callId}})
	fs.fire(transport.Event{Type: transport.EventCallAnswered, CallAnswer: &transport.CallAnswer{CallId: callId}})
	require.Equal(t, StateActive, c.Snapshot().State, "expected answered call to go active")

	c.End()
	c.End()
	c.End()

	assert.Equal(t, StateIdle, c.Snapshot().State, "expected idle state after end")
	require.Len(t, fm.streams, 1)
	assert.Equal(t, 1, fm.streams[0].closeCount(), "expected media released exactly once")

	ends := 0
	for _, e := range fs.emittedEvents() {
		if e.event == transport.EventCallEnded {
			ends++
		}
	}
	assert.Equal(t, 1, ends, "expected a single end signal")
}

func Test_remoteEnd_releasesMediaWithoutEcho(t *testing.T) {
	fs := newFakeSignaler()
	fm := &fakeMedia{}
	c := newTestCallClient(t, fs, fm, Hooks{})

	callId, err := c.Start(context.Background(), "c-1", "u-2", false)
	require.NoError(t, err)

	fs.fire(transport.Event{Type: transport.EventCallEnded, CallEnd: &transport.CallEnd{CallId: callId}})

	assert.Equal(t, StateIdle, c.Snapshot().State, "expected idle state after remote end")
	assert.Equal(t, 1, fm.streams[0].closeCount(), "expected media released")

	for _, e := range fs.emittedEvents() {
		assert.NotEqual(t, transport.EventCallEnded, e.event,
			"expected no end signal echoed back for a remote end")
	}
}

func Test_remoteReject_resetsWithoutEcho(t *testing.T) {
	fs := newFakeSignaler()
	fm := &fakeMedia{}
	c := newTestCallClient(t, fs, fm, Hooks{})

	callId, err := c.Start(context.Background(), "c-1", "u-2", false)
	require.NoError(t, err)

	fs.fire(transport.Event{Type: transport.EventCallRejected, CallReject: &transport.CallReject{
		CallId: callId, UserId: "u-2", Reason: "declined",
	}})

	assert.Equal(t, StateIdle, c.Snapshot().State, "expected idle after a remote rejection")
	assert.Equal(t, 1, fm.streams[0].closeCount(), "expected media released")

	for _, e := range fs.emittedEvents() {
		assert.NotEqual(t, transport.EventCallEnded, e.event,
			"expected no end signal for a call the peer already terminated")
	}
}

func Test_incomingCall_answer(t *testing.T) {
	fs := newFakeSignaler()
	fm := &fakeMedia{}
	c := newTestCallClient(t, fs, fm, Hooks{})

	fs.fire(transport.Event{Type: transport.EventIncomingCall, IncomingCall: &transport.CallOffer{
		CallId: "call-7", ChatId: "c-1", CallerId: "u-2", TargetId: "u-1",
	}})

	info := c.Snapshot()
	assert.Equal(t, StateIncoming, info.State)
	assert.Equal(t, DirectionIncoming, info.Direction)
	assert.Equal(t, "u-2", info.PeerId)

	require.NoError(t, c.Answer(context.Background()), "expected answer to succeed")
	assert.Equal(t, StateActive, c.Snapshot().State)

	last, ok := fs.lastEmit()
	require.True(t, ok)
	assert.Equal(t, transport.EventCallAnswer, last.event)
	assert.Equal(t, "call-7", last.payload.(transport.CallAnswer).CallId)

	c.End()
	assert.Equal(t, 1, fm.streams[0].closeCount(), "expected media released on end")
}

func Test_incomingCall_busy(t *testing.T) {
	fs := newFakeSignaler()
	c := newTestCallClient(t, fs, &fakeMedia{}, Hooks{})

	callId, err := c.Start(context.Background(), "c-1", "u-2", false)
	require.NoError(t, err)

	fs.fire(transport.Event{Type: transport.EventIncomingCall, IncomingCall: &transport.CallOffer{
		CallId: "call-9", CallerId: "u-3",
	}})

	info := c.Snapshot()
	assert.Equal(t, callId, info.CallId, "expected existing call unchanged")
	assert.Equal(t, StateConnecting, info.State)

	last, ok := fs.lastEmit()
	require.True(t, ok)
	assert.Equal(t, transport.EventCallRejected, last.event, "expected busy rejection")
	reject := last.payload.(transport.CallReject)
	assert.Equal(t, "call-9", reject.CallId)
	assert.Equal(t, "busy", reject.Reason)
}

func Test_answer_withoutIncomingCall(t *testing.T) {
	c := newTestCallClient(t, newFakeSignaler(), &fakeMedia{}, Hooks{})
	assert.Error(t, c.Answer(context.Background()), "expected error with no pending offer")
}

func Test_reject_resetsPendingCall(t *testing.T) {
	fs := newFakeSignaler()
	c := newTestCallClient(t, fs, &fakeMedia{}, Hooks{})

	fs.fire(transport.Event{Type: transport.EventIncomingCall, IncomingCall: &transport.CallOffer{
		CallId: "call-3", CallerId: "u-2",
	}})
	require.Equal(t, StateIncoming, c.Snapshot().State)

	c.Reject("call-3", "declined")

	assert.Equal(t, StateIdle, c.Snapshot().State, "expected idle after reject")
	last, ok := fs.lastEmit()
	require.True(t, ok)
	assert.Equal(t, transport.EventCallRejected, last.event)
}

func Test_staleICECandidateDiscarded(t *testing.T) {
	fs := newFakeSignaler()
	var received []transport.ICECandidate
	var mu sync.Mutex
	hooks := Hooks{RemoteCandidate: func(cand transport.ICECandidate) {
		mu.Lock()
		received = append(received, cand)
		mu.Unlock()
	}}
	c := newTestCallClient(t, fs, &fakeMedia{}, hooks)

	callId, err := c.Start(context.Background(), "c-1", "u-2", false)
	require.NoError(t, err)

	// Candidate from an ended/unknown call must be dropped.
	fs.fire(transport.Event{Type: transport.EventICECandidate, ICECandidate: &transport.ICECandidate{
		CallId: "stale-call", Candidate: "candidate:0",
	}})
	fs.fire(transport.Event{Type: transport.EventICECandidate, ICECandidate: &transport.ICECandidate{
		CallId: callId, Candidate: "candidate:1",
	}})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1, "expected only the matching candidate to be applied")
	assert.Equal(t, "candidate:1", received[0].Candidate)
}

func Test_SendCandidate(t *testing.T) {
	fs := newFakeSignaler()
	c := newTestCallClient(t, fs, &fakeMedia{}, Hooks{})

	assert.Error(t, c.SendCandidate("candidate:1", "0", 0), "expected error with no active call")

	callId, err := c.Start(context.Background(), "c-1", "u-2", false)
	require.NoError(t, err)
	require.NoError(t, c.SendCandidate("candidate:1", "0", 0))

	last, ok := fs.lastEmit()
	require.True(t, ok)
	assert.Equal(t, transport.EventICECandidate, last.event)
	cand := last.payload.(transport.ICECandidate)
	assert.Equal(t, callId, cand.CallId, "expected candidate tagged with the call id")
	assert.Equal(t, "u-2", cand.TargetId, "expected candidate targeted at the peer")
}

func Test_callFailed_endsCall(t *testing.T) {
	fs := newFakeSignaler()
	fm := &fakeMedia{}
	c := newTestCallClient(t, fs, fm, Hooks{})

	callId, err := c.Start(context.Background(), "c-1", "u-2", false)
	require.NoError(t, err)

	fs.fire(transport.Event{Type: transport.EventCallFailed, CallFail: &transport.CallFail{
		CallId: callId, Reason: "connection failed",
	}})

	assert.Equal(t, StateIdle, c.Snapshot().State, "expected failure to end the call")
	assert.Equal(t, 1, fm.streams[0].closeCount(), "expected media released on failure")
}

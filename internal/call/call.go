package call

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mentorhub/mentorchat-go/internal/stats"
	"github.com/mentorhub/mentorchat-go/internal/transport"
)

// State is the call lifecycle. At most one call is in a non-idle state at
// a time.
type State int

const (
	StateIdle State = iota
	// StateConnecting: outgoing call, offer not yet acknowledged.
	StateConnecting
	// StateRinging: outgoing call, offer delivered to the peer.
	StateRinging
	// StateIncoming: a remote offer is waiting for Answer or Reject.
	StateIncoming
	StateActive
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateRinging:
		return "ringing"
	case StateIncoming:
		return "incoming"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// Info is a snapshot of the current call record.
type Info struct {
	State     State
	CallId    string
	ChatId    string
	PeerId    string
	Direction Direction
	Video     bool
	Muted     bool
	Duration  time.Duration
}

// Signaler is the call client's view of the transport.
type Signaler interface {
	On(event transport.EventType, h transport.Handler) int
	Off(event transport.EventType, id int)
	Emit(event transport.EventType, payload any)
}

// MediaStream is a handle on the local camera/microphone. It must be
// closed on every call exit path or the device stays locked.
type MediaStream interface {
	Close() error
}

// MediaProvider acquires local media before any signal is sent.
type MediaProvider interface {
	Acquire(ctx context.Context, video bool) (MediaStream, error)
}

// Hooks let the embedding application consume remote signaling payloads
// (to feed its peer connection). Optional; nil hooks are skipped.
type Hooks struct {
	RemoteAnswer    func(sdp string)
	RemoteCandidate func(cand transport.ICECandidate)
}

const (
	StatCallsStarted = "CallsStarted"
	StatCallsFailed  = "CallsFailed"
)

type subscription struct {
	event transport.EventType
	id    int
}

// Client tracks a single call's lifecycle and relays signaling payloads
// through the transport. It exclusively owns the local media handle and
// the duration timer; both are released in End on every exit path.
type Client struct {
	log      *log.Logger
	stats    stats.StatsProvider
	signaler Signaler
	media    MediaProvider
	userId   string
	hooks    Hooks

	subs []subscription

	mu           sync.Mutex
	state        State
	info         Info
	stream       MediaStream
	pendingOffer *transport.CallOffer
	startedAt    time.Time
	tickerStop   chan struct{}
}

func NewClient(signaler Signaler, media MediaProvider, userId string, hooks Hooks, logger *log.Logger, sp stats.StatsProvider) *Client {
	c := &Client{
		log:      logger,
		stats:    sp,
		signaler: signaler,
		media:    media,
		userId:   userId,
		hooks:    hooks,
		state:    StateIdle,
	}

	sp.RegisterMetric(StatCallsStarted)
	sp.RegisterMetric(StatCallsFailed)

	c.subscribe()

	return c
}

func (c *Client) subscribe() {
	sub := func(event transport.EventType, h transport.Handler) {
		id := c.signaler.On(event, h)
		c.subs = append(c.subs, subscription{event: event, id: id})
	}

	sub(transport.EventIncomingCall, c.handleIncoming)
	sub(transport.EventCallOfferSent, c.handleOfferSent)
	sub(transport.EventCallAnswered, c.handleAnswered)
	sub(transport.EventCallRejected, c.handleRejected)
	sub(transport.EventCallEnded, c.handleEnded)
	sub(transport.EventCallFailed, c.handleFailed)
	sub(transport.EventICECandidate, c.handleCandidate)
}

// Close unregisters transport handlers and ends any active call.
func (c *Client) Close() {
	for _, sub := range c.subs {
		c.signaler.Off(sub.event, sub.id)
	}
	c.End()
}

// Snapshot returns a copy of the current call record.
func (c *Client) Snapshot() Info {
	c.mu.Lock()
	defer c.mu.Unlock()

	info := c.info
	info.State = c.state
	if c.state == StateActive {
		info.Duration = time.Since(c.startedAt)
	}
	return info
}

// Start begins an outgoing call. Rejected when a call is already in a
// non-idle state. Media is acquired before any signal is sent: an
// acquisition failure aborts the call without signaling.
func (c *Client) Start(ctx context.Context, chatId, targetUserId string, video bool) (string, error) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return "", fmt.Errorf("call: already in a call (%s)", c.state)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	stream, err := c.media.Acquire(ctx, video)
	if err != nil {
		c.mu.Lock()
		c.state = StateIdle
		c.mu.Unlock()
		c.stats.Incr(StatCallsFailed)
		return "", fmt.Errorf("acquire media: %w", err)
	}

	callId := uuid.NewString()

	c.mu.Lock()
	c.stream = stream
	c.info = Info{
		CallId:    callId,
		ChatId:    chatId,
		PeerId:    targetUserId,
		Direction: DirectionOutgoing,
		Video:     video,
	}
	c.mu.Unlock()

	c.signaler.Emit(transport.EventCallOffer, transport.CallOffer{
		CallId:   callId,
		ChatId:   chatId,
		CallerId: c.userId,
		TargetId: targetUserId,
		Video:    video,
	})
	c.stats.Incr(StatCallsStarted)

	return callId, nil
}

// Answer accepts the pending incoming offer. Media acquisition failure
// rejects the call before signaling an answer.
func (c *Client) Answer(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIncoming || c.pendingOffer == nil {
		c.mu.Unlock()
		return fmt.Errorf("call: no incoming call to answer")
	}
	offer := *c.pendingOffer
	c.mu.Unlock()

	stream, err := c.media.Acquire(ctx, offer.Video)
	if err != nil {
		c.Reject(offer.CallId, "media unavailable")
		c.stats.Incr(StatCallsFailed)
		return fmt.Errorf("acquire media: %w", err)
	}

	c.mu.Lock()
	if c.state != StateIncoming || c.pendingOffer == nil || c.pendingOffer.CallId != offer.CallId {
		// The call went away while media was being acquired.
		c.mu.Unlock()
		stream.Close()
		return fmt.Errorf("call: call %s no longer pending", offer.CallId)
	}
	c.stream = stream
	c.state = StateActive
	c.startedAt = time.Now()
	c.pendingOffer = nil
	c.startTickerLocked()
	c.mu.Unlock()

	c.signaler.Emit(transport.EventCallAnswer, transport.CallAnswer{
		CallId: offer.CallId,
		UserId: c.userId,
	})

	return nil
}

// Reject declines a call and resets to idle. No retry.
func (c *Client) Reject(callId, reason string) {
	c.signaler.Emit(transport.EventCallRejected, transport.CallReject{
		CallId: callId,
		UserId: c.userId,
		Reason: reason,
	})

	c.mu.Lock()
	if c.info.CallId == callId || (c.pendingOffer != nil && c.pendingOffer.CallId == callId) {
		c.resetLocked()
	}
	c.mu.Unlock()
}

// End terminates the current call: best-effort end signal, media released,
// duration timer stopped, state reset to idle. Safe to call repeatedly and
// required on every exit path.
func (c *Client) End() {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	callId := c.info.CallId
	c.resetLocked()
	c.mu.Unlock()

	if callId != "" {
		c.signaler.Emit(transport.EventCallEnded, transport.CallEnd{
			CallId: callId,
			UserId: c.userId,
		})
	}
}

// resetLocked releases every owned resource. Callers hold c.mu.
func (c *Client) resetLocked() {
	if c.stream != nil {
		if err := c.stream.Close(); err != nil {
			c.log.Println("close media stream:", err)
		}
		c.stream = nil
	}
	if c.tickerStop != nil {
		close(c.tickerStop)
		c.tickerStop = nil
	}
	c.state = StateIdle
	c.info = Info{}
	c.pendingOffer = nil
}

// SetMuted toggles the local mute flag.
func (c *Client) SetMuted(muted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.info.Muted = muted
}

// SendCandidate forwards a locally gathered ICE candidate, tagged with the
// active call id and peer.
func (c *Client) SendCandidate(candidate, sdpMid string, sdpMLineIndex int) error {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return fmt.Errorf("call: no active call")
	}
	callId, peerId := c.info.CallId, c.info.PeerId
	c.mu.Unlock()

	c.signaler.Emit(transport.EventICECandidate, transport.ICECandidate{
		CallId:        callId,
		TargetId:      peerId,
		Candidate:     candidate,
		SDPMid:        sdpMid,
		SDPMLineIndex: sdpMLineIndex,
	})
	return nil
}

func (c *Client) handleIncoming(ev transport.Event) {
	if ev.IncomingCall == nil {
		return
	}
	offer := *ev.IncomingCall

	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		// Busy: decline without touching the existing call.
		c.signaler.Emit(transport.EventCallRejected, transport.CallReject{
			CallId: offer.CallId,
			UserId: c.userId,
			Reason: "busy",
		})
		return
	}

	c.state = StateIncoming
	c.pendingOffer = &offer
	c.info = Info{
		CallId:    offer.CallId,
		ChatId:    offer.ChatId,
		PeerId:    offer.CallerId,
		Direction: DirectionIncoming,
		Video:     offer.Video,
	}
	c.mu.Unlock()
}

func (c *Client) handleOfferSent(ev transport.Event) {
	if ev.IncomingCall == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateConnecting && c.info.CallId == ev.IncomingCall.CallId {
		c.state = StateRinging
	}
}

func (c *Client) handleAnswered(ev transport.Event) {
	if ev.CallAnswer == nil {
		return
	}

	c.mu.Lock()
	if c.info.CallId != ev.CallAnswer.CallId || (c.state != StateRinging && c.state != StateConnecting) {
		c.mu.Unlock()
		return
	}
	c.state = StateActive
	c.startedAt = time.Now()
	c.startTickerLocked()
	c.mu.Unlock()

	if c.hooks.RemoteAnswer != nil {
		c.hooks.RemoteAnswer(ev.CallAnswer.SDP)
	}
}

func (c *Client) handleRejected(ev transport.Event) {
	if ev.CallReject == nil {
		return
	}

	c.mu.Lock()
	if c.info.CallId == ev.CallReject.CallId {
		// The peer already terminated this call; release local resources
		// without echoing an end signal.
		c.resetLocked()
	}
	c.mu.Unlock()
}

func (c *Client) handleEnded(ev transport.Event) {
	if ev.CallEnd == nil {
		return
	}

	c.mu.Lock()
	match := c.info.CallId == ev.CallEnd.CallId
	if match {
		// Remote already ended: release local resources without echoing
		// another end signal.
		c.resetLocked()
	}
	c.mu.Unlock()
}

func (c *Client) handleFailed(ev transport.Event) {
	if ev.CallFail == nil {
		return
	}

	c.mu.Lock()
	match := c.info.CallId == ev.CallFail.CallId
	c.mu.Unlock()
	if match {
		c.stats.Incr(StatCallsFailed)
		c.End()
	}
}

// handleCandidate applies a remote ICE candidate only when its call id
// matches the active call; stale candidates from ended calls are dropped.
func (c *Client) handleCandidate(ev transport.Event) {
	if ev.ICECandidate == nil {
		return
	}

	c.mu.Lock()
	match := c.state != StateIdle && c.info.CallId == ev.ICECandidate.CallId
	c.mu.Unlock()

	if !match {
		c.log.Printf("discarding stale ice candidate for call %q", ev.ICECandidate.CallId)
		return
	}

	if c.hooks.RemoteCandidate != nil {
		c.hooks.RemoteCandidate(*ev.ICECandidate)
	}
}

// startTickerLocked begins the duration counter. Callers hold c.mu.
func (c *Client) startTickerLocked() {
	stop := make(chan struct{})
	c.tickerStop = stop

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.mu.Lock()
				if c.state == StateActive {
					c.info.Duration = time.Since(c.startedAt)
				}
				c.mu.Unlock()
			case <-stop:
				return
			}
		}
	}()
}

package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mentorhub/mentorchat-go/internal/types"
	"github.com/valyala/fastjson"
)

// EventType names an event on the wire. The set is dictated by the
// backend socket contract.
type EventType string

// Events delivered by the server.
const (
	EventConnected           EventType = "connected"
	EventJoinedChat          EventType = "joined-chat"
	EventLeftChat            EventType = "left-chat"
	EventNewMessage          EventType = "new-message"
	EventMessageSent         EventType = "message-sent"
	EventFileMessageReceived EventType = "file-message-received"
	EventUserTyping          EventType = "user-typing"
	EventMessagesRead        EventType = "messages-read"
	EventUserOnline          EventType = "user:online"
	EventUserOffline         EventType = "user:offline"
	EventParticipantJoined   EventType = "participant-joined"
	EventParticipantLeft     EventType = "participant-left"
	EventAddedToSession      EventType = "added-to-session"
	EventRemovedFromSession  EventType = "removed-from-session"
	EventSessionChanged      EventType = "session-changed"
	EventIncomingCall        EventType = "incoming-call"
	EventCallAnswered        EventType = "call-answered"
	EventCallRejected        EventType = "call-rejected"
	EventCallEnded           EventType = "call-ended"
	EventCallOfferSent       EventType = "call-offer-sent"
	EventCallFailed          EventType = "call-failed"
	EventICECandidate        EventType = "ice-candidate"
	EventError               EventType = "error"
)

// Events emitted by the client.
const (
	EventJoinChat                  EventType = "join-chat"
	EventLeaveChat                 EventType = "leave-chat"
	EventSendMessage               EventType = "send-message"
	EventMarkRead                  EventType = "mark-read"
	EventTypingStart               EventType = "typing-start"
	EventTypingStop                EventType = "typing-stop"
	EventFileUploaded              EventType = "file-uploaded"
	EventCallOffer                 EventType = "call-offer"
	EventCallAnswer                EventType = "call-answer"
	EventSessionParticipantAdded   EventType = "session-participant-added"
	EventSessionParticipantRemoved EventType = "session-participant-removed"
)

// EventReconnected is synthesized locally after the transport re-establishes
// a dropped connection. The server never sends it; consumers use it to force
// a full refetch since no missed-event replay exists.
const EventReconnected EventType = "reconnected"

type ChatRef struct {
	ChatId string `json:"chat_id"`
	UserId string `json:"user_id,omitempty"`
}

type Typing struct {
	ChatId   string `json:"chat_id"`
	UserId   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

type MessagesRead struct {
	ChatId string    `json:"chat_id"`
	UserId string    `json:"user_id"`
	ReadAt time.Time `json:"read_at"`
}

type Presence struct {
	UserId string `json:"user_id"`
}

type Participant struct {
	ChatId string `json:"chat_id"`
	UserId string `json:"user_id"`
}

type SessionChange struct {
	SessionId string `json:"session_id"`
	ChatId    string `json:"chat_id"`
	UserId    string `json:"user_id,omitempty"`
}

type SendMessage struct {
	ChatId    string            `json:"chat_id"`
	Type      types.MessageType `json:"type"`
	Content   string            `json:"content"`
	ReplyTo   string            `json:"reply_to,omitempty"`
	ClientKey string            `json:"client_key"`
	Timestamp time.Time         `json:"timestamp"`
}

type FileUploaded struct {
	ChatId    string `json:"chat_id"`
	FileURL   string `json:"file_url"`
	FileName  string `json:"file_name,omitempty"`
	ClientKey string `json:"client_key"`
}

type CallOffer struct {
	CallId   string `json:"call_id"`
	ChatId   string `json:"chat_id"`
	CallerId string `json:"caller_id"`
	TargetId string `json:"target_id"`
	Video    bool   `json:"video"`
	SDP      string `json:"sdp"`
}

type CallAnswer struct {
	CallId string `json:"call_id"`
	UserId string `json:"user_id"`
	SDP    string `json:"sdp"`
}

type CallReject struct {
	CallId string `json:"call_id"`
	UserId string `json:"user_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type CallEnd struct {
	CallId string `json:"call_id"`
	UserId string `json:"user_id,omitempty"`
}

type CallFail struct {
	CallId string `json:"call_id"`
	Reason string `json:"reason,omitempty"`
}

type ICECandidate struct {
	CallId        string `json:"call_id"`
	TargetId      string `json:"target_id,omitempty"`
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdp_mid,omitempty"`
	SDPMLineIndex int    `json:"sdp_mline_index,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// Event is the decoded form of a wire envelope. Exactly one payload field
// is set, matching Type.
type Event struct {
	Type EventType

	Chat          *ChatRef
	Message       *types.Message
	Typing        *Typing
	MessagesRead  *MessagesRead
	Presence      *Presence
	Participant   *Participant
	SessionChange *SessionChange
	IncomingCall  *CallOffer
	CallAnswer    *CallAnswer
	CallReject    *CallReject
	CallEnd       *CallEnd
	CallFail      *CallFail
	ICECandidate  *ICECandidate
	Error         *ErrorPayload
}

type envelope struct {
	Event   EventType       `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

var parsers fastjson.ParserPool

// decodeEvent sniffs the event discriminator with fastjson, then unmarshals
// the payload into the typed field for that event.
func decodeEvent(raw []byte) (Event, error) {
	p := parsers.Get()
	defer parsers.Put(p)

	v, err := p.ParseBytes(raw)
	if err != nil {
		return Event{}, fmt.Errorf("parse envelope: %w", err)
	}

	name := v.GetStringBytes("event")
	if len(name) == 0 {
		return Event{}, fmt.Errorf("envelope missing event name")
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, fmt.Errorf("unmarshal envelope: %w", err)
	}

	ev := Event{Type: EventType(name)}
	if err := decodePayload(&ev, env.Payload); err != nil {
		return Event{}, err
	}

	return ev, nil
}

func decodePayload(ev *Event, payload json.RawMessage) error {
	var dst any

	switch ev.Type {
	case EventConnected:
		return nil
	case EventJoinedChat, EventLeftChat:
		ev.Chat = &ChatRef{}
		dst = ev.Chat
	case EventNewMessage, EventMessageSent, EventFileMessageReceived:
		ev.Message = &types.Message{}
		dst = ev.Message
	case EventUserTyping:
		ev.Typing = &Typing{}
		dst = ev.Typing
	case EventMessagesRead:
		ev.MessagesRead = &MessagesRead{}
		dst = ev.MessagesRead
	case EventUserOnline, EventUserOffline:
		ev.Presence = &Presence{}
		dst = ev.Presence
	case EventParticipantJoined, EventParticipantLeft:
		ev.Participant = &Participant{}
		dst = ev.Participant
	case EventAddedToSession, EventRemovedFromSession, EventSessionChanged:
		ev.SessionChange = &SessionChange{}
		dst = ev.SessionChange
	case EventIncomingCall, EventCallOfferSent:
		ev.IncomingCall = &CallOffer{}
		dst = ev.IncomingCall
	case EventCallAnswered:
		ev.CallAnswer = &CallAnswer{}
		dst = ev.CallAnswer
	case EventCallRejected:
		ev.CallReject = &CallReject{}
		dst = ev.CallReject
	case EventCallEnded:
		ev.CallEnd = &CallEnd{}
		dst = ev.CallEnd
	case EventCallFailed:
		ev.CallFail = &CallFail{}
		dst = ev.CallFail
	case EventICECandidate:
		ev.ICECandidate = &ICECandidate{}
		dst = ev.ICECandidate
	case EventError:
		ev.Error = &ErrorPayload{}
		dst = ev.Error
	default:
		return fmt.Errorf("unknown event %q", ev.Type)
	}

	if len(payload) == 0 {
		return nil
	}

	if err := json.Unmarshal(payload, dst); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", ev.Type, err)
	}

	return nil
}

func encodeEvent(event EventType, payload any) ([]byte, error) {
	env := envelope{Event: event}

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		env.Payload = raw
	}

	return json.Marshal(env)
}

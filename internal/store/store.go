package store

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mentorhub/mentorchat-go/internal/rest"
	"github.com/mentorhub/mentorchat-go/internal/stats"
	"github.com/mentorhub/mentorchat-go/internal/transport"
	"github.com/mentorhub/mentorchat-go/internal/types"
	"github.com/teris-io/shortid"
)

const (
	// typingQuietPeriod is how long a typing indicator survives without a
	// fresh typing event before it is expired locally.
	typingQuietPeriod = 5 * time.Second

	defaultPageSize = 50
)

const (
	StatMessagesSent     = "StoreMessagesSent"
	StatMessagesReceived = "StoreMessagesReceived"
)

// TransportClient is the store's view of the realtime connection.
type TransportClient interface {
	On(event transport.EventType, h transport.Handler) int
	Off(event transport.EventType, id int)
	Emit(event transport.EventType, payload any)
	Connected() bool
}

// API is the subset of the REST client the store consumes.
type API interface {
	ListChats(ctx context.Context, params rest.ListChatsParams) ([]types.Chat, error)
	GetChat(ctx context.Context, chatId string) (types.Chat, error)
	ListMessages(ctx context.Context, chatId string, params rest.ListMessagesParams) (rest.MessagesPage, error)
	SendMessage(ctx context.Context, chatId string, params rest.SendMessageParams) (types.Message, error)
	MarkRead(ctx context.Context, chatId string) error
}

// Snapshot is a copy of the observable state for consumers. All fields are
// owned by the caller.
type Snapshot struct {
	Chats           []types.Chat
	TotalUnread     int
	ActiveChatId    string
	Messages        []types.Message
	Typing          []string
	Online          []string
	ChatsLoading    bool
	MessagesLoading bool
	HasMore         bool
	Err             string
}

type subscription struct {
	event transport.EventType
	id    int
}

// ChatStore is the single source of truth for chats, messages, typing state
// and presence. All mutations flow through one serialized reducer loop fed
// by REST completions and transport events.
type ChatStore struct {
	log       *log.Logger
	stats     stats.StatsProvider
	api       API
	transport TransportClient
	self      types.User

	actions chan action
	stop    chan struct{}
	done    chan struct{}

	subs []subscription

	mu           sync.Mutex
	chats        []types.Chat
	activeChatId string
	messages     map[string][]types.Message
	hasMore      map[string]bool
	outbox       map[string]struct{}
	typing       map[string]map[string]struct{}
	typingTimers map[string]map[string]*time.Timer
	online       map[string]struct{}
	totalUnread  int
	chatsLoading bool
	msgLoading   bool
	errStr       string
}

func NewChatStore(api API, tc TransportClient, self types.User, logger *log.Logger, sp stats.StatsProvider) *ChatStore {
	s := &ChatStore{
		log:          logger,
		stats:        sp,
		api:          api,
		transport:    tc,
		self:         self,
		actions:      make(chan action, 256),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		messages:     make(map[string][]types.Message),
		hasMore:      make(map[string]bool),
		outbox:       make(map[string]struct{}),
		typing:       make(map[string]map[string]struct{}),
		typingTimers: make(map[string]map[string]*time.Timer),
		online:       make(map[string]struct{}),
	}

	sp.RegisterMetric(StatMessagesSent)
	sp.RegisterMetric(StatMessagesReceived)

	s.subscribe()

	return s
}

func (s *ChatStore) subscribe() {
	sub := func(event transport.EventType, h transport.Handler) {
		id := s.transport.On(event, h)
		s.subs = append(s.subs, subscription{event: event, id: id})
	}

	onMessage := func(ev transport.Event) {
		if ev.Message != nil {
			s.stats.Incr(StatMessagesReceived)
			s.dispatch(actAddMessage{msg: *ev.Message})
		}
	}
	sub(transport.EventNewMessage, onMessage)
	sub(transport.EventMessageSent, onMessage)
	sub(transport.EventFileMessageReceived, onMessage)

	sub(transport.EventUserTyping, func(ev transport.Event) {
		if ev.Typing != nil {
			s.dispatch(actTyping{chatId: ev.Typing.ChatId, userId: ev.Typing.UserId, isTyping: ev.Typing.IsTyping})
		}
	})

	sub(transport.EventMessagesRead, func(ev transport.Event) {
		if ev.MessagesRead != nil {
			s.dispatch(actMessagesRead{chatId: ev.MessagesRead.ChatId})
		}
	})

	sub(transport.EventUserOnline, func(ev transport.Event) {
		if ev.Presence != nil {
			s.dispatch(actPresence{userId: ev.Presence.UserId, online: true})
		}
	})
	sub(transport.EventUserOffline, func(ev transport.Event) {
		if ev.Presence != nil {
			s.dispatch(actPresence{userId: ev.Presence.UserId, online: false})
		}
	})

	refetch := func(chatId string) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			chat, err := s.api.GetChat(ctx, chatId)
			s.dispatch(actChatRefreshed{chat: chat, err: err})
		}()
	}
	onParticipant := func(ev transport.Event) {
		if ev.Participant != nil {
			refetch(ev.Participant.ChatId)
		}
	}
	sub(transport.EventParticipantJoined, onParticipant)
	sub(transport.EventParticipantLeft, onParticipant)

	onSession := func(ev transport.Event) {
		if ev.SessionChange != nil && ev.SessionChange.ChatId != "" {
			refetch(ev.SessionChange.ChatId)
		}
	}
	sub(transport.EventAddedToSession, onSession)
	sub(transport.EventRemovedFromSession, onSession)
	sub(transport.EventSessionChanged, onSession)

	sub(transport.EventError, func(ev transport.Event) {
		if ev.Error != nil {
			s.dispatch(actError{msg: ev.Error.Message})
		}
	})

	sub(transport.EventReconnected, func(transport.Event) {
		s.dispatch(actReconnected{})
	})
}

// Run processes actions until Stop is called. Call it in a goroutine.
func (s *ChatStore) Run() {
	defer close(s.done)

	for {
		select {
		case a := <-s.actions:
			s.apply(a)
		case <-s.stop:
			s.clearTimers()
			return
		}
	}
}

// Stop shuts the reducer loop down and unregisters transport handlers.
func (s *ChatStore) Stop() {
	select {
	case <-s.stop:
		return
	default:
	}

	for _, sub := range s.subs {
		s.transport.Off(sub.event, sub.id)
	}

	close(s.stop)
	<-s.done
}

func (s *ChatStore) dispatch(a action) {
	select {
	case s.actions <- a:
	case <-s.stop:
	default:
		s.log.Printf("action channel full, dropping %T", a)
	}
}

// LoadChats requests the full chat list. On success the list is replaced
// and the unread total recomputed; on failure the prior list is kept.
func (s *ChatStore) LoadChats(params rest.ListChatsParams) {
	s.dispatch(actStartChatsLoad{params: params})
}

// SelectChat makes a chat active, resets its pagination to the first page
// and joins its room on the transport when connected.
func (s *ChatStore) SelectChat(chat types.Chat) {
	s.dispatch(actSelectChat{chat: chat})
	s.dispatch(actStartMessagesLoad{chatId: chat.Id})
}

// LoadMoreMessages pages backward in the active chat. No-op when no more
// pages exist or a load is already in flight.
func (s *ChatStore) LoadMoreMessages() {
	s.mu.Lock()
	chatId := s.activeChatId
	s.mu.Unlock()

	if chatId == "" {
		return
	}
	s.dispatch(actStartMessagesLoad{chatId: chatId, more: true})
}

// SendMessage sends text to the active chat. An optimistic entry keyed by
// a client-generated idempotency key is appended immediately; the server
// echo carrying the same key reconciles it, so a connection flap between
// the socket emit and the acknowledgment cannot duplicate the message.
func (s *ChatStore) SendMessage(content, replyTo string) error {
	if content == "" {
		return fmt.Errorf("store: message content cannot be empty")
	}

	key, err := shortid.Generate()
	if err != nil {
		key = uuid.NewString()
	}

	s.dispatch(actSendMessage{
		content:   content,
		replyTo:   replyTo,
		clientKey: key,
		timestamp: types.Now(),
	})

	return nil
}

// MarkRead acknowledges the active chat as read, both to the server and in
// local state.
func (s *ChatStore) MarkRead() {
	s.mu.Lock()
	chatId := s.activeChatId
	s.mu.Unlock()

	if chatId == "" {
		return
	}

	if s.transport.Connected() {
		s.transport.Emit(transport.EventMarkRead, transport.ChatRef{ChatId: chatId, UserId: s.self.Id})
	} else {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := s.api.MarkRead(ctx, chatId); err != nil {
				s.dispatch(actError{msg: err.Error()})
				return
			}
			s.dispatch(actMessagesRead{chatId: chatId})
		}()
		return
	}

	s.dispatch(actMessagesRead{chatId: chatId})
}

// SetTyping signals the typing state for the active chat. Ephemeral:
// dropped silently when disconnected.
func (s *ChatStore) SetTyping(isTyping bool) {
	s.mu.Lock()
	chatId := s.activeChatId
	s.mu.Unlock()

	if chatId == "" {
		return
	}

	event := transport.EventTypingStart
	if !isTyping {
		event = transport.EventTypingStop
	}
	s.transport.Emit(event, transport.Typing{ChatId: chatId, UserId: s.self.Id, IsTyping: isTyping})
}

// Snapshot returns a copy of the observable state.
func (s *ChatStore) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Chats:           append([]types.Chat(nil), s.chats...),
		TotalUnread:     s.totalUnread,
		ActiveChatId:    s.activeChatId,
		ChatsLoading:    s.chatsLoading,
		MessagesLoading: s.msgLoading,
		Err:             s.errStr,
	}

	if s.activeChatId != "" {
		snap.Messages = append([]types.Message(nil), s.messages[s.activeChatId]...)
		snap.HasMore = s.hasMore[s.activeChatId]
		for userId := range s.typing[s.activeChatId] {
			snap.Typing = append(snap.Typing, userId)
		}
	}

	for userId := range s.online {
		snap.Online = append(snap.Online, userId)
	}

	return snap
}

// Online reports whether a user is currently connected.
func (s *ChatStore) Online(userId string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.online[userId]
	return ok
}

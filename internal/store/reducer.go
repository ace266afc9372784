package store

import (
	"context"
	"sort"
	"time"

	"github.com/mentorhub/mentorchat-go/internal/rest"
	"github.com/mentorhub/mentorchat-go/internal/transport"
	"github.com/mentorhub/mentorchat-go/internal/types"
)

const fetchTimeout = 15 * time.Second

// apply is the reducer. It runs on the loop goroutine; tests may call it
// directly to drive the store synchronously.
func (s *ChatStore) apply(a action) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch act := a.(type) {
	case actStartChatsLoad:
		s.applyStartChatsLoad(act)
	case actChatsLoaded:
		s.applyChatsLoaded(act)
	case actChatRefreshed:
		s.applyChatRefreshed(act)
	case actSelectChat:
		s.applySelectChat(act)
	case actStartMessagesLoad:
		s.applyStartMessagesLoad(act)
	case actMessagesLoaded:
		s.applyMessagesLoaded(act)
	case actAddMessage:
		s.applyAddMessage(act)
	case actSendMessage:
		s.applySendMessage(act)
	case actSendFailed:
		s.applySendFailed(act)
	case actTyping:
		s.applyTyping(act)
	case actTypingExpired:
		s.applyTypingExpired(act)
	case actPresence:
		s.applyPresence(act)
	case actMessagesRead:
		s.applyMessagesRead(act)
	case actError:
		s.errStr = act.msg
	case actReconnected:
		s.applyReconnected()
	default:
		s.log.Printf("unhandled action %T", a)
	}
}

func (s *ChatStore) applyStartChatsLoad(act actStartChatsLoad) {
	if s.chatsLoading {
		return
	}
	s.chatsLoading = true

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		chats, err := s.api.ListChats(ctx, act.params)
		s.dispatch(actChatsLoaded{chats: chats, err: err})
	}()
}

func (s *ChatStore) applyChatsLoaded(act actChatsLoaded) {
	s.chatsLoading = false
	if act.err != nil {
		s.errStr = act.err.Error()
		return
	}

	s.errStr = ""
	s.chats = act.chats
	s.sortChats()
	s.recomputeUnread()
}

func (s *ChatStore) applyChatRefreshed(act actChatRefreshed) {
	if act.err != nil {
		s.errStr = act.err.Error()
		return
	}

	for i := range s.chats {
		if s.chats[i].Id == act.chat.Id {
			s.chats[i] = act.chat
			s.sortChats()
			s.recomputeUnread()
			return
		}
	}

	s.chats = append(s.chats, act.chat)
	s.sortChats()
	s.recomputeUnread()
}

func (s *ChatStore) applySelectChat(act actSelectChat) {
	s.activeChatId = act.chat.Id
	// reset pagination to the first page
	delete(s.messages, act.chat.Id)
	delete(s.hasMore, act.chat.Id)

	if s.transport.Connected() {
		s.transport.Emit(transport.EventJoinChat, transport.ChatRef{ChatId: act.chat.Id, UserId: s.self.Id})
	}
}

func (s *ChatStore) applyStartMessagesLoad(act actStartMessagesLoad) {
	if s.msgLoading {
		return
	}
	if act.more && !s.hasMore[act.chatId] {
		return
	}

	var before string
	if act.more {
		msgs := s.messages[act.chatId]
		if len(msgs) == 0 {
			return
		}
		before = msgs[0].Id
	}

	s.msgLoading = true

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		page, err := s.api.ListMessages(ctx, act.chatId, rest.ListMessagesParams{
			Limit:  defaultPageSize,
			Before: before,
		})
		s.dispatch(actMessagesLoaded{chatId: act.chatId, page: page, more: act.more, err: err})
	}()
}

func (s *ChatStore) applyMessagesLoaded(act actMessagesLoaded) {
	s.msgLoading = false
	if act.err != nil {
		s.errStr = act.err.Error()
		return
	}

	s.errStr = ""

	var list []types.Message
	if act.more {
		list = s.messages[act.chatId]
	}
	for _, msg := range act.page.Messages {
		list = insertMessage(list, msg)
	}

	s.messages[act.chatId] = list
	s.hasMore[act.chatId] = act.page.HasMore
}

func (s *ChatStore) applyAddMessage(act actAddMessage) {
	msg := act.msg
	list := s.messages[msg.ChatId]

	if msg.ClientKey != "" {
		if _, pending := s.outbox[msg.ClientKey]; pending {
			list = removeByClientKey(list, msg.ClientKey)
			delete(s.outbox, msg.ClientKey)
		}
	}

	if msg.Id != "" && containsId(list, msg.Id) {
		return
	}

	s.messages[msg.ChatId] = insertMessage(list, msg)
	s.touchChat(msg)
}

func (s *ChatStore) applySendMessage(act actSendMessage) {
	if s.activeChatId == "" {
		s.errStr = "no chat selected"
		return
	}

	chatId := s.activeChatId
	optimistic := types.Message{
		ChatId:    chatId,
		Sender:    s.self,
		Type:      types.MessageTypeText,
		Content:   act.content,
		ReplyTo:   act.replyTo,
		ClientKey: act.clientKey,
		Timestamp: act.timestamp,
	}

	s.outbox[act.clientKey] = struct{}{}
	s.messages[chatId] = insertMessage(s.messages[chatId], optimistic)
	s.touchChat(optimistic)

	if s.transport.Connected() {
		s.transport.Emit(transport.EventSendMessage, transport.SendMessage{
			ChatId:    chatId,
			Type:      types.MessageTypeText,
			Content:   act.content,
			ReplyTo:   act.replyTo,
			ClientKey: act.clientKey,
			Timestamp: act.timestamp,
		})
		s.stats.Incr(StatMessagesSent)
		return
	}

	// Disconnected: degrade to a REST post carrying the same idempotency
	// key, so a late socket echo still reconciles instead of duplicating.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		msg, err := s.api.SendMessage(ctx, chatId, rest.SendMessageParams{
			Type:      types.MessageTypeText,
			Content:   act.content,
			ReplyTo:   act.replyTo,
			ClientKey: act.clientKey,
			Timestamp: act.timestamp,
		})
		if err != nil {
			s.dispatch(actSendFailed{chatId: chatId, clientKey: act.clientKey, err: err})
			return
		}
		s.stats.Incr(StatMessagesSent)
		s.dispatch(actAddMessage{msg: msg})
	}()
}

func (s *ChatStore) applySendFailed(act actSendFailed) {
	s.messages[act.chatId] = removeByClientKey(s.messages[act.chatId], act.clientKey)
	delete(s.outbox, act.clientKey)
	s.errStr = act.err.Error()
}

func (s *ChatStore) applyTyping(act actTyping) {
	if !act.isTyping {
		// Defensive removal: a stop without a prior start is a no-op.
		s.removeTyping(act.chatId, act.userId)
		return
	}

	if s.typing[act.chatId] == nil {
		s.typing[act.chatId] = make(map[string]struct{})
	}
	s.typing[act.chatId][act.userId] = struct{}{}

	if s.typingTimers[act.chatId] == nil {
		s.typingTimers[act.chatId] = make(map[string]*time.Timer)
	}
	if t, ok := s.typingTimers[act.chatId][act.userId]; ok {
		t.Stop()
	}
	chatId, userId := act.chatId, act.userId
	s.typingTimers[chatId][userId] = time.AfterFunc(typingQuietPeriod, func() {
		s.dispatch(actTypingExpired{chatId: chatId, userId: userId})
	})
}

func (s *ChatStore) applyTypingExpired(act actTypingExpired) {
	s.removeTyping(act.chatId, act.userId)
}

func (s *ChatStore) removeTyping(chatId, userId string) {
	if set, ok := s.typing[chatId]; ok {
		delete(set, userId)
		if len(set) == 0 {
			delete(s.typing, chatId)
		}
	}
	if timers, ok := s.typingTimers[chatId]; ok {
		if t, ok := timers[userId]; ok {
			t.Stop()
			delete(timers, userId)
		}
		if len(timers) == 0 {
			delete(s.typingTimers, chatId)
		}
	}
}

func (s *ChatStore) applyPresence(act actPresence) {
	if act.online {
		s.online[act.userId] = struct{}{}
	} else {
		delete(s.online, act.userId)
	}
}

func (s *ChatStore) applyMessagesRead(act actMessagesRead) {
	for i := range s.chats {
		if s.chats[i].Id == act.chatId {
			s.chats[i].UnreadCount = 0
			break
		}
	}
	s.recomputeUnread()
}

// applyReconnected forces a full refetch: the server does not replay events
// missed while disconnected.
func (s *ChatStore) applyReconnected() {
	s.dispatch(actStartChatsLoad{params: rest.ListChatsParams{}})
	if s.activeChatId != "" {
		chatId := s.activeChatId
		delete(s.messages, chatId)
		delete(s.hasMore, chatId)
		s.dispatch(actStartMessagesLoad{chatId: chatId})

		if s.transport.Connected() {
			s.transport.Emit(transport.EventJoinChat, transport.ChatRef{ChatId: chatId, UserId: s.self.Id})
		}
	}
}

// touchChat merges a message into its chat record: last-message summary,
// activity timestamp, unread counter. Unknown chats trigger a targeted
// refetch instead of a full list reload.
func (s *ChatStore) touchChat(msg types.Message) {
	idx := -1
	for i := range s.chats {
		if s.chats[i].Id == msg.ChatId {
			idx = i
			break
		}
	}

	if idx == -1 {
		chatId := msg.ChatId
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
			defer cancel()
			chat, err := s.api.GetChat(ctx, chatId)
			s.dispatch(actChatRefreshed{chat: chat, err: err})
		}()
		return
	}

	msgCopy := msg
	s.chats[idx].LastMessage = &msgCopy
	if msg.Timestamp.After(s.chats[idx].LastActivity) {
		s.chats[idx].LastActivity = msg.Timestamp
	}
	if msg.ChatId != s.activeChatId && msg.Sender.Id != s.self.Id {
		s.chats[idx].UnreadCount++
	}

	s.sortChats()
	s.recomputeUnread()
}

func (s *ChatStore) sortChats() {
	sort.SliceStable(s.chats, func(i, j int) bool {
		return s.chats[i].LastActivity.After(s.chats[j].LastActivity)
	})
}

// recomputeUnread maintains the invariant that the global unread total
// equals the sum of per-chat unread counts.
func (s *ChatStore) recomputeUnread() {
	total := 0
	for i := range s.chats {
		total += s.chats[i].UnreadCount
	}
	s.totalUnread = total
}

func (s *ChatStore) clearTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for chatId, timers := range s.typingTimers {
		for userId, t := range timers {
			t.Stop()
			delete(timers, userId)
		}
		delete(s.typingTimers, chatId)
	}
}

// insertMessage keeps the list ordered by timestamp ascending.
func insertMessage(list []types.Message, msg types.Message) []types.Message {
	i := sort.Search(len(list), func(i int) bool {
		return list[i].Timestamp.After(msg.Timestamp)
	})

	list = append(list, types.Message{})
	copy(list[i+1:], list[i:])
	list[i] = msg
	return list
}

func containsId(list []types.Message, id string) bool {
	for i := range list {
		if list[i].Id == id {
			return true
		}
	}
	return false
}

func removeByClientKey(list []types.Message, key string) []types.Message {
	for i := range list {
		if list[i].ClientKey == key {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

package store

import (
	"time"

	"github.com/mentorhub/mentorchat-go/internal/rest"
	"github.com/mentorhub/mentorchat-go/internal/types"
)

// Actions are the only inputs to the reducer. REST completions and socket
// events both dispatch into the same serialized loop, so no torn reads are
// possible.
type action interface {
	isAction()
}

type actStartChatsLoad struct {
	params rest.ListChatsParams
}

type actChatsLoaded struct {
	chats []types.Chat
	err   error
}

// actChatRefreshed merges a single chat record by id, used for targeted
// refetches after participant/session events.
type actChatRefreshed struct {
	chat types.Chat
	err  error
}

type actSelectChat struct {
	chat types.Chat
}

type actStartMessagesLoad struct {
	chatId string
	more   bool
}

type actMessagesLoaded struct {
	chatId string
	page   rest.MessagesPage
	more   bool
	err    error
}

type actAddMessage struct {
	msg types.Message
}

type actSendMessage struct {
	content   string
	replyTo   string
	clientKey string
	timestamp time.Time
}

type actSendFailed struct {
	chatId    string
	clientKey string
	err       error
}

type actTyping struct {
	chatId   string
	userId   string
	isTyping bool
}

type actTypingExpired struct {
	chatId string
	userId string
}

type actPresence struct {
	userId string
	online bool
}

type actMessagesRead struct {
	chatId string
}

type actError struct {
	msg string
}

type actReconnected struct{}

func (actStartChatsLoad) isAction()    {}
func (actChatsLoaded) isAction()       {}
func (actChatRefreshed) isAction()     {}
func (actSelectChat) isAction()        {}
func (actStartMessagesLoad) isAction() {}
func (actMessagesLoaded) isAction()    {}
func (actAddMessage) isAction()        {}
func (actSendMessage) isAction()       {}
func (actSendFailed) isAction()        {}
func (actTyping) isAction()            {}
func (actTypingExpired) isAction()     {}
func (actPresence) isAction()          {}
func (actMessagesRead) isAction()      {}
func (actError) isAction()             {}
func (actReconnected) isAction()       {}

package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mentorhub/mentorchat-go/internal/types"
)

// TokenProvider supplies a fresh bearer token for each request.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Client wraps the backend REST API. Stateless beyond the attached token
// provider: no retries, no caching.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenProvider
	log     *log.Logger
}

func NewClient(baseURL string, tokens TokenProvider, logger *log.Logger) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("rest: base url cannot be empty")
	}
	if tokens == nil {
		return nil, fmt.Errorf("rest: token provider cannot be nil")
	}

	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		tokens:  tokens,
		log:     logger,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("fetch token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &APIError{StatusCode: 0, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := newAPIError(resp.StatusCode, "")
		var errBody struct {
			Message string `json:"message"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&errBody); err == nil && errBody.Message != "" {
			apiErr.Message = errBody.Message
		}
		return apiErr
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}

type ListChatsParams struct {
	Limit  int
	Offset int
	Type   types.ChatType
}

func (p ListChatsParams) query() string {
	q := url.Values{}
	if p.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.Limit))
	}
	if p.Offset > 0 {
		q.Set("offset", strconv.Itoa(p.Offset))
	}
	if p.Type != "" {
		q.Set("type", string(p.Type))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

func (c *Client) ListChats(ctx context.Context, params ListChatsParams) ([]types.Chat, error) {
	var chats []types.Chat
	if err := c.do(ctx, http.MethodGet, "/chats"+params.query(), nil, &chats); err != nil {
		return nil, err
	}
	return chats, nil
}

func (c *Client) GetChat(ctx context.Context, chatId string) (types.Chat, error) {
	var chat types.Chat
	if err := c.do(ctx, http.MethodGet, "/chats/"+url.PathEscape(chatId), nil, &chat); err != nil {
		return types.Chat{}, err
	}
	return chat, nil
}

type CreateChatParams struct {
	ParticipantIds []string       `json:"participant_ids"`
	Type           types.ChatType `json:"type"`
	SessionId      string         `json:"session_id,omitempty"`
}

func (c *Client) CreateChat(ctx context.Context, params CreateChatParams) (types.Chat, error) {
	var chat types.Chat
	if err := c.do(ctx, http.MethodPost, "/chats", params, &chat); err != nil {
		return types.Chat{}, err
	}
	return chat, nil
}

type ListMessagesParams struct {
	Limit int
	// Before is the id of the oldest loaded message; when set, only older
	// messages are returned.
	Before string
}

type MessagesPage struct {
	Messages []types.Message `json:"messages"`
	HasMore  bool            `json:"has_more"`
}

func (c *Client) ListMessages(ctx context.Context, chatId string, params ListMessagesParams) (MessagesPage, error) {
	q := url.Values{}
	if params.Limit > 0 {
		q.Set("limit", strconv.Itoa(params.Limit))
	}
	if params.Before != "" {
		q.Set("before", params.Before)
	}

	path := "/chats/" + url.PathEscape(chatId) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var page MessagesPage
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return MessagesPage{}, err
	}
	return page, nil
}

type SendMessageParams struct {
	Type      types.MessageType `json:"type"`
	Content   string            `json:"content"`
	ReplyTo   string            `json:"reply_to,omitempty"`
	ClientKey string            `json:"client_key"`
	Timestamp time.Time         `json:"timestamp"`
}

func (c *Client) SendMessage(ctx context.Context, chatId string, params SendMessageParams) (types.Message, error) {
	var msg types.Message
	if err := c.do(ctx, http.MethodPost, "/chats/"+url.PathEscape(chatId)+"/messages", params, &msg); err != nil {
		return types.Message{}, err
	}
	return msg, nil
}

func (c *Client) MarkRead(ctx context.Context, chatId string) error {
	return c.do(ctx, http.MethodPost, "/chats/"+url.PathEscape(chatId)+"/messages/read", nil, nil)
}

func (c *Client) DeleteMessage(ctx context.Context, chatId, messageId string) error {
	return c.do(ctx, http.MethodDelete, "/chats/"+url.PathEscape(chatId)+"/messages/"+url.PathEscape(messageId), nil, nil)
}

type AddParticipantParams struct {
	UserId string `json:"user_id"`
}

func (c *Client) AddParticipant(ctx context.Context, chatId, userId string) error {
	return c.do(ctx, http.MethodPost, "/chats/"+url.PathEscape(chatId)+"/participants", AddParticipantParams{UserId: userId}, nil)
}

func (c *Client) ListSessions(ctx context.Context) ([]types.Session, error) {
	var sessions []types.Session
	if err := c.do(ctx, http.MethodGet, "/sessions", nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (c *Client) GetSession(ctx context.Context, sessionId string) (types.Session, error) {
	var session types.Session
	if err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionId), nil, &session); err != nil {
		return types.Session{}, err
	}
	return session, nil
}

func (c *Client) ListConnections(ctx context.Context) ([]types.Connection, error) {
	var conns []types.Connection
	if err := c.do(ctx, http.MethodGet, "/connections", nil, &conns); err != nil {
		return nil, err
	}
	return conns, nil
}

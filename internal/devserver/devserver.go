// Package devserver is an in-memory stand-in for the mentorship backend,
// used by the -dev mode of the CLI and by integration-style tests. It
// implements just enough of the REST and socket contract to exercise the
// client end to end.
package devserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/mentorhub/mentorchat-go/internal/types"
	"golang.org/x/crypto/bcrypt"
)

const tokenTTL = 24 * time.Hour

const userIdClaim = "user-id"

type account struct {
	user         types.User
	passwordHash []byte
}

type Server struct {
	log        *log.Logger
	signingKey []byte

	mu       sync.Mutex
	accounts map[string]*account // keyed by email
	users    map[string]types.User
	chats    map[string]*types.Chat
	messages map[string][]types.Message
	calls    map[string]callRecord
	conns    map[string]*wsConn // keyed by user id
	msgSeq   int
}

type callRecord struct {
	callerId string
	targetId string
}

func New(logger *log.Logger, signingKey []byte) *Server {
	return &Server{
		log:        logger,
		signingKey: signingKey,
		accounts:   make(map[string]*account),
		users:      make(map[string]types.User),
		chats:      make(map[string]*types.Chat),
		messages:   make(map[string][]types.Message),
		calls:      make(map[string]callRecord),
		conns:      make(map[string]*wsConn),
	}
}

// SeedAccount registers a user with a bcrypt-hashed password.
func (s *Server) SeedAccount(username, email, password string) (types.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return types.User{}, fmt.Errorf("hash password: %w", err)
	}

	user := types.User{
		Id:           uuid.NewString(),
		Username:     username,
		EmailAddress: email,
		CreatedAt:    types.Now(),
	}

	s.mu.Lock()
	s.accounts[email] = &account{user: user, passwordHash: hash}
	s.users[user.Id] = user
	s.mu.Unlock()

	return user, nil
}

// SeedChat creates a chat between the given participants.
func (s *Server) SeedChat(chatType types.ChatType, participants ...types.User) types.Chat {
	chat := types.Chat{
		Id:           uuid.NewString(),
		Type:         chatType,
		Participants: participants,
		LastActivity: types.Now(),
		CreatedAt:    types.Now(),
	}

	s.mu.Lock()
	s.chats[chat.Id] = &chat
	s.mu.Unlock()

	return chat
}

// Handler returns the full REST+websocket surface wrapped in CORS and
// request logging middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.Handle("GET /chats", s.authMiddleware(s.listChats))
	mux.Handle("GET /chats/{id}", s.authMiddleware(s.getChat))
	mux.Handle("GET /chats/{id}/messages", s.authMiddleware(s.listMessages))
	mux.Handle("POST /chats/{id}/messages", s.authMiddleware(s.postMessage))
	mux.Handle("POST /chats/{id}/messages/read", s.authMiddleware(s.markRead))
	mux.Handle("GET /sessions", s.authMiddleware(s.listSessions))
	mux.Handle("GET /connections", s.authMiddleware(s.listConnections))
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
	)(mux)

	return handlers.LoggingHandler(s.log.Writer(), h)
}

func (s *Server) writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	s.writeJson(w, statusCode, map[string]string{"message": message})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string     `json:"token"`
	User  types.User `json:"user"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	acct, ok := s.accounts[req.Email]
	s.mu.Unlock()
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	if err := bcrypt.CompareHashAndPassword(acct.passwordHash, []byte(req.Password)); err != nil {
		s.writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		userIdClaim: acct.user.Id,
		"exp":       time.Now().Add(tokenTTL).Unix(),
	})

	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "sign token")
		return
	}

	s.writeJson(w, http.StatusOK, loginResponse{Token: signed, User: acct.user})
}

type contextKey string

const userKey contextKey = "user"

func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			s.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		token, err := jwt.Parse(header[len(prefix):], func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return s.signingKey, nil
		})
		if err != nil || !token.Valid {
			s.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "invalid token claims")
			return
		}
		userId, ok := claims[userIdClaim].(string)
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "invalid user id claim")
			return
		}

		s.mu.Lock()
		user, ok := s.users[userId]
		s.mu.Unlock()
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "unknown user")
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	}
}

func requestUser(r *http.Request) types.User {
	user, _ := r.Context().Value(userKey).(types.User)
	return user
}

func (s *Server) listChats(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)

	s.mu.Lock()
	chats := make([]types.Chat, 0, len(s.chats))
	for _, chat := range s.chats {
		if chatHasParticipant(chat, user.Id) {
			chats = append(chats, *chat)
		}
	}
	s.mu.Unlock()

	sort.Slice(chats, func(i, j int) bool {
		return chats[i].LastActivity.After(chats[j].LastActivity)
	})

	s.writeJson(w, http.StatusOK, chats)
}

func (s *Server) getChat(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	chat, ok := s.chats[r.PathValue("id")]
	var copied types.Chat
	if ok {
		copied = *chat
	}
	s.mu.Unlock()

	if !ok {
		s.writeError(w, http.StatusNotFound, "chat not found")
		return
	}

	s.writeJson(w, http.StatusOK, copied)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	chatId := r.PathValue("id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	before := r.URL.Query().Get("before")

	s.mu.Lock()
	all := append([]types.Message(nil), s.messages[chatId]...)
	s.mu.Unlock()

	end := len(all)
	if before != "" {
		for i := range all {
			if all[i].Id == before {
				end = i
				break
			}
		}
	}

	start := end - limit
	if start < 0 {
		start = 0
	}

	s.writeJson(w, http.StatusOK, map[string]any{
		"messages": all[start:end],
		"has_more": start > 0,
	})
}

type postMessageRequest struct {
	Type      types.MessageType `json:"type"`
	Content   string            `json:"content"`
	ReplyTo   string            `json:"reply_to"`
	ClientKey string            `json:"client_key"`
	Timestamp time.Time         `json:"timestamp"`
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	chatId := r.PathValue("id")
	user := requestUser(r)

	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	if _, ok := s.chats[chatId]; !ok {
		s.mu.Unlock()
		s.writeError(w, http.StatusNotFound, "chat not found")
		return
	}

	// Idempotent on client key: a retry of an already-applied send returns
	// the stored message instead of creating a duplicate.
	if req.ClientKey != "" {
		for _, existing := range s.messages[chatId] {
			if existing.ClientKey == req.ClientKey {
				s.mu.Unlock()
				s.writeJson(w, http.StatusOK, existing)
				return
			}
		}
	}

	msg := s.createMessageLocked(chatId, user, req)
	s.mu.Unlock()

	s.broadcastToChat(chatId, "new-message", msg)
	s.writeJson(w, http.StatusCreated, msg)
}

func (s *Server) createMessageLocked(chatId string, sender types.User, req postMessageRequest) types.Message {
	s.msgSeq++

	msgType := req.Type
	if msgType == "" {
		msgType = types.MessageTypeText
	}
	ts := req.Timestamp
	if ts.IsZero() {
		ts = types.Now()
	}

	msg := types.Message{
		Id:        "m-" + strconv.Itoa(s.msgSeq),
		ChatId:    chatId,
		Sender:    sender,
		Type:      msgType,
		Content:   req.Content,
		ReplyTo:   req.ReplyTo,
		ClientKey: req.ClientKey,
		Timestamp: ts,
	}

	s.messages[chatId] = append(s.messages[chatId], msg)
	if chat, ok := s.chats[chatId]; ok {
		msgCopy := msg
		chat.LastMessage = &msgCopy
		chat.LastActivity = msg.Timestamp
	}

	return msg
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	chatId := r.PathValue("id")
	user := requestUser(r)

	s.broadcastToChat(chatId, "messages-read", map[string]any{
		"chat_id": chatId,
		"user_id": user.Id,
		"read_at": types.Now(),
	})

	s.writeJson(w, http.StatusOK, nil)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	s.writeJson(w, http.StatusOK, []types.Session{})
}

func (s *Server) listConnections(w http.ResponseWriter, r *http.Request) {
	s.writeJson(w, http.StatusOK, []types.Connection{})
}

func chatHasParticipant(chat *types.Chat, userId string) bool {
	for _, p := range chat.Participants {
		if p.Id == userId {
			return true
		}
	}
	return false
}

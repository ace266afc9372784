package devserver

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mentorhub/mentorchat-go/internal/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsConn struct {
	user types.User
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	env := map[string]json.RawMessage{
		"event":   json.RawMessage(`"` + event + `"`),
		"payload": raw,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(env)
}

type clientEnvelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("upgrade:", err)
		return
	}

	wc := &wsConn{user: user, conn: conn}

	s.mu.Lock()
	if prev, ok := s.conns[user.Id]; ok {
		prev.conn.Close()
	}
	s.conns[user.Id] = wc
	s.mu.Unlock()

	wc.send("connected", map[string]string{"user_id": user.Id})
	s.broadcastPresence(user.Id, true)

	defer func() {
		conn.Close()
		s.mu.Lock()
		if s.conns[user.Id] == wc {
			delete(s.conns, user.Id)
		}
		s.mu.Unlock()
		s.broadcastPresence(user.Id, false)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				s.log.Printf("ws: read: %v", err)
			}
			return
		}

		var env clientEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.log.Println("parse client envelope:", err)
			continue
		}

		s.handleClientEvent(wc, env)
	}
}

func (s *Server) handleClientEvent(wc *wsConn, env clientEnvelope) {
	switch env.Event {
	case "join-chat", "leave-chat":
		var ref struct {
			ChatId string `json:"chat_id"`
		}
		json.Unmarshal(env.Payload, &ref)
		reply := "joined-chat"
		if env.Event == "leave-chat" {
			reply = "left-chat"
		}
		wc.send(reply, map[string]string{"chat_id": ref.ChatId, "user_id": wc.user.Id})

	case "send-message":
		var req postMessageRequest
		var ref struct {
			ChatId string `json:"chat_id"`
		}
		json.Unmarshal(env.Payload, &req)
		json.Unmarshal(env.Payload, &ref)

		s.mu.Lock()
		if _, ok := s.chats[ref.ChatId]; !ok {
			s.mu.Unlock()
			wc.send("error", map[string]string{"message": "chat not found"})
			return
		}
		msg := s.createMessageLocked(ref.ChatId, wc.user, req)
		s.mu.Unlock()

		s.broadcastToChat(ref.ChatId, "new-message", msg)

	case "mark-read":
		var ref struct {
			ChatId string `json:"chat_id"`
		}
		json.Unmarshal(env.Payload, &ref)
		s.broadcastToChat(ref.ChatId, "messages-read", map[string]any{
			"chat_id": ref.ChatId,
			"user_id": wc.user.Id,
			"read_at": types.Now(),
		})

	case "typing-start", "typing-stop":
		var typing struct {
			ChatId string `json:"chat_id"`
		}
		json.Unmarshal(env.Payload, &typing)
		s.broadcastToChatExcept(typing.ChatId, wc.user.Id, "user-typing", map[string]any{
			"chat_id":   typing.ChatId,
			"user_id":   wc.user.Id,
			"is_typing": env.Event == "typing-start",
		})

	case "file-uploaded":
		var file struct {
			ChatId    string `json:"chat_id"`
			FileURL   string `json:"file_url"`
			FileName  string `json:"file_name"`
			ClientKey string `json:"client_key"`
		}
		json.Unmarshal(env.Payload, &file)

		s.mu.Lock()
		msg := s.createMessageLocked(file.ChatId, wc.user, postMessageRequest{
			Type:      types.MessageTypeFile,
			Content:   file.FileName,
			ClientKey: file.ClientKey,
		})
		msg.FileURL = file.FileURL
		s.mu.Unlock()

		s.broadcastToChat(file.ChatId, "file-message-received", msg)

	case "call-offer":
		var offer struct {
			CallId   string `json:"call_id"`
			ChatId   string `json:"chat_id"`
			CallerId string `json:"caller_id"`
			TargetId string `json:"target_id"`
			Video    bool   `json:"video"`
			SDP      string `json:"sdp"`
		}
		json.Unmarshal(env.Payload, &offer)

		s.mu.Lock()
		s.calls[offer.CallId] = callRecord{callerId: wc.user.Id, targetId: offer.TargetId}
		target, online := s.conns[offer.TargetId]
		s.mu.Unlock()

		if !online {
			wc.send("call-failed", map[string]string{"call_id": offer.CallId, "reason": "peer offline"})
			return
		}

		wc.send("call-offer-sent", offer)
		target.send("incoming-call", offer)

	case "call-answer":
		s.forwardToCallPeer(wc, env, "call-answered")
	case "call-rejected":
		s.forwardToCallPeer(wc, env, "call-rejected")
	case "call-ended":
		s.forwardToCallPeer(wc, env, "call-ended")
	case "ice-candidate":
		s.forwardToCallPeer(wc, env, "ice-candidate")

	default:
		s.log.Printf("unhandled client event %q", env.Event)
	}
}

// forwardToCallPeer relays a call signal to the other party of the call
// identified in the payload.
func (s *Server) forwardToCallPeer(wc *wsConn, env clientEnvelope, event string) {
	var ref struct {
		CallId string `json:"call_id"`
	}
	json.Unmarshal(env.Payload, &ref)

	s.mu.Lock()
	record, ok := s.calls[ref.CallId]
	var peer *wsConn
	if ok {
		peerId := record.callerId
		if wc.user.Id == record.callerId {
			peerId = record.targetId
		}
		peer = s.conns[peerId]
	}
	if event == "call-ended" || event == "call-rejected" {
		delete(s.calls, ref.CallId)
	}
	s.mu.Unlock()

	if peer == nil {
		return
	}

	var payload json.RawMessage = env.Payload
	var decoded map[string]any
	if json.Unmarshal(env.Payload, &decoded) == nil {
		decoded["user_id"] = wc.user.Id
		if raw, err := json.Marshal(decoded); err == nil {
			payload = raw
		}
	}

	var generic any
	json.Unmarshal(payload, &generic)
	peer.send(event, generic)
}

func (s *Server) broadcastToChat(chatId, event string, payload any) {
	s.broadcastToChatExcept(chatId, "", event, payload)
}

func (s *Server) broadcastToChatExcept(chatId, exceptUserId, event string, payload any) {
	s.mu.Lock()
	chat, ok := s.chats[chatId]
	var targets []*wsConn
	if ok {
		for _, p := range chat.Participants {
			if p.Id == exceptUserId {
				continue
			}
			if wc, online := s.conns[p.Id]; online {
				targets = append(targets, wc)
			}
		}
	}
	s.mu.Unlock()

	for _, wc := range targets {
		if err := wc.send(event, payload); err != nil {
			s.log.Printf("send %s to %s: %v", event, wc.user.Id, err)
		}
	}
}

func (s *Server) broadcastPresence(userId string, online bool) {
	event := "user:online"
	if !online {
		event = "user:offline"
	}

	s.mu.Lock()
	targets := make([]*wsConn, 0, len(s.conns))
	for id, wc := range s.conns {
		if id == userId {
			continue
		}
		targets = append(targets, wc)
	}
	s.mu.Unlock()

	for _, wc := range targets {
		wc.send(event, map[string]string{"user_id": userId})
	}
}

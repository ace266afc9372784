package transport

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mentorhub/mentorchat-go/internal/stats"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	defaultMaxReconnects    = 5
	defaultReconnectBackoff = 2 * time.Second
)

const (
	StatEventsReceived = "TransportEventsReceived"
	StatEmitsDropped   = "TransportEmitsDropped"
	StatReconnects     = "TransportReconnects"
)

// TokenFunc returns a fresh bearer token for the websocket handshake.
type TokenFunc func(ctx context.Context) (string, error)

// Handler receives decoded events. Handlers run on the transport's dispatch
// goroutine and must not block.
type Handler func(Event)

type Config struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8000/ws.
	URL    string
	UserId string
	Token  TokenFunc
	// MaxReconnects bounds automatic reconnection attempts after an
	// unexpected drop. Zero means the default.
	MaxReconnects    int
	ReconnectBackoff time.Duration
}

// Client maintains one authenticated websocket connection per logged-in
// user and fans decoded events out to registered handlers.
type Client struct {
	cfg    Config
	log    *log.Logger
	stats  stats.StatsProvider
	dialer *websocket.Dialer

	mu         sync.Mutex
	conn       *websocket.Conn
	connected  bool
	connecting bool
	lastErr    string
	closing    bool
	send       chan []byte
	stop       chan struct{}

	handlersMu sync.RWMutex
	handlers   map[EventType]map[int]Handler
	nextId     int
}

func NewClient(cfg Config, logger *log.Logger, sp stats.StatsProvider) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("transport: url cannot be empty")
	}
	if cfg.Token == nil {
		return nil, fmt.Errorf("transport: token func cannot be nil")
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = defaultMaxReconnects
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = defaultReconnectBackoff
	}

	sp.RegisterMetric(StatEventsReceived)
	sp.RegisterMetric(StatEmitsDropped)
	sp.RegisterMetric(StatReconnects)

	return &Client{
		cfg:      cfg,
		log:      logger,
		stats:    sp,
		dialer:   websocket.DefaultDialer,
		handlers: make(map[EventType]map[int]Handler),
	}, nil
}

// Connect establishes the connection and starts the read/write pumps.
// It is a no-op when already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected || c.connecting {
		c.mu.Unlock()
		return nil
	}
	c.connecting = true
	c.closing = false
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
		c.setError(err)
		return err
	}

	c.startPumps(conn)

	c.mu.Lock()
	c.connecting = false
	c.mu.Unlock()
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := c.cfg.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch token: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	url := c.cfg.URL
	if c.cfg.UserId != "" {
		url += "?userId=" + c.cfg.UserId
	}

	conn, resp, err := c.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", c.cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	return conn, nil
}

func (c *Client) startPumps(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.lastErr = ""
	c.send = make(chan []byte, 256)
	c.stop = make(chan struct{})
	send, stop := c.send, c.stop
	c.mu.Unlock()

	go c.writePump(conn, send, stop)
	go c.readPump(conn, stop)
}

// Disconnect tears the connection down without reconnecting. Idempotent.
// The closing flag is raised even when no connection is live, so a
// reconnect loop in flight aborts instead of re-dialing.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closing = true
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	conn := c.conn
	c.conn = nil
	close(c.stop)
	c.mu.Unlock()

	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	conn.Close()
}

// Connected reports whether the transport currently holds a live connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// LastError returns the most recent connection error message, empty when
// the connection is healthy.
func (c *Client) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Client) setError(err error) {
	c.mu.Lock()
	c.lastErr = err.Error()
	c.mu.Unlock()
}

// On registers a handler for an event type and returns an id for Off.
// Multiple handlers per event are allowed.
func (c *Client) On(event EventType, h Handler) int {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	c.nextId++
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[int]Handler)
	}
	c.handlers[event][c.nextId] = h

	return c.nextId
}

// Off removes a previously registered handler.
func (c *Client) Off(event EventType, id int) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	if hs, ok := c.handlers[event]; ok {
		delete(hs, id)
		if len(hs) == 0 {
			delete(c.handlers, event)
		}
	}
}

// Emit sends an event if and only if the transport is connected. Payloads
// are dropped silently when disconnected: signals like typing and presence
// are ephemeral and must not be queued for replay.
func (c *Client) Emit(event EventType, payload any) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		c.stats.Incr(StatEmitsDropped)
		return
	}
	send := c.send
	c.mu.Unlock()

	raw, err := encodeEvent(event, payload)
	if err != nil {
		c.log.Printf("encode %s: %v", event, err)
		return
	}

	select {
	case send <- raw:
	default:
		c.log.Printf("send buffer full, dropping %s", event)
		c.stats.Incr(StatEmitsDropped)
	}
}

func (c *Client) dispatch(ev Event) {
	c.handlersMu.RLock()
	hs := make([]Handler, 0, len(c.handlers[ev.Type]))
	for _, h := range c.handlers[ev.Type] {
		hs = append(hs, h)
	}
	c.handlersMu.RUnlock()

	for _, h := range hs {
		h(ev)
	}
}

func (c *Client) writePump(conn *websocket.Conn, send chan []byte, stop chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case raw, ok := <-send:
			if !ok {
				return
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.log.Printf("ws: write: %v", err)
				return
			}
		case <-stop:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump(conn *websocket.Conn, stop chan struct{}) {
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			c.handleDrop(err, stop)
			return
		}

		ev, err := decodeEvent(raw)
		if err != nil {
			c.log.Println("decode event:", err)
			continue
		}

		c.stats.Incr(StatEventsReceived)
		c.dispatch(ev)
	}
}

// handleDrop runs when the read pump exits. Unless the drop was requested
// via Disconnect, it attempts a bounded fixed-backoff reconnect. There is
// no replay of missed events: on success a synthetic reconnected event
// tells consumers to refetch.
func (c *Client) handleDrop(cause error, stop chan struct{}) {
	c.mu.Lock()
	if c.closing || c.stop != stop {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.lastErr = cause.Error()
	close(c.stop)
	c.mu.Unlock()

	c.dispatch(Event{Type: EventError, Error: &ErrorPayload{Message: cause.Error()}})

	for attempt := 1; attempt <= c.cfg.MaxReconnects; attempt++ {
		time.Sleep(c.cfg.ReconnectBackoff)

		c.mu.Lock()
		if c.closing {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		conn, err := c.dial(ctx)
		cancel()
		if err != nil {
			c.log.Printf("reconnect attempt %d/%d: %v", attempt, c.cfg.MaxReconnects, err)
			c.setError(err)
			continue
		}

		c.mu.Lock()
		if c.closing {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.mu.Unlock()

		c.startPumps(conn)
		c.stats.Incr(StatReconnects)
		c.dispatch(Event{Type: EventReconnected})
		return
	}

	c.log.Printf("giving up after %d reconnect attempts", c.cfg.MaxReconnects)
}

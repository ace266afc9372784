package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mentorhub/mentorchat-go/internal/stats"
	"github.com/mentorhub/mentorchat-go/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func staticToken(ctx context.Context) (string, error) {
	return "test-token", nil
}

func newTestClient(t *testing.T, url string) *Client {
	c, err := NewClient(Config{
		URL:              url,
		UserId:           "u-1",
		Token:            staticToken,
		MaxReconnects:    3,
		ReconnectBackoff: 20 * time.Millisecond,
	}, testutil.TestLogger(t), stats.NopStats{})
	require.NoError(t, err, "expected client construction to succeed")
	return c
}

func Test_NewClient_validation(t *testing.T) {
	_, err := NewClient(Config{Token: staticToken}, testutil.TestLogger(t), stats.NopStats{})
	assert.Error(t, err, "expected error for missing url")

	_, err = NewClient(Config{URL: "ws://localhost/ws"}, testutil.TestLogger(t), stats.NopStats{})
	assert.Error(t, err, "expected error for missing token func")
}

func Test_OnOff_fanout(t *testing.T) {
	c := newTestClient(t, "ws://localhost/ws")

	var first, second atomic.Int32
	id1 := c.On(EventNewMessage, func(Event) { first.Add(1) })
	id2 := c.On(EventNewMessage, func(Event) { second.Add(1) })

	c.dispatch(Event{Type: EventNewMessage})
	assert.Equal(t, int32(1), first.Load(), "expected first handler to run")
	assert.Equal(t, int32(1), second.Load(), "expected second handler to run")

	c.Off(EventNewMessage, id1)
	c.dispatch(Event{Type: EventNewMessage})
	assert.Equal(t, int32(1), first.Load(), "expected removed handler to be skipped")
	assert.Equal(t, int32(2), second.Load(), "expected remaining handler to run")

	c.Off(EventNewMessage, id2)
	c.dispatch(Event{Type: EventNewMessage})
	assert.Equal(t, int32(2), second.Load(), "expected no handlers after removal")
}

func Test_Emit_dropsWhenDisconnected(t *testing.T) {
	sp := &stats.MockStatsUpdater{}
	sp.On("RegisterMetric", mock.Anything).Return()
	sp.On("Incr", StatEmitsDropped).Return()

	c, err := NewClient(Config{URL: "ws://localhost/ws", Token: staticToken},
		testutil.TestLogger(t), sp)
	require.NoError(t, err)

	c.Emit(EventTypingStart, Typing{ChatId: "c-1", UserId: "u-1", IsTyping: true})

	sp.AssertCalled(t, "Incr", StatEmitsDropped)
}

type testServer struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	received chan []byte
	authed   chan string
}

func newWsTestServer(t *testing.T) (*testServer, *httptest.Server) {
	ts := &testServer{
		t:        t,
		received: make(chan []byte, 16),
		authed:   make(chan string, 16),
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.authed <- r.Header.Get("Authorization")

		conn, err := ts.upgrader.Upgrade(w, r, nil)
		require.NoError(t, err, "expected upgrade to succeed")

		ts.mu.Lock()
		ts.conns = append(ts.conns, conn)
		ts.mu.Unlock()

		go func() {
			for {
				_, raw, err := conn.ReadMessage()
				if err != nil {
					return
				}
				ts.received <- raw
			}
		}()
	}))
	t.Cleanup(srv.Close)

	return ts, srv
}

func (ts *testServer) lastConn() *websocket.Conn {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.conns) == 0 {
		return nil
	}
	return ts.conns[len(ts.conns)-1]
}

func (ts *testServer) sendEvent(raw string) {
	conn := ts.lastConn()
	require.NotNil(ts.t, conn, "expected an active server connection")
	require.NoError(ts.t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func Test_ConnectEmitReceive(t *testing.T) {
	ts, srv := newWsTestServer(t)

	c := newTestClient(t, wsURL(srv))
	defer c.Disconnect()

	received := make(chan Event, 1)
	c.On(EventNewMessage, func(ev Event) { received <- ev })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx), "expected connect to succeed")
	assert.True(t, c.Connected(), "expected connected state after dial")

	// Connect is a no-op when already connected.
	require.NoError(t, c.Connect(ctx))

	auth := <-ts.authed
	assert.Equal(t, "Bearer test-token", auth, "expected bearer token on handshake")

	ts.sendEvent(`{"event":"new-message","payload":{"id":"m-1","chat_id":"c-1","content":"hi"}}`)

	select {
	case ev := <-received:
		require.NotNil(t, ev.Message)
		assert.Equal(t, "hi", ev.Message.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout: handler did not receive event")
	}

	c.Emit(EventJoinChat, ChatRef{ChatId: "c-1", UserId: "u-1"})

	select {
	case raw := <-ts.received:
		var env struct {
			Event string `json:"event"`
		}
		require.NoError(t, json.Unmarshal(raw, &env))
		assert.Equal(t, "join-chat", env.Event, "expected emitted event on the wire")
	case <-time.After(2 * time.Second):
		t.Fatal("timeout: server did not receive emit")
	}

	c.Disconnect()
	assert.False(t, c.Connected(), "expected disconnected state")
	// Disconnect is idempotent.
	c.Disconnect()
}

func Test_Connect_concurrentSingleDial(t *testing.T) {
	ts, srv := newWsTestServer(t)

	var tokenCalls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	c, err := NewClient(Config{
		URL:    wsURL(srv),
		UserId: "u-1",
		Token: func(ctx context.Context) (string, error) {
			tokenCalls.Add(1)
			once.Do(func() { close(entered) })
			<-release
			return "test-token", nil
		},
		ReconnectBackoff: 20 * time.Millisecond,
	}, testutil.TestLogger(t), stats.NopStats{})
	require.NoError(t, err)
	defer c.Disconnect()

	errs := make(chan error, 1)
	go func() { errs <- c.Connect(context.Background()) }()
	<-entered

	// A second Connect while the first is still dialing must not dial again.
	require.NoError(t, c.Connect(context.Background()))

	close(release)
	require.NoError(t, <-errs, "expected the first connect to succeed")

	assert.Eventually(t, func() bool { return c.Connected() }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), tokenCalls.Load(), "expected a single dial")
	assert.Len(t, ts.authed, 1, "expected a single handshake on the server")
}

func Test_Disconnect_duringReconnect(t *testing.T) {
	ts, srv := newWsTestServer(t)

	// Backoff wide enough that Disconnect lands inside the reconnect wait.
	c, err := NewClient(Config{
		URL:              wsURL(srv),
		UserId:           "u-1",
		Token:            staticToken,
		MaxReconnects:    3,
		ReconnectBackoff: 300 * time.Millisecond,
	}, testutil.TestLogger(t), stats.NopStats{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))

	// Drop the connection server-side so the reconnect loop starts its
	// backoff, then tear the client down while it is waiting.
	ts.lastConn().Close()
	require.Eventually(t, func() bool { return !c.Connected() }, 2*time.Second, 5*time.Millisecond)

	c.Disconnect()

	// Past the whole reconnect window the transport must stay down.
	assert.Never(t, func() bool { return c.Connected() }, 1200*time.Millisecond, 20*time.Millisecond,
		"transport reconnected after Disconnect was called")
}

func Test_Reconnect(t *testing.T) {
	ts, srv := newWsTestServer(t)

	c := newTestClient(t, wsURL(srv))
	defer c.Disconnect()

	reconnected := make(chan struct{}, 1)
	c.On(EventReconnected, func(Event) { reconnected <- struct{}{} })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))

	// Drop the connection server-side; the client should dial again.
	ts.lastConn().Close()

	select {
	case <-reconnected:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout: client did not reconnect")
	}

	assert.True(t, c.Connected(), "expected connected state after reconnect")
	assert.Empty(t, c.LastError(), "expected last error to clear on reconnect")
}

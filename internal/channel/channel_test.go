package channel

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/valsssa/TutorHub-sub003/internal/event"
	"github.com/valsssa/TutorHub-sub003/internal/model"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// newSocketServer runs handler for every accepted connection. The handler owns
// the connection lifetime; returning closes it.
func newSocketServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) string {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn, r)
	}))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func newTestChannel(t *testing.T, url string, base, max time.Duration) *Channel {
	t.Helper()
	ch, err := New(Options{
		URL:         url,
		Token:       "session-token",
		DialTimeout: time.Second,
		BackoffBase: base,
		BackoffMax:  max,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func awaitState(t *testing.T, ch *Channel, want State) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case s, ok := <-ch.States():
			if !ok {
				t.Fatalf("state stream closed while waiting for %q", want)
			}
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %q", want)
		}
	}
}

// holdOpen keeps the server side of a connection alive until the peer drops.
func holdOpen(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestConnectsAndDeliversTypedEvents(t *testing.T) {
	sent := model.Message{
		ID:          "m-1",
		SenderID:    "u-tutor",
		RecipientID: "u-self",
		Body:        "hi there",
		CreatedAt:   time.Now().UTC().Truncate(time.Millisecond),
	}
	url := newSocketServer(t, func(conn *websocket.Conn, r *http.Request) {
		assert.Equal(t, "session-token", r.URL.Query().Get("token"))
		if err := conn.WriteJSON(event.NewMessageCreated(sent)); err != nil {
			return
		}
		holdOpen(conn)
	})

	ch := newTestChannel(t, url, 10*time.Millisecond, 100*time.Millisecond)
	awaitState(t, ch, StateConnected)

	select {
	case env := <-ch.Events():
		require.Equal(t, event.EventMessageCreated, env.Event)
		payload, err := env.DecodeMessageCreated()
		require.NoError(t, err)
		assert.Equal(t, sent.ID, payload.Message.ID)
		assert.Equal(t, sent.Body, payload.Message.Body)
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
}

func TestUnknownEventKindsAreDropped(t *testing.T) {
	url := newSocketServer(t, func(conn *websocket.Conn, r *http.Request) {
		if err := conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"event":"call.started","payload":{"roomId":"r-1"}}`)); err != nil {
			return
		}
		if err := conn.WriteJSON(event.NewTypingStart("u-tutor", "u-self", "")); err != nil {
			return
		}
		holdOpen(conn)
	})

	ch := newTestChannel(t, url, 10*time.Millisecond, 100*time.Millisecond)

	select {
	case env := <-ch.Events():
		assert.Equal(t, event.EventTypingStart, env.Event, "the unknown kind must be filtered out")
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
}

func TestSendFailsFastWhileDisconnected(t *testing.T) {
	ch := newTestChannel(t, "ws://127.0.0.1:1", time.Minute, time.Minute)

	err := ch.Send(event.NewTypingStart("u-self", "u-tutor", ""))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSendReachesTheGateway(t *testing.T) {
	received := make(chan event.Envelope, 1)
	url := newSocketServer(t, func(conn *websocket.Conn, r *http.Request) {
		var env event.Envelope
		if err := conn.ReadJSON(&env); err == nil {
			received <- env
		}
		holdOpen(conn)
	})

	ch := newTestChannel(t, url, 10*time.Millisecond, 100*time.Millisecond)
	awaitState(t, ch, StateConnected)

	require.NoError(t, ch.Send(event.NewTypingStart("u-self", "u-tutor", "bk-1")))

	select {
	case env := <-received:
		require.Equal(t, event.EventTypingStart, env.Event)
		payload, err := env.DecodeTypingStart()
		require.NoError(t, err)
		assert.Equal(t, "u-self", payload.SenderID)
		assert.Equal(t, "bk-1", payload.BookingID)
	case <-time.After(2 * time.Second):
		t.Fatal("gateway never received the event")
	}
}

func TestRedialsAfterConnectionDrop(t *testing.T) {
	var dials atomic.Int32
	url := newSocketServer(t, func(conn *websocket.Conn, r *http.Request) {
		if dials.Add(1) == 1 {
			return // dropped at once, forcing a redial
		}
		holdOpen(conn)
	})

	ch := newTestChannel(t, url, 10*time.Millisecond, 50*time.Millisecond)

	awaitState(t, ch, StateConnected)
	awaitState(t, ch, StateDisconnected)
	awaitState(t, ch, StateConnected)
	assert.GreaterOrEqual(t, dials.Load(), int32(2))
}

func TestManualReconnectSkipsBackoffWait(t *testing.T) {
	var accepting atomic.Bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !accepting.Load() {
			http.Error(w, "gateway unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		holdOpen(conn)
	}))
	t.Cleanup(ts.Close)
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	// with a 3s base the jittered automatic retry is at least 1.5s away
	ch := newTestChannel(t, url, 3*time.Second, 10*time.Second)
	awaitState(t, ch, StateDisconnected)

	accepting.Store(true)
	start := time.Now()
	ch.Reconnect()

	awaitState(t, ch, StateConnected)
	assert.Less(t, time.Since(start), 1200*time.Millisecond,
		"a manual reconnect must bypass the pending backoff delay")
}

func TestCloseEndsBothStreams(t *testing.T) {
	url := newSocketServer(t, func(conn *websocket.Conn, r *http.Request) {
		holdOpen(conn)
	})

	ch := newTestChannel(t, url, 10*time.Millisecond, 100*time.Millisecond)
	awaitState(t, ch, StateConnected)

	require.NoError(t, ch.Close())

	deadline := time.After(2 * time.Second)
	for open := true; open; {
		select {
		case _, ok := <-ch.Events():
			open = ok
		case <-deadline:
			t.Fatal("event stream never closed")
		}
	}
	for open := true; open; {
		select {
		case _, ok := <-ch.States():
			open = ok
		case <-deadline:
			t.Fatal("state stream never closed")
		}
	}

	assert.ErrorIs(t, ch.Send(event.NewTypingStart("a", "b", "")), ErrClosed)
}

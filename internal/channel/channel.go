package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/valsssa/TutorHub-sub003/internal/event"
)

// State is the connection lifecycle signal exposed for the UI badge and the
// Coordinator's reconnect reconciliation.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

var (
	// ErrNotConnected is returned by Send while the channel is down. Sends
	// fail fast instead of queueing; callers own any retry semantics.
	ErrNotConnected = errors.New("transport channel is not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport channel is closed")
)

var (
	// tuning parameters
	writeWait      = 10 * time.Second    // time allowed to write a message to the peer
	pongWait       = 20 * time.Second    // time allowed to read the next pong from the peer
	pingInterval   = (pongWait * 9) / 10 // ping period, must be under pongWait
	maxMessageSize = 64 * 1024           // max inbound frame size
	sendBufSize    = 64                  // outbound event buffer
	recvBufSize    = 64                  // inbound event buffer
	stateBufSize   = 8                   // connection state buffer
	sendTimeout    = 2 * time.Second     // enqueue timeout before reporting saturation
)

// Channel owns the one persistent websocket connection of a messaging
// session. It dials on construction, redials forever with capped exponential
// backoff plus jitter, and surfaces typed events and state transitions on
// receive-only streams. Both streams close after Close.
type Channel struct {
	opts Options
	log  *zap.Logger

	dialer *websocket.Dialer

	events chan event.Envelope
	states chan State
	egress chan event.Envelope

	connected atomic.Bool
	current   atomic.Value // State
	resetc    chan struct{}

	mu   sync.Mutex
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

// New builds the channel and starts connecting immediately.
func New(opts Options, logger *zap.Logger) (*Channel, error) {
	if opts.URL == "" {
		return nil, errors.New("channel: missing gateway url")
	}
	opts = opts.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	ch := &Channel{
		opts:   opts,
		log:    logger,
		dialer: &websocket.Dialer{HandshakeTimeout: opts.DialTimeout},
		events: make(chan event.Envelope, recvBufSize),
		states: make(chan State, stateBufSize),
		egress: make(chan event.Envelope, sendBufSize),
		resetc: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	ch.current.Store(StateDisconnected)

	go ch.run()
	return ch, nil
}

// Events is the inbound stream of known, typed gateway events.
func (ch *Channel) Events() <-chan event.Envelope {
	return ch.events
}

// States emits connection transitions. Only the most recent transitions are
// kept if the consumer lags.
func (ch *Channel) States() <-chan State {
	return ch.states
}

// State returns the current connection state.
func (ch *Channel) State() State {
	if s, ok := ch.current.Load().(State); ok {
		return s
	}
	return StateDisconnected
}

// Send enqueues an event for the live connection. It fails fast with
// ErrNotConnected while the channel is down.
func (ch *Channel) Send(ev event.Envelope) error {
	if ch.ctx.Err() != nil {
		return ErrClosed
	}
	if !ch.connected.Load() {
		return ErrNotConnected
	}
	select {
	case ch.egress <- ev:
		return nil
	case <-time.After(sendTimeout):
		return fmt.Errorf("egress saturated: %w", ErrNotConnected)
	case <-ch.ctx.Done():
		return ErrClosed
	}
}

// Reconnect forces an immediate re-dial and resets the backoff schedule to
// its base delay. Safe to call in any state.
func (ch *Channel) Reconnect() {
	select {
	case ch.resetc <- struct{}{}:
	default:
	}
	ch.closeCurrent()
}

// Close tears the channel down and waits for the run loop to exit. The
// event and state streams are closed afterwards.
func (ch *Channel) Close() error {
	ch.once.Do(func() {
		ch.cancel()
		ch.closeCurrent()
	})
	<-ch.done
	return nil
}

func (ch *Channel) run() {
	defer func() {
		ch.connected.Store(false)
		close(ch.done)
		close(ch.events)
		close(ch.states)
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = ch.opts.BackoffBase
	bo.MaxInterval = ch.opts.BackoffMax
	bo.MaxElapsedTime = 0 // retry for as long as the session lives

	for {
		if ch.ctx.Err() != nil {
			return
		}
		select {
		case <-ch.resetc:
			bo.Reset()
		default:
		}

		ch.publishState(StateConnecting)

		conn, err := ch.dial()
		if err != nil {
			ch.publishState(StateDisconnected)
			wait := bo.NextBackOff()
			ch.log.Debug("dial failed, retrying",
				zap.Error(err),
				zap.Duration("in", wait),
			)
			select {
			case <-ch.ctx.Done():
				return
			case <-ch.resetc:
				bo.Reset()
			case <-time.After(wait):
			}
			continue
		}

		bo.Reset()
		ch.setConn(conn)
		ch.drainEgress()
		ch.connected.Store(true)
		ch.publishState(StateConnected)
		ch.log.Info("connected", zap.String("url", ch.opts.URL))

		quit := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch.writePump(conn, quit)
		}()

		ch.readPump(conn)

		ch.connected.Store(false)
		close(quit)
		ch.setConn(nil)
		_ = conn.Close()
		wg.Wait()
		ch.publishState(StateDisconnected)
	}
}

func (ch *Channel) dial() (*websocket.Conn, error) {
	u := ch.opts.URL
	if ch.opts.Token != "" {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + "token=" + url.QueryEscape(ch.opts.Token)
	}

	ctx, cancel := context.WithTimeout(ch.ctx, ch.opts.DialTimeout)
	defer cancel()

	conn, resp, err := ch.dialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return nil, err
	}
	return conn, nil
}

// readPump pulls frames off the connection until it dies. Unknown event
// kinds are dropped here so consumers only ever see the enumerated types.
func (ch *Channel) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(int64(maxMessageSize))
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env event.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				ch.log.Debug("server closed connection", zap.Error(err))
			case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				ch.log.Warn("connection lost", zap.Error(err))
			default:
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					ch.log.Warn("read timed out")
				} else {
					ch.log.Warn("read failed", zap.Error(err))
				}
			}
			return
		}

		if !event.Known(env.Event) {
			ch.log.Debug("ignoring unknown event", zap.String("event", env.Event))
			continue
		}

		select {
		case ch.events <- env:
		case <-ch.ctx.Done():
			return
		}
	}
}

func (ch *Channel) writePump(conn *websocket.Conn, quit <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			return
		case <-ch.ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case ev := <-ch.egress:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				ch.log.Warn("write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				ch.log.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (ch *Channel) setConn(conn *websocket.Conn) {
	ch.mu.Lock()
	ch.conn = conn
	ch.mu.Unlock()
}

func (ch *Channel) closeCurrent() {
	ch.mu.Lock()
	conn := ch.conn
	ch.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// drainEgress drops events accepted for a connection that died before they
// were written. Everything on this wire is ephemeral, so stale entries must
// not leak into the next connection.
func (ch *Channel) drainEgress() {
	for {
		select {
		case ev := <-ch.egress:
			ch.log.Debug("dropping stale outbound event", zap.String("event", ev.Event))
		default:
			return
		}
	}
}

func (ch *Channel) publishState(s State) {
	ch.current.Store(s)
	select {
	case ch.states <- s:
	default:
		// consumer lagging: shed the oldest transition, keep the newest
		select {
		case <-ch.states:
		default:
		}
		select {
		case ch.states <- s:
		default:
		}
	}
}

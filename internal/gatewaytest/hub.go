package gatewaytest

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/valsssa/TutorHub-sub003/internal/event"
)

var (
	hubWriteWait    = 10 * time.Second
	hubPongWait     = 20 * time.Second
	hubPingInterval = (hubPongWait * 9) / 10
	hubMaxMessage   = int64(64 * 1024)
	hubSendBufSize  = 256
	hubSendTimeout  = 2 * time.Second
)

// dev gateway: any origin may connect
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// hub tracks the live socket per user and fans events out to them. A user may
// hold several connections at once (a reconnect races its predecessor's
// teardown); presence flips on the first attach and the last detach.
type hub struct {
	mu      sync.RWMutex
	clients map[string]map[*wsClient]struct{}
	log     *zap.Logger
}

func newHub(logger *zap.Logger) *hub {
	return &hub{
		clients: make(map[string]map[*wsClient]struct{}),
		log:     logger,
	}
}

type wsClient struct {
	userID string
	conn   *websocket.Conn
	hub    *hub
	egress chan event.Envelope
	quit   chan struct{}
	once   sync.Once
}

// serveWS upgrades the request and runs the connection until it drops.
func (h *hub) serveWS(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &wsClient{
		userID: userID,
		conn:   conn,
		hub:    h,
		egress: make(chan event.Envelope, hubSendBufSize),
		quit:   make(chan struct{}),
	}
	h.attach(c)
	go c.writePump()
	c.readPump()
}

func (h *hub) attach(c *wsClient) {
	h.mu.Lock()
	set, ok := h.clients[c.userID]
	if !ok {
		set = make(map[*wsClient]struct{})
		h.clients[c.userID] = set
	}
	first := len(set) == 0
	set[c] = struct{}{}
	online := make([]string, 0, len(h.clients))
	for id, conns := range h.clients {
		if id != c.userID && len(conns) > 0 {
			online = append(online, id)
		}
	}
	h.mu.Unlock()

	h.log.Info("client connected", zap.String("userId", c.userID))

	// seed the fresh connection with who is already online
	for _, id := range online {
		c.send(event.NewPresenceUpdate(id, true))
	}
	if first {
		h.broadcast(event.NewPresenceUpdate(c.userID, true), c.userID)
	}
}

func (h *hub) detach(c *wsClient) {
	h.mu.Lock()
	last := false
	if set, ok := h.clients[c.userID]; ok {
		if _, present := set[c]; present {
			delete(set, c)
			if len(set) == 0 {
				delete(h.clients, c.userID)
				last = true
			}
		}
	}
	h.mu.Unlock()

	c.close()
	h.log.Info("client disconnected", zap.String("userId", c.userID))
	if last {
		h.broadcast(event.NewPresenceUpdate(c.userID, false), c.userID)
	}
}

// sendTo queues env for every connection userID holds. An unknown or offline
// user is a silent no-op.
func (h *hub) sendTo(userID string, env event.Envelope) {
	h.mu.RLock()
	conns := make([]*wsClient, 0, 2)
	for c := range h.clients[userID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.send(env)
	}
}

func (h *hub) broadcast(env event.Envelope, exceptUserID string) {
	h.mu.RLock()
	conns := make([]*wsClient, 0, len(h.clients))
	for id, set := range h.clients {
		if id == exceptUserID {
			continue
		}
		for c := range set {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.send(env)
	}
}

func (h *hub) connectedUsers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(h.clients))
	for id, set := range h.clients {
		if len(set) > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (h *hub) stop() {
	h.mu.RLock()
	conns := make([]*wsClient, 0, len(h.clients))
	for _, set := range h.clients {
		for c := range set {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.close()
	}
}

func (c *wsClient) send(env event.Envelope) {
	select {
	case c.egress <- env:
	case <-c.quit:
	case <-time.After(hubSendTimeout):
		// slow consumer: drop the connection rather than stall the gateway
		c.hub.log.Warn("egress full, dropping client", zap.String("userId", c.userID))
		c.close()
	}
}

func (c *wsClient) readPump() {
	defer c.hub.detach(c)

	c.conn.SetReadLimit(hubMaxMessage)
	c.conn.SetReadDeadline(time.Now().Add(hubPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(hubPongWait))
	})

	for {
		var env event.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.hub.log.Debug("read error", zap.String("userId", c.userID), zap.Error(err))
			}
			return
		}
		c.handle(env)
	}
}

func (c *wsClient) handle(env event.Envelope) {
	switch env.Event {
	case event.EventTypingStart:
		p, err := env.DecodeTypingStart()
		if err != nil {
			c.hub.log.Warn("bad typing payload", zap.Error(err))
			return
		}
		// the connection owns the sender identity
		c.hub.sendTo(p.RecipientID, event.NewTypingStart(c.userID, p.RecipientID, p.BookingID))
	default:
		c.hub.log.Debug("ignoring client event", zap.String("event", env.Event))
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(hubPingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.quit:
			deadline := time.Now().Add(hubWriteWait)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
			return
		case env := <-c.egress:
			c.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(hubWriteWait)); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.quit) })
}

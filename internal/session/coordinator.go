package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/valsssa/TutorHub-sub003/internal/channel"
	"github.com/valsssa/TutorHub-sub003/internal/event"
	"github.com/valsssa/TutorHub-sub003/internal/model"
	"github.com/valsssa/TutorHub-sub003/internal/presence"
	"github.com/valsssa/TutorHub-sub003/internal/registry"
	"github.com/valsssa/TutorHub-sub003/internal/store"
)

// Options tunes the presence behaviour of a session. Zero values use the
// presence package defaults.
type Options struct {
	TypingTTL        time.Duration
	TypingSweepEvery time.Duration
	TypingThrottle   time.Duration
}

// Coordinator is the synchronization core of one authenticated messaging
// session. It owns the thread registry, the open thread's message store and
// the presence tracker, and is their only writer: every mutation runs on the
// single run-loop goroutine, fed by user commands, live transport events and
// async fetch completions. The UI consumes the Updates stream and re-reads
// the snapshot accessors.
//
// Build one per login, Start it, Close it on logout.
type Coordinator struct {
	svc  MessageService
	tr   Transport
	log  *zap.Logger
	self model.User

	registry *registry.Registry
	store    *store.MessageStore
	typing   *presence.Tracker
	throttle *presence.Throttle

	loop    chan loopMsg
	updates chan Update

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	started atomic.Bool

	// snapshot fields, guarded by mu; written by the run loop only
	mu          sync.RWMutex
	state       State
	threadState ThreadState
	active      model.ThreadKey
	hasActive   bool
	focused     bool
	conn        channel.State

	// run-loop private state, touched by no one else
	selectEpoch   uint64
	listEpoch     uint64
	everConnected bool
}

func New(svc MessageService, tr Transport, opts Options, logger *zap.Logger) (*Coordinator, error) {
	self, err := svc.CurrentUser()
	if err != nil {
		return nil, fmt.Errorf("resolve current user: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		svc:         svc,
		tr:          tr,
		log:         logger,
		self:        self,
		registry:    registry.New(self.ID),
		store:       store.New(),
		typing:      presence.NewTracker(opts.TypingTTL, opts.TypingSweepEvery, logger),
		throttle:    presence.NewThrottle(opts.TypingThrottle),
		loop:        make(chan loopMsg, 64),
		updates:     make(chan Update, 32),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		state:       StateIdle,
		threadState: ThreadStateNone,
		conn:        channel.StateDisconnected,
		focused:     true,
	}, nil
}

// Start begins the run loop and the initial thread list load. Calling it
// more than once is a no-op.
func (c *Coordinator) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.typing.OnChange(func() { c.post(evtSweep{}) })
	c.typing.Start(c.ctx)
	go c.run()
	c.post(cmdStart{})
}

// Close tears the session down and closes the transport. The Updates stream
// is closed once the run loop has drained.
func (c *Coordinator) Close() error {
	c.once.Do(c.cancel)
	if c.started.Load() {
		<-c.done
	}
	return c.tr.Close()
}

// ----------------------------------------------------------------------
// Public commands. Each posts into the run loop; ordering between them is
// the order they were posted.
// ----------------------------------------------------------------------

// SelectThread opens a thread from the registry. Selecting while a previous
// history load is in flight supersedes it: last selection wins.
func (c *Coordinator) SelectThread(key model.ThreadKey) { c.post(cmdSelect{key: key}) }

// OpenConversation deep-links into a conversation with a counterpart that
// may have no thread yet; a provisional one is synthesized and persisted by
// the first successful send.
func (c *Coordinator) OpenConversation(counterpart model.User, bookingID string) {
	c.post(cmdOpen{counterpart: counterpart, bookingID: bookingID})
}

// SendMessage appends an optimistic message to the open thread and sends it.
func (c *Coordinator) SendMessage(body string) { c.post(cmdSend{body: body}) }

// RetryMessage re-sends a failed message. The correlation id is reused, so
// after a successful retry exactly one copy exists.
func (c *Coordinator) RetryMessage(correlationID string) {
	c.post(cmdRetry{correlationID: correlationID})
}

// MarkThreadRead clears the open thread's unread count. Idempotent.
func (c *Coordinator) MarkThreadRead() { c.post(cmdMarkRead{}) }

// SetFocused tells the session whether the conversation view is visible.
// Regaining focus with unread messages in the open thread marks it read.
func (c *Coordinator) SetFocused(focused bool) { c.post(cmdFocus{focused: focused}) }

// NotifyTyping signals the local user is editing; emissions are throttled
// per thread and dropped while the transport is down.
func (c *Coordinator) NotifyTyping() { c.post(cmdTyping{}) }

// RefreshThreads re-fetches the thread list.
func (c *Coordinator) RefreshThreads() { c.post(cmdRefresh{}) }

// Reconnect forces the transport to re-dial now, resetting its backoff.
func (c *Coordinator) Reconnect() { c.tr.Reconnect() }

// Updates is the change-hint stream for the UI. It closes after Close.
func (c *Coordinator) Updates() <-chan Update { return c.updates }

// ----------------------------------------------------------------------
// Snapshot accessors. Safe to call from any goroutine; they return copies.
// ----------------------------------------------------------------------

func (c *Coordinator) Self() model.User { return c.self }

func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Coordinator) ThreadState() ThreadState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.threadState
}

func (c *Coordinator) ConnectionState() channel.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

func (c *Coordinator) ActiveThread() (model.Thread, bool) {
	key, ok := c.activeKey()
	if !ok {
		return model.Thread{}, false
	}
	return c.registry.Get(key)
}

func (c *Coordinator) Threads() []model.Thread { return c.registry.Threads() }

func (c *Coordinator) SearchThreads(query string) []model.Thread { return c.registry.Search(query) }

func (c *Coordinator) Messages() []model.Message { return c.store.Messages() }

// TypingUsers returns who is typing in the open thread.
func (c *Coordinator) TypingUsers() []string {
	key, ok := c.activeKey()
	if !ok {
		return nil
	}
	return c.typing.TypingUsers(key)
}

func (c *Coordinator) IsOnline(userID string) bool { return c.typing.IsOnline(userID) }

// ----------------------------------------------------------------------
// Run loop
// ----------------------------------------------------------------------

func (c *Coordinator) run() {
	defer func() {
		close(c.done)
		close(c.updates)
	}()

	events := c.tr.Events()
	states := c.tr.States()
	for {
		select {
		case <-c.ctx.Done():
			return
		case m := <-c.loop:
			c.handle(m)
		case env, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.handleWire(env)
		case s, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			c.handleConnState(s)
		}
	}
}

func (c *Coordinator) handle(m loopMsg) {
	switch msg := m.(type) {
	case cmdStart:
		c.setState(StateLoadingThreads)
		c.fetchThreads()
	case cmdRefresh:
		c.fetchThreads()
	case cmdSelect:
		c.selectThread(msg.key)
	case cmdOpen:
		c.openConversation(msg)
	case cmdSend:
		c.sendMessage(msg.body)
	case cmdRetry:
		c.retryMessage(msg.correlationID)
	case cmdMarkRead:
		if key, ok := c.activeKey(); ok {
			c.markRead(key)
		}
	case cmdFocus:
		c.setFocus(msg.focused)
	case cmdTyping:
		c.notifyTyping()
	case evtSweep:
		c.publish(Update{Kind: UpdateTyping})
	case resThreads:
		c.applyThreads(msg)
	case resHistory:
		c.applyHistory(msg)
	case resSend:
		c.applySendResult(msg)
	default:
		c.log.Warn("unhandled loop message", zap.Any("msg", m))
	}
}

// ----------------------------------------------------------------------
// Thread list
// ----------------------------------------------------------------------

func (c *Coordinator) fetchThreads() {
	c.listEpoch++
	epoch := c.listEpoch
	go func() {
		threads, err := c.svc.ListThreads(c.ctx)
		c.post(resThreads{threads: threads, err: err, epoch: epoch})
	}()
}

func (c *Coordinator) applyThreads(res resThreads) {
	if res.epoch != c.listEpoch {
		c.log.Debug("discarding superseded thread list")
		return
	}
	// the session settles into ready even on failure, keeping prior data
	c.setState(StateReady)
	if res.err != nil {
		c.notice(res.err)
		return
	}
	c.registry.Replace(res.threads)
	c.publish(Update{Kind: UpdateThreads})
}

// ----------------------------------------------------------------------
// Selection and history
// ----------------------------------------------------------------------

func (c *Coordinator) selectThread(key model.ThreadKey) {
	if cur, ok := c.activeKey(); ok && cur == key && c.threadStateNow() != ThreadStateNone {
		return
	}
	c.selectEpoch++
	c.setActive(key, true)
	c.setThreadState(ThreadStateLoading)
	c.store.Reset(key, nil)
	c.publish(Update{Kind: UpdateMessages, Thread: key})
	c.fetchHistory(key)
}

func (c *Coordinator) openConversation(msg cmdOpen) {
	key := model.ThreadKey{CounterpartID: msg.counterpart.ID, BookingID: msg.bookingID}
	if _, ok := c.registry.Get(key); !ok {
		c.registry.AddPending(model.Thread{
			CounterpartID:   key.CounterpartID,
			BookingID:       key.BookingID,
			CounterpartName: msg.counterpart.Name,
			CounterpartRole: msg.counterpart.Role,
			LastMessageAt:   time.Now(),
		})
		c.publish(Update{Kind: UpdateThreads})
	}
	c.selectThread(key)
}

func (c *Coordinator) fetchHistory(key model.ThreadKey) {
	epoch := c.selectEpoch
	go func() {
		msgs, err := c.svc.ThreadMessages(c.ctx, key.CounterpartID, key.BookingID)
		c.post(resHistory{key: key, msgs: msgs, err: err, epoch: epoch})
	}()
}

func (c *Coordinator) applyHistory(res resHistory) {
	if res.epoch != c.selectEpoch {
		// a newer selection won; the stale result is discarded, never applied
		c.log.Debug("discarding superseded history load", zap.String("thread", res.key.String()))
		return
	}
	c.setThreadState(ThreadStateActive)
	if res.err != nil {
		c.notice(res.err)
		return
	}
	c.store.Reset(res.key, res.msgs)
	c.publish(Update{Kind: UpdateMessages, Thread: res.key})

	if c.focusedNow() {
		if t, ok := c.registry.Get(res.key); ok && t.UnreadCount > 0 {
			c.markRead(res.key)
		}
	}
}

// ----------------------------------------------------------------------
// Sending
// ----------------------------------------------------------------------

func (c *Coordinator) sendMessage(body string) {
	body = strings.TrimSpace(body)
	if body == "" {
		return
	}
	key, ok := c.activeKey()
	if !ok {
		c.log.Warn("send with no thread selected")
		return
	}

	m := model.Message{
		CorrelationID: uuid.NewString(),
		SenderID:      c.self.ID,
		RecipientID:   key.CounterpartID,
		BookingID:     key.BookingID,
		Body:          body,
		CreatedAt:     time.Now(),
	}
	c.store.AppendOptimistic(m)
	c.publish(Update{Kind: UpdateMessages, Thread: key})
	c.dispatchSend(key, m)
}

func (c *Coordinator) retryMessage(correlationID string) {
	m, ok := c.store.PrepareRetry(correlationID)
	if !ok {
		c.log.Debug("no failed message to retry", zap.String("correlationId", correlationID))
		return
	}
	key, _ := c.store.Key()
	c.publish(Update{Kind: UpdateMessages, Thread: key})
	c.dispatchSend(key, m)
}

func (c *Coordinator) dispatchSend(key model.ThreadKey, m model.Message) {
	go func() {
		sent, err := c.svc.SendMessage(c.ctx, key.CounterpartID, key.BookingID, m.Body, m.CorrelationID)
		c.post(resSend{key: key, correlationID: m.CorrelationID, msg: sent, err: err})
	}()
}

func (c *Coordinator) applySendResult(res resSend) {
	skey, sok := c.store.Key()
	sameThread := sok && skey == res.key

	if res.err != nil {
		if sameThread && c.store.MarkFailed(res.correlationID) {
			c.publish(Update{Kind: UpdateMessages, Thread: res.key})
		}
		c.log.Warn("send failed",
			zap.String("thread", res.key.String()),
			zap.Error(res.err),
		)
		c.publish(Update{
			Kind:          UpdateSendFailed,
			Thread:        res.key,
			CorrelationID: res.correlationID,
			Err:           res.err,
		})
		return
	}

	confirmed := res.msg
	confirmed.Status = model.StatusConfirmed
	if sameThread {
		if c.store.Reconcile(confirmed, res.correlationID) {
			c.publish(Update{Kind: UpdateMessages, Thread: res.key})
		}
	}

	// the first persisted send turns a provisional thread into a real one
	if t, ok := c.registry.Get(res.key); ok && t.Pending {
		t.LastBody = confirmed.Body
		t.LastSenderID = confirmed.SenderID
		t.LastMessageAt = confirmed.CreatedAt
		t.MessageCount = 1
		c.registry.PromotePending(res.key, t)
	} else {
		c.registry.UpsertFromMessage(confirmed, true)
	}
	c.publish(Update{Kind: UpdateThreads})
}

// ----------------------------------------------------------------------
// Live events
// ----------------------------------------------------------------------

func (c *Coordinator) handleWire(env event.Envelope) {
	switch env.Event {
	case event.EventMessageCreated:
		p, err := env.DecodeMessageCreated()
		if err != nil {
			c.log.Warn("bad message payload", zap.Error(err))
			return
		}
		c.applyInboundMessage(p.Message)
	case event.EventTypingStart:
		p, err := env.DecodeTypingStart()
		if err != nil {
			c.log.Warn("bad typing payload", zap.Error(err))
			return
		}
		if p.SenderID == c.self.ID {
			return
		}
		key := model.ThreadKey{CounterpartID: p.SenderID, BookingID: p.BookingID}
		c.typing.ObserveTyping(key, p.SenderID)
		c.publish(Update{Kind: UpdateTyping, Thread: key})
	case event.EventPresenceUpdate:
		p, err := env.DecodePresenceUpdate()
		if err != nil {
			c.log.Warn("bad presence payload", zap.Error(err))
			return
		}
		if c.typing.SetOnline(p.UserID, p.Online) {
			c.publish(Update{Kind: UpdatePresence})
		}
	default:
		// the transport filters unknown kinds; this is belt and braces
		c.log.Debug("ignoring unknown event", zap.String("event", env.Event))
	}
}

func (c *Coordinator) applyInboundMessage(m model.Message) {
	m.Status = model.StatusConfirmed
	key := model.CounterpartKey(m, c.self.ID)
	own := m.SenderID == c.self.ID

	if !own && c.typing.ClearTyping(key, m.SenderID) {
		c.publish(Update{Kind: UpdateTyping, Thread: key})
	}

	skey, sok := c.store.Key()
	open := sok && skey == key
	if open {
		if err := c.store.AppendInbound(m); err != nil {
			// already present via history or an earlier delivery
			c.log.Debug("duplicate message dropped", zap.String("id", m.ID))
			return
		}
		c.publish(Update{Kind: UpdateMessages, Thread: key})
	}
	if own {
		// registry bookkeeping for own sends happens on the send
		// completion; the echo only feeds the open store
		return
	}

	autoRead := open && c.focusedNow()
	_, existed := c.registry.Get(key)
	c.registry.UpsertFromMessage(m, autoRead)
	c.publish(Update{Kind: UpdateThreads})
	if !existed {
		// a brand-new counterpart: pull the list to hydrate display fields
		c.fetchThreads()
	}
	if autoRead {
		c.markRead(key)
	}
}

func (c *Coordinator) handleConnState(s channel.State) {
	c.setConn(s)
	c.publish(Update{Kind: UpdateConnection, Connection: s})
	if s != channel.StateConnected {
		return
	}
	if !c.everConnected {
		c.everConnected = true
		return
	}
	// back after an outage: pull to reconcile rather than detecting gaps in
	// the event sequence
	c.log.Info("reconnected, refreshing threads and open history")
	c.fetchThreads()
	if key, ok := c.activeKey(); ok {
		c.selectEpoch++
		c.fetchHistory(key)
	}
}

// ----------------------------------------------------------------------
// Read receipts, focus, typing
// ----------------------------------------------------------------------

func (c *Coordinator) markRead(key model.ThreadKey) {
	if c.registry.MarkRead(key) {
		c.publish(Update{Kind: UpdateThreads})
	}
	// the server tracks its own unread counter, so always sync; the call is
	// idempotent on the gateway
	go func() {
		if err := c.svc.MarkThreadRead(c.ctx, key.CounterpartID, key.BookingID); err != nil {
			c.log.Warn("mark read failed",
				zap.String("thread", key.String()),
				zap.Error(err),
			)
		}
	}()
}

func (c *Coordinator) setFocus(focused bool) {
	c.setFocusedFlag(focused)
	if !focused {
		return
	}
	if key, ok := c.activeKey(); ok {
		if t, exists := c.registry.Get(key); exists && t.UnreadCount > 0 {
			c.markRead(key)
		}
	}
}

func (c *Coordinator) notifyTyping() {
	key, ok := c.activeKey()
	if !ok {
		return
	}
	if !c.throttle.Allow(key) {
		return
	}
	ev := event.NewTypingStart(c.self.ID, key.CounterpartID, key.BookingID)
	if err := c.tr.Send(ev); err != nil {
		// best effort: typing presence is ephemeral
		c.log.Debug("typing signal dropped", zap.Error(err))
	}
}

// ----------------------------------------------------------------------
// Plumbing
// ----------------------------------------------------------------------

func (c *Coordinator) post(m loopMsg) {
	select {
	case c.loop <- m:
	case <-c.ctx.Done():
	}
}

// publish pushes a change hint, shedding the oldest pending hint when the
// consumer lags. Called from the run loop only.
func (c *Coordinator) publish(u Update) {
	for {
		select {
		case c.updates <- u:
			return
		default:
		}
		select {
		case <-c.updates:
		default:
		}
	}
}

func (c *Coordinator) notice(err error) {
	c.publish(Update{Kind: UpdateNotice, Err: err})
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Coordinator) setThreadState(s ThreadState) {
	c.mu.Lock()
	c.threadState = s
	c.mu.Unlock()
}

func (c *Coordinator) threadStateNow() ThreadState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.threadState
}

func (c *Coordinator) setActive(key model.ThreadKey, ok bool) {
	c.mu.Lock()
	c.active = key
	c.hasActive = ok
	c.mu.Unlock()
}

func (c *Coordinator) activeKey() (model.ThreadKey, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active, c.hasActive
}

func (c *Coordinator) setFocusedFlag(f bool) {
	c.mu.Lock()
	c.focused = f
	c.mu.Unlock()
}

func (c *Coordinator) focusedNow() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.focused
}

func (c *Coordinator) setConn(s channel.State) {
	c.mu.Lock()
	c.conn = s
	c.mu.Unlock()
}

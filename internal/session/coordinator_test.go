package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"

	"github.com/valsssa/TutorHub-sub003/internal/channel"
	"github.com/valsssa/TutorHub-sub003/internal/event"
	"github.com/valsssa/TutorHub-sub003/internal/model"
	"github.com/valsssa/TutorHub-sub003/internal/session/mocks"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

var testSelf = model.User{ID: "u-self", Name: "Alex Kim", Role: "student"}

// fakeTransport is a hand-rolled Transport double. The live gateway is
// simulated by feeding envelopes and states into its channels.
type fakeTransport struct {
	events chan event.Envelope
	states chan channel.State

	mu         sync.Mutex
	sent       []event.Envelope
	reconnects int
	closed     bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events: make(chan event.Envelope, 16),
		states: make(chan channel.State, 16),
	}
}

func (f *fakeTransport) Events() <-chan event.Envelope { return f.events }
func (f *fakeTransport) States() <-chan channel.State  { return f.states }

func (f *fakeTransport) Send(ev event.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, ev)
	return nil
}

func (f *fakeTransport) Reconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) sentEvents() []event.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]event.Envelope, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeTransport) reconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reconnects
}

func testOptions() Options {
	return Options{
		TypingTTL:        10 * time.Second,
		TypingSweepEvery: 10 * time.Second,
		TypingThrottle:   time.Minute,
	}
}

func serverThread(counterpartID, name string, unread int, at time.Time) model.Thread {
	return model.Thread{
		CounterpartID:   counterpartID,
		CounterpartName: name,
		CounterpartRole: "tutor",
		LastBody:        "earlier",
		LastSenderID:    counterpartID,
		LastMessageAt:   at,
		UnreadCount:     unread,
		MessageCount:    3,
	}
}

func inboundFrom(id, senderID string, at time.Time) model.Message {
	return model.Message{
		ID:          id,
		SenderID:    senderID,
		RecipientID: testSelf.ID,
		Body:        "from " + senderID,
		CreatedAt:   at,
	}
}

type harness struct {
	svc *mocks.MockMessageService
	tr  *fakeTransport
	c   *Coordinator
}

// startSession builds and starts a coordinator against a mocked gateway.
// arrange runs before the initial thread load fires, so the test can stage
// its expectations for the whole startup sequence.
func startSession(t *testing.T, opts Options, arrange func(svc *mocks.MockMessageService)) *harness {
	t.Helper()

	ctrl := gomock.NewController(t)
	svc := mocks.NewMockMessageService(ctrl)
	svc.EXPECT().CurrentUser().Return(testSelf, nil)
	if arrange != nil {
		arrange(svc)
	}

	tr := newFakeTransport()
	c, err := New(svc, tr, opts, zap.NewNop())
	require.NoError(t, err)
	c.Start()
	t.Cleanup(func() { _ = c.Close() })

	return &harness{svc: svc, tr: tr, c: c}
}

func awaitReady(t *testing.T, c *Coordinator) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == StateReady }, waitFor, tick)
}

func awaitActive(t *testing.T, c *Coordinator) {
	t.Helper()
	require.Eventually(t, func() bool { return c.ThreadState() == ThreadStateActive }, waitFor, tick)
}

func awaitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestNewFailsWithoutIdentity(t *testing.T) {
	ctrl := gomock.NewController(t)
	svc := mocks.NewMockMessageService(ctrl)
	svc.EXPECT().CurrentUser().Return(model.User{}, errors.New("no token"))

	_, err := New(svc, newFakeTransport(), testOptions(), zap.NewNop())
	require.Error(t, err)
}

func TestInitialLoadPopulatesThreads(t *testing.T) {
	h := startSession(t, testOptions(), func(svc *mocks.MockMessageService) {
		svc.EXPECT().ListThreads(gomock.Any()).Return([]model.Thread{
			serverThread("u-maria", "Maria Ortiz", 0, time.Now()),
		}, nil)
	})

	assert.Equal(t, testSelf, h.c.Self())
	awaitReady(t, h.c)

	threads := h.c.Threads()
	require.Len(t, threads, 1)
	assert.Equal(t, "Maria Ortiz", threads[0].CounterpartName)
	assert.Equal(t, ThreadStateNone, h.c.ThreadState())
}

func TestInitialLoadFailureKeepsSessionUsable(t *testing.T) {
	h := startSession(t, testOptions(), func(svc *mocks.MockMessageService) {
		svc.EXPECT().ListThreads(gomock.Any()).Return(nil, errors.New("gateway down"))
	})

	awaitReady(t, h.c)
	assert.Empty(t, h.c.Threads())

	h.svc.EXPECT().ListThreads(gomock.Any()).Return([]model.Thread{
		serverThread("u-maria", "Maria Ortiz", 0, time.Now()),
	}, nil)
	h.c.RefreshThreads()

	require.Eventually(t, func() bool { return len(h.c.Threads()) == 1 }, waitFor, tick)
}

func TestSelectThreadLoadsHistoryAndMarksRead(t *testing.T) {
	key := model.ThreadKey{CounterpartID: "u-maria"}
	history := []model.Message{
		inboundFrom("m-1", "u-maria", time.Now().Add(-2*time.Minute)),
		inboundFrom("m-2", "u-maria", time.Now().Add(-time.Minute)),
	}
	readCalls := make(chan struct{}, 1)

	h := startSession(t, testOptions(), func(svc *mocks.MockMessageService) {
		svc.EXPECT().ListThreads(gomock.Any()).Return([]model.Thread{
			serverThread("u-maria", "Maria Ortiz", 2, time.Now()),
		}, nil)
		svc.EXPECT().ThreadMessages(gomock.Any(), "u-maria", "").Return(history, nil)
		svc.EXPECT().MarkThreadRead(gomock.Any(), "u-maria", "").
			DoAndReturn(func(context.Context, string, string) error {
				readCalls <- struct{}{}
				return nil
			})
	})

	awaitReady(t, h.c)
	h.c.SelectThread(key)
	awaitActive(t, h.c)

	msgs := h.c.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "m-1", msgs[0].ID)

	require.Eventually(t, func() bool {
		threads := h.c.Threads()
		return len(threads) == 1 && threads[0].UnreadCount == 0
	}, waitFor, tick)
	awaitSignal(t, readCalls, "read receipt")

	active, ok := h.c.ActiveThread()
	require.True(t, ok)
	assert.Equal(t, key, active.Key())
}

func TestReselectingOpenThreadIsIdempotent(t *testing.T) {
	key := model.ThreadKey{CounterpartID: "u-maria"}

	h := startSession(t, testOptions(), func(svc *mocks.MockMessageService) {
		svc.EXPECT().ListThreads(gomock.Any()).Return([]model.Thread{
			serverThread("u-maria", "Maria Ortiz", 0, time.Now()),
		}, nil)
		svc.EXPECT().ThreadMessages(gomock.Any(), "u-maria", "").
			Return([]model.Message{inboundFrom("m-1", "u-maria", time.Now())}, nil)
	})

	awaitReady(t, h.c)
	h.c.SelectThread(key)
	awaitActive(t, h.c)

	// a second select of the same thread must not trigger another fetch;
	// an unexpected ThreadMessages call would fail the controller
	h.c.SelectThread(key)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.c.Messages(), 1)
}

func TestLastSelectionWins(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	h := startSession(t, testOptions(), func(svc *mocks.MockMessageService) {
		svc.EXPECT().ListThreads(gomock.Any()).Return(nil, nil)
		svc.EXPECT().ThreadMessages(gomock.Any(), "u-a", "").
			DoAndReturn(func(context.Context, string, string) ([]model.Message, error) {
				close(started)
				<-release
				return []model.Message{inboundFrom("m-a1", "u-a", time.Now())}, nil
			})
		svc.EXPECT().ThreadMessages(gomock.Any(), "u-b", "").
			Return([]model.Message{inboundFrom("m-b1", "u-b", time.Now())}, nil)
	})

	awaitReady(t, h.c)
	h.c.SelectThread(model.ThreadKey{CounterpartID: "u-a"})
	awaitSignal(t, started, "first history fetch")
	h.c.SelectThread(model.ThreadKey{CounterpartID: "u-b"})

	awaitActive(t, h.c)
	require.Eventually(t, func() bool {
		msgs := h.c.Messages()
		return len(msgs) == 1 && msgs[0].ID == "m-b1"
	}, waitFor, tick)

	// the superseded load completes late and must be discarded, not applied
	close(release)
	assert.Never(t, func() bool {
		msgs := h.c.Messages()
		return len(msgs) != 1 || msgs[0].ID != "m-b1"
	}, 300*time.Millisecond, 20*time.Millisecond)
	assert.Equal(t, ThreadStateActive, h.c.ThreadState())
}

func TestSendMessageReconcilesOptimisticCopy(t *testing.T) {
	h := startSession(t, testOptions(), func(svc *mocks.MockMessageService) {
		svc.EXPECT().ListThreads(gomock.Any()).Return([]model.Thread{
			serverThread("u-maria", "Maria Ortiz", 0, time.Now().Add(-time.Hour)),
		}, nil)
		svc.EXPECT().ThreadMessages(gomock.Any(), "u-maria", "").Return(nil, nil)
		svc.EXPECT().SendMessage(gomock.Any(), "u-maria", "", "Hello there", gomock.Any()).
			DoAndReturn(func(_ context.Context, counterpartID, bookingID, body, corr string) (model.Message, error) {
				return model.Message{
					ID:            "m-10",
					CorrelationID: corr,
					SenderID:      testSelf.ID,
					RecipientID:   counterpartID,
					BookingID:     bookingID,
					Body:          body,
					Read:          true,
					CreatedAt:     time.Now(),
				}, nil
			})
	})

	awaitReady(t, h.c)
	h.c.SelectThread(model.ThreadKey{CounterpartID: "u-maria"})
	awaitActive(t, h.c)

	h.c.SendMessage("  Hello there  ")

	require.Eventually(t, func() bool {
		msgs := h.c.Messages()
		return len(msgs) == 1 && msgs[0].Status == model.StatusConfirmed && msgs[0].ID == "m-10"
	}, waitFor, tick)
	assert.Equal(t, "Hello there", h.c.Messages()[0].Body)

	require.Eventually(t, func() bool {
		threads := h.c.Threads()
		return len(threads) == 1 && threads[0].LastBody == "Hello there" && threads[0].LastSenderID == testSelf.ID
	}, waitFor, tick)
}

func TestSendFailureKeepsMessageRetryable(t *testing.T) {
	h := startSession(t, testOptions(), func(svc *mocks.MockMessageService) {
		svc.EXPECT().ListThreads(gomock.Any()).Return([]model.Thread{
			serverThread("u-maria", "Maria Ortiz", 0, time.Now()),
		}, nil)
		svc.EXPECT().ThreadMessages(gomock.Any(), "u-maria", "").Return(nil, nil)
		svc.EXPECT().SendMessage(gomock.Any(), "u-maria", "", "Hello", gomock.Any()).
			Return(model.Message{}, errors.New("gateway timeout"))
	})

	awaitReady(t, h.c)
	h.c.SelectThread(model.ThreadKey{CounterpartID: "u-maria"})
	awaitActive(t, h.c)

	h.c.SendMessage("Hello")
	require.Eventually(t, func() bool {
		msgs := h.c.Messages()
		return len(msgs) == 1 && msgs[0].Status == model.StatusFailed
	}, waitFor, tick)
	corr := h.c.Messages()[0].CorrelationID
	require.NotEmpty(t, corr)

	h.svc.EXPECT().SendMessage(gomock.Any(), "u-maria", "", "Hello", corr).
		Return(model.Message{
			ID:            "m-11",
			CorrelationID: corr,
			SenderID:      testSelf.ID,
			RecipientID:   "u-maria",
			Body:          "Hello",
			CreatedAt:     time.Now(),
		}, nil)

	h.c.RetryMessage(corr)
	require.Eventually(t, func() bool {
		msgs := h.c.Messages()
		return len(msgs) == 1 && msgs[0].Status == model.StatusConfirmed && msgs[0].ID == "m-11"
	}, waitFor, tick)
}

func TestSendRequiresSelectionAndBody(t *testing.T) {
	h := startSession(t, testOptions(), func(svc *mocks.MockMessageService) {
		svc.EXPECT().ListThreads(gomock.Any()).Return([]model.Thread{
			serverThread("u-maria", "Maria Ortiz", 0, time.Now()),
		}, nil)
		svc.EXPECT().ThreadMessages(gomock.Any(), "u-maria", "").Return(nil, nil)
	})

	awaitReady(t, h.c)
	// no thread selected: dropped without a gateway call
	h.c.SendMessage("hello")

	h.c.SelectThread(model.ThreadKey{CounterpartID: "u-maria"})
	awaitActive(t, h.c)
	// blank body: dropped as well
	h.c.SendMessage("   ")

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.c.Messages())
}

func TestInboundMessageUpdatesUnreadAndOrdering(t *testing.T) {
	now := time.Now()
	readCalls := make(chan struct{}, 1)

	h := startSession(t, testOptions(), func(svc *mocks.MockMessageService) {
		svc.EXPECT().ListThreads(gomock.Any()).Return([]model.Thread{
			serverThread("u-maria", "Maria Ortiz", 0, now.Add(-time.Hour)),
			serverThread("u-james", "James Lee", 0, now.Add(-2*time.Hour)),
		}, nil)
		svc.EXPECT().ThreadMessages(gomock.Any(), "u-maria", "").Return(nil, nil)
		svc.EXPECT().MarkThreadRead(gomock.Any(), "u-maria", "").
			DoAndReturn(func(context.Context, string, string) error {
				readCalls <- struct{}{}
				return nil
			})
	})

	awaitReady(t, h.c)
	h.c.SelectThread(model.ThreadKey{CounterpartID: "u-maria"})
	awaitActive(t, h.c)

	// the open, focused thread gets the message and an automatic read receipt
	h.tr.events <- event.NewMessageCreated(inboundFrom("m-20", "u-maria", now))
	require.Eventually(t, func() bool { return len(h.c.Messages()) == 1 }, waitFor, tick)
	awaitSignal(t, readCalls, "auto read receipt")

	// a background thread accrues unread and jumps to the top of the list
	h.tr.events <- event.NewMessageCreated(inboundFrom("m-21", "u-james", now.Add(time.Second)))
	require.Eventually(t, func() bool {
		threads := h.c.Threads()
		return len(threads) == 2 &&
			threads[0].CounterpartID == "u-james" &&
			threads[0].UnreadCount == 1
	}, waitFor, tick)

	threads := h.c.Threads()
	require.Len(t, threads, 2)
	assert.Equal(t, "u-maria", threads[1].CounterpartID)
	assert.Equal(t, 0, threads[1].UnreadCount)
	assert.Len(t, h.c.Messages(), 1, "background messages never leak into the open store")
}

func TestInboundFromUnknownCounterpartHydratesList(t *testing.T) {
	h := startSession(t, testOptions(), func(svc *mocks.MockMessageService) {
		svc.EXPECT().ListThreads(gomock.Any()).Return(nil, nil)
	})
	awaitReady(t, h.c)

	h.svc.EXPECT().ListThreads(gomock.Any()).Return([]model.Thread{
		serverThread("u-new", "New Tutor", 1, time.Now()),
	}, nil)

	h.tr.events <- event.NewMessageCreated(inboundFrom("m-30", "u-new", time.Now()))

	require.Eventually(t, func() bool {
		threads := h.c.Threads()
		return len(threads) == 1 && threads[0].CounterpartName == "New Tutor"
	}, waitFor, tick)
	assert.Equal(t, 1, h.c.Threads()[0].UnreadCount)
}

func TestOwnEchoReconcilesWithoutDoubleCounting(t *testing.T) {
	sendStarted := make(chan struct{})
	sendRelease := make(chan struct{})
	corrCh := make(chan string, 1)

	h := startSession(t, testOptions(), func(svc *mocks.MockMessageService) {
		svc.EXPECT().ListThreads(gomock.Any()).Return([]model.Thread{
			serverThread("u-maria", "Maria Ortiz", 0, time.Now().Add(-time.Hour)),
		}, nil)
		svc.EXPECT().ThreadMessages(gomock.Any(), "u-maria", "").Return(nil, nil)
		svc.EXPECT().SendMessage(gomock.Any(), "u-maria", "", "Hi", gomock.Any()).
			DoAndReturn(func(_ context.Context, counterpartID, _, body, corr string) (model.Message, error) {
				corrCh <- corr
				close(sendStarted)
				<-sendRelease
				return model.Message{
					ID:            "m-40",
					CorrelationID: corr,
					SenderID:      testSelf.ID,
					RecipientID:   counterpartID,
					Body:          body,
					CreatedAt:     time.Now(),
				}, nil
			})
	})

	awaitReady(t, h.c)
	h.c.SelectThread(model.ThreadKey{CounterpartID: "u-maria"})
	awaitActive(t, h.c)

	h.c.SendMessage("Hi")
	awaitSignal(t, sendStarted, "send dispatch")
	corr := <-corrCh

	// the live echo lands before the REST ack and reconciles in place
	h.tr.events <- event.NewMessageCreated(model.Message{
		ID:            "m-40",
		CorrelationID: corr,
		SenderID:      testSelf.ID,
		RecipientID:   "u-maria",
		Body:          "Hi",
		CreatedAt:     time.Now(),
	})
	require.Eventually(t, func() bool {
		msgs := h.c.Messages()
		return len(msgs) == 1 && msgs[0].ID == "m-40" && msgs[0].Status == model.StatusConfirmed
	}, waitFor, tick)

	// the late ack is a no-op on the store and settles the registry once
	close(sendRelease)
	require.Eventually(t, func() bool {
		threads := h.c.Threads()
		return len(threads) == 1 && threads[0].LastBody == "Hi" && threads[0].MessageCount == 4
	}, waitFor, tick)
	assert.Len(t, h.c.Messages(), 1)
}

func TestTypingTrackedAndClearedByMessage(t *testing.T) {
	readCalls := make(chan struct{}, 1)

	h := startSession(t, testOptions(), func(svc *mocks.MockMessageService) {
		svc.EXPECT().ListThreads(gomock.Any()).Return([]model.Thread{
			serverThread("u-maria", "Maria Ortiz", 0, time.Now()),
		}, nil)
		svc.EXPECT().ThreadMessages(gomock.Any(), "u-maria", "").Return(nil, nil)
		svc.EXPECT().MarkThreadRead(gomock.Any(), "u-maria", "").
			DoAndReturn(func(context.Context, string, string) error {
				readCalls <- struct{}{}
				return nil
			})
	})

	awaitReady(t, h.c)
	h.c.SelectThread(model.ThreadKey{CounterpartID: "u-maria"})
	awaitActive(t, h.c)

	h.tr.events <- event.NewTypingStart("u-maria", testSelf.ID, "")
	require.Eventually(t, func() bool {
		typing := h.c.TypingUsers()
		return len(typing) == 1 && typing[0] == "u-maria"
	}, waitFor, tick)

	// the message supersedes the indicator immediately, not after the TTL
	h.tr.events <- event.NewMessageCreated(inboundFrom("m-50", "u-maria", time.Now()))
	require.Eventually(t, func() bool { return len(h.c.TypingUsers()) == 0 }, waitFor, tick)
	awaitSignal(t, readCalls, "auto read receipt")
}

func TestTypingIndicatorExpires(t *testing.T) {
	opts := testOptions()
	opts.TypingTTL = 60 * time.Millisecond
	opts.TypingSweepEvery = 20 * time.Millisecond

	h := startSession(t, opts, func(svc *mocks.MockMessageService) {
		svc.EXPECT().ListThreads(gomock.Any()).Return([]model.Thread{
			serverThread("u-maria", "Maria Ortiz", 0, time.Now()),
		}, nil)
		svc.EXPECT().ThreadMessages(gomock.Any(), "u-maria", "").Return(nil, nil)
	})

	awaitReady(t, h.c)
	h.c.SelectThread(model.ThreadKey{CounterpartID: "u-maria"})
	awaitActive(t, h.c)

	h.tr.events <- event.NewTypingStart("u-maria", testSelf.ID, "")
	require.Eventually(t, func() bool { return len(h.c.TypingUsers()) == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return len(h.c.TypingUsers()) == 0 }, waitFor, tick)
}

func TestOutboundTypingIsThrottled(t *testing.T) {
	h := startSession(t, testOptions(), func(svc *mocks.MockMessageService) {
		svc.EXPECT().ListThreads(gomock.Any()).Return([]model.Thread{
			serverThread("u-maria", "Maria Ortiz", 0, time.Now()),
		}, nil)
		svc.EXPECT().ThreadMessages(gomock.Any(), "u-maria", "").Return(nil, nil)
	})

	awaitReady(t, h.c)
	h.c.SelectThread(model.ThreadKey{CounterpartID: "u-maria"})
	awaitActive(t, h.c)

	h.c.NotifyTyping()
	h.c.NotifyTyping()
	h.c.NotifyTyping()

	require.Eventually(t, func() bool { return len(h.tr.sentEvents()) >= 1 }, waitFor, tick)
	time.Sleep(100 * time.Millisecond)

	sent := h.tr.sentEvents()
	require.Len(t, sent, 1, "repeat keystrokes inside the window stay local")
	require.Equal(t, event.EventTypingStart, sent[0].Event)
	payload, err := sent[0].DecodeTypingStart()
	require.NoError(t, err)
	assert.Equal(t, testSelf.ID, payload.SenderID)
	assert.Equal(t, "u-maria", payload.RecipientID)
}

func TestOpenConversationDeepLinkPromotesPending(t *testing.T) {
	james := model.User{ID: "u-james", Name: "James Lee", Role: "tutor"}

	h := startSession(t, testOptions(), func(svc *mocks.MockMessageService) {
		svc.EXPECT().ListThreads(gomock.Any()).Return(nil, nil)
		svc.EXPECT().ThreadMessages(gomock.Any(), "u-james", "bk-7").Return(nil, nil)
		svc.EXPECT().SendMessage(gomock.Any(), "u-james", "bk-7", "Hi James", gomock.Any()).
			DoAndReturn(func(_ context.Context, counterpartID, bookingID, body, corr string) (model.Message, error) {
				return model.Message{
					ID:            "m-60",
					CorrelationID: corr,
					SenderID:      testSelf.ID,
					RecipientID:   counterpartID,
					BookingID:     bookingID,
					Body:          body,
					CreatedAt:     time.Now(),
				}, nil
			})
	})

	awaitReady(t, h.c)
	h.c.OpenConversation(james, "bk-7")
	awaitActive(t, h.c)

	threads := h.c.Threads()
	require.Len(t, threads, 1)
	assert.True(t, threads[0].Pending)
	assert.Equal(t, "James Lee", threads[0].CounterpartName)
	assert.Equal(t, "bk-7", threads[0].BookingID)

	h.c.SendMessage("Hi James")
	require.Eventually(t, func() bool {
		threads := h.c.Threads()
		return len(threads) == 1 && !threads[0].Pending && threads[0].MessageCount == 1
	}, waitFor, tick)
	assert.Equal(t, "Hi James", h.c.Threads()[0].LastBody)
}

func TestReconnectRefreshesThreadsAndOpenHistory(t *testing.T) {
	now := time.Now()

	h := startSession(t, testOptions(), func(svc *mocks.MockMessageService) {
		svc.EXPECT().ListThreads(gomock.Any()).Return([]model.Thread{
			serverThread("u-maria", "Maria Ortiz", 0, now.Add(-time.Hour)),
		}, nil)
		svc.EXPECT().ThreadMessages(gomock.Any(), "u-maria", "").
			Return([]model.Message{inboundFrom("m-70", "u-maria", now.Add(-time.Hour))}, nil)
	})

	awaitReady(t, h.c)
	h.c.SelectThread(model.ThreadKey{CounterpartID: "u-maria"})
	awaitActive(t, h.c)
	require.Len(t, h.c.Messages(), 1)

	// while the link was down the counterpart sent m-71 and the thread moved
	refreshed := serverThread("u-maria", "Maria Ortiz", 0, now)
	refreshed.LastBody = "sent while offline"
	h.svc.EXPECT().ListThreads(gomock.Any()).Return([]model.Thread{refreshed}, nil)
	h.svc.EXPECT().ThreadMessages(gomock.Any(), "u-maria", "").Return([]model.Message{
		inboundFrom("m-70", "u-maria", now.Add(-time.Hour)),
		inboundFrom("m-71", "u-maria", now),
	}, nil)

	h.tr.states <- channel.StateConnected
	h.tr.states <- channel.StateDisconnected
	h.tr.states <- channel.StateConnected

	require.Eventually(t, func() bool { return len(h.c.Messages()) == 2 }, waitFor, tick)
	require.Eventually(t, func() bool {
		threads := h.c.Threads()
		return len(threads) == 1 && threads[0].LastBody == "sent while offline"
	}, waitFor, tick)
	assert.Equal(t, channel.StateConnected, h.c.ConnectionState())
}

func TestManualReconnectDelegatesToTransport(t *testing.T) {
	h := startSession(t, testOptions(), func(svc *mocks.MockMessageService) {
		svc.EXPECT().ListThreads(gomock.Any()).Return(nil, nil)
	})
	awaitReady(t, h.c)

	h.c.Reconnect()
	assert.Equal(t, 1, h.tr.reconnectCount())
}

func TestMarkReadAlwaysSyncsTheServer(t *testing.T) {
	readCalls := make(chan struct{}, 2)

	h := startSession(t, testOptions(), func(svc *mocks.MockMessageService) {
		svc.EXPECT().ListThreads(gomock.Any()).Return([]model.Thread{
			serverThread("u-maria", "Maria Ortiz", 3, time.Now()),
		}, nil)
		svc.EXPECT().ThreadMessages(gomock.Any(), "u-maria", "").Return(nil, nil)
		svc.EXPECT().MarkThreadRead(gomock.Any(), "u-maria", "").
			DoAndReturn(func(context.Context, string, string) error {
				readCalls <- struct{}{}
				return nil
			}).Times(2)
	})

	awaitReady(t, h.c)
	// blurred first, so neither selection nor history triggers an auto read
	h.c.SetFocused(false)
	h.c.SelectThread(model.ThreadKey{CounterpartID: "u-maria"})
	awaitActive(t, h.c)
	require.Equal(t, 3, h.c.Threads()[0].UnreadCount)

	h.c.MarkThreadRead()
	require.Eventually(t, func() bool { return h.c.Threads()[0].UnreadCount == 0 }, waitFor, tick)
	awaitSignal(t, readCalls, "first read receipt")

	// locally already read; the gateway is still told so counters converge
	h.c.MarkThreadRead()
	awaitSignal(t, readCalls, "second read receipt")
}

func TestRefocusMarksOpenThreadRead(t *testing.T) {
	readCalls := make(chan struct{}, 1)
	now := time.Now()

	h := startSession(t, testOptions(), func(svc *mocks.MockMessageService) {
		svc.EXPECT().ListThreads(gomock.Any()).Return([]model.Thread{
			serverThread("u-maria", "Maria Ortiz", 0, now.Add(-time.Hour)),
		}, nil)
		svc.EXPECT().ThreadMessages(gomock.Any(), "u-maria", "").Return(nil, nil)
		svc.EXPECT().MarkThreadRead(gomock.Any(), "u-maria", "").
			DoAndReturn(func(context.Context, string, string) error {
				readCalls <- struct{}{}
				return nil
			})
	})

	awaitReady(t, h.c)
	h.c.SetFocused(false)
	h.c.SelectThread(model.ThreadKey{CounterpartID: "u-maria"})
	awaitActive(t, h.c)

	// arrives while blurred: unread accrues even though the thread is open
	h.tr.events <- event.NewMessageCreated(inboundFrom("m-80", "u-maria", now))
	require.Eventually(t, func() bool {
		threads := h.c.Threads()
		return len(threads) == 1 && threads[0].UnreadCount == 1
	}, waitFor, tick)
	require.Eventually(t, func() bool { return len(h.c.Messages()) == 1 }, waitFor, tick)

	h.c.SetFocused(true)
	require.Eventually(t, func() bool { return h.c.Threads()[0].UnreadCount == 0 }, waitFor, tick)
	awaitSignal(t, readCalls, "read receipt on refocus")
}

func TestPresenceUpdatesAreTracked(t *testing.T) {
	h := startSession(t, testOptions(), func(svc *mocks.MockMessageService) {
		svc.EXPECT().ListThreads(gomock.Any()).Return(nil, nil)
	})
	awaitReady(t, h.c)

	h.tr.events <- event.NewPresenceUpdate("u-maria", true)
	require.Eventually(t, func() bool { return h.c.IsOnline("u-maria") }, waitFor, tick)

	h.tr.events <- event.NewPresenceUpdate("u-maria", false)
	require.Eventually(t, func() bool { return !h.c.IsOnline("u-maria") }, waitFor, tick)
}

func TestUpdatesStreamSignalsConnectionChanges(t *testing.T) {
	h := startSession(t, testOptions(), func(svc *mocks.MockMessageService) {
		svc.EXPECT().ListThreads(gomock.Any()).Return(nil, nil)
	})
	awaitReady(t, h.c)

	h.tr.states <- channel.StateConnected

	deadline := time.After(waitFor)
	for {
		select {
		case u, ok := <-h.c.Updates():
			require.True(t, ok, "updates stream closed early")
			if u.Kind == UpdateConnection {
				assert.Equal(t, channel.StateConnected, u.Connection)
				return
			}
		case <-deadline:
			t.Fatal("no connection update published")
		}
	}
}

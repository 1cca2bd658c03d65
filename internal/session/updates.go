package session

import (
	"github.com/valsssa/TutorHub-sub003/internal/channel"
	"github.com/valsssa/TutorHub-sub003/internal/model"
)

// State is the top-level session lifecycle.
type State string

const (
	StateIdle           State = "idle"
	StateLoadingThreads State = "loading-threads"
	StateReady          State = "ready"
)

// ThreadState is the per-thread lifecycle inside a ready session.
type ThreadState string

const (
	ThreadStateNone    ThreadState = "no-thread-selected"
	ThreadStateLoading ThreadState = "loading-messages"
	ThreadStateActive  ThreadState = "thread-active"
)

type UpdateKind int

const (
	// UpdateThreads: the thread list changed; re-read Threads().
	UpdateThreads UpdateKind = iota
	// UpdateMessages: the open thread's messages changed; re-read Messages().
	UpdateMessages
	// UpdateTyping: the typing set changed for Thread (or expired somewhere
	// when Thread is zero); re-read TypingUsers().
	UpdateTyping
	// UpdatePresence: a user went online or offline.
	UpdatePresence
	// UpdateConnection: the transport state changed; Connection holds it.
	UpdateConnection
	// UpdateSendFailed: the send identified by CorrelationID failed; the
	// message stays visible in failed state and can be retried.
	UpdateSendFailed
	// UpdateNotice: a fetch failed; Err carries the user-visible error.
	// Prior data is retained.
	UpdateNotice
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateThreads:
		return "threads"
	case UpdateMessages:
		return "messages"
	case UpdateTyping:
		return "typing"
	case UpdatePresence:
		return "presence"
	case UpdateConnection:
		return "connection"
	case UpdateSendFailed:
		return "send-failed"
	case UpdateNotice:
		return "notice"
	default:
		return "unknown"
	}
}

// Update is a change hint published to the UI. The UI re-reads the snapshot
// accessors it cares about; hints are coalesced when the consumer lags, so
// they signal "something changed", never a complete log.
type Update struct {
	Kind          UpdateKind
	Thread        model.ThreadKey
	CorrelationID string
	Connection    channel.State
	Err           error
}

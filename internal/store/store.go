package store

import (
	"errors"
	"sort"
	"sync"

	"github.com/valsssa/TutorHub-sub003/internal/model"
)

// ErrDuplicate signals a message id that is already present. Callers drop
// the message silently; this error never reaches the user.
var ErrDuplicate = errors.New("message already present")

// MessageStore holds the ordered, de-duplicated message list for the one
// thread currently open. Messages are ordered by created-at with ties broken
// by arrival; reconciliation swaps an optimistic entry in place so already
// displayed messages never jump around.
type MessageStore struct {
	mu     sync.RWMutex
	key    model.ThreadKey
	active bool
	msgs   []model.Message
	seen   map[string]struct{}
}

func New() *MessageStore {
	return &MessageStore{seen: make(map[string]struct{})}
}

// Reset discards any prior thread's messages and installs history for key.
// History entries are confirmed by definition; the slice may arrive in any
// order and may contain duplicates after a reconnect re-fetch.
func (s *MessageStore) Reset(key model.ThreadKey, history []model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.key = key
	s.active = true
	s.msgs = s.msgs[:0]
	s.seen = make(map[string]struct{}, len(history))

	sorted := make([]model.Message, len(history))
	copy(sorted, history)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})
	for _, m := range sorted {
		if _, dup := s.seen[m.ID]; dup {
			continue
		}
		m.Status = model.StatusConfirmed
		s.msgs = append(s.msgs, m)
		s.seen[m.ID] = struct{}{}
	}
}

// Key returns the identity of the thread the store currently holds.
func (s *MessageStore) Key() (model.ThreadKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.key, s.active
}

// Messages returns a copy of the current list in display order.
func (s *MessageStore) Messages() []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// AppendOptimistic inserts a locally-originated message at the tail in
// pending state, before any server acknowledgement exists.
func (s *MessageStore) AppendOptimistic(m model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.Status = model.StatusPending
	s.msgs = append(s.msgs, m)
}

// Reconcile replaces the optimistic entry matching correlationID with the
// authoritative server message, keeping its display position. When no
// optimistic entry matches (the message already arrived via the live
// channel) the server message is inserted in order; a reconcile for an id
// already present is a no-op. Reports whether the list changed.
func (s *MessageStore) Reconcile(server model.Message, correlationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.seen[server.ID]; dup {
		return false
	}
	server.Status = model.StatusConfirmed
	server.CorrelationID = correlationID

	if i := s.findUnconfirmed(correlationID); i >= 0 {
		s.msgs[i] = server
		s.seen[server.ID] = struct{}{}
		return true
	}
	s.insertOrdered(server)
	s.seen[server.ID] = struct{}{}
	return true
}

// AppendInbound applies a message delivered by the live channel. An inbound
// copy carrying the correlation id of a local in-flight send reconciles that
// entry (the fan-out beat the send round-trip); duplicate ids return
// ErrDuplicate; everything else inserts in timestamp order.
func (s *MessageStore) AppendInbound(m model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.CorrelationID != "" {
		if i := s.findUnconfirmed(m.CorrelationID); i >= 0 {
			if _, dup := s.seen[m.ID]; dup {
				return ErrDuplicate
			}
			m.Status = model.StatusConfirmed
			s.msgs[i] = m
			s.seen[m.ID] = struct{}{}
			return nil
		}
	}
	if _, dup := s.seen[m.ID]; dup {
		return ErrDuplicate
	}
	m.Status = model.StatusConfirmed
	s.insertOrdered(m)
	s.seen[m.ID] = struct{}{}
	return nil
}

// MarkFailed flips the in-flight entry matching correlationID to failed. The
// entry stays visible and retryable; it is never silently dropped.
func (s *MessageStore) MarkFailed(correlationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.msgs {
		if s.msgs[i].CorrelationID == correlationID && s.msgs[i].Status == model.StatusPending {
			s.msgs[i].Status = model.StatusFailed
			return true
		}
	}
	return false
}

// PrepareRetry flips a failed entry back to pending and returns a copy for
// re-sending. The correlation id is reused so the eventual acknowledgement
// reconciles the same single entry.
func (s *MessageStore) PrepareRetry(correlationID string) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.msgs {
		if s.msgs[i].CorrelationID == correlationID && s.msgs[i].Status == model.StatusFailed {
			s.msgs[i].Status = model.StatusPending
			return s.msgs[i], true
		}
	}
	return model.Message{}, false
}

// findUnconfirmed returns the index of the pending or failed entry with the
// given correlation id, or -1. Caller holds the lock.
func (s *MessageStore) findUnconfirmed(correlationID string) int {
	for i := range s.msgs {
		if s.msgs[i].CorrelationID == correlationID && s.msgs[i].Status != model.StatusConfirmed {
			return i
		}
	}
	return -1
}

// insertOrdered places m after every entry with an earlier or equal
// created-at, so equal timestamps keep arrival order. Caller holds the lock.
func (s *MessageStore) insertOrdered(m model.Message) {
	i := len(s.msgs)
	for i > 0 && s.msgs[i-1].CreatedAt.After(m.CreatedAt) {
		i--
	}
	s.msgs = append(s.msgs, model.Message{})
	copy(s.msgs[i+1:], s.msgs[i:])
	s.msgs[i] = m
}

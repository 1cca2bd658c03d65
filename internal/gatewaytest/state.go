package gatewaytest

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/valsssa/TutorHub-sub003/internal/model"
)

// Store is the gateway's in-memory persistence: seeded users plus every
// message the send endpoint accepted. Thread summaries are derived per
// viewer on demand, the way the production gateway aggregates them.
type Store struct {
	mu    sync.RWMutex
	users map[string]model.User
	msgs  []model.Message
}

func NewStore() *Store {
	return &Store{users: make(map[string]model.User)}
}

func (s *Store) SeedUser(u model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

func (s *Store) User(id string) (model.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	return u, ok
}

// Append persists m, assigning the server id and timestamp.
func (s *Store) Append(m model.Message) model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.ID = uuid.NewString()
	m.CreatedAt = time.Now().UTC()
	m.Read = false
	s.msgs = append(s.msgs, m)
	return m
}

// Threads aggregates selfID's conversations, newest activity first. A booked
// and a bookingless conversation with the same counterpart are distinct.
func (s *Store) Threads(selfID string) []model.Thread {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byKey := make(map[model.ThreadKey]*model.Thread)
	for _, m := range s.msgs {
		if m.SenderID != selfID && m.RecipientID != selfID {
			continue
		}
		key := model.CounterpartKey(m, selfID)
		t, ok := byKey[key]
		if !ok {
			t = &model.Thread{CounterpartID: key.CounterpartID, BookingID: key.BookingID}
			if u, seeded := s.users[key.CounterpartID]; seeded {
				t.CounterpartName = u.Name
				t.CounterpartRole = u.Role
			}
			byKey[key] = t
		}
		t.MessageCount++
		if !m.CreatedAt.Before(t.LastMessageAt) {
			t.LastBody = m.Body
			t.LastSenderID = m.SenderID
			t.LastMessageAt = m.CreatedAt
		}
		if m.RecipientID == selfID && !m.Read {
			t.UnreadCount++
		}
	}

	out := make([]model.Thread, 0, len(byKey))
	for _, t := range byKey {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].CounterpartName < out[j].CounterpartName
	})
	return out
}

// ThreadMessages returns the conversation between selfID and the counterpart,
// oldest first.
func (s *Store) ThreadMessages(selfID, counterpartID, bookingID string) []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := model.ThreadKey{CounterpartID: counterpartID, BookingID: bookingID}
	out := make([]model.Message, 0, 16)
	for _, m := range s.msgs {
		if m.SenderID != selfID && m.RecipientID != selfID {
			continue
		}
		if model.CounterpartKey(m, selfID) != key {
			continue
		}
		out = append(out, m)
	}
	return out
}

// MarkRead flags every message addressed to selfID in the thread as read.
// Repeating it is harmless.
func (s *Store) MarkRead(selfID, counterpartID, bookingID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.msgs {
		m := &s.msgs[i]
		if m.RecipientID != selfID || m.SenderID != counterpartID || m.BookingID != bookingID {
			continue
		}
		m.Read = true
	}
}

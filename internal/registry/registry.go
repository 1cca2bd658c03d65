package registry

import (
	"sort"
	"strings"
	"sync"

	"github.com/valsssa/TutorHub-sub003/internal/model"
)

// Registry is the client-side index of conversation threads, keyed by
// (counterpart, booking). It guarantees at most one entry per identity key.
// The Coordinator is the only writer; the read methods return copies so the
// UI can consume snapshots concurrently.
type Registry struct {
	mu      sync.RWMutex
	selfID  string
	entries map[model.ThreadKey]*model.Thread
}

func New(selfID string) *Registry {
	return &Registry{
		selfID:  selfID,
		entries: make(map[model.ThreadKey]*model.Thread),
	}
}

// Replace swaps the registry wholesale with the server thread list (initial
// load, refresh, reconnect reconciliation). Client-only pending entries are
// kept: the server cannot know about them yet.
func (r *Registry) Replace(threads []model.Thread) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fresh := make(map[model.ThreadKey]*model.Thread, len(threads))
	for _, t := range threads {
		t := t
		t.Pending = false
		fresh[t.Key()] = &t
	}
	for key, t := range r.entries {
		if t.Pending {
			if _, ok := fresh[key]; !ok {
				fresh[key] = t
			}
		}
	}
	r.entries = fresh
}

// UpsertFromMessage creates or updates the thread summary for m. The unread
// count grows only when the message is inbound and not auto-read (the open
// focused thread marks read immediately instead). Returns a copy of the
// updated entry.
func (r *Registry) UpsertFromMessage(m model.Message, autoRead bool) model.Thread {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := model.CounterpartKey(m, r.selfID)
	t, ok := r.entries[key]
	if !ok {
		t = &model.Thread{
			CounterpartID: key.CounterpartID,
			BookingID:     key.BookingID,
		}
		r.entries[key] = t
	}

	t.MessageCount++
	if !m.CreatedAt.Before(t.LastMessageAt) {
		t.LastBody = m.Body
		t.LastSenderID = m.SenderID
		t.LastMessageAt = m.CreatedAt
	}
	if m.SenderID != r.selfID && !autoRead {
		t.UnreadCount++
	}
	t.Pending = false
	return *t
}

// MarkRead zeroes the unread count for key. Idempotent: reports whether the
// count actually changed so callers can skip redundant notifications.
func (r *Registry) MarkRead(key model.ThreadKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.entries[key]
	if !ok || t.UnreadCount == 0 {
		return false
	}
	t.UnreadCount = 0
	return true
}

// AddPending inserts a client-only provisional thread for a conversation the
// user navigated to before any message exists. No-op when the key is already
// present.
func (r *Registry) AddPending(t model.Thread) model.Thread {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := t.Key()
	if existing, ok := r.entries[key]; ok {
		return *existing
	}
	t.Pending = true
	r.entries[key] = &t
	return t
}

// PromotePending replaces the provisional entry with the confirmed thread
// produced by the first successful send. The identity key is unchanged, so
// the caller's selection stays valid.
func (r *Registry) PromotePending(key model.ThreadKey, confirmed model.Thread) {
	r.mu.Lock()
	defer r.mu.Unlock()

	confirmed.Pending = false
	confirmed.CounterpartID = key.CounterpartID
	confirmed.BookingID = key.BookingID
	r.entries[key] = &confirmed
}

func (r *Registry) Get(key model.ThreadKey) (model.Thread, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.entries[key]
	if !ok {
		return model.Thread{}, false
	}
	return *t, true
}

// Threads returns all entries sorted by last activity, newest first.
func (r *Registry) Threads() []model.Thread {
	r.mu.RLock()
	out := make([]model.Thread, 0, len(r.entries))
	for _, t := range r.entries {
		out = append(out, *t)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].CounterpartName < out[j].CounterpartName
	})
	return out
}

// Search filters the de-duplicated thread view by counterpart name,
// case-insensitive.
func (r *Registry) Search(query string) []model.Thread {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return r.Threads()
	}
	return Filter(r.Threads(), func(t model.Thread) bool {
		return strings.Contains(strings.ToLower(t.CounterpartName), q)
	})
}

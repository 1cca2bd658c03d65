package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/valsssa/TutorHub-sub003/internal/model"
)

var (
	// DefaultTypingTTL is how long a typing entry lives without a refresh.
	// Clients re-issue typing.start faster than this while editing.
	DefaultTypingTTL = 4 * time.Second
	// DefaultSweepInterval is the expiry sweep period.
	DefaultSweepInterval = time.Second
)

// Tracker turns typing.start and presence.update events into a live view of
// who is typing per thread and who is online. Entries expire on a background
// sweep; a message from a user clears their typing entry immediately.
type Tracker struct {
	mu     sync.RWMutex
	typing map[model.ThreadKey]map[string]time.Time
	online map[string]struct{}

	ttl        time.Duration
	sweepEvery time.Duration
	now        func() time.Time
	onChange   func()
	log        *zap.Logger
}

func NewTracker(ttl, sweepEvery time.Duration, logger *zap.Logger) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	if sweepEvery <= 0 {
		sweepEvery = DefaultSweepInterval
	}
	return &Tracker{
		typing:     make(map[model.ThreadKey]map[string]time.Time),
		online:     make(map[string]struct{}),
		ttl:        ttl,
		sweepEvery: sweepEvery,
		now:        time.Now,
		log:        logger,
	}
}

// OnChange registers a callback fired whenever the sweep expires entries.
// Set it before Start.
func (t *Tracker) OnChange(fn func()) {
	t.onChange = fn
}

// Start runs the expiry sweep until ctx is cancelled.
func (t *Tracker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(t.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := t.sweep(); removed > 0 && t.onChange != nil {
					t.onChange()
				}
			}
		}
	}()
}

// ObserveTyping inserts or refreshes the typing entry for userID in the
// given thread.
func (t *Tracker) ObserveTyping(key model.ThreadKey, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	users, ok := t.typing[key]
	if !ok {
		users = make(map[string]time.Time)
		t.typing[key] = users
	}
	users[userID] = t.now().Add(t.ttl)
}

// ClearTyping removes userID's typing entry for key, typically because a
// message from them just arrived. Reports whether an entry was removed.
func (t *Tracker) ClearTyping(key model.ThreadKey, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	users, ok := t.typing[key]
	if !ok {
		return false
	}
	if _, present := users[userID]; !present {
		return false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(t.typing, key)
	}
	return true
}

// TypingUsers returns the ids currently typing in the thread, sorted for
// stable rendering. Expired entries are excluded even between sweeps.
func (t *Tracker) TypingUsers(key model.ThreadKey) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	users, ok := t.typing[key]
	if !ok {
		return nil
	}
	now := t.now()
	out := make([]string, 0, len(users))
	for id, expiresAt := range users {
		if expiresAt.After(now) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// SetOnline records a presence.update. Reports whether the state changed.
func (t *Tracker) SetOnline(userID string, online bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, present := t.online[userID]
	if online == present {
		return false
	}
	if online {
		t.online[userID] = struct{}{}
	} else {
		delete(t.online, userID)
	}
	return true
}

func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[userID]
	return ok
}

// sweep drops expired typing entries and returns how many were removed.
func (t *Tracker) sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	removed := 0
	for key, users := range t.typing {
		for id, expiresAt := range users {
			if !expiresAt.After(now) {
				delete(users, id)
				removed++
			}
		}
		if len(users) == 0 {
			delete(t.typing, key)
		}
	}
	if removed > 0 && t.log != nil {
		t.log.Debug("typing entries expired", zap.Int("count", removed))
	}
	return removed
}

package presence

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/valsssa/TutorHub-sub003/internal/model"
)

// DefaultThrottleInterval bounds outbound typing.start emissions per thread.
var DefaultThrottleInterval = 2 * time.Second

// Throttle rate-limits the local user's outbound typing signals so a burst
// of keystrokes produces at most one event per interval per thread.
type Throttle struct {
	mu       sync.Mutex
	interval time.Duration
	limiters map[model.ThreadKey]*rate.Limiter
}

func NewThrottle(interval time.Duration) *Throttle {
	if interval <= 0 {
		interval = DefaultThrottleInterval
	}
	return &Throttle{
		interval: interval,
		limiters: make(map[model.ThreadKey]*rate.Limiter),
	}
}

// Allow reports whether a typing event for the thread may be emitted now.
func (t *Throttle) Allow(key model.ThreadKey) bool {
	t.mu.Lock()
	lim, ok := t.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(t.interval), 1)
		t.limiters[key] = lim
	}
	t.mu.Unlock()
	return lim.Allow()
}

package channel

import "time"

// Options configures the transport channel. Zero values fall back to the
// defaults below.
type Options struct {
	// URL is the gateway websocket endpoint, e.g. wss://host/ws.
	URL string
	// Token is the session token, appended as a query parameter so browser
	// and native clients share one auth path.
	Token string

	DialTimeout time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 500 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * time.Second
	}
	return o
}

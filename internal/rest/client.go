package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/valsssa/TutorHub-sub003/internal/auth"
	"github.com/valsssa/TutorHub-sub003/internal/model"
)

// ErrFetchFailed wraps every thread list / history / send / mark-read
// failure surfaced to the caller. Match with errors.Is.
var ErrFetchFailed = errors.New("message service request failed")

const (
	defaultTimeout  = 10 * time.Second
	defaultRetryMax = 3 * time.Second
	retryBase       = 150 * time.Millisecond

	breakerInterval = time.Minute
	breakerCooldown = 15 * time.Second
	breakerTrips    = 5
)

// Options configures the messaging gateway REST client.
type Options struct {
	BaseURL string
	Token   string
	// Timeout bounds a single attempt when the caller's context has no
	// deadline of its own.
	Timeout time.Duration
	// RetryMax is the total backoff budget for idempotent calls.
	RetryMax time.Duration
}

// Client talks to the platform messaging gateway. Reads and the idempotent
// mark-read are retried with exponential backoff; sends are single-shot so a
// network failure can never become a duplicate message. A circuit breaker
// sits under everything so a dead gateway fails fast instead of stacking
// timeouts.
type Client struct {
	base     string
	token    string
	self     model.User
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker
	timeout  time.Duration
	retryMax time.Duration
	log      *zap.Logger
}

// NewClient validates the session token up front and fails fast on a
// malformed or expired one.
func NewClient(opts Options, logger *zap.Logger) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("rest: missing gateway base url")
	}
	self, err := auth.ParseIdentity(opts.Token)
	if err != nil {
		return nil, fmt.Errorf("rest: %w", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = defaultRetryMax
	}

	c := &Client{
		base:     strings.TrimRight(opts.BaseURL, "/"),
		token:    opts.Token,
		self:     self,
		http:     &http.Client{},
		timeout:  opts.Timeout,
		retryMax: opts.RetryMax,
		log:      logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "message-service",
		Interval: breakerInterval,
		Timeout:  breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTrips
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// 4xx means the request was wrong, not that the gateway is
			// down; it must not open the breaker.
			var se *statusError
			return errors.As(err, &se) && se.code < http.StatusInternalServerError
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return c, nil
}

// CurrentUser returns the identity embedded in the session token. No round
// trip: the token is the source of truth for who this session is.
func (c *Client) CurrentUser() (model.User, error) {
	return c.self, nil
}

func (c *Client) ListThreads(ctx context.Context) ([]model.Thread, error) {
	var out []model.Thread
	err := c.withRetry(ctx, func() error {
		return c.do(ctx, http.MethodGet, "/api/threads", nil, nil, &out)
	})
	if err != nil {
		return nil, c.wrap("list threads", err)
	}
	return out, nil
}

func (c *Client) ThreadMessages(ctx context.Context, counterpartID, bookingID string) ([]model.Message, error) {
	q := url.Values{"counterpartId": {counterpartID}}
	if bookingID != "" {
		q.Set("bookingId", bookingID)
	}
	var out []model.Message
	err := c.withRetry(ctx, func() error {
		return c.do(ctx, http.MethodGet, "/api/threads/messages", q, nil, &out)
	})
	if err != nil {
		return nil, c.wrap("fetch thread messages", err)
	}
	return out, nil
}

func (c *Client) MarkThreadRead(ctx context.Context, counterpartID, bookingID string) error {
	body := struct {
		CounterpartID string `json:"counterpartId"`
		BookingID     string `json:"bookingId,omitempty"`
	}{counterpartID, bookingID}

	// idempotent on the server, so retried like the reads
	err := c.withRetry(ctx, func() error {
		return c.do(ctx, http.MethodPost, "/api/threads/read", nil, body, nil)
	})
	if err != nil {
		return c.wrap("mark thread read", err)
	}
	return nil
}

func (c *Client) SendMessage(ctx context.Context, counterpartID, bookingID, body, correlationID string) (model.Message, error) {
	req := struct {
		CounterpartID string `json:"counterpartId"`
		BookingID     string `json:"bookingId,omitempty"`
		Body          string `json:"body"`
		CorrelationID string `json:"correlationId"`
	}{counterpartID, bookingID, body, correlationID}

	var out model.Message
	if err := c.do(ctx, http.MethodPost, "/api/messages", nil, req, &out); err != nil {
		return model.Message{}, c.wrap("send message", err)
	}
	return out, nil
}

func (c *Client) wrap(op string, err error) error {
	c.log.Error("message service call failed", zap.String("op", op), zap.Error(err))
	return fmt.Errorf("%s: %w: %v", op, ErrFetchFailed, err)
}

func (c *Client) withRetry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryBase
	bo.MaxElapsedTime = c.retryMax

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		c.log.Warn("request failed, retrying", zap.Error(err))
		return err
	}, backoff.WithContext(bo, ctx))
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	ctx, cancel := c.ensureTimeout(ctx)
	defer cancel()

	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	raw, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusMultipleChoices {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(b))}
		}
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil, nil
		}
		return io.ReadAll(resp.Body)
	})
	if err != nil {
		return err
	}
	if out != nil {
		if err := json.Unmarshal(raw.([]byte), out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) ensureTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hadDeadline := ctx.Deadline(); hadDeadline {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("unexpected status %d", e.code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.code, e.body)
}

func retryable(err error) bool {
	// outer cancellation ends the whole retry loop
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= http.StatusInternalServerError
	}
	// transport-level failures and per-attempt timeouts
	return true
}

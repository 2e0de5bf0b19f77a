package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	maxAttempts       = 3
	defaultRetryAfter = time.Second
	backoffInitial    = 500 * time.Millisecond
	backoffMax        = 5 * time.Second
)

// StatusError is a non-2xx webhook response.
type StatusError struct {
	Code int
	Body string
	// retryAfter is set for 429 so backoff.Retry waits the hinted time.
	retryAfter *backoff.RetryAfterError
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook status %d", e.Code)
	}
	return fmt.Sprintf("webhook status %d: %s", e.Code, e.Body)
}

func (e *StatusError) Unwrap() error {
	if e.retryAfter == nil {
		return nil
	}
	return e.retryAfter
}

// Sender posts payloads to the webhook.
type Sender struct {
	client      *http.Client
	maxAttempts uint
	initial     time.Duration
	maxDelay    time.Duration
}

// NewSender returns a Sender with at most three attempts and a 500ms doubling
// backoff capped at 5s.
func NewSender(client *http.Client) *Sender {
	if client == nil {
		client = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Sender{
		client:      client,
		maxAttempts: maxAttempts,
		initial:     backoffInitial,
		maxDelay:    backoffMax,
	}
}

// RetryFunc observes a failed attempt before the sender sleeps for wait.
type RetryFunc func(attempt int, err error, wait time.Duration)

// Send posts body with the retry policy: 429 waits for Retry-After (default
// 1s), any other failure waits on the exponential backoff. It returns the
// number of attempts made and the last error.
func (s *Sender) Send(ctx context.Context, url string, body []byte, onRetry RetryFunc) (int, error) {
	return s.SendUntil(ctx, ctx, url, body, onRetry)
}

// SendUntil is Send with separate lifetimes: requests run on reqCtx, while
// the sleeps between attempts end as soon as waitCtx is done. An attempt in
// flight is never cut short by waitCtx.
func (s *Sender) SendUntil(reqCtx, waitCtx context.Context, url string, body []byte, onRetry RetryFunc) (int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.initial
	b.MaxInterval = s.maxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0

	attempts := 0
	_, err := backoff.Retry(waitCtx, func() (struct{}, error) {
		attempts++
		return struct{}{}, s.SendOnce(reqCtx, url, body)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(s.maxAttempts),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			if onRetry != nil {
				onRetry(attempts, err, wait)
			}
		}),
	)
	return attempts, err
}

// SendOnce makes a single POST without retrying.
func (s *Sender) SendOnce(ctx context.Context, url string, body []byte) error {
	if strings.TrimSpace(url) == "" {
		return backoff.Permanent(ErrNoEndpoint)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "chestnut")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	serr := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	if resp.StatusCode == http.StatusTooManyRequests {
		serr.retryAfter = &backoff.RetryAfterError{Duration: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())}
	}
	return serr
}

// parseRetryAfter reads delay-seconds or an HTTP date; anything else is 1s.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return defaultRetryAfter
	}
	if n, err := strconv.Atoi(v); err == nil {
		if n < 0 {
			return defaultRetryAfter
		}
		return time.Duration(n) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return defaultRetryAfter
}

// IsStatus reports whether err is a webhook response with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

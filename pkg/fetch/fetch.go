package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultTimeout    = 10 * time.Second
	DefaultRetries    = 2
	DefaultRetryDelay = time.Second
)

// Doer issues a single HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Options bound the retry loop. Zero values select the defaults.
type Options struct {
	// Timeout is the per-attempt deadline.
	Timeout time.Duration
	// Retries is the number of re-attempts after the first try.
	Retries int
	// RetryDelay is the base backoff. The wait before re-attempt n is
	// n times this delay, so waits never decrease.
	RetryDelay time.Duration
}

// Result is a fully buffered upstream response.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Attempts is the number of tries the fetch consumed.
	Attempts int
}

// StatusError reports a non-success upstream status.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// Terminal reports whether the status is a client error. Those are the
// requester's fault and are never retried.
func (e *StatusError) Terminal() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// IsTerminal reports whether err is a terminal upstream failure, i.e. one
// where retrying (now or later) cannot help.
func IsTerminal(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Terminal()
}

// StatusCode returns the upstream status carried by err, or zero.
func StatusCode(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

// Fetcher wraps a network primitive with a per-attempt timeout, bounded
// retries and linearly growing backoff. Timeouts, transport errors and 5xx
// responses are retried; 4xx responses fail immediately.
type Fetcher struct {
	client     Doer
	timeout    time.Duration
	retries    int
	retryDelay time.Duration
	log        zerolog.Logger
	sleep      func(context.Context, time.Duration) error
}

func New(client Doer, logger zerolog.Logger, opts Options) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Retries == 0 {
		opts.Retries = DefaultRetries
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	return &Fetcher{
		client:     client,
		timeout:    opts.Timeout,
		retries:    opts.Retries,
		retryDelay: opts.RetryDelay,
		log:        logger,
		sleep:      sleepContext,
	}
}

// MaxAttempts is the most tries one Fetch call can consume.
func (f *Fetcher) MaxAttempts() int {
	return f.retries + 1
}

// Fetch issues req under the retry policy. A 2xx or 304 response is success
// and its body is returned fully buffered. The request body must be nil or
// replayable.
func (f *Fetcher) Fetch(ctx context.Context, req *http.Request) (*Result, error) {
	var lastErr error
	for attempt := 0; attempt <= f.retries; attempt++ {
		if attempt > 0 {
			if err := f.sleep(ctx, f.retryDelay*time.Duration(attempt)); err != nil {
				return nil, err
			}
		}
		result, err := f.attempt(ctx, req)
		if err == nil {
			result.Attempts = attempt + 1
			return result, nil
		}
		lastErr = err
		if IsTerminal(err) {
			f.log.Debug().Err(err).Str("url", req.URL.String()).Msg("Terminal fetch failure")
			return nil, err
		}
		f.log.Debug().Err(err).Int("attempt", attempt+1).Str("url", req.URL.String()).
			Msg("Retryable fetch failure")
	}
	return nil, lastErr
}

// attempt runs one network call under the per-attempt deadline.
func (f *Fetcher) attempt(ctx context.Context, req *http.Request) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	res, err := f.client.Do(req.Clone(ctx))
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if !success(res.StatusCode) {
		// drain so the connection can be reused
		io.Copy(io.Discard, res.Body)
		return nil, &StatusError{StatusCode: res.StatusCode}
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	return &Result{
		StatusCode: res.StatusCode,
		Header:     res.Header,
		Body:       body,
	}, nil
}

func success(status int) bool {
	return (status >= 200 && status < 300) || status == http.StatusNotModified
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

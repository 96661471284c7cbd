package release

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/autometrics-dev/am/internal/model"

	"github.com/cenkalti/backoff/v4"
)

// StatusError is a non 2xx response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Temporary reports whether repeating the request may succeed.
func (e *StatusError) Temporary() bool {
	switch {
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	}
	return false
}

// Retry configures the bounded exponential backoff of network operations.
type Retry struct {
	// Attempts after the first one.
	Retries int
	// Timeout bounds a single attempt, zero means no limit.
	Timeout         time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetry() Retry {
	return Retry{
		Retries:         model.DefaultRetries,
		Timeout:         10 * time.Minute,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

func (r Retry) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if r.InitialInterval > 0 {
		b.InitialInterval = r.InitialInterval
	}
	if r.MaxInterval > 0 {
		b.MaxInterval = r.MaxInterval
	}
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(r.Retries, 0))), ctx)
}

// do runs attempt until it succeeds, fails permanently or the retries are
// exhausted. The final failure is a *model.NetworkError.
func (r Retry) do(ctx context.Context, op, url string, attempt func(ctx context.Context) error) error {
	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		actx := ctx
		if r.Timeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, r.Timeout)
			defer cancel()
		}
		err := attempt(actx)
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		}
		var statusErr *StatusError
		if errors.As(err, &statusErr) && !statusErr.Temporary() {
			return backoff.Permanent(err)
		}
		var integrityErr *model.IntegrityError
		if errors.As(err, &integrityErr) {
			return backoff.Permanent(err)
		}
		return err
	}, r.backOff(ctx), func(err error, wait time.Duration) {
		slog.WarnContext(ctx, "network operation failed, retrying", "op", op, "url", url, "attempt", attempts, "wait", wait, "err", err)
	})
	if err == nil || ctx.Err() != nil {
		return err
	}
	var integrityErr *model.IntegrityError
	if errors.As(err, &integrityErr) {
		return err
	}
	return &model.NetworkError{Op: op, URL: url, Attempts: attempts, Err: err}
}

// get issues a GET request and returns the response of a 2xx status.
func get(ctx context.Context, client *http.Client, url string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	return resp, nil
}

// ErrStalled is the cause of a download attempt that received no data for
// the stall timeout.
var ErrStalled = errors.New("download stalled")

// stallReader cancels the attempt when no data arrives within d.
type stallReader struct {
	r     io.Reader
	timer *time.Timer
	d     time.Duration
}

func newStallReader(r io.Reader, d time.Duration, cancel context.CancelCauseFunc) *stallReader {
	return &stallReader{
		r: r,
		d: d,
		timer: time.AfterFunc(d, func() {
			cancel(ErrStalled)
		}),
	}
}

func (s *stallReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if n > 0 {
		s.timer.Reset(s.d)
	}
	return n, err
}

func (s *stallReader) Stop() {
	s.timer.Stop()
}

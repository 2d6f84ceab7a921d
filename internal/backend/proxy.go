package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ErrTimeout is returned by Do when the upstream did not answer with
// response headers within the attempt timeout.
var ErrTimeout = errors.New("upstream timeout")

const ewmaAlpha = 0.2

// Backend is one upstream base URL in the pool. It tracks in-flight
// attempts, an EWMA of time-to-headers and the last probe result.
type Backend struct {
	url    *url.URL
	client *http.Client

	mutex            sync.Mutex
	reachable        bool
	probed           bool
	inFlight         int
	ewmaResponseTime time.Duration
	hasEWMA          bool
}

// New creates a Backend for the given base URL. Attempts are sent through
// client, which is normally shared by the whole pool.
func New(u *url.URL, client *http.Client) *Backend {
	if client == nil {
		client = http.DefaultClient
	}
	return &Backend{
		url:    u,
		client: client,
	}
}

// URL returns the backend base URL.
func (b *Backend) URL() *url.URL {
	return b.url
}

// String returns the backend base URL as configured.
func (b *Backend) String() string {
	return b.url.String()
}

// Target joins the backend base with the inbound path and query. The base
// path is kept as a prefix and a trailing slash on it is dropped.
func (b *Backend) Target(in *url.URL) *url.URL {
	target := *b.url
	target.Path = strings.TrimSuffix(b.url.Path, "/") + in.Path
	target.RawPath = ""
	if in.RawPath != "" {
		target.RawPath = strings.TrimSuffix(b.url.EscapedPath(), "/") + in.RawPath
	}
	target.RawQuery = in.RawQuery
	target.Fragment = ""
	return &target
}

// Do sends req to this backend. The request URL must already point at the
// backend (see Target). A non-zero timeout bounds the wait for response
// headers only, so long streamed bodies are not cut off; when it fires Do
// returns an error wrapping ErrTimeout. The in-flight counter is released
// when the returned body is closed.
func (b *Backend) Do(ctx context.Context, req *http.Request, timeout time.Duration) (*http.Response, error) {
	ctx, cancel := context.WithCancel(ctx)

	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, cancel)
	}

	b.incrementInFlight()
	release := func() {
		cancel()
		b.decrementInFlight()
	}

	start := time.Now()
	resp, err := b.client.Do(req.WithContext(ctx))
	if timer != nil && !timer.Stop() {
		// The timer fired and cancelled the attempt, even if headers
		// arrived at the same instant.
		if err == nil {
			resp.Body.Close()
		}
		release()
		return nil, fmt.Errorf("%w after %s: %s", ErrTimeout, timeout, b.url)
	}

	if err != nil {
		release()
		return nil, err
	}

	b.RecordResponse(time.Since(start))
	resp.Body = &trackedBody{ReadCloser: resp.Body, release: release}
	return resp, nil
}

type trackedBody struct {
	io.ReadCloser
	once    sync.Once
	release func()
}

func (t *trackedBody) Close() error {
	err := t.ReadCloser.Close()
	t.once.Do(t.release)
	return err
}

func (b *Backend) incrementInFlight() {
	b.mutex.Lock()
	b.inFlight++
	b.mutex.Unlock()
}

func (b *Backend) decrementInFlight() {
	b.mutex.Lock()
	if b.inFlight > 0 {
		b.inFlight--
	}
	b.mutex.Unlock()
}

// InFlight returns the number of attempts whose response body is still open.
func (b *Backend) InFlight() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.inFlight
}

// Reachable reports the last probe result. probed is false until the first
// probe completes.
func (b *Backend) Reachable() (reachable, probed bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.reachable, b.probed
}

// SetReachable records a probe result and reports whether it differs from
// the previous one. The first probe always counts as a change.
func (b *Backend) SetReachable(reachable bool) (changed bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	changed = !b.probed || b.reachable != reachable
	b.reachable = reachable
	b.probed = true
	return changed
}

// RecordResponse folds the latest time-to-headers into the exponentially
// weighted moving average.
func (b *Backend) RecordResponse(duration time.Duration) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if !b.hasEWMA {
		b.ewmaResponseTime = duration
		b.hasEWMA = true
		return
	}
	//ewma = (1 - α) * ewma + α * latest
	b.ewmaResponseTime = time.Duration((1-ewmaAlpha)*float64(b.ewmaResponseTime) + ewmaAlpha*float64(duration))
}

// EWMATime returns the moving average time-to-headers, or 0 before the
// first response.
func (b *Backend) EWMATime() time.Duration {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if !b.hasEWMA {
		return 0
	}

	return b.ewmaResponseTime
}

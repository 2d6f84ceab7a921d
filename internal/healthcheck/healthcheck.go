package healthcheck

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/angeloszaimis/edgeproxy/internal/backend"
)

// Options configures the reachability probe.
type Options struct {
	Interval  time.Duration
	Path      string
	Timeout   time.Duration
	UserAgent string
}

// Notify is called whenever a backend's reachability changes.
type Notify func(b *backend.Backend, reachable bool)

// HealthCheck probes a backend every interval by sending GET to its probe
// path and records the result on the backend. Any answer below 500 counts
// as reachable. The result is informational; the pool keeps routing to the
// backend either way. It returns when ctx is done.
func HealthCheck(
	ctx context.Context,
	b *backend.Backend,
	opts Options,
	logger *slog.Logger,
	notify Notify,
) {
	if opts.Interval <= 0 {
		return
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := &http.Client{
		Timeout: timeout,
	}

	probeURL := b.Target(&url.URL{Path: opts.Path})

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Health check stopped",
				slog.String("server", b.String()))
			return

		case <-ticker.C:
			reachable := probe(ctx, client, probeURL, opts.UserAgent)
			if ctx.Err() != nil {
				continue
			}

			if !b.SetReachable(reachable) {
				continue
			}

			if reachable {
				logger.Info("Server is reachable",
					slog.String("server", b.String()))
			} else {
				logger.Warn("Server is unreachable",
					slog.String("server", b.String()),
					slog.String("probe", probeURL.String()))
			}

			if notify != nil {
				notify(b, reachable)
			}
		}
	}
}

func probe(ctx context.Context, client *http.Client, target *url.URL, userAgent string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return false
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	res, err := client.Do(req)
	if err != nil {
		return false
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4<<10))

	return res.StatusCode < http.StatusInternalServerError
}

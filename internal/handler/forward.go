package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/angeloszaimis/edgeproxy/internal/backend"
	"github.com/angeloszaimis/edgeproxy/internal/loadbalancer"
	"github.com/angeloszaimis/edgeproxy/internal/metrics"
	"github.com/angeloszaimis/edgeproxy/internal/platform"
	"github.com/angeloszaimis/edgeproxy/internal/retry"
)

// Hop-by-hop headers are meaningful for a single connection only and are
// never forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// These inbound headers are recomputed by the proxy or the transport.
var replacedRequestHeaders = []string{
	"Host",
	"Content-Length",
	"X-Forwarded-For",
	"X-Forwarded-Proto",
	"X-Real-Ip",
}

func (h *ProxyHandler) forward(w http.ResponseWriter, r *http.Request, meta platform.Metadata, start time.Time) {
	body, err := h.readBody(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.reject(w, r, meta, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		h.logger.Warn("Failed to read request body",
			slog.String("client", meta.ClientIP()),
			slog.String("path", r.URL.Path),
			slog.Any("err", err))
		h.finish(metrics.OutcomeFailed)
		h.writeError(w, "Proxy error: failed to read request body", http.StatusInternalServerError)
		return
	}

	var chosen *backend.Backend

	call := func(ctx context.Context, attempt int) (*http.Response, error) {
		b, err := h.balancer.Next()
		if err != nil {
			return nil, retry.Permanent(err)
		}
		chosen = b

		h.emitEvent(metrics.MetricEvent{
			Type:    metrics.EventBackendSelected,
			Backend: b.String(),
		})

		out, err := h.outboundRequest(ctx, r, b, body, meta)
		if err != nil {
			return nil, retry.Permanent(err)
		}

		attemptStart := h.clock.Now()
		resp, err := b.Do(ctx, out, h.opts.Timeout)
		elapsed := h.clock.Since(attemptStart)

		status := metrics.StatusUpstreamError
		switch {
		case err == nil:
			status = resp.StatusCode
		case errors.Is(err, backend.ErrTimeout):
			status = http.StatusGatewayTimeout
		}

		h.emitEvent(metrics.MetricEvent{
			Type:       metrics.EventAttemptCompleted,
			Backend:    b.String(),
			Duration:   elapsed,
			StatusCode: status,
		})

		h.logger.Debug("Upstream attempt finished",
			slog.String("backend", b.String()),
			slog.Int("attempt", attempt),
			slog.Int("status", status),
			slog.Duration("duration", elapsed))

		return resp, err
	}

	onRetry := func(attempt, status int, err error, delay time.Duration) {
		attrs := []any{
			slog.String("client", meta.ClientIP()),
			slog.String("path", r.URL.Path),
			slog.String("backend", backendName(chosen)),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
		}
		if err != nil {
			attrs = append(attrs, slog.Any("err", err))
		} else {
			attrs = append(attrs, slog.Int("status", status))
		}
		h.logger.Warn("Retrying upstream request", attrs...)

		h.emitEvent(metrics.MetricEvent{
			Type:    metrics.EventRetryScheduled,
			Backend: backendName(chosen),
		})
	}

	resp, attempts, err := h.retrier.Do(r.Context(), call, onRetry)
	if err != nil {
		h.logger.Error("Upstream request failed",
			slog.String("client", meta.ClientIP()),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("attempts", attempts),
			slog.Any("err", err))

		h.finish(metrics.OutcomeFailed)
		h.writeError(w, "Proxy error: "+publicMessage(err, attempts), http.StatusInternalServerError)
		return
	}
	defer resp.Body.Close()

	h.relay(w, resp, chosen, attempts, meta, start)
	h.finish(metrics.OutcomeForwarded)
}

// readBody buffers the request body so every attempt can replay it. GET
// and HEAD requests are forwarded without a body.
func (h *ProxyHandler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Body == nil {
		return nil, nil
	}

	reader := io.Reader(r.Body)
	if h.opts.MaxBodyBytes > 0 {
		reader = http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes)
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if body == nil {
		body = []byte{}
	}
	return body, nil
}

func (h *ProxyHandler) outboundRequest(ctx context.Context, r *http.Request, b *backend.Backend, body []byte, meta platform.Metadata) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	out, err := http.NewRequestWithContext(ctx, r.Method, b.Target(r.URL).String(), reader)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	h.copyRequestHeaders(out.Header, r.Header)

	clientIP := meta.ClientIP()
	out.Header.Set("User-Agent", h.opts.UserAgent)
	out.Header.Set("X-Forwarded-For", clientIP)
	out.Header.Set("X-Real-IP", clientIP)
	out.Header.Set("X-Forwarded-Proto", meta.Proto)
	if meta.Country != "" {
		out.Header.Set("X-Country-Code", meta.Country)
	}

	return out, nil
}

func (h *ProxyHandler) copyRequestHeaders(dst, src http.Header) {
	drop := connectionTokens(src)
	for _, name := range replacedRequestHeaders {
		drop[name] = struct{}{}
	}

	for name, values := range src {
		canonical := http.CanonicalHeaderKey(name)
		if _, skip := drop[canonical]; skip {
			continue
		}
		if h.platform.IsPlatformHeader(canonical) {
			continue
		}
		dst[canonical] = append([]string(nil), values...)
	}
}

func (h *ProxyHandler) relay(w http.ResponseWriter, resp *http.Response, b *backend.Backend, attempts int, meta platform.Metadata, start time.Time) {
	dst := w.Header()
	drop := connectionTokens(resp.Header)
	for name, values := range resp.Header {
		if _, skip := drop[http.CanonicalHeaderKey(name)]; skip {
			continue
		}
		dst[name] = append([]string(nil), values...)
	}

	h.opts.CORS.Apply(dst)

	now := h.clock.Now()
	dst.Set("X-Proxy-By", h.opts.Name)
	dst.Set("X-Proxy-Backend", b.String())
	dst.Set("X-Proxy-Target", b.String())
	dst.Set("X-Proxy-Time", formatTimestamp(now))
	dst.Set("X-Proxy-Attempts", strconv.Itoa(attempts))
	dst.Set("X-Proxy-Ray", h.rayID(meta))
	dst.Set("X-Processing-Time", fmt.Sprintf("%dms", now.Sub(start).Milliseconds()))

	w.WriteHeader(resp.StatusCode)

	written, err := copyBody(w, resp)
	if err != nil {
		h.logger.Warn("Response relay interrupted",
			slog.String("backend", b.String()),
			slog.Int64("bytes", written),
			slog.Any("err", err))
		return
	}

	h.logger.Info("Forwarded request",
		slog.String("client", meta.ClientIP()),
		slog.String("backend", b.String()),
		slog.Int("status", resp.StatusCode),
		slog.Int("attempts", attempts),
		slog.Int64("bytes", written),
		slog.Duration("duration", h.clock.Since(start)))
}

// copyBody streams the upstream body to the client. Streamed responses
// (server-sent events or unknown length) are flushed after every chunk.
func copyBody(w http.ResponseWriter, resp *http.Response) (int64, error) {
	if !isStreaming(resp) {
		return io.Copy(w, resp.Body)
	}

	rc := http.NewResponseController(w)
	buf := make([]byte, 32<<10)
	var written int64
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			m, writeErr := w.Write(buf[:n])
			written += int64(m)
			if writeErr != nil {
				return written, writeErr
			}
			_ = rc.Flush()
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

func isStreaming(resp *http.Response) bool {
	if resp.ContentLength == -1 {
		return true
	}
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return mediaType == "text/event-stream"
}

// connectionTokens returns the hop-by-hop headers plus any header named in
// the Connection header, canonicalised.
func connectionTokens(header http.Header) map[string]struct{} {
	drop := make(map[string]struct{}, len(hopHeaders))
	for _, name := range hopHeaders {
		drop[name] = struct{}{}
	}
	for _, value := range header.Values("Connection") {
		for _, token := range strings.Split(value, ",") {
			if token = strings.TrimSpace(token); token != "" {
				drop[http.CanonicalHeaderKey(token)] = struct{}{}
			}
		}
	}
	return drop
}

func backendName(b *backend.Backend) string {
	if b == nil {
		return "none"
	}
	return b.String()
}

func (h *ProxyHandler) rayID(meta platform.Metadata) string {
	if meta.TraceID != "" {
		return meta.TraceID
	}
	return h.newID()
}

// publicMessage describes a forwarding failure without exposing backend
// addresses or transport internals.
func publicMessage(err error, attempts int) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "request cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "request deadline exceeded"
	case errors.Is(err, backend.ErrTimeout):
		return fmt.Sprintf("upstream timeout after %d attempts", attempts)
	case errors.Is(err, loadbalancer.ErrNoBackends):
		return "no backends available"
	case errors.Is(err, retry.ErrAttemptsExhausted):
		return fmt.Sprintf("upstream unavailable after %d attempts", attempts)
	default:
		return "upstream request failed"
	}
}

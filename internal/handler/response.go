package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/angeloszaimis/edgeproxy/internal/platform"
)

const (
	errorType       = "proxy_error"
	timestampLayout = "2006-01-02T15:04:05.000Z07:00"
)

type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Code      int    `json:"code"`
	Timestamp string `json:"timestamp"`
}

type healthDocument struct {
	Status              string          `json:"status"`
	Timestamp           string          `json:"timestamp"`
	Version             string          `json:"version"`
	ProxyTarget         string          `json:"proxy_target,omitempty"`
	Backends            []backendStatus `json:"backends"`
	CurrentBackendIndex int             `json:"current_backend_index"`
	Features            []string        `json:"features"`
	Ray                 string          `json:"ray"`
}

type backendStatus struct {
	URL       string `json:"url"`
	InFlight  int    `json:"in_flight"`
	Reachable *bool  `json:"reachable,omitempty"`
	// ResponseTimeMs is the moving average time to response headers.
	ResponseTimeMs int64 `json:"response_time_ms"`
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// writeError sends the structured proxy_error body used for every
// rejection and failure.
func (h *ProxyHandler) writeError(w http.ResponseWriter, message string, status int) {
	h.writeJSON(w, status, errorResponse{
		Error: errorDetail{
			Message:   message,
			Type:      errorType,
			Code:      status,
			Timestamp: formatTimestamp(h.clock.Now()),
		},
	})
}

func (h *ProxyHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("Failed to encode response", slog.Any("err", err))
		status = http.StatusInternalServerError
		body = []byte(`{"error":{"message":"Internal server error","type":"proxy_error","code":500}}`)
	}

	header := w.Header()
	header.Set("Content-Type", "application/json")
	h.opts.CORS.Apply(header)

	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (h *ProxyHandler) handlePreflight(w http.ResponseWriter) {
	h.opts.CORS.Apply(w.Header())
	w.WriteHeader(h.opts.PreflightStatus)
}

// handleHealth reports liveness of the proxy itself. Backends are listed
// with their last probe result but never contacted here.
func (h *ProxyHandler) handleHealth(w http.ResponseWriter, meta platform.Metadata) {
	pool := h.balancer.Backends()

	doc := healthDocument{
		Status:              "healthy",
		Timestamp:           formatTimestamp(h.clock.Now()),
		Version:             h.opts.Version,
		Backends:            make([]backendStatus, 0, len(pool)),
		CurrentBackendIndex: h.balancer.Cursor(),
		Features:            h.features(len(pool)),
		Ray:                 meta.TraceID,
	}
	if doc.Ray == "" {
		doc.Ray = "unknown"
	}
	if len(pool) == 1 {
		doc.ProxyTarget = pool[0].String()
	}

	for _, b := range pool {
		status := backendStatus{
			URL:            b.String(),
			InFlight:       b.InFlight(),
			ResponseTimeMs: b.EWMATime().Milliseconds(),
		}
		if reachable, probed := b.Reachable(); probed {
			status.Reachable = &reachable
		}
		doc.Backends = append(doc.Backends, status)
	}

	h.writeJSON(w, http.StatusOK, doc)
}

func (h *ProxyHandler) features(poolSize int) []string {
	features := make([]string, 0, 4)
	if poolSize > 1 {
		features = append(features, "load_balancing")
	}
	if h.retrier.Policy().MaxRetries > 0 {
		features = append(features, "retry")
	}
	if h.opts.Timeout > 0 {
		features = append(features, "timeout")
	}
	return append(features, "cors")
}

// Flakybackend is a test upstream for exercising the proxy's retry and
// round-robin behaviour by hand.
//
// Usage:
//
//	go run ./scripts/flakybackend --port 8081 --fail-rate 0.5 --fail-status 503
//	go run ./scripts/flakybackend --port 8082 --delay 2s --stream
//
// Every response is JSON carrying a fresh request id and the port, so the
// rotation across several instances is visible from the client side.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/angeloszaimis/edgeproxy/pkg/logger"
)

type reply struct {
	ID        string              `json:"id"`
	Backend   string              `json:"backend"`
	Method    string              `json:"method"`
	Path      string              `json:"path"`
	BodyBytes int                 `json:"body_bytes"`
	Headers   map[string][]string `json:"headers"`
}

func main() {
	port := pflag.Int("port", 8081, "port to listen on")
	failRate := pflag.Float64("fail-rate", 0, "fraction of requests answered with --fail-status")
	failStatus := pflag.Int("fail-status", http.StatusServiceUnavailable, "status used for injected failures")
	delay := pflag.Duration("delay", 0, "wait before sending response headers")
	stream := pflag.Bool("stream", false, "answer /v1/chat/completions as server-sent events")
	logLevel := pflag.String("log-level", "info", "log level")
	pflag.Parse()

	log := logger.New(*logLevel, false, "dev")
	name := fmt.Sprintf("backend-%d", *port)

	mux := http.NewServeMux()

	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"object": "list",
			"data":   []map[string]string{{"id": "test-model", "owned_by": name}},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		id := uuid.NewString()
		log.Info("request",
			slog.String("id", id),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("forwarded_for", r.Header.Get("X-Forwarded-For")),
			slog.Int("body_bytes", len(body)))

		if *delay > 0 {
			select {
			case <-time.After(*delay):
			case <-r.Context().Done():
				log.Warn("client gave up", slog.String("id", id))
				return
			}
		}

		if *failRate > 0 && rand.Float64() < *failRate {
			log.Warn("injecting failure", slog.String("id", id), slog.Int("status", *failStatus))
			writeJSON(w, *failStatus, map[string]string{"error": "injected failure", "id": id})
			return
		}

		if *stream && r.URL.Path == "/v1/chat/completions" {
			streamChunks(w, r, id)
			return
		}

		writeJSON(w, http.StatusOK, reply{
			ID:        id,
			Backend:   name,
			Method:    r.Method,
			Path:      r.URL.RequestURI(),
			BodyBytes: len(body),
			Headers:   r.Header,
		})
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Info("starting flaky backend",
		slog.String("address", addr),
		slog.Float64("fail_rate", *failRate),
		slog.Int("fail_status", *failStatus))

	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("server failed", slog.Any("err", err))
		os.Exit(1)
	}
}

func streamChunks(w http.ResponseWriter, r *http.Request, id string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	for i := 0; i < 5; i++ {
		fmt.Fprintf(w, "data: {\"id\":%q,\"chunk\":%d}\n\n", id, i)
		if err := rc.Flush(); err != nil {
			return
		}
		select {
		case <-time.After(200 * time.Millisecond):
		case <-r.Context().Done():
			return
		}
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

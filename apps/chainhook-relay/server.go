package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxWebhookBodyBytes caps a single chainhook delivery.
const maxWebhookBodyBytes = 2_000_000

type ackResponse struct {
	OK       bool `json:"ok"`
	Received int  `json:"received"`
}

type errorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func errorBody(msg string) errorResponse {
	return errorResponse{OK: false, Error: msg}
}

// relay wires the ledger, the push hub and the limiter into HTTP handlers.
type relay struct {
	ledger       *Ledger
	hub          *streamHub
	limiter      *ipLimiter
	writeTimeout time.Duration
	now          func() time.Time
	log          *slog.Logger
}

func (s *relay) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", postOnly(s.limiter.middleware(handleWebhook(s.ledger, s.writeTimeout, s.now))))
	mux.HandleFunc("/events", handleEvents(s.ledger))
	mux.HandleFunc("/events/stream", handleStream(s.ledger, s.hub))
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/healthz", handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/", notFound)
	return withRequestID(s.log, instrument(mux))
}

// postOnly answers every other method with notFound before next runs.
func postOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			notFound(w, r)
			return
		}
		next(w, r)
	}
}

// handleWebhook accepts one chainhook delivery: normalize, then merge into the ledger.
func handleWebhook(ledger *Ledger, writeTimeout time.Duration, now func() time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			notFound(w, r)
			return
		}
		log := loggerFrom(r)
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				webhookEvents.WithLabelValues("oversized").Inc()
				log.Warn("webhook body too large", "limit", maxErr.Limit)
				w.Header().Set("Connection", "close")
			} else {
				log.Warn("read webhook body", "err", err)
			}
			writeJSON(w, http.StatusBadRequest, errorBody("Invalid payload"))
			return
		}

		delivery, err := parsePayload(body, now())
		switch {
		case errors.Is(err, errInvalidPayload):
			webhookEvents.WithLabelValues("invalid").Inc()
			log.Warn("webhook payload rejected", "err", err)
			writeJSON(w, http.StatusBadRequest, errorBody("Invalid payload"))
			return
		case err != nil:
			// wrong field types count as a delivery with nothing to record
			log.Warn("webhook payload ignored", "err", err)
			delivery = Delivery{}
		}

		incoming := Normalize(delivery)
		if len(incoming) > 0 {
			ctx, cancel := context.WithTimeout(r.Context(), writeTimeout)
			defer cancel()
			if _, err := ledger.Update(ctx, incoming); err != nil {
				webhookEvents.WithLabelValues("error").Add(float64(len(incoming)))
				if errors.Is(err, errLedgerBusy) {
					log.Warn("ledger busy", "err", err)
					w.Header().Set("Retry-After", "1")
					writeJSON(w, http.StatusServiceUnavailable, errorBody("Storage busy"))
					return
				}
				log.Error("ledger write failed", "err", err)
				writeJSON(w, http.StatusInternalServerError, errorBody("Storage unavailable"))
				return
			}
			webhookEvents.WithLabelValues("accepted").Add(float64(len(incoming)))
		}
		log.Info("webhook received", "received", len(incoming))
		writeJSON(w, http.StatusOK, ackResponse{OK: true, Received: len(incoming)})
	}
}

// handleEvents serves the ledger to polling clients from any origin.
func handleEvents(ledger *Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("Access-Control-Allow-Origin", "*")
			writeJSON(w, http.StatusOK, ledger.Events(r.Context()))
		case http.MethodOptions:
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.WriteHeader(http.StatusNoContent)
		default:
			notFound(w, r)
		}
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		notFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func notFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusNotFound)
	w.Write([]byte("not found"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		slog.Error("encode response", "err", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"ok":false,"error":"internal"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

type loggerKey struct{}

// withRequestID tags each request with X-Request-ID (generated when absent) and
// a logger carrying it.
func withRequestID(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), loggerKey{}, log.With("request_id", id))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggerFrom(r *http.Request) *slog.Logger {
	if l, ok := r.Context().Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// instrument wraps handlers to record Prometheus metrics.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := routeLabel(r.URL.Path)
		method := r.Method
		ww := &responseWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(ww, r)
		status := statusLabel(ww.status)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

// routeLabel bounds the path label to known routes.
func routeLabel(path string) string {
	switch path {
	case "/webhook", "/events", "/events/stream", "/health", "/healthz", "/metrics":
		return path
	default:
		return "other"
	}
}

// responseWriter captures status code for Prometheus labeling.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets /events/stream upgrade through the instrumentation wrapper.
func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	case code >= 100:
		return "1xx"
	default:
		return "unknown"
	}
}

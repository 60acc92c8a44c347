// Package httpserver exposes the REST and SSE surface of the gateway:
// generation submission, stream re-attachment, credential administration,
// metrics and health.
package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/storyloom/gengate/internal/dispatcher"
	"github.com/storyloom/gengate/internal/governor"
	"github.com/storyloom/gengate/internal/ledger"
	"github.com/storyloom/gengate/internal/metrics"
	"github.com/storyloom/gengate/internal/relay"
	"github.com/storyloom/gengate/internal/transport"
)

// pingInterval is how often an idle SSE connection receives a comment line to
// keep intermediaries from closing it.
const pingInterval = 15 * time.Second

// Server wires the HTTP layer to the dispatch pipeline.
type Server struct {
	dispatcher *dispatcher.Dispatcher
	relay      *relay.Relay
	governor   *governor.Governor
	ledger     ledger.Store
	metrics    *metrics.Collector
	logger     *log.Logger
}

// Options collects the server's collaborators. Dispatcher, Relay and Governor
// are required; the ledger and metrics endpoints are disabled when nil.
type Options struct {
	Dispatcher *dispatcher.Dispatcher
	Relay      *relay.Relay
	Governor   *governor.Governor
	Ledger     ledger.Store
	Metrics    *metrics.Collector
	Logger     *log.Logger
}

// New builds a Server.
func New(opts Options) (*Server, error) {
	if opts.Dispatcher == nil || opts.Relay == nil || opts.Governor == nil {
		return nil, errors.New("httpserver: dispatcher, relay and governor are required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Server{
		dispatcher: opts.Dispatcher,
		relay:      opts.Relay,
		governor:   opts.Governor,
		ledger:     opts.Ledger,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
	}, nil
}

// Router returns the configured chi router for embedding in an http.Server.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/v1/generate", s.handleGenerate)
	r.Get("/v1/requests/{id}/stream", s.handleStream)
	r.Get("/v1/requests/{id}/attempts", s.handleAttempts)

	r.Get("/admin/credentials", s.handleCredentials)
	r.Post("/admin/credentials/{id}/reset", s.handleCredentialReset)

	r.Get("/metrics", s.handleMetrics)
	r.Get("/healthz", s.handleHealth)
	return r
}

type generateRequest struct {
	Prompt string `json:"prompt"`
}

// streamFrame is the caller-visible SSE payload. Exactly one terminal frame
// (complete or error) ends every stream; retry_after is a hint in seconds.
type streamFrame struct {
	Type       string  `json:"type"`
	Payload    string  `json:"payload,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	RetryAfter float64 `json:"retry_after,omitempty"`
}

func frameFromChunk(c transport.Chunk) streamFrame {
	switch c.Kind {
	case transport.KindDone:
		return streamFrame{Type: "complete"}
	case transport.KindError:
		f := streamFrame{Type: "error", Reason: c.Reason}
		if c.RetryAfter > 0 {
			f.RetryAfter = c.RetryAfter.Seconds()
		}
		return f
	default:
		return streamFrame{Type: "data", Payload: c.Payload}
	}
}

// handleGenerate accepts a prompt, schedules it on the worker pool, and
// streams the result back over SSE on the same connection. The request id is
// sent as the first event so a dropped caller can re-attach later.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("prompt is required"))
		return
	}

	requestID, err := s.dispatcher.Submit(r.Context(), req.Prompt)
	if err != nil {
		switch {
		case errors.Is(err, dispatcher.ErrBusy):
			w.Header().Set("Retry-After", "1")
			s.respondError(w, http.StatusServiceUnavailable, err)
		case errors.Is(err, dispatcher.ErrShutdown):
			s.respondError(w, http.StatusServiceUnavailable, err)
		default:
			s.respondError(w, http.StatusInternalServerError, err)
		}
		return
	}

	// Callers that prefer JSON get the id immediately and attach later via
	// GET /v1/requests/{id}/stream.
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		s.respondJSON(w, http.StatusAccepted, map[string]string{"request_id": requestID})
		return
	}

	s.streamSSE(w, r, requestID, true)
}

// handleStream re-attaches a caller to an existing request stream and replays
// it from the first retained chunk.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "id")
	if requestID == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("request id is required"))
		return
	}
	s.streamSSE(w, r, requestID, false)
}

// streamSSE relays the chunk stream for requestID over SSE until its terminal
// chunk, client disconnect, or the relay's delivery deadline.
func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, requestID string, announceID bool) {
	chunks, cancel, err := s.relay.Attach(r.Context(), requestID)
	if err != nil {
		if errors.Is(err, transport.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, fmt.Errorf("unknown request %s", requestID))
			return
		}
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	defer cancel()

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(http.StatusOK)

	emit := func(event string, payload any) bool {
		b, err := json.Marshal(payload)
		if err != nil {
			return false
		}
		if event != "" {
			if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
				return false
			}
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if announceID {
		if !emit("request", map[string]string{"request_id": requestID}) {
			return
		}
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case chunk, open := <-chunks:
			if !open {
				return
			}
			if !emit("chunk", frameFromChunk(chunk)) {
				return
			}
			if chunk.Terminal() {
				fmt.Fprint(w, "data: [DONE]\n\n")
				flusher.Flush()
				return
			}

		case <-ping.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// handleAttempts returns the per-attempt ledger history for a request.
func (s *Server) handleAttempts(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		s.respondError(w, http.StatusNotFound, errors.New("ledger disabled"))
		return
	}
	requestID := chi.URLParam(r, "id")
	entries, err := s.ledger.ListByRequest(r.Context(), requestID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"request_id": requestID,
		"attempts":   entries,
	})
}

// handleCredentials returns the governor's credential snapshot. Secrets are
// never part of the snapshot.
func (s *Server) handleCredentials(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"credentials": s.governor.Snapshot(),
	})
}

// handleCredentialReset clears a fatal block from one credential.
func (s *Server) handleCredentialReset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.governor.ResetCredential(id); err != nil {
		s.respondError(w, http.StatusNotFound, err)
		return
	}
	s.logger.Printf("[admin] credential reset id=%s", id)
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "reset", "id": id})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		s.respondError(w, http.StatusNotFound, errors.New("metrics disabled"))
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	_, _ = w.Write([]byte(metrics.FormatPrometheus(s.metrics.GetSnapshot())))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Printf("[httpserver] encode response: %v", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	s.respondJSON(w, status, map[string]string{"error": err.Error()})
}

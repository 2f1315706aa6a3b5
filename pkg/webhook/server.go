package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/issuesync/issuesync/pkg/telemetry"
)

// ServerConfig configures the webhook intake server.
type ServerConfig struct {
	ListenAddress string
	Secret        string
}

// Server receives webhook deliveries over HTTP and enqueues them for the
// processor. Intake is decoupled from processing: the endpoint answers
// 202 as soon as the event is durably queued.
type Server struct {
	cfg       ServerConfig
	queue     *Queue
	processor *Processor
	logger    zerolog.Logger
	metrics   *telemetry.Metrics
	srv       *http.Server
}

// NewServer creates the webhook HTTP server.
func NewServer(cfg ServerConfig, queue *Queue, processor *Processor, logger zerolog.Logger, metrics *telemetry.Metrics) *Server {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8090"
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	s := &Server{
		cfg:       cfg,
		queue:     queue,
		processor: processor,
		logger:    logger.With().Str("component", "webhook-server").Logger(),
		metrics:   metrics,
	}
	s.srv = &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler builds the route mux. Exposed for httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhooks/gitea", s.handleGitea)
	mux.HandleFunc("POST /webhooks/kimai", s.handleKimai)
	mux.HandleFunc("GET /webhooks/status", s.handleStatus)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())
	return mux
}

// Start runs the server until Shutdown.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.cfg.ListenAddress).Msg("webhook server listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleGitea(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if s.cfg.Secret != "" {
		if !s.verifySignature(r.Header.Get("X-Gitea-Signature"), body) {
			s.logger.Warn().Str("remote", r.RemoteAddr).Msg("webhook signature verification failed")
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}

	eventType := r.Header.Get("X-Gitea-Event")
	if eventType == "" {
		http.Error(w, "missing X-Gitea-Event header", http.StatusBadRequest)
		return
	}
	action, _ := payload["action"].(string)

	ev := &Event{
		ID:         uuid.New().String(),
		Source:     "gitea",
		EventType:  eventType,
		Action:     action,
		Repository: repositoryName(payload),
		Payload:    payload,
		Timestamp:  time.Now().UTC(),
	}

	s.metrics.RecordWebhookReceived(ev.Source, ev.EventType)
	if err := s.queue.Enqueue(r.Context(), ev); err != nil {
		s.logger.Error().Err(err).Str("event_id", ev.ID).Msg("failed to enqueue webhook event")
		http.Error(w, "failed to queue event", http.StatusInternalServerError)
		return
	}

	s.logger.Info().
		Str("event_id", ev.ID).
		Str("event_type", ev.EventType).
		Str("action", ev.Action).
		Str("repository", ev.Repository).
		Msg("webhook event accepted")
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":   "accepted",
		"event_id": ev.ID,
	})
}

func (s *Server) handleKimai(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}

	eventType, _ := payload["event_type"].(string)
	if eventType == "" {
		http.Error(w, "missing event_type", http.StatusBadRequest)
		return
	}
	action, _ := payload["action"].(string)

	ev := &Event{
		ID:        uuid.New().String(),
		Source:    "kimai",
		EventType: eventType,
		Action:    action,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	s.metrics.RecordWebhookReceived(ev.Source, ev.EventType)
	if err := s.queue.Enqueue(r.Context(), ev); err != nil {
		s.logger.Error().Err(err).Str("event_id", ev.ID).Msg("failed to enqueue webhook event")
		http.Error(w, "failed to queue event", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":   "accepted",
		"event_id": ev.ID,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.processor.Status(r.Context()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if err := s.queue.Ping(r.Context()); err != nil {
		// Queue loss degrades to direct processing; intake stays up
		status = "degraded"
	}
	writeJSON(w, code, map[string]string{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) verifySignature(signature string, body []byte) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.cfg.Secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}

// repositoryName extracts the repository identifier, preferring the full
// owner/name form.
func repositoryName(payload map[string]any) string {
	repo, ok := payload["repository"].(map[string]any)
	if !ok {
		return ""
	}
	if full, ok := repo["full_name"].(string); ok && full != "" {
		return full
	}
	name, _ := repo["name"].(string)
	return name
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

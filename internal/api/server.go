package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"webhook-pipeline/internal/config"
	"webhook-pipeline/internal/models"
	"webhook-pipeline/internal/queue"
	"webhook-pipeline/internal/signature"
	"webhook-pipeline/internal/telemetry"
)

// Webhook bodies beyond this size are rejected before verification.
const maxBodyBytes = 1 << 20

// EventStore is the slice of persistence the HTTP layer needs: admission,
// admission-failure bookkeeping, and admin reads.
type EventStore interface {
	InsertEvent(ctx context.Context, providerEventID, eventType string, payload json.RawMessage) (models.WebhookEvent, bool, error)
	MarkFailed(ctx context.Context, eventID, errMsg string) error
	ResetForRetry(ctx context.Context, providerEventID string) error
	EventCountsByStatus(ctx context.Context) (map[string]int64, error)
}

// Server wires the webhook receiver and the internal admin surface.
type Server struct {
	cfg      config.Config
	store    EventStore
	queue    *queue.RedisQueue
	verifier *signature.Verifier
	log      *slog.Logger
}

func New(cfg config.Config, st EventStore, q *queue.RedisQueue, v *signature.Verifier, log *slog.Logger) *Server {
	return &Server{cfg: cfg, store: st, queue: q, verifier: v, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/webhooks/stripe", s.handleWebhook)

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.adminAuth)
		r.Get("/stats", s.handleStats)
		r.Get("/dlq", s.handleDLQ)
		r.Post("/dlq/{jobID}/retry", s.handleDLQRetry)
		r.Post("/pause", s.handlePause)
		r.Post("/resume", s.handleResume)
		r.Post("/maintenance", s.handleMaintenance)
	})

	return r
}

// handleWebhook is the admission path: verify, dedupe, persist, enqueue,
// answer fast. The body must be read as raw bytes before any JSON parsing or
// the signature check would be computed over re-serialized content.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			// A truncated body would fail verification anyway, but an
			// explicit 413 tells the sender what actually went wrong.
			http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	event, err := s.verifier.Verify(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, signature.ErrInvalidSignature) {
			telemetry.SignatureRejects.Inc()
			http.Error(w, "invalid signature", http.StatusBadRequest)
			return
		}
		http.Error(w, "verification failed", http.StatusInternalServerError)
		return
	}

	if event.ID == "" {
		http.Error(w, "event id missing", http.StatusBadRequest)
		return
	}

	stored, duplicate, err := s.store.InsertEvent(r.Context(), event.ID, string(event.Type), body)
	if err != nil {
		s.log.Error("event admission failed", "provider_event_id", event.ID, "error", err)
		http.Error(w, "admission failed", http.StatusInternalServerError)
		return
	}
	if duplicate {
		// The provider retries until it sees 2xx; redeliveries are expected
		// and absorbed here without a second row. Enqueue is still
		// attempted: the jobmeta guard makes it a no-op while a job
		// exists, and it heals an event whose first admission inserted
		// the row but could not reach the broker. A completed event that
		// gets a job this way is dropped by the worker's status check.
		if _, err := s.queue.Enqueue(r.Context(), event.ID, models.PriorityDefault, time.Now()); err != nil {
			s.log.Error("enqueue on redelivery failed", "provider_event_id", event.ID, "error", err)
			http.Error(w, "enqueue failed", http.StatusInternalServerError)
			return
		}
		telemetry.DuplicateEvents.Inc()
		s.log.Debug("duplicate delivery absorbed", "provider_event_id", event.ID)
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	if _, err := s.queue.Enqueue(r.Context(), event.ID, models.PriorityDefault, time.Now()); err != nil {
		// Fail loudly so the provider redelivers the whole event rather
		// than it being silently dropped with no job behind it.
		msg := err.Error()
		_ = s.store.MarkFailed(r.Context(), stored.EventID, msg)
		s.log.Error("enqueue failed", "provider_event_id", event.ID, "error", err)
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}

	telemetry.EventsAdmitted.Inc()
	s.log.Info("event admitted", "event_type", string(event.Type), "provider_event_id", event.ID)
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// adminAuth gates the admin surface behind a static bearer token.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken == "" {
			http.Error(w, "admin surface disabled", http.StatusServiceUnavailable)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	depths, err := s.queue.Depths(r.Context())
	if err != nil {
		http.Error(w, "failed to read queue depths", http.StatusInternalServerError)
		return
	}
	counts, err := s.store.EventCountsByStatus(r.Context())
	if err != nil {
		http.Error(w, "failed to count events", http.StatusInternalServerError)
		return
	}
	paused, _ := s.queue.Paused(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"queue":  depths,
		"events": counts,
		"paused": paused,
	})
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	entries, err := s.queue.DLQEntries(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleDLQRetry(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	_, parked, err := s.queue.DLQEntry(r.Context(), jobID)
	if err != nil {
		http.Error(w, "dlq retry failed", http.StatusInternalServerError)
		return
	}
	if !parked {
		writeJSON(w, http.StatusNotFound, map[string]bool{"retried": false})
		return
	}
	// The attempt counter must be zeroed before the job can be dequeued
	// again, or the first fresh attempt would count against the old budget
	// and the job could dead-letter straight back.
	if err := s.store.ResetForRetry(r.Context(), jobID); err != nil {
		s.log.Error("reset event for dlq retry failed", "job_id", jobID, "error", err)
		http.Error(w, "dlq retry failed", http.StatusInternalServerError)
		return
	}
	retried, err := s.queue.RetryFromDLQ(r.Context(), jobID, s.cfg.DLQRetryDelay)
	if err != nil {
		http.Error(w, "dlq retry failed", http.StatusInternalServerError)
		return
	}
	if !retried {
		writeJSON(w, http.StatusNotFound, map[string]bool{"retried": false})
		return
	}
	s.log.Info("dlq entry requeued", "job_id", jobID)
	writeJSON(w, http.StatusOK, map[string]bool{"retried": true})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Pause(r.Context()); err != nil {
		http.Error(w, "pause failed", http.StatusInternalServerError)
		return
	}
	s.log.Info("dispatch paused")
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Resume(r.Context()); err != nil {
		http.Error(w, "resume failed", http.StatusInternalServerError)
		return
	}
	s.log.Info("dispatch resumed")
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

// handleMaintenance runs promotion and lease reclaim on demand, outside the
// worker's regular cadence.
func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	promoted, err := s.queue.PromoteScheduled(r.Context(), now, 1000)
	if err != nil {
		http.Error(w, "promote failed", http.StatusInternalServerError)
		return
	}
	reclaimed, err := s.queue.RequeueExpired(r.Context(), now, 1000)
	if err != nil {
		http.Error(w, "requeue failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"promoted":  promoted,
		"reclaimed": len(reclaimed),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

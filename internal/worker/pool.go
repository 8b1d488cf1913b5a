package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v81"

	"webhook-pipeline/internal/config"
	"webhook-pipeline/internal/models"
	"webhook-pipeline/internal/queue"
	"webhook-pipeline/internal/ratelimit"
	"webhook-pipeline/internal/telemetry"
)

// EventStore is the slice of persistence the pool needs to drive the
// webhook event lifecycle. Only the pool transitions events out of
// received/processing.
type EventStore interface {
	GetEventByProviderID(ctx context.Context, providerEventID string) (models.WebhookEvent, error)
	MarkProcessing(ctx context.Context, eventID string) (int, error)
	MarkCompleted(ctx context.Context, eventID string) error
	MarkFailed(ctx context.Context, eventID, errMsg string) error
	MarkDead(ctx context.Context, eventID, errMsg string) error
	MarkRequeued(ctx context.Context, eventID string) error
}

// HandlerFunc applies the business effect of one verified event.
type HandlerFunc func(ctx context.Context, event stripe.Event) error

// Pool pulls jobs from the queue at bounded concurrency and a bounded global
// rate, dispatches them to effect handlers, and reports outcomes back to the
// event store. Construct once per process; Run blocks until the context is
// cancelled and all in-flight jobs have drained.
type Pool struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	events   EventStore
	limiter  *ratelimit.TokenBucket
	handlers map[stripe.EventType]HandlerFunc
	log      *slog.Logger
}

func NewPool(cfg config.Config, q *queue.RedisQueue, events EventStore, limiter *ratelimit.TokenBucket, log *slog.Logger) *Pool {
	return &Pool{
		cfg:      cfg,
		queue:    q,
		events:   events,
		limiter:  limiter,
		handlers: make(map[stripe.EventType]HandlerFunc),
		log:      log,
	}
}

// Register binds a handler to an event type. Event types with no handler are
// acknowledged as no-op successes so new provider event types never wedge
// the queue.
func (p *Pool) Register(eventType stripe.EventType, handler HandlerFunc) {
	if eventType == "" || handler == nil {
		return
	}
	p.handlers[eventType] = handler
}

const dispatchRateKey = "webhooks:ratelimit:dispatch"

// Run starts the workers plus a maintenance loop and blocks until shutdown.
func (p *Pool) Run(ctx context.Context) error {
	n := p.cfg.WorkerCount
	if n <= 0 {
		n = 1
	}

	// Cancellation stops intake between jobs only. A job already dispatched
	// runs to completion under workCtx so its handler, store transition,
	// and ack are never cut off mid-flight.
	workCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.workerLoop(ctx, workCtx, id)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.maintenanceLoop(ctx, workCtx)
	}()

	wg.Wait()
	return ctx.Err()
}

func (p *Pool) workerLoop(ctx, workCtx context.Context, id int) {
	log := p.log.With("worker", id)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if p.limiter != nil {
			allowed, _, err := p.limiter.Allow(ctx, dispatchRateKey)
			if err != nil {
				log.Warn("rate limiter unavailable", "error", err)
				p.sleep(ctx)
				continue
			}
			if !allowed {
				telemetry.DispatchThrottle.Inc()
				p.sleep(ctx)
				continue
			}
		}

		jobID, err := p.queue.DequeueWithLease(ctx)
		if err != nil {
			log.Warn("dequeue failed", "error", err)
			p.sleep(ctx)
			continue
		}
		if jobID == "" {
			p.sleep(ctx)
			continue
		}

		p.process(workCtx, log, jobID)
	}
}

func (p *Pool) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.cfg.WorkerPollInterval):
	}
}

func (p *Pool) process(ctx context.Context, log *slog.Logger, jobID string) {
	event, err := p.events.GetEventByProviderID(ctx, jobID)
	if err != nil {
		// No backing row; nothing a redelivery could fix.
		log.Error("job without event row, dropping", "job_id", jobID, "error", err)
		_ = p.queue.Ack(ctx, jobID)
		return
	}
	if event.Status == models.StatusCompleted || event.Status == models.StatusDead {
		// Stale redelivery after a crash between effect and ack.
		_ = p.queue.Ack(ctx, jobID)
		return
	}

	attempts, err := p.events.MarkProcessing(ctx, event.EventID)
	if err != nil {
		// Leave the lease to expire so the job is redelivered once the
		// store is reachable again.
		log.Warn("mark processing failed", "job_id", jobID, "error", err)
		return
	}

	telemetry.InFlightGauge.Inc()
	start := time.Now()
	leaseDone := make(chan struct{})
	go p.keepLease(ctx, log, jobID, leaseDone)
	handlerErr := p.dispatch(ctx, log, event)
	close(leaseDone)
	p.finish(ctx, log, event, attempts, time.Since(start), handlerErr)
	telemetry.InFlightGauge.Dec()
}

// keepLease heartbeats the visibility deadline while a handler runs, so a
// slow handler is not reclaimed and handed to a second worker mid-execution.
func (p *Pool) keepLease(ctx context.Context, log *slog.Logger, jobID string, done <-chan struct{}) {
	visibility := p.cfg.VisibilityTimeout
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	ticker := time.NewTicker(visibility / 2)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := p.queue.ExtendLease(ctx, jobID, visibility); err != nil {
				log.Warn("extend lease failed", "job_id", jobID, "error", err)
			}
		}
	}
}

// dispatch reconstructs the provider event from the stored raw payload and
// invokes the handler registered for its type. Handler panics become errors
// so one bad payload can never take down the pool.
func (p *Pool) dispatch(ctx context.Context, log *slog.Logger, ev models.WebhookEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	handler, ok := p.handlers[stripe.EventType(ev.EventType)]
	if !ok {
		log.Info("no handler for event type, acknowledging",
			"event_type", ev.EventType, "provider_event_id", ev.ProviderEventID)
		return nil
	}

	var stripeEvent stripe.Event
	if err := json.Unmarshal(ev.Payload, &stripeEvent); err != nil {
		return fmt.Errorf("decode stored payload: %w", err)
	}
	return handler(ctx, stripeEvent)
}

// finish is the single state-machine transition applied at the end of every
// job execution: completed, retry-scheduled, or dead-lettered.
func (p *Pool) finish(ctx context.Context, log *slog.Logger, ev models.WebhookEvent, attempts int, took time.Duration, handlerErr error) {
	if handlerErr == nil {
		_ = p.queue.Ack(ctx, ev.ProviderEventID)
		if err := p.events.MarkCompleted(ctx, ev.EventID); err != nil {
			log.Error("mark completed failed", "provider_event_id", ev.ProviderEventID, "error", err)
		}
		_ = p.queue.RememberCompleted(ctx, ev.ProviderEventID)
		telemetry.JobsCompleted.Inc()
		telemetry.ProcessingDuration.WithLabelValues(ev.EventType).Observe(took.Seconds())
		log.Info("event processed",
			"event_type", ev.EventType, "provider_event_id", ev.ProviderEventID,
			"attempts", attempts, "took", took.String())
		return
	}

	_ = p.queue.RememberFailed(ctx, ev.ProviderEventID)

	if attempts >= p.cfg.MaxAttempts {
		_ = p.events.MarkDead(ctx, ev.EventID, handlerErr.Error())
		_ = p.queue.MoveToDLQ(ctx, models.DeadLetterEntry{
			JobID:           ev.ProviderEventID,
			ProviderEventID: ev.ProviderEventID,
			EventType:       ev.EventType,
			AttemptsMade:    attempts,
			FailureReason:   handlerErr.Error(),
			FailedAt:        time.Now().UTC(),
		})
		_ = p.queue.Ack(ctx, ev.ProviderEventID)
		telemetry.JobsDeadLettered.Inc()
		log.Error("event dead-lettered",
			"event_type", ev.EventType, "provider_event_id", ev.ProviderEventID,
			"attempts", attempts, "error", handlerErr)
		return
	}

	// Schedule before releasing the lease so the job is never in neither
	// queue; double scheduling is harmless, a lost job is not.
	delay := backoffDelay(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts)
	_ = p.events.MarkFailed(ctx, ev.EventID, handlerErr.Error())
	_ = p.queue.Schedule(ctx, ev.ProviderEventID, models.PriorityDefault, time.Now().Add(delay))
	_ = p.queue.AckRetaining(ctx, ev.ProviderEventID)
	telemetry.JobsRetried.Inc()
	log.Warn("event retry scheduled",
		"event_type", ev.EventType, "provider_event_id", ev.ProviderEventID,
		"attempts", attempts, "delay", delay.String(), "error", handlerErr)
}

// maintenanceLoop promotes due scheduled jobs, reclaims expired leases, and
// exports queue depth.
func (p *Pool) maintenanceLoop(ctx, workCtx context.Context) {
	interval := p.cfg.WorkerPollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		_, _ = p.queue.PromoteScheduled(workCtx, now, int64(p.cfg.ScheduledBatchSize))
		if reclaimed, _ := p.queue.RequeueExpired(workCtx, now, 100); len(reclaimed) > 0 {
			p.log.Warn("reclaimed expired leases", "count", len(reclaimed))
			for _, id := range reclaimed {
				if ev, err := p.events.GetEventByProviderID(workCtx, id); err == nil {
					_ = p.events.MarkRequeued(workCtx, ev.EventID)
				}
			}
		}
		if depths, err := p.queue.Depths(workCtx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depths.Waiting))
		}
	}
}

// backoffDelay grows exponentially from base, doubling per attempt, capped
// at max. Deterministic so redelivery spacing is predictable.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}

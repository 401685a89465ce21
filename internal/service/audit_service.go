package service

import (
	"context"
	"sync"
	"time"

	"github.com/coursemart/signin/internal/config"
	"github.com/coursemart/signin/internal/logger"
	"github.com/coursemart/signin/internal/metrics"
	"github.com/coursemart/signin/internal/model"
)

// AuditStore persists audit events
type AuditStore interface {
	Create(ctx context.Context, e *model.AuditEvent) error
}

// AuditRecorder accepts audit events without blocking the caller
type AuditRecorder interface {
	Record(e *model.AuditEvent)
}

// AuditLogger writes audit events from a bounded queue. Events that cannot
// be queued or written go to the local log instead; nothing is returned to
// the caller.
type AuditLogger struct {
	store   AuditStore
	queue   chan *model.AuditEvent
	timeout time.Duration
	log     *logger.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewAuditLogger creates an AuditLogger and starts its workers
func NewAuditLogger(store AuditStore, cfg config.AuditConfig, timeout time.Duration, log *logger.Logger) *AuditLogger {
	size := cfg.QueueSize
	if size <= 0 {
		size = 1
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	a := &AuditLogger{
		store:   store,
		queue:   make(chan *model.AuditEvent, size),
		timeout: timeout,
		log:     log.WithComponent("audit"),
	}
	for i := 0; i < workers; i++ {
		a.wg.Add(1)
		go a.run()
	}
	return a
}

// Record queues an event. It never blocks and never fails.
func (a *AuditLogger) Record(e *model.AuditEvent) {
	if e.ID == "" {
		e.ID = generateID("aud")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		a.fallback(e, "audit logger closed")
		return
	}

	select {
	case a.queue <- e:
		metrics.AuditQueueDepth.Inc()
	default:
		a.fallback(e, "audit queue full")
	}
}

// Close stops accepting events and waits for queued ones to be written
func (a *AuditLogger) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *AuditLogger) run() {
	defer a.wg.Done()
	for e := range a.queue {
		metrics.AuditQueueDepth.Dec()
		a.write(e)
	}
}

func (a *AuditLogger) write(e *model.AuditEvent) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error().Interface("panic", r).Str("action", string(e.Action)).Msg("audit write panicked")
			a.fallback(e, "audit write panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	if err := a.store.Create(ctx, e); err != nil {
		metrics.DependencyErrorsTotal.WithLabelValues("audit").Inc()
		a.log.Error().Err(err).Str("action", string(e.Action)).Msg("failed to persist audit event")
		a.fallback(e, err.Error())
	}
}

func (a *AuditLogger) fallback(e *model.AuditEvent, reason string) {
	metrics.AuditDroppedTotal.Inc()
	a.log.AuditLog(string(e.Action), e.Actor(), e.Flagged, e.RiskScore, map[string]interface{}{
		"reason":       reason,
		"email":        e.Email,
		"ip":           e.Client.IP,
		"country":      e.Client.Country,
		"risk_factors": e.RiskFactors,
		"event_id":     e.ID,
	})
}

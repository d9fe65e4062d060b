package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/rafaeljc/heimdall-streaming/internal/connection"
	"github.com/rafaeljc/heimdall-streaming/internal/datasync"
	"github.com/rafaeljc/heimdall-streaming/internal/observability"
)

var errPoolStopped = errors.New("fan-out pool stopped")

// delivery is one push rendered and written to one connection.
type delivery struct {
	conn *connection.Connection
	push *datasync.Push
}

// fanoutPool writes pushes to sockets with a fixed number of workers fed by
// a bounded queue. Enqueue blocks while the queue is full.
type fanoutPool struct {
	jobs    chan delivery
	workers int
	deliver func(ctx context.Context, d delivery)
	logger  *slog.Logger

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

func newFanoutPool(logger *slog.Logger, workers, queueSize int, deliver func(ctx context.Context, d delivery)) *fanoutPool {
	return &fanoutPool{
		jobs:    make(chan delivery, queueSize),
		workers: workers,
		deliver: deliver,
		logger:  logger,
	}
}

// Start launches the workers. They exit once Stop drains the queue.
func (p *fanoutPool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for d := range p.jobs {
				observability.FanoutQueueDepth.Set(float64(len(p.jobs)))
				p.deliver(ctx, d)
			}
		}()
	}
	p.logger.Info("fan-out pool started", slog.Int("workers", p.workers), slog.Int("queue_size", cap(p.jobs)))
}

// Enqueue hands d to the workers.
func (p *fanoutPool) Enqueue(ctx context.Context, d delivery) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return errPoolStopped
	}

	select {
	case p.jobs <- d:
		observability.FanoutQueueDepth.Set(float64(len(p.jobs)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the queue and waits for the workers to drain it or for ctx.
func (p *fanoutPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		observability.FanoutQueueDepth.Set(0)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deliver renders and writes one push. A failed write closes the socket and
// removes it from the registry; other deliveries are unaffected.
func (g *Gateway) deliver(ctx context.Context, d delivery) {
	start := time.Now()

	frame, ok, err := g.sync.RenderPush(d.conn, d.push)
	if err != nil {
		observability.FanoutDeliveries.WithLabelValues("failed").Inc()
		g.logger.Error("failed to render push",
			slog.String("connection", d.conn.Key()),
			slog.String("error", err.Error()),
		)
		return
	}
	if !ok {
		observability.FanoutDeliveries.WithLabelValues("skipped").Inc()
		return
	}

	if err := d.conn.Send(ctx, frame); err != nil {
		observability.FanoutDeliveries.WithLabelValues("failed").Inc()
		g.logger.Warn("dropping dead connection",
			slog.String("connection", d.conn.Key()),
			slog.String("env_id", d.push.EnvID),
			slog.String("error", err.Error()),
		)
		owner := d.conn.Context()
		_ = owner.Close(int(websocket.StatusInternalError), reasonWriteFailed, time.Now())
		g.unregister(owner)
		return
	}

	observability.FanoutDeliveries.WithLabelValues("success").Inc()
	observability.FanoutDeliveryDuration.Observe(time.Since(start).Seconds())
}

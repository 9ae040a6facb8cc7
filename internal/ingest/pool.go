package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"pond-gateway/internal/config"
	"pond-gateway/internal/metrics"
)

// ErrPoolClosed is returned by OnMessage after Stop.
var ErrPoolClosed = errors.New("ingest pool closed")

const messageTimeout = 30 * time.Second

// Processor runs one message through the pipeline.
type Processor interface {
	Process(ctx context.Context, msg Message) (State, error)
}

// Pool is the single ingestion entry point shared by every transport. A
// bounded queue feeds a fixed set of workers; a full queue blocks the caller.
type Pool struct {
	proc    Processor
	queue   chan Message
	workers int
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewPool(proc Processor, cfg config.IngestConfig, logger *zap.Logger) *Pool {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	size := cfg.QueueSize
	if size < 1 {
		size = 1
	}
	return &Pool{
		proc:    proc,
		queue:   make(chan Message, size),
		workers: workers,
		logger:  logger,
	}
}

// Start launches the workers. Messages are processed under a context detached
// from ctx so that queued work survives shutdown until Stop drains it.
func (p *Pool) Start(ctx context.Context) {
	base := context.WithoutCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(base)
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for msg := range p.queue {
		p.handle(ctx, msg)
	}
}

func (p *Pool) handle(ctx context.Context, msg Message) {
	ctx, cancel := context.WithTimeout(ctx, messageTimeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("pipeline panic", zap.String("topic", msg.Topic), zap.Any("panic", rec))
		}
	}()
	state, err := p.proc.Process(ctx, msg)
	if err != nil {
		p.logger.Error("message processing failed",
			zap.String("topic", msg.Topic), zap.String("state", string(state)), zap.Error(err))
	}
}

// OnMessage queues msg, blocking while the queue is full. It fails only when
// ctx ends first or the pool is stopped.
func (p *Pool) OnMessage(ctx context.Context, msg Message) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.queue <- msg:
		transport := msg.Transport
		if transport == "" {
			transport = "unknown"
		}
		metrics.MessagesReceived.WithLabelValues(transport).Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop refuses new messages, then waits for the workers to drain the queue.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

package engine

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/metrics"
	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

// Retry backoff parameters for retryable upstream failures inside a worker.
const (
	backoffBase = 100 * time.Millisecond
	backoffCap  = 5 * time.Second
)

// job is a single scheduled unit of work targeting one provider and one key.
// Created per attempt, destroyed on completion. A job is in exactly one
// queue at a time and owns its sink until the outcome handoff.
type job struct {
	ctx     context.Context
	req     *providers.Request
	key     *Key
	model   string
	attempt int
	sink    *resultSink
}

// PoolConfig sizes one provider's worker pool.
type PoolConfig struct {
	Concurrency    int
	QueueDepth     int
	NetworkTimeout time.Duration
	MaxRetries     int
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = providers.DefaultConcurrency
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = providers.DefaultQueueDepth
	}
	if c.NetworkTimeout <= 0 {
		c.NetworkTimeout = providers.DefaultNetworkTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = providers.DefaultMaxRetries
	}
	return c
}

// WorkerPool is one provider's isolated dispatch unit: a bounded FIFO queue
// drained by a fixed set of workers. Pools share nothing mutable, so
// saturation of one provider never slows another; backpressure surfaces to
// the caller through the submission deadline.
type WorkerPool struct {
	name    string
	adapter providers.Adapter
	cfg     PoolConfig

	queue chan *job
	pools *Pools

	log     *slog.Logger
	metrics *metrics.Registry

	busy      atomic.Int32
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewWorkerPool creates the pool and starts its workers. Worker lifetime is
// tied to the pool, not to any request; Close drains and stops them.
func NewWorkerPool(
	adapter providers.Adapter,
	cfg PoolConfig,
	pools *Pools,
	log *slog.Logger,
	m *metrics.Registry,
) *WorkerPool {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()

	p := &WorkerPool{
		name:    adapter.Name(),
		adapter: adapter,
		cfg:     cfg,
		queue:   make(chan *job, cfg.QueueDepth),
		pools:   pools,
		log:     log,
		metrics: m,
	}

	p.wg.Add(cfg.Concurrency)
	for i := 0; i < cfg.Concurrency; i++ {
		go p.worker()
	}
	return p
}

// Name returns the provider name this pool serves.
func (p *WorkerPool) Name() string { return p.name }

// Adapter returns the adapter the pool dispatches to.
func (p *WorkerPool) Adapter() providers.Adapter { return p.adapter }

// QueueLen returns the number of jobs currently queued.
func (p *WorkerPool) QueueLen() int { return len(p.queue) }

// BusyWorkers returns the number of workers executing a job right now.
func (p *WorkerPool) BusyWorkers() int { return int(p.busy.Load()) }

// Submit enqueues j, waiting until deadline when the queue is full. On
// deadline expiry the job is rejected with provider_unavailable/queue_full;
// on context cancellation with canceled. The caller keeps sink ownership
// when Submit returns an error.
func (p *WorkerPool) Submit(j *job, deadline time.Time) *providers.Error {
	wait := time.Until(deadline)
	if wait < 0 {
		wait = 0
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case p.queue <- j:
		if p.metrics != nil {
			p.metrics.SetQueueDepth(p.name, len(p.queue))
		}
		return nil

	case <-j.ctx.Done():
		return &providers.Error{
			Kind:     providers.KindCanceled,
			Message:  "request canceled while enqueueing",
			Provider: p.name,
			Model:    j.model,
		}

	case <-timer.C:
		if p.metrics != nil {
			p.metrics.RecordSubmitRejected(p.name, providers.ReasonQueueFull)
		}
		return &providers.Error{
			Kind:      providers.KindProviderUnavailable,
			Message:   "worker queue full",
			Reason:    providers.ReasonQueueFull,
			Retryable: true,
			Provider:  p.name,
			Model:     j.model,
		}
	}
}

// Close stops accepting jobs and waits for in-flight work to finish.
func (p *WorkerPool) Close() {
	p.closeOnce.Do(func() { close(p.queue) })
	p.wg.Wait()
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for j := range p.queue {
		if p.metrics != nil {
			p.metrics.SetQueueDepth(p.name, len(p.queue))
		}
		p.busy.Add(1)
		p.runJob(j)
		p.busy.Add(-1)
	}
}

// runJob executes one job end to end and delivers exactly one outcome. If
// the waiter abandoned the sink, release falls to this side of the handoff.
func (p *WorkerPool) runJob(j *job) {
	start := time.Now()

	deliver := func(o outcome) {
		if o.err != nil {
			o.err.Provider = p.name
			o.err.Model = j.model
			o.err.Attempt = j.attempt
		}
		if p.metrics != nil {
			label := "success"
			if o.err != nil {
				label = string(o.err.Kind)
			}
			p.metrics.ObserveAttempt(p.name, label, time.Since(start))
		}
		if !j.sink.deliver(o) {
			p.pools.releaseSink(j.sink)
		}
	}

	// Drop jobs whose request died while queued.
	if err := j.ctx.Err(); err != nil {
		deliver(outcome{err: p.ctxError(err)})
		return
	}

	wireReq, err := p.adapter.Prepare(j.req, j.key.Value())
	if err != nil {
		deliver(outcome{err: p.coerce(err, j.ctx)})
		return
	}

	var wireResp any
	for try := 0; ; try++ {
		// A streaming call hands back a live channel; canceling its
		// context on return would abort the stream mid-drain.
		callCtx, cancel := j.ctx, context.CancelFunc(func() {})
		if !j.req.Stream {
			callCtx, cancel = context.WithTimeout(j.ctx, p.cfg.NetworkTimeout)
		}
		wireResp, err = p.adapter.Execute(callCtx, wireReq)
		cancel()
		if err == nil {
			break
		}

		gerr := p.coerce(err, j.ctx)
		if !gerr.Retryable || try >= p.cfg.MaxRetries {
			deliver(outcome{err: gerr})
			return
		}

		if p.metrics != nil {
			p.metrics.RecordWorkerRetry(p.name)
		}
		p.log.DebugContext(j.ctx, "worker_retry",
			slog.String("provider", p.name),
			slog.String("request_id", j.req.RequestID),
			slog.Int("try", try+1),
			slog.String("kind", string(gerr.Kind)),
		)

		if !sleepCtx(j.ctx, backoff(try)) {
			deliver(outcome{err: p.ctxError(j.ctx.Err())})
			return
		}
	}

	resp, err := p.adapter.Parse(wireResp)
	if err != nil {
		gerr := p.coerce(err, j.ctx)
		if gerr.Kind == providers.KindInternal {
			gerr.Kind = providers.KindUpstreamMalformed
		}
		deliver(outcome{err: gerr})
		return
	}

	resp.Provider = p.name
	deliver(outcome{resp: resp})
}

// coerce normalizes any adapter error into a *providers.Error. Context
// expiry during the call maps to timeout (retryable) unless the request
// itself was canceled; unclassified transport errors are treated as
// retryable provider unavailability, matching the fallback policy.
func (p *WorkerPool) coerce(err error, reqCtx context.Context) *providers.Error {
	var gerr *providers.Error
	if errors.As(err, &gerr) {
		return gerr
	}
	if reqCtx.Err() != nil {
		return p.ctxError(reqCtx.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &providers.Error{
			Kind:      providers.KindTimeout,
			Message:   "upstream call timed out",
			Retryable: true,
			Err:       err,
		}
	}
	return &providers.Error{
		Kind:      providers.KindProviderUnavailable,
		Message:   err.Error(),
		Retryable: true,
		Err:       err,
	}
}

func (p *WorkerPool) ctxError(err error) *providers.Error {
	kind := providers.KindCanceled
	msg := "request canceled"
	if errors.Is(err, context.DeadlineExceeded) {
		kind = providers.KindTimeout
		msg = "request deadline exceeded"
	}
	return &providers.Error{Kind: kind, Message: msg, Err: err}
}

// backoff returns the delay before retry try: 100 ms doubling per try,
// ±25 % jitter, capped at 5 s.
func backoff(try int) time.Duration {
	d := backoffBase << min(try, 10)
	if d > backoffCap {
		d = backoffCap
	}
	jitter := 0.75 + 0.5*rand.Float64()
	return time.Duration(float64(d) * jitter)
}

// sleepCtx sleeps for d or until ctx expires. Returns false on expiry.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

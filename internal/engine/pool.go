package engine

import (
	"sync"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

// outcome is the single value a worker delivers through a job's result sink.
// Exactly one of resp/err is set.
type outcome struct {
	resp *providers.Response
	err  *providers.Error
}

// Sink handoff states. Whoever loses the CAS race owns the release: a waiter
// that gave up marks the sink abandoned and the worker releases it after
// delivery; a worker that delivered first leaves the release to the waiter.
const (
	sinkArmed int32 = iota
	sinkDelivered
	sinkAbandoned
)

// resultSink is a single-shot rendezvous between the orchestrator and a
// worker. The channel has capacity 1 so the worker never blocks delivering
// after the waiter has given up (cancellation, submission timeout).
type resultSink struct {
	ch    chan outcome
	state atomic.Int32
	inUse bool
}

// deliver settles the handoff before sending so a waiter that receives the
// outcome always observes state == delivered. Returns true when the waiter
// is still listening; on false the caller owns the sink and must release it
// (no send happens — nobody would read it).
func (s *resultSink) deliver(o outcome) bool {
	if !s.state.CompareAndSwap(sinkArmed, sinkDelivered) {
		return false
	}
	s.ch <- o
	return true
}

// abandon marks the waiter gone. Returns true when the worker won the race
// and already delivered — the caller then still owns the sink and must
// release it (releaseSink drains the undelivered value).
func (s *resultSink) abandon() bool {
	return !s.state.CompareAndSwap(sinkArmed, sinkAbandoned)
}

// PoolStats is a snapshot of acquire/release counters across all pools.
// Acquired == Released after quiescence; the difference is the number of
// objects currently checked out.
type PoolStats struct {
	Acquired uint64
	Released uint64
}

// Pools caches reusable transient objects: result sinks, message slices for
// tool-round conversation assembly, and byte buffers for serialization.
// All pools are unbounded best-effort caches — an empty pool allocates.
//
// Every acquire must be paired with exactly one release on every exit path,
// including error and cancellation. With debug enabled, releasing a result
// sink twice panics and releasing a nil message slice panics; a second
// release of a message slice or a byte buffer is not detected.
type Pools struct {
	debug bool

	sinks sync.Pool
	msgs  sync.Pool

	acquired atomic.Uint64
	released atomic.Uint64

	bufs bytebufferpool.Pool
}

// NewPools creates the pool set. debug enables the release checks described
// on Pools; it is meant for tests and costs one branch per release.
func NewPools(debug bool) *Pools {
	p := &Pools{debug: debug}
	p.sinks.New = func() any { return &resultSink{ch: make(chan outcome, 1)} }
	p.msgs.New = func() any {
		s := make([]providers.Message, 0, 16)
		return &s
	}
	return p
}

func (p *Pools) acquireSink() *resultSink {
	p.acquired.Add(1)
	s := p.sinks.Get().(*resultSink)
	s.inUse = true
	return s
}

// releaseSink drains any undelivered outcome and returns the sink to the
// pool in its zero state.
func (p *Pools) releaseSink(s *resultSink) {
	if p.debug && !s.inUse {
		panic("engine: result sink released twice")
	}
	s.inUse = false
	s.state.Store(sinkArmed)
	select {
	case <-s.ch:
	default:
	}
	p.released.Add(1)
	p.sinks.Put(s)
}

// AcquireMessages returns an empty message slice for conversation assembly.
func (p *Pools) AcquireMessages() *[]providers.Message {
	p.acquired.Add(1)
	s := p.msgs.Get().(*[]providers.Message)
	return s
}

// ReleaseMessages resets the slice and returns it to the pool. Elements are
// zeroed so pooled slices never pin tool results or message content.
func (p *Pools) ReleaseMessages(s *[]providers.Message) {
	if p.debug && s == nil {
		panic("engine: nil message slice released")
	}
	clear(*s)
	*s = (*s)[:0]
	p.released.Add(1)
	p.msgs.Put(s)
}

// AcquireBuffer returns a reusable byte buffer.
func (p *Pools) AcquireBuffer() *bytebufferpool.ByteBuffer {
	p.acquired.Add(1)
	return p.bufs.Get()
}

// ReleaseBuffer resets and returns the buffer.
func (p *Pools) ReleaseBuffer(b *bytebufferpool.ByteBuffer) {
	p.released.Add(1)
	p.bufs.Put(b)
}

// Stats returns the current acquire/release counters.
func (p *Pools) Stats() PoolStats {
	return PoolStats{
		Acquired: p.acquired.Load(),
		Released: p.released.Load(),
	}
}

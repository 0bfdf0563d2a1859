// Package logger implements a non-blocking, batched request logger.
//
// Log entries are written to an internal buffered channel and flushed in
// batches by a background goroutine — so logging never blocks the dispatch
// hot path. If the channel fills up (> 10 000 entries), new entries are
// dropped and counted in DroppedLogs.
//
// Two sinks are available: structured slog output (always on) and an
// optional ClickHouse table for analytics, enabled by passing a ClickHouse
// connection to New.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second

	insertQuery = `INSERT INTO gateway_requests
		(id, provider, model, input_tokens, output_tokens, latency_ms, status, attempts, tool_rounds, created_at)`
)

// RequestLog is one request's analytics record.
type RequestLog struct {
	ID           uuid.UUID
	Provider     string
	Model        string
	InputTokens  uint32
	OutputTokens uint32
	LatencyMs    uint16
	Status       uint16
	Attempts     uint8
	ToolRounds   uint8
	CreatedAt    time.Time
}

// Logger batches RequestLog entries off the hot path.
type Logger struct {
	ch        chan RequestLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	log     *slog.Logger
	conn    driver.Conn // nil → slog only
}

// New creates a Logger. conn may be nil; entries then go to slog only.
func New(ctx context.Context, slogger *slog.Logger, conn driver.Conn) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:      make(chan RequestLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
		conn:    conn,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues entry. Drops (and counts) when the buffer is full.
func (l *Logger) Log(entry RequestLog) {
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

// DroppedLogs returns the number of entries dropped so far.
func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

// Close flushes pending entries and stops the background goroutine.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]RequestLog, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			l.log.InfoContext(ctx, "request",
				slog.String("id", e.ID.String()),
				slog.String("provider", e.Provider),
				slog.String("model", e.Model),
				slog.Uint64("input_tokens", uint64(e.InputTokens)),
				slog.Uint64("output_tokens", uint64(e.OutputTokens)),
				slog.Uint64("latency_ms", uint64(e.LatencyMs)),
				slog.Uint64("status", uint64(e.Status)),
				slog.Uint64("attempts", uint64(e.Attempts)),
				slog.Uint64("tool_rounds", uint64(e.ToolRounds)),
				slog.Time("created_at", normalizeTime(e.CreatedAt)),
			)
		}
		l.flushClickHouse(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

// flushClickHouse writes the batch into gateway_requests. Insert failures
// are logged, never propagated — analytics must not take the gateway down.
func (l *Logger) flushClickHouse(ctx context.Context, batch []RequestLog) {
	if l.conn == nil {
		return
	}

	b, err := l.conn.PrepareBatch(ctx, insertQuery)
	if err != nil {
		l.log.WarnContext(ctx, "clickhouse_prepare_failed", slog.String("error", err.Error()))
		return
	}
	for _, e := range batch {
		if err := b.Append(
			e.ID,
			e.Provider,
			e.Model,
			e.InputTokens,
			e.OutputTokens,
			e.LatencyMs,
			e.Status,
			e.Attempts,
			e.ToolRounds,
			normalizeTime(e.CreatedAt),
		); err != nil {
			l.log.WarnContext(ctx, "clickhouse_append_failed", slog.String("error", err.Error()))
			return
		}
	}
	if err := b.Send(); err != nil {
		l.log.WarnContext(ctx, "clickhouse_send_failed", slog.String("error", err.Error()))
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

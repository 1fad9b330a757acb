// Package logger implements a non-blocking, batched request logger. Log
// entries are written to an internal buffered channel and flushed in
// batches by a background goroutine — so logging never blocks the proxy hot
// path. If the channel fills up (> 10 000 entries), new entries are dropped
// and counted in DroppedLogs.
//
// Every batch is always emitted via slog. When a ClickHouse DSN is
// configured, the same batch is also inserted into a ClickHouse table for
// durable request-metadata analytics — the async insert is best-effort: a
// failed insert is logged and the batch is otherwise discarded, it is never
// retried or buffered to disk.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// RequestLog is one completed operation's metadata, independent of the
// operation's request/response bodies (which this gateway never persists).
type RequestLog struct {
	ID           uuid.UUID
	PipelineName string
	ModelKey     string
	Provider     string
	InputTokens  uint32
	OutputTokens uint32
	LatencyMs    uint16
	Status       uint16
	Streamed     bool
	CreatedAt    time.Time
}

// ClickHouseConfig configures the optional durable sink.
type ClickHouseConfig struct {
	DSN   string
	Table string
}

type Logger struct {
	ch        chan RequestLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	log     *slog.Logger
	table   string
	conn    clickhouse.Conn
}

// New constructs a Logger. When ch.DSN is non-empty, a ClickHouse connection
// is opened eagerly and every flushed batch is also inserted into ch.Table;
// a dial failure here is fatal to construction since an operator who
// configured a durable sink should learn about a bad DSN at startup, not
// silently lose every log entry at runtime.
func New(ctx context.Context, slogger *slog.Logger, ch ClickHouseConfig) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	l := &Logger{
		ch:      make(chan RequestLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
		table:   ch.Table,
	}

	if ch.DSN != "" {
		opts, err := clickhouse.ParseDSN(ch.DSN)
		if err != nil {
			return nil, fmt.Errorf("logger: parse clickhouse dsn: %w", err)
		}
		conn, err := clickhouse.Open(opts)
		if err != nil {
			return nil, fmt.Errorf("logger: open clickhouse: %w", err)
		}
		if err := conn.Ping(ctx); err != nil {
			return nil, fmt.Errorf("logger: ping clickhouse: %w", err)
		}
		l.conn = conn
		if l.table == "" {
			l.table = "gateway_request_log"
		}
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

func (l *Logger) Log(entry RequestLog) {
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	if l.conn != nil {
		return l.conn.Close()
	}
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
		l.emitSlog(ctx, batch)
		l.emitClickHouse(ctx, batch)
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

func (l *Logger) emitSlog(ctx context.Context, batch []RequestLog) {
	for _, e := range batch {
		l.log.InfoContext(ctx, "request",
			slog.String("id", e.ID.String()),
			slog.String("pipeline", e.PipelineName),
			slog.String("model", e.ModelKey),
			slog.String("provider", e.Provider),
			slog.Uint64("input_tokens", uint64(e.InputTokens)),
			slog.Uint64("output_tokens", uint64(e.OutputTokens)),
			slog.Uint64("latency_ms", uint64(e.LatencyMs)),
			slog.Uint64("status", uint64(e.Status)),
			slog.Bool("streamed", e.Streamed),
			slog.Time("created_at", normalizeTime(e.CreatedAt)),
		)
	}
}

func (l *Logger) emitClickHouse(ctx context.Context, batch []RequestLog) {
	if l.conn == nil {
		return
	}

	batchInsert, err := l.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s", l.table))
	if err != nil {
		l.log.ErrorContext(ctx, "clickhouse_prepare_batch_failed", slog.String("error", err.Error()))
		return
	}

	for _, e := range batch {
		if err := batchInsert.Append(
			e.ID.String(),
			e.PipelineName,
			e.ModelKey,
			e.Provider,
			e.InputTokens,
			e.OutputTokens,
			e.LatencyMs,
			e.Status,
			e.Streamed,
			normalizeTime(e.CreatedAt),
		); err != nil {
			l.log.ErrorContext(ctx, "clickhouse_append_failed", slog.String("error", err.Error()))
			return
		}
	}

	if err := batchInsert.Send(); err != nil {
		l.log.ErrorContext(ctx, "clickhouse_send_failed", slog.String("error", err.Error()))
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

// Package logger implements a non-blocking, batched request logger.
//
// Log entries are written to an internal buffered channel and flushed in
// batches by a background goroutine — so logging never blocks the proxy hot
// path. If the channel fills up (> 10 000 entries), new entries are dropped
// and counted in DroppedLogs. When a ClickHouse DSN is configured, batches
// are inserted into ClickHouse; otherwise (or on insert failure) entries are
// written to the structured log stream instead.
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
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second

	usageLogsTable = "usage_logs"
)

type RequestLog struct {
	ID           uuid.UUID
	Provider     string
	Model        string
	InputTokens  uint32
	OutputTokens uint32
	LatencyMs    uint16
	Status       uint16
	CreatedAt    time.Time
}

type Logger struct {
	ch        chan RequestLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	log     *slog.Logger
	ch2     driver.Conn // ClickHouse connection, nil when CLICKHOUSE_DSN is unset
}

// New builds a Logger. dsn may be empty, in which case entries flush only to
// slogger. A non-empty dsn that fails to connect is a startup error.
func New(ctx context.Context, slogger *slog.Logger, dsn string) (*Logger, error) {
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
	}

	if dsn != "" {
		opts, err := clickhouse.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("logger: parse CLICKHOUSE_DSN: %w", err)
		}
		conn, err := clickhouse.Open(opts)
		if err != nil {
			return nil, fmt.Errorf("logger: open clickhouse connection: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := conn.Ping(pingCtx); err != nil {
			return nil, fmt.Errorf("logger: ping clickhouse: %w", err)
		}
		l.ch2 = conn
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
	if l.ch2 != nil {
		return l.ch2.Close()
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
		if l.ch2 != nil {
			if err := l.flushClickHouse(ctx, batch); err != nil {
				l.log.ErrorContext(ctx, "clickhouse batch insert failed, falling back to log stream",
					slog.String("error", err.Error()))
				l.flushSlog(ctx, batch)
			}
		} else {
			l.flushSlog(ctx, batch)
		}
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

func (l *Logger) flushSlog(ctx context.Context, batch []RequestLog) {
	for _, e := range batch {
		l.log.InfoContext(ctx, "request",
			slog.String("id", e.ID.String()),
			slog.String("provider", e.Provider),
			slog.String("model", e.Model),
			slog.Uint64("input_tokens", uint64(e.InputTokens)),
			slog.Uint64("output_tokens", uint64(e.OutputTokens)),
			slog.Uint64("latency_ms", uint64(e.LatencyMs)),
			slog.Uint64("status", uint64(e.Status)),
			slog.Time("created_at", normalizeTime(e.CreatedAt)),
		)
	}
}

func (l *Logger) flushClickHouse(ctx context.Context, batch []RequestLog) error {
	stmt := fmt.Sprintf("INSERT INTO %s (id, provider, model, input_tokens, output_tokens, latency_ms, status, created_at)", usageLogsTable)
	b, err := l.ch2.PrepareBatch(ctx, stmt)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, e := range batch {
		if err := b.Append(e.ID, e.Provider, e.Model, e.InputTokens, e.OutputTokens, e.LatencyMs, e.Status, normalizeTime(e.CreatedAt)); err != nil {
			return fmt.Errorf("append row: %w", err)
		}
	}
	return b.Send()
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

// Package telemetry records one usage event per request, off the hot path.
//
// Events are written to an internal buffered channel and flushed in batches
// by a background goroutine, so accounting never blocks request handling.
// When the channel fills up new events are dropped and counted; dropped
// telemetry must never translate into dropped requests.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// CacheState describes how a request was served.
type CacheState string

const (
	CacheHit         CacheState = "hit"
	CacheHitSemantic CacheState = "hit_semantic"
	CacheMiss        CacheState = "miss"
	CacheCoalesced   CacheState = "coalesced"
	CacheBypass      CacheState = "bypass"
)

// UsageEvent is one request's accounting record.
type UsageEvent struct {
	ID               uuid.UUID
	ProjectID        string
	Endpoint         string
	Provider         string
	Model            string
	Fingerprint      string
	CacheState       CacheState
	SimilarityScore  float64
	Streamed         bool
	TokensIn         uint32
	TokensOut        uint32
	CostUSD          float64
	PotentialCostUSD float64
	SavedUSD         float64
	PriceStale       bool
	Status           uint16
	ErrorKind        string
	LatencyMs        uint32
	CreatedAt        time.Time
}

// Sink receives flushed event batches. Implementations own their retries;
// a returned error is logged and the batch is abandoned.
type Sink interface {
	WriteBatch(ctx context.Context, events []UsageEvent) error
	Close() error
}

// Pipeline is the async batcher in front of a Sink.
type Pipeline struct {
	ch        chan UsageEvent
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	sink    Sink
	baseCtx context.Context
	log     *slog.Logger
}

// NewPipeline starts the flusher goroutine. ctx bounds flush writes after
// shutdown begins.
func NewPipeline(ctx context.Context, sink Sink, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	p := &Pipeline{
		ch:      make(chan UsageEvent, channelBuffer),
		done:    make(chan struct{}),
		sink:    sink,
		baseCtx: ctx,
		log:     log,
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Record enqueues an event without blocking. Full buffer drops the event.
func (p *Pipeline) Record(ev UsageEvent) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	select {
	case p.ch <- ev:
	default:
		atomic.AddInt64(&p.dropped, 1)
	}
}

// Dropped reports how many events were lost to backpressure.
func (p *Pipeline) Dropped() int64 {
	return atomic.LoadInt64(&p.dropped)
}

// Close drains the channel, flushes the tail, and closes the sink.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	p.wg.Wait()
	return p.sink.Close()
}

func (p *Pipeline) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]UsageEvent, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(p.baseCtx, 5*time.Second)
		if err := p.sink.WriteBatch(ctx, batch); err != nil {
			p.log.Warn("telemetry_flush_error",
				slog.Int("batch_size", len(batch)),
				slog.String("error", err.Error()),
			)
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-p.ch:
			batch = append(batch, ev)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-p.done:
			for {
				select {
				case ev := <-p.ch:
					batch = append(batch, ev)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// SlogSink writes events as structured log lines. The default sink when no
// ClickHouse DSN is configured.
type SlogSink struct {
	log *slog.Logger
}

// NewSlogSink builds a SlogSink.
func NewSlogSink(log *slog.Logger) *SlogSink {
	if log == nil {
		log = slog.Default()
	}
	return &SlogSink{log: log}
}

// WriteBatch implements Sink.
func (s *SlogSink) WriteBatch(ctx context.Context, events []UsageEvent) error {
	for _, e := range events {
		s.log.InfoContext(ctx, "usage_event",
			slog.String("id", e.ID.String()),
			slog.String("project_id", e.ProjectID),
			slog.String("endpoint", e.Endpoint),
			slog.String("provider", e.Provider),
			slog.String("model", e.Model),
			slog.String("cache_state", string(e.CacheState)),
			slog.Float64("similarity", e.SimilarityScore),
			slog.Bool("streamed", e.Streamed),
			slog.Uint64("tokens_in", uint64(e.TokensIn)),
			slog.Uint64("tokens_out", uint64(e.TokensOut)),
			slog.Float64("cost_usd", e.CostUSD),
			slog.Float64("potential_cost_usd", e.PotentialCostUSD),
			slog.Float64("saved_usd", e.SavedUSD),
			slog.Uint64("status", uint64(e.Status)),
			slog.String("error_kind", e.ErrorKind),
			slog.Uint64("latency_ms", uint64(e.LatencyMs)),
			slog.Time("created_at", e.CreatedAt),
		)
	}
	return nil
}

// Close implements Sink.
func (s *SlogSink) Close() error { return nil }

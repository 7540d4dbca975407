package pgsink

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/switchboard/internal/observe"
)

const (
	defaultBufferSize    = 1024
	defaultBatchSize     = 100
	defaultFlushInterval = time.Second
	flushTimeout         = 5 * time.Second
)

const (
	insertTransition = `
		INSERT INTO call_transitions (call_id, turn_id, from_state, to_state, at, elapsed_ns)
		VALUES ($1, $2, $3, $4, $5, $6)`

	insertTurn = `
		INSERT INTO call_turns
		    (call_id, turn_id, outcome, state, apology, stage, duration_ns, first_audio_ns, elapsed_ns)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	insertLifecycle = `
		INSERT INTO call_lifecycle (call_id, session_id, kind, reason, error, at, duration_ns)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
)

// Batcher sends a batch of statements. *pgxpool.Pool satisfies it.
type Batcher interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Option configures a Sink.
type Option func(*Sink)

// WithBufferSize bounds the number of queued events.
func WithBufferSize(n int) Option {
	return func(s *Sink) {
		if n > 0 {
			s.bufferSize = n
		}
	}
}

// WithBatchSize sets how many events are written per round trip.
func WithBatchSize(n int) Option {
	return func(s *Sink) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithFlushInterval sets the maximum time an event waits in a partial batch.
func WithFlushInterval(d time.Duration) Option {
	return func(s *Sink) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

// WithMetrics records dropped events into m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Sink) { s.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Sink) { s.log = l }
}

type row struct {
	sql  string
	args []any
}

// Sink writes telemetry events to PostgreSQL asynchronously.
type Sink struct {
	db            Batcher
	pool          *pgxpool.Pool // owned when created by Open
	bufferSize    int
	batchSize     int
	flushInterval time.Duration
	metrics       *observe.Metrics
	log           *slog.Logger

	rows      chan row
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu      sync.Mutex
	dropped int
}

var _ observe.Sink = (*Sink)(nil)

// New returns a Sink writing through db and starts its writer goroutine.
func New(db Batcher, opts ...Option) *Sink {
	s := &Sink{
		db:            db,
		bufferSize:    defaultBufferSize,
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		log:           slog.Default(),
		done:          make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.rows = make(chan row, s.bufferSize)
	s.wg.Add(1)
	go s.run()
	return s
}

// Open connects to the database at dsn, runs [Migrate] and returns a Sink
// that owns the connection pool.
func Open(ctx context.Context, dsn string, opts ...Option) (*Sink, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgsink: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgsink: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgsink: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	s := New(pool, opts...)
	s.pool = pool
	return s, nil
}

// Transition implements observe.Sink.
func (s *Sink) Transition(ctx context.Context, ev observe.TransitionEvent) {
	s.enqueue(ctx, row{insertTransition, []any{
		ev.CallID, ev.TurnID, ev.From, ev.To, ev.At, ev.Elapsed.Nanoseconds(),
	}})
}

// TurnCompleted implements observe.Sink.
func (s *Sink) TurnCompleted(ctx context.Context, ev observe.TurnEvent) {
	s.enqueue(ctx, row{insertTurn, []any{
		ev.CallID, ev.TurnID, string(ev.Outcome), ev.State, ev.Apology, ev.Stage,
		ev.Duration.Nanoseconds(), ev.FirstAudio.Nanoseconds(), ev.Elapsed.Nanoseconds(),
	}})
}

// Lifecycle implements observe.Sink.
func (s *Sink) Lifecycle(ctx context.Context, ev observe.LifecycleEvent) {
	errText := ""
	if ev.Err != nil {
		errText = ev.Err.Error()
	}
	s.enqueue(ctx, row{insertLifecycle, []any{
		ev.CallID, ev.SessionID, string(ev.Kind), ev.Reason, errText, ev.At, ev.Duration.Nanoseconds(),
	}})
}

// Dropped returns the number of events dropped because the buffer was full or
// the sink was closed.
func (s *Sink) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close stops accepting events, writes everything still queued and closes
// the pool if the sink owns one. ctx bounds the final flush.
func (s *Sink) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		return fmt.Errorf("pgsink: close: %w", ctx.Err())
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *Sink) enqueue(ctx context.Context, r row) {
	select {
	case <-s.done:
		s.drop(ctx, "closed")
		return
	default:
	}
	select {
	case s.rows <- r:
	default:
		s.drop(ctx, "buffer full")
	}
}

func (s *Sink) drop(ctx context.Context, reason string) {
	s.mu.Lock()
	s.dropped++
	first := s.dropped == 1
	s.mu.Unlock()
	if first {
		s.log.Warn("pgsink: dropping telemetry events", "reason", reason)
	}
	if s.metrics != nil {
		s.metrics.TelemetryDropped.Add(ctx, 1, metric.WithAttributes(observe.Attr("sink", "postgres")))
	}
}

func (s *Sink) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	batch := make([]row, 0, s.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.write(batch)
		batch = batch[:0]
	}

	for {
		select {
		case r := <-s.rows:
			batch = append(batch, r)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.done:
			for {
				select {
				case r := <-s.rows:
					batch = append(batch, r)
					if len(batch) >= s.batchSize {
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

func (s *Sink) write(rows []row) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	b := &pgx.Batch{}
	for _, r := range rows {
		b.Queue(r.sql, r.args...)
	}
	br := s.db.SendBatch(ctx, b)
	failed := 0
	var firstErr error
	for range rows {
		if _, err := br.Exec(); err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if err := br.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		s.log.Warn("pgsink: batch write failed", "rows", len(rows), "failed", failed, "err", firstErr)
	}
}

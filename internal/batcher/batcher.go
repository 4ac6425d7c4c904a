// Package batcher buffers parsed telemetry in memory and drains it to the
// store in chunked, retried bulk writes.
package batcher

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/akave-ai/teleingest/internal/config"
	"github.com/akave-ai/teleingest/internal/model"
)

// Store is the write side of the telemetry store.
type Store interface {
	InsertTelemetry(ctx context.Context, records []model.Record) ([]int64, error)
	Ping(ctx context.Context) error
}

// Config controls batch size and retry behaviour.
type Config struct {
	BatchSize      int
	MaxRetries     int
	RetryBaseDelay time.Duration
	AttemptTimeout time.Duration
	StatusTimeout  time.Duration
}

// DefaultBatcherConfig returns the defaults: 500 records per batch, 3
// attempts per chunk starting at a 500ms wait.
func DefaultBatcherConfig() Config {
	return Config{
		BatchSize:      500,
		MaxRetries:     3,
		RetryBaseDelay: 500 * time.Millisecond,
		AttemptTimeout: 10 * time.Second,
		StatusTimeout:  3 * time.Second,
	}
}

// ConfigFrom converts the loaded service configuration.
func ConfigFrom(c config.BatcherConfig) Config {
	return Config{
		BatchSize:      c.BatchSize,
		MaxRetries:     c.MaxRetries,
		RetryBaseDelay: c.RetryBaseDelay,
		AttemptTimeout: c.AttemptTimeout,
		StatusTimeout:  c.StatusTimeout,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultBatcherConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = def.RetryBaseDelay
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = def.AttemptTimeout
	}
	if c.StatusTimeout <= 0 {
		c.StatusTimeout = def.StatusTimeout
	}
	return c
}

// BatcherOpts are optional hooks and collectors.
type BatcherOpts struct {
	// OnFlush is called after every confirmed flush.
	OnFlush func(count int, batchID string)
	// OnRetry is called before waiting for the next attempt of a chunk.
	// attempt is the 1-based number of the attempt that failed.
	OnRetry func(attempt int, wait time.Duration, err error)
	Metrics *Metrics
}

var errEmptyConfirmation = errors.New("store confirmed no rows")

// Batcher owns the pending batch. mu guards pending and the last flush;
// flushMu serialises flushes so that two writers never send overlapping
// records. Store I/O never happens while mu is held.
type Batcher struct {
	cfg   Config
	store Store
	log   zerolog.Logger
	opts  BatcherOpts
	now   func() time.Time

	mu         sync.Mutex
	pending    []model.Record
	lastFlush  model.FlushInfo
	hasFlushed bool

	flushMu sync.Mutex
}

// NewBatcher returns a Batcher writing to store. opts may be nil.
func NewBatcher(cfg Config, store Store, log zerolog.Logger, opts *BatcherOpts) *Batcher {
	b := &Batcher{
		cfg:   cfg.withDefaults(),
		store: store,
		log:   log,
		now:   time.Now,
	}
	if opts != nil {
		b.opts = *opts
	}
	return b
}

// Config returns the effective configuration.
func (b *Batcher) Config() Config {
	return b.cfg
}

// Add appends rec to the pending batch and flushes once the batch holds at
// least BatchSize records. It reports false only when that flush failed or
// the record could not be buffered; the record stays pending either way.
func (b *Batcher) Add(ctx context.Context, rec model.Record) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Msg("failed to buffer telemetry record")
			ok = false
		}
	}()

	if rec.CreatedAt.IsZero() {
		rec = rec.WithCreatedAt(b.now())
	}

	b.mu.Lock()
	b.pending = append(b.pending, rec)
	n := len(b.pending)
	b.mu.Unlock()
	b.opts.Metrics.buffered(n)

	if n >= b.cfg.BatchSize {
		b.log.Debug().Int("pending", n).Int("batch_size", b.cfg.BatchSize).Msg("batch full, flushing")
		return b.Flush(ctx)
	}
	return true
}

// Flush writes every record pending at the time of the call. On success
// exactly those records are removed; records added meanwhile stay pending.
// On failure the pending batch is left untouched.
func (b *Batcher) Flush(ctx context.Context) bool {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	snapshot := slices.Clone(b.pending)
	b.mu.Unlock()

	n := len(snapshot)
	if n == 0 {
		return true
	}

	batchID := uuid.NewString()
	log := b.log.With().Str("batch_id", batchID).Int("records", n).Logger()
	start := time.Now()

	if !b.writeBatch(ctx, log, snapshot) {
		b.opts.Metrics.flushFailed()
		log.Error().Msg("flush failed, records kept pending")
		return false
	}

	b.mu.Lock()
	b.pending = slices.Clone(b.pending[n:])
	remaining := len(b.pending)
	b.lastFlush = model.FlushInfo{BatchID: batchID, Count: n, At: b.now().UTC()}
	b.hasFlushed = true
	b.mu.Unlock()

	b.opts.Metrics.flushed(n, remaining)
	log.Info().Dur("took", time.Since(start)).Int("remaining", remaining).Msg("flushed batch")

	if b.opts.OnFlush != nil {
		b.opts.OnFlush(n, batchID)
	}
	return true
}

// writeBatch writes records in chunks of at most BatchSize, in order. The
// first chunk that fails aborts the rest. Chunks written before the failure
// are not rolled back, so a later retry of the same flush may store them
// twice.
func (b *Batcher) writeBatch(ctx context.Context, log zerolog.Logger, records []model.Record) bool {
	chunks := chunk(records, b.cfg.BatchSize)
	for i, c := range chunks {
		clog := log.With().Int("chunk", i+1).Int("chunks", len(chunks)).Logger()
		if !b.writeChunkWithRetry(ctx, clog, c) {
			clog.Error().Int("written_chunks", i).Msg("chunk failed, aborting flush")
			return false
		}
	}
	return true
}

// writeChunkWithRetry makes up to MaxRetries attempts to write c, waiting
// BackoffDelay between them.
func (b *Batcher) writeChunkWithRetry(ctx context.Context, log zerolog.Logger, c []model.Record) bool {
	var (
		attempts int
		lastErr  error
	)
	err := retry.Do(
		func() error {
			attempts++
			err := b.writeChunk(ctx, c)
			b.opts.Metrics.chunkAttempt(err == nil)
			if err != nil {
				lastErr = err
				if ctx.Err() != nil {
					return retry.Unrecoverable(err)
				}
			}
			return err
		},
		retry.Context(ctx),
		retry.Attempts(uint(b.cfg.MaxRetries)),
		retry.Delay(b.cfg.RetryBaseDelay),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return BackoffDelay(b.cfg.RetryBaseDelay, int(n))
		}),
		retry.OnRetry(func(n uint, err error) {
			attempt := int(n) + 1
			if attempt >= b.cfg.MaxRetries {
				return
			}
			wait := BackoffDelay(b.cfg.RetryBaseDelay, int(n))
			log.Warn().Err(err).
				Int("attempt", attempt).
				Int("max_attempts", b.cfg.MaxRetries).
				Dur("wait", wait).
				Msg("chunk write failed, retrying")
			if b.opts.OnRetry != nil {
				b.opts.OnRetry(attempt, wait, err)
			}
		}),
	)
	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		log.Error().Err(lastErr).Int("attempts", attempts).Msg("all attempts failed for chunk")
		return false
	}
	log.Debug().Int("attempts", attempts).Int("size", len(c)).Msg("chunk written")
	return true
}

// writeChunk is a single attempt bounded by AttemptTimeout. A panic in the
// store is reported as an error.
func (b *Batcher) writeChunk(ctx context.Context, c []model.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("store panicked: %v", r)
		}
	}()

	actx, cancel := context.WithTimeout(ctx, b.cfg.AttemptTimeout)
	defer cancel()

	ids, err := b.store.InsertTelemetry(actx, c)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		b.log.Warn().Int("size", len(c)).Msg("store returned an empty confirmation")
		return errEmptyConfirmation
	}
	return nil
}

// BackoffDelay is the wait after the failed attempt n (0-based): base,
// 2*base, 4*base and so on.
func BackoffDelay(base time.Duration, n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if n > 30 {
		n = 30
	}
	return base << n
}

func chunk[T any](s []T, size int) [][]T {
	if size <= 0 || len(s) == 0 {
		return nil
	}
	out := make([][]T, 0, (len(s)+size-1)/size)
	for size < len(s) {
		out = append(out, s[:size:size])
		s = s[size:]
	}
	return append(out, s)
}

// Status reports the pending batch and whether the store answers a ping
// within StatusTimeout. It never fails.
func (b *Batcher) Status(ctx context.Context) model.BatchStatus {
	n := b.PendingCount()

	pctx, cancel := context.WithTimeout(ctx, b.cfg.StatusTimeout)
	defer cancel()
	reachable := b.ping(pctx)

	return model.BatchStatus{
		PendingCount:   n,
		BatchSize:      b.cfg.BatchSize,
		IsFull:         n >= b.cfg.BatchSize,
		StoreReachable: reachable,
	}
}

func (b *Batcher) ping(ctx context.Context) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	if err := b.store.Ping(ctx); err != nil {
		b.log.Debug().Err(err).Msg("store ping failed")
		return false
	}
	return true
}

// PendingCount returns the number of buffered records.
func (b *Batcher) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// LastFlush returns the most recent confirmed flush, if any.
func (b *Batcher) LastFlush() (model.FlushInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastFlush, b.hasFlushed
}

// Stop makes a final flush attempt during shutdown. Records that cannot be
// written are dropped with the process.
func (b *Batcher) Stop(ctx context.Context) bool {
	n := b.PendingCount()
	if n == 0 {
		return true
	}
	b.log.Info().Int("pending", n).Msg("flushing pending records before shutdown")
	if !b.Flush(ctx) {
		b.log.Error().Int("lost", b.PendingCount()).Msg("final flush failed, pending records will be lost")
		return false
	}
	return true
}

// Package backfill replays a historical slot range through the transaction
// processor.
//
// The range is split into fixed-size chunks processed in waves of bounded
// concurrency. A wave always settles: a failing chunk never cancels its
// siblings. After each wave the checkpoint moves to the end of the wave, even
// when individual references failed; those are left to reconciliation.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fortiblox/X1-Ledgersync/internal/types"
	"github.com/fortiblox/X1-Ledgersync/pkg/checkpoint"
	"github.com/fortiblox/X1-Ledgersync/pkg/processor"
)

// Default configuration values.
const (
	DefaultChunkSize     = 1000
	DefaultMaxConcurrent = 5
	DefaultWaveDelay     = 500 * time.Millisecond
)

// Backfill errors.
var (
	ErrInvalidRange = errors.New("backfill range is empty")
)

// Config holds backfill configuration.
type Config struct {
	// ChunkSize is the number of slots per chunk.
	ChunkSize uint64

	// MaxConcurrent is the number of chunks per wave.
	MaxConcurrent int

	// WaveDelay is the pause between waves.
	WaveDelay time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		ChunkSize:     DefaultChunkSize,
		MaxConcurrent: DefaultMaxConcurrent,
		WaveDelay:     DefaultWaveDelay,
	}
}

// WithDefaults returns a copy of the config with zero values replaced by
// defaults. A negative WaveDelay disables the pause.
func (c Config) WithDefaults() Config {
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.WaveDelay == 0 {
		c.WaveDelay = DefaultWaveDelay
	}
	return c
}

// Ledger reads program references inside a slot range.
type Ledger interface {
	ReferencesInRange(ctx context.Context, start, end uint64) ([]types.Reference, error)
}

// Result summarizes a SyncRange call.
type Result struct {
	Chunks      int           `json:"chunks"`
	Waves       int           `json:"waves"`
	Processed   uint64        `json:"processed"`
	Failed      uint64        `json:"failed"`
	ChunkErrors int           `json:"chunk_errors"`
	Duration    time.Duration `json:"duration"`
}

// Progress is reported after every wave.
type Progress struct {
	Start       uint64
	End         uint64
	CurrentSlot uint64
	Percent     float64
	Result      Result
}

// Backfill runs historical syncs.
type Backfill struct {
	config      Config
	ledger      Ledger
	checkpoints checkpoint.Store
	processor   processor.Processor
	logger      *zap.Logger

	onProgress func(Progress)
}

// New creates a Backfill.
func New(config Config, ledger Ledger, checkpoints checkpoint.Store, proc processor.Processor, logger *zap.Logger) *Backfill {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backfill{
		config:      config.WithDefaults(),
		ledger:      ledger,
		checkpoints: checkpoints,
		processor:   proc,
		logger:      logger.Named("backfill"),
	}
}

// SetOnProgress registers a callback invoked after each wave.
func (b *Backfill) SetOnProgress(fn func(Progress)) {
	b.onProgress = fn
}

type chunk struct {
	start, end uint64
}

// chunks splits [start, end) into ChunkSize pieces.
func (b *Backfill) chunks(start, end uint64) []chunk {
	var out []chunk
	for s := start; s < end; s += b.config.ChunkSize {
		e := s + b.config.ChunkSize
		if e > end || e < s {
			e = end
		}
		out = append(out, chunk{start: s, end: e})
	}
	return out
}

type chunkOutcome struct {
	processed uint64
	failed    uint64
	err       error
}

// SyncRange processes every program reference with a slot in [start, end).
func (b *Backfill) SyncRange(ctx context.Context, start, end uint64) (Result, error) {
	if end <= start {
		return Result{}, fmt.Errorf("%w: [%d, %d)", ErrInvalidRange, start, end)
	}

	began := time.Now()
	var res Result
	all := b.chunks(start, end)
	res.Chunks = len(all)

	b.logger.Info("backfill started",
		zap.Uint64("start", start),
		zap.Uint64("end", end),
		zap.Int("chunks", len(all)),
		zap.Int("max_concurrent", b.config.MaxConcurrent))

	for i := 0; i < len(all); i += b.config.MaxConcurrent {
		if err := ctx.Err(); err != nil {
			res.Duration = time.Since(began)
			return res, err
		}

		wave := all[i:min(i+b.config.MaxConcurrent, len(all))]
		outcomes := b.runWave(ctx, wave)
		res.Waves++
		for _, o := range outcomes {
			res.Processed += o.processed
			res.Failed += o.failed
			if o.err != nil {
				res.ChunkErrors++
			}
		}

		// A cancelled wave may be partial; leave the checkpoint where it was.
		if err := ctx.Err(); err != nil {
			res.Duration = time.Since(began)
			return res, err
		}

		waveEnd := wave[len(wave)-1].end
		if _, err := b.checkpoints.Advance(ctx, waveEnd, ""); err != nil {
			res.Duration = time.Since(began)
			return res, fmt.Errorf("advance checkpoint to %d: %w", waveEnd, err)
		}

		p := Progress{
			Start:       start,
			End:         end,
			CurrentSlot: waveEnd,
			Percent:     float64(waveEnd-start) / float64(end-start) * 100,
			Result:      res,
		}
		b.logger.Info("backfill progress",
			zap.Int("wave", res.Waves),
			zap.Uint64("slot", waveEnd),
			zap.String("percent", fmt.Sprintf("%.1f", p.Percent)),
			zap.Uint64("processed", res.Processed),
			zap.Uint64("failed", res.Failed))
		if b.onProgress != nil {
			b.onProgress(p)
		}

		if waveEnd < end && b.config.WaveDelay > 0 {
			select {
			case <-ctx.Done():
				res.Duration = time.Since(began)
				return res, ctx.Err()
			case <-time.After(b.config.WaveDelay):
			}
		}
	}

	res.Duration = time.Since(began)
	b.logger.Info("backfill completed",
		zap.Int("waves", res.Waves),
		zap.Uint64("processed", res.Processed),
		zap.Uint64("failed", res.Failed),
		zap.Int("chunk_errors", res.ChunkErrors),
		zap.Duration("duration", res.Duration))
	return res, nil
}

// runWave processes chunks concurrently and waits for all of them.
func (b *Backfill) runWave(ctx context.Context, wave []chunk) []chunkOutcome {
	outcomes := make([]chunkOutcome, len(wave))

	var g errgroup.Group
	g.SetLimit(b.config.MaxConcurrent)
	for i, c := range wave {
		i, c := i, c
		g.Go(func() error {
			outcomes[i] = b.syncChunk(ctx, c)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (b *Backfill) syncChunk(ctx context.Context, c chunk) chunkOutcome {
	refs, err := b.ledger.ReferencesInRange(ctx, c.start, c.end)
	if err != nil {
		b.logger.Warn("chunk fetch failed",
			zap.Uint64("start", c.start),
			zap.Uint64("end", c.end),
			zap.Error(err))
		return chunkOutcome{err: err}
	}

	var out chunkOutcome
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			out.err = err
			return out
		}
		if err := b.processor.ProcessTransaction(ctx, ref); err != nil {
			out.failed++
			b.logger.Warn("backfill processing failed",
				zap.String("signature", ref.Signature),
				zap.Uint64("slot", ref.Slot),
				zap.Error(err))
			continue
		}
		out.processed++
	}
	return out
}

// EstimateTimeRemaining returns the time to cover remaining slots at
// slotsPerSecond. It returns zero for a non-positive rate.
func EstimateTimeRemaining(remaining uint64, slotsPerSecond float64) time.Duration {
	if slotsPerSecond <= 0 {
		return 0
	}
	return time.Duration(float64(remaining) / slotsPerSecond * float64(time.Second))
}

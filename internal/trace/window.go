package trace

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stakelab/exitflow/internal/cache"
	"github.com/stakelab/exitflow/internal/model"
	"github.com/stakelab/exitflow/internal/rpc"
)

const (
	defaultBlockTimeSampleSpan = 10_000
	defaultTimestampCacheSize  = 2048
)

// HeaderSource is the transport surface needed for block-time estimation.
type HeaderSource interface {
	GetBlockNumber(ctx context.Context) (int64, error)
	GetBlockByNumber(ctx context.Context, blockNumber int64) (*rpc.Block, error)
}

// WindowEstimator converts configured durations into approximate block
// counts using the provider's observed average block time. Block timestamps
// are memoized per run.
type WindowEstimator struct {
	source     HeaderSource
	sampleSpan int64
	logger     *slog.Logger
	timestamps *cache.LRU[int64, int64]
}

func NewWindowEstimator(source HeaderSource, logger *slog.Logger) *WindowEstimator {
	if logger == nil {
		logger = slog.Default()
	}
	return &WindowEstimator{
		source:     source,
		sampleSpan: defaultBlockTimeSampleSpan,
		logger:     logger.With("component", "window"),
		timestamps: cache.NewLRU[int64, int64](defaultTimestampCacheSize, 0),
	}
}

// BlockTimestamp returns the unix timestamp of a block, memoized.
func (e *WindowEstimator) BlockTimestamp(ctx context.Context, blockNumber int64) (int64, error) {
	return e.timestamps.GetOrCompute(blockNumber, func() (int64, error) {
		block, err := e.source.GetBlockByNumber(ctx, blockNumber)
		if err != nil {
			return 0, err
		}
		if block == nil {
			return 0, fmt.Errorf("block %d not found", blockNumber)
		}
		ts, err := rpc.ParseHexInt64(block.Timestamp)
		if err != nil {
			return 0, fmt.Errorf("parse timestamp of block %d: %w", blockNumber, err)
		}
		return ts, nil
	})
}

// AverageBlockTime samples two headers sampleSpan blocks apart and returns
// the mean spacing.
func (e *WindowEstimator) AverageBlockTime(ctx context.Context) (time.Duration, error) {
	head, err := e.source.GetBlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch head block: %w", err)
	}
	span := e.sampleSpan
	if span >= head {
		span = head - 1
	}
	if span <= 0 {
		return 0, fmt.Errorf("chain too short to estimate block time (head=%d)", head)
	}

	newest, err := e.BlockTimestamp(ctx, head)
	if err != nil {
		return 0, err
	}
	oldest, err := e.BlockTimestamp(ctx, head-span)
	if err != nil {
		return 0, err
	}
	if newest <= oldest {
		return 0, fmt.Errorf("non-increasing timestamps between blocks %d and %d", head-span, head)
	}

	avg := time.Duration((newest-oldest)/span) * time.Second
	if avg <= 0 {
		avg = time.Second
	}
	e.logger.Debug("estimated block time", "head", head, "span", span, "avg", avg)
	return avg, nil
}

// BlocksForDuration converts a wall-clock horizon into a block count,
// rounding up so the window never undershoots the configured duration.
func BlocksForDuration(d, blockTime time.Duration) int64 {
	if blockTime <= 0 {
		return 0
	}
	blocks := int64((d + blockTime - 1) / blockTime)
	if blocks < 1 {
		blocks = 1
	}
	return blocks
}

// WindowAfter is the search horizon for a trace anchored at exitBlock: it
// always advances forward from the event's block.
func WindowAfter(exitBlock, windowBlocks int64) model.Window {
	return model.Window{
		StartBlock: exitBlock + 1,
		EndBlock:   exitBlock + windowBlocks,
	}
}

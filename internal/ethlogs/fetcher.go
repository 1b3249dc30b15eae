package ethlogs

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/stakelab/exitflow/internal/cache"
	"github.com/stakelab/exitflow/internal/metrics"
	"github.com/stakelab/exitflow/internal/retry"
	"github.com/stakelab/exitflow/internal/rpc"
)

const (
	defaultMaxSplits    = 12
	defaultChunkBlocks  = 10_000
	defaultCacheEntries = 4096
)

// Source is the transport surface the fetcher needs.
type Source interface {
	GetLogs(ctx context.Context, filter rpc.LogFilter) ([]*rpc.Log, error)
}

// Fetcher retrieves filtered event logs over block ranges, adaptively
// bisecting ranges the provider rejects as too large. Results for a
// (address, topics, range) triple are memoized for the life of the run so a
// trace never refetches the same window.
type Fetcher struct {
	source    Source
	caller    *retry.Caller
	maxSplits int
	logger    *slog.Logger
	memo      *cache.LRU[rangeKey, []*rpc.Log]
}

type rangeKey struct {
	address string
	topics  string
	from    int64
	to      int64
}

type Option func(*Fetcher)

// WithMaxSplits bounds how many times a single range may be bisected before
// the size error is surfaced as fatal.
func WithMaxSplits(n int) Option {
	return func(f *Fetcher) {
		if n >= 0 {
			f.maxSplits = n
		}
	}
}

func WithCacheCapacity(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.memo = cache.NewLRU[rangeKey, []*rpc.Log](n, 0)
		}
	}
}

func New(source Source, caller *retry.Caller, logger *slog.Logger, opts ...Option) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fetcher{
		source:    source,
		caller:    caller,
		maxSplits: defaultMaxSplits,
		logger:    logger.With("component", "ethlogs"),
		memo:      cache.NewLRU[rangeKey, []*rpc.Log](defaultCacheEntries, 0),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// span is one pending sub-range on the bisection work stack.
type span struct {
	from, to int64
	splits   int
}

// FetchRange fetches logs for address/topics over [from, to] inclusive.
// Provider size rejections trigger midpoint bisection via an explicit work
// stack; the split budget is decremented per branch and exhaustion is fatal.
// An empty result is valid and distinct from a failed fetch.
func (f *Fetcher) FetchRange(ctx context.Context, address string, topics []string, from, to int64) ([]*rpc.Log, error) {
	if from > to {
		return nil, retry.Mark(fmt.Errorf("inverted block range: from=%d to=%d", from, to), retry.KindInvalidInput)
	}
	if from < 0 {
		return nil, retry.Mark(fmt.Errorf("negative from block: %d", from), retry.KindInvalidInput)
	}

	key := rangeKey{address: address, topics: strings.Join(topics, ","), from: from, to: to}
	if logs, ok := f.memo.Get(key); ok {
		metrics.LogRangeCacheHits.Inc()
		return logs, nil
	}

	var out []*rpc.Log
	stack := []span{{from: from, to: to, splits: f.maxSplits}}

	for len(stack) > 0 {
		s := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		logs, err := f.fetchOnce(ctx, address, topics, s.from, s.to)
		if err == nil {
			out = append(out, logs...)
			continue
		}

		decision := retry.Classify(err)
		if decision.Kind != retry.KindTooLarge {
			return nil, err
		}
		if s.from == s.to || s.splits <= 0 {
			return nil, fmt.Errorf("bisection exhausted at [%d,%d] (splits_left=%d): %w", s.from, s.to, s.splits, err)
		}

		mid := s.from + (s.to-s.from)/2
		metrics.LogRangeBisectionsTotal.Inc()
		f.logger.Debug("range too large; bisecting",
			"address", address,
			"from", s.from,
			"to", s.to,
			"mid", mid,
			"splits_left", s.splits-1,
		)
		// Push the upper half first so the lower half is fetched first;
		// final ordering is normalized below either way.
		stack = append(stack,
			span{from: mid + 1, to: s.to, splits: s.splits - 1},
			span{from: s.from, to: mid, splits: s.splits - 1},
		)
	}

	sortLogs(out)
	f.memo.Put(key, out)
	return out, nil
}

// FetchChunked pre-partitions a very large window into fixed-size chunks
// before applying per-chunk bisection, bounding worst-case single-request
// size up front. A chunk that still fails for size is halved and retried
// once as two sub-chunks (each with a fresh split budget); any other
// failure, and a second size failure, propagate.
func (f *Fetcher) FetchChunked(ctx context.Context, address string, topics []string, from, to, chunkBlocks int64) ([]*rpc.Log, error) {
	if from > to {
		return nil, retry.Mark(fmt.Errorf("inverted block range: from=%d to=%d", from, to), retry.KindInvalidInput)
	}
	if chunkBlocks <= 0 {
		chunkBlocks = defaultChunkBlocks
	}

	var out []*rpc.Log
	for start := from; start <= to; start += chunkBlocks {
		end := start + chunkBlocks - 1
		if end > to {
			end = to
		}
		metrics.ScanChunksTotal.Inc()

		logs, err := f.FetchRange(ctx, address, topics, start, end)
		if err != nil && start < end && retry.Classify(err).Kind == retry.KindTooLarge {
			// Only a size rejection that survived the per-range split budget
			// earns a second chance; anything else propagates untouched.
			half := start + (end-start)/2
			f.logger.Warn("chunk fetch failed; halving chunk and retrying once",
				"address", address,
				"from", start,
				"to", end,
				"error", err,
			)
			lower, lerr := f.FetchRange(ctx, address, topics, start, half)
			if lerr != nil {
				return nil, fmt.Errorf("chunk [%d,%d] failed after halving: %w", start, half, lerr)
			}
			upper, uerr := f.FetchRange(ctx, address, topics, half+1, end)
			if uerr != nil {
				return nil, fmt.Errorf("chunk [%d,%d] failed after halving: %w", half+1, end, uerr)
			}
			logs = append(lower, upper...)
		} else if err != nil {
			return nil, err
		}
		out = append(out, logs...)
	}

	sortLogs(out)
	return out, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, address string, topics []string, from, to int64) ([]*rpc.Log, error) {
	filter := rpc.LogFilter{
		FromBlock: rpc.FormatHexInt64(from),
		ToBlock:   rpc.FormatHexInt64(to),
		Address:   address,
		Topics:    topics,
	}

	var logs []*rpc.Log
	start := time.Now()
	err := f.caller.Do(ctx, "eth_getLogs", func(ctx context.Context) error {
		var callErr error
		logs, callErr = f.source.GetLogs(ctx, filter)
		return callErr
	})
	metrics.LogRangeFetchesTotal.Inc()
	if err != nil {
		return nil, err
	}
	for _, log := range logs {
		// A malformed quantity would silently sort as block zero and corrupt
		// downstream earliest-candidate selection, so reject it here.
		if _, perr := rpc.ParseHexInt64(log.BlockNumber); perr != nil {
			return nil, retry.Mark(fmt.Errorf("log %s: malformed block number %q: %w", log.TxHash, log.BlockNumber, perr), retry.KindMalformed)
		}
		if _, perr := rpc.ParseHexInt64(log.LogIndex); perr != nil {
			return nil, retry.Mark(fmt.Errorf("log %s: malformed log index %q: %w", log.TxHash, log.LogIndex, perr), retry.KindMalformed)
		}
	}
	f.logger.Debug("range fetched",
		"address", address,
		"from", from,
		"to", to,
		"logs", len(logs),
		"elapsed", time.Since(start),
	)
	return logs, nil
}

// sortLogs normalizes provider ordering to ascending (blockNumber, logIndex),
// which the tracer's earliest-candidate selection relies on. Quantities are
// already validated at fetch time.
func sortLogs(logs []*rpc.Log) {
	sort.SliceStable(logs, func(i, j int) bool {
		bi, _ := rpc.ParseHexInt64(logs[i].BlockNumber)
		bj, _ := rpc.ParseHexInt64(logs[j].BlockNumber)
		if bi != bj {
			return bi < bj
		}
		li, _ := rpc.ParseHexInt64(logs[i].LogIndex)
		lj, _ := rpc.ParseHexInt64(logs[j].LogIndex)
		return li < lj
	})
}

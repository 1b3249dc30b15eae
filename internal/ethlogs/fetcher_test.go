package ethlogs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stakelab/exitflow/internal/retry"
	"github.com/stakelab/exitflow/internal/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capSource serves logs from a fixed set but rejects any request wider than
// maxSpan blocks, mimicking provider range limits.
type capSource struct {
	logs    []*rpc.Log
	maxSpan int64
	calls   int
	// failOn, when set, fails exactly that [from,to] request with failErr.
	failOn  [2]int64
	failErr error
}

func (s *capSource) GetLogs(ctx context.Context, filter rpc.LogFilter) ([]*rpc.Log, error) {
	s.calls++
	from, err := rpc.ParseHexInt64(filter.FromBlock)
	if err != nil {
		return nil, err
	}
	to, err := rpc.ParseHexInt64(filter.ToBlock)
	if err != nil {
		return nil, err
	}
	if s.failErr != nil && from == s.failOn[0] && to == s.failOn[1] {
		return nil, s.failErr
	}
	if s.maxSpan > 0 && to-from+1 > s.maxSpan {
		return nil, &rpc.RPCError{Code: -32005, Message: "query returned more than 10000 results"}
	}

	var out []*rpc.Log
	for _, log := range s.logs {
		block, _ := rpc.ParseHexInt64(log.BlockNumber)
		if block >= from && block <= to {
			out = append(out, log)
		}
	}
	return out, nil
}

func logAt(block, index int64) *rpc.Log {
	return &rpc.Log{
		Address:     "0xtoken",
		Topics:      []string{"0xtopic0"},
		BlockNumber: rpc.FormatHexInt64(block),
		LogIndex:    rpc.FormatHexInt64(index),
		TxHash:      fmt.Sprintf("0xtx%d_%d", block, index),
	}
}

func newTestCaller() *retry.Caller {
	return retry.NewCaller(nil,
		retry.WithSleepFn(func(ctx context.Context, d time.Duration) error { return nil }),
	)
}

func TestFetchRangeNoSplitNeeded(t *testing.T) {
	source := &capSource{logs: []*rpc.Log{logAt(5, 0), logAt(7, 1)}}
	f := New(source, newTestCaller(), nil)

	logs, err := f.FetchRange(context.Background(), "0xtoken", []string{"0xtopic0"}, 0, 10)
	require.NoError(t, err)
	assert.Len(t, logs, 2)
	assert.Equal(t, 1, source.calls)
}

func TestFetchRangeBisectsUntilAccepted(t *testing.T) {
	var all []*rpc.Log
	for b := int64(0); b < 16; b++ {
		all = append(all, logAt(b, 0))
	}
	source := &capSource{logs: all, maxSpan: 4}
	f := New(source, newTestCaller(), nil)

	logs, err := f.FetchRange(context.Background(), "0xtoken", []string{"0xtopic0"}, 0, 15)
	require.NoError(t, err)
	require.Len(t, logs, 16, "bisection must not lose or duplicate logs")

	for i, log := range logs {
		block, _ := rpc.ParseHexInt64(log.BlockNumber)
		assert.Equal(t, int64(i), block, "results ordered by block")
	}
	// [0,15] fails, halves fail, quarters succeed: 1 + 2 + 4 requests.
	assert.Equal(t, 7, source.calls)
}

func TestFetchRangeMemoizes(t *testing.T) {
	source := &capSource{logs: []*rpc.Log{logAt(3, 0)}}
	f := New(source, newTestCaller(), nil)

	first, err := f.FetchRange(context.Background(), "0xtoken", []string{"0xtopic0"}, 0, 10)
	require.NoError(t, err)
	second, err := f.FetchRange(context.Background(), "0xtoken", []string{"0xtopic0"}, 0, 10)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, source.calls, "second fetch served from memo")
}

func TestFetchRangeDistinctKeysNotShared(t *testing.T) {
	source := &capSource{logs: []*rpc.Log{logAt(3, 0)}}
	f := New(source, newTestCaller(), nil)

	_, err := f.FetchRange(context.Background(), "0xtoken", []string{"0xtopic0"}, 0, 10)
	require.NoError(t, err)
	_, err = f.FetchRange(context.Background(), "0xtoken", []string{"0xtopic0"}, 0, 11)
	require.NoError(t, err)
	assert.Equal(t, 2, source.calls)
}

func TestFetchRangeInvertedRangeRejected(t *testing.T) {
	f := New(&capSource{}, newTestCaller(), nil)

	_, err := f.FetchRange(context.Background(), "0xtoken", nil, 10, 5)
	require.Error(t, err)
	assert.Equal(t, retry.KindInvalidInput, retry.Classify(err).Kind)
}

func TestFetchRangeNegativeFromRejected(t *testing.T) {
	f := New(&capSource{}, newTestCaller(), nil)

	_, err := f.FetchRange(context.Background(), "0xtoken", nil, -1, 5)
	require.Error(t, err)
	assert.Equal(t, retry.KindInvalidInput, retry.Classify(err).Kind)
}

func TestFetchRangeSplitBudgetExhausted(t *testing.T) {
	source := &capSource{maxSpan: 1}
	f := New(source, newTestCaller(), nil, WithMaxSplits(1))

	_, err := f.FetchRange(context.Background(), "0xtoken", nil, 0, 7)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bisection exhausted")
}

func TestFetchRangeSingleBlockTooLargeIsFatal(t *testing.T) {
	source := &capSource{maxSpan: 0, failOn: [2]int64{4, 4},
		failErr: &rpc.RPCError{Code: -32005, Message: "log response size exceeded"}}
	f := New(source, newTestCaller(), nil)

	_, err := f.FetchRange(context.Background(), "0xtoken", nil, 4, 4)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bisection exhausted")
}

func TestFetchRangePropagatesTerminalErrors(t *testing.T) {
	source := &capSource{failOn: [2]int64{0, 10}, failErr: errors.New("execution reverted")}
	f := New(source, newTestCaller(), nil)

	_, err := f.FetchRange(context.Background(), "0xtoken", nil, 0, 10)
	require.Error(t, err)
	assert.Equal(t, 1, source.calls, "non-size errors are never bisected")
}

func TestFetchRangeRejectsMalformedLogQuantities(t *testing.T) {
	bad := logAt(5, 0)
	bad.BlockNumber = "not-hex"
	source := &capSource{logs: []*rpc.Log{bad}}
	f := New(source, newTestCaller(), nil)

	_, err := f.FetchRange(context.Background(), "0xtoken", []string{"0xtopic0"}, 0, 10)
	require.Error(t, err)
	assert.Equal(t, retry.KindMalformed, retry.Classify(err).Kind)
	assert.Contains(t, err.Error(), "malformed block number")
}

func TestFetchRangeRejectsMalformedLogIndex(t *testing.T) {
	bad := logAt(5, 0)
	bad.LogIndex = "0xzz"
	source := &capSource{logs: []*rpc.Log{bad}}
	f := New(source, newTestCaller(), nil)

	_, err := f.FetchRange(context.Background(), "0xtoken", []string{"0xtopic0"}, 0, 10)
	require.Error(t, err)
	assert.Equal(t, retry.KindMalformed, retry.Classify(err).Kind)
	assert.Contains(t, err.Error(), "malformed log index")
}

func TestFetchRangeEmptyResultIsNotAnError(t *testing.T) {
	source := &capSource{}
	f := New(source, newTestCaller(), nil)

	logs, err := f.FetchRange(context.Background(), "0xtoken", nil, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestFetchChunkedPartitionsRange(t *testing.T) {
	source := &capSource{logs: []*rpc.Log{logAt(2, 0), logAt(14, 0), logAt(25, 0)}}
	f := New(source, newTestCaller(), nil)

	logs, err := f.FetchChunked(context.Background(), "0xtoken", []string{"0xtopic0"}, 0, 25, 10)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, 3, source.calls, "chunks [0,9] [10,19] [20,25]")
}

func TestFetchChunkedHalvesOversizedChunk(t *testing.T) {
	// With a zero split budget the size rejection on [0,9] surfaces out of
	// FetchRange; the chunk loop halves once and both halves succeed.
	source := &capSource{
		logs:    []*rpc.Log{logAt(3, 0), logAt(8, 0)},
		failOn:  [2]int64{0, 9},
		failErr: &rpc.RPCError{Code: -32005, Message: "query returned more than 10000 results"},
	}
	f := New(source, newTestCaller(), nil, WithMaxSplits(0))

	logs, err := f.FetchChunked(context.Background(), "0xtoken", []string{"0xtopic0"}, 0, 9, 10)
	require.NoError(t, err)
	assert.Len(t, logs, 2)
	assert.Equal(t, 3, source.calls, "[0,9] rejected, then [0,4] and [5,9]")
}

func TestFetchChunkedNonSizeErrorPropagatesWithoutHalving(t *testing.T) {
	source := &capSource{
		failOn:  [2]int64{0, 9},
		failErr: errors.New("execution aborted"),
	}
	f := New(source, newTestCaller(), nil)

	_, err := f.FetchChunked(context.Background(), "0xtoken", []string{"0xtopic0"}, 0, 9, 10)
	require.Error(t, err)
	assert.Equal(t, 1, source.calls, "only size rejections earn a halved retry")
}

func TestFetchChunkedInvertedRange(t *testing.T) {
	f := New(&capSource{}, newTestCaller(), nil)
	_, err := f.FetchChunked(context.Background(), "0xtoken", nil, 9, 0, 10)
	require.Error(t, err)
	assert.Equal(t, retry.KindInvalidInput, retry.Classify(err).Kind)
}

func TestSortLogsOrdersByBlockThenIndex(t *testing.T) {
	logs := []*rpc.Log{logAt(7, 2), logAt(3, 1), logAt(7, 0), logAt(3, 0)}
	sortLogs(logs)

	var got [][2]int64
	for _, log := range logs {
		b, _ := rpc.ParseHexInt64(log.BlockNumber)
		i, _ := rpc.ParseHexInt64(log.LogIndex)
		got = append(got, [2]int64{b, i})
	}
	assert.Equal(t, [][2]int64{{3, 0}, {3, 1}, {7, 0}, {7, 2}}, got)
}

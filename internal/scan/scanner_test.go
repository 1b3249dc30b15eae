package scan

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stakelab/exitflow/internal/model"
	"github.com/stakelab/exitflow/internal/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	exitContract = model.Address("0x1111111111111111111111111111111111111111")
	exitTopic    = "0x" + strings.Repeat("ab", 32)
	staker       = model.Address("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa1")
)

func exitLog(addr model.Address, amount *big.Int, block int64) *rpc.Log {
	padded := "0x" + strings.Repeat("0", 24) + strings.TrimPrefix(string(addr), "0x")
	return &rpc.Log{
		Address:     string(exitContract),
		Topics:      []string{exitTopic, padded},
		Data:        fmt.Sprintf("0x%064x", amount),
		BlockNumber: rpc.FormatHexInt64(block),
		LogIndex:    "0x0",
		TxHash:      fmt.Sprintf("0xexit%d", block),
	}
}

// spanSource records every requested span and serves from a fixed log set.
type spanSource struct {
	logs  []*rpc.Log
	spans [][2]int64
	err   error
}

func (s *spanSource) FetchChunked(ctx context.Context, address string, topics []string, from, to, chunkBlocks int64) ([]*rpc.Log, error) {
	s.spans = append(s.spans, [2]int64{from, to})
	if s.err != nil {
		return nil, s.err
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

func TestScanCollectsAndDecodes(t *testing.T) {
	source := &spanSource{logs: []*rpc.Log{
		exitLog(staker, big.NewInt(500), 100),
		exitLog(staker, big.NewInt(300), 2500),
	}}
	scanner := New(source, DecodeIndexedAddressAmount, nil)

	events, err := scanner.Scan(context.Background(), exitContract, exitTopic, 1, 10_000)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, staker, events[0].Address)
	assert.Equal(t, int64(100), events[0].BlockNumber)
	assert.Zero(t, events[0].Amount.Cmp(big.NewInt(500)))
	assert.Equal(t, "500", events[0].AmountRaw)
}

func TestScanSplitsIntoCommitSpans(t *testing.T) {
	source := &spanSource{}
	scanner := New(source, DecodeIndexedAddressAmount, nil, WithCommitSpan(1000))

	_, err := scanner.Scan(context.Background(), exitContract, exitTopic, 0, 2500)
	require.NoError(t, err)
	assert.Equal(t, [][2]int64{{0, 999}, {1000, 1999}, {2000, 2500}}, source.spans)
}

func TestScanResumesFromCursor(t *testing.T) {
	store, err := OpenCursorStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer store.Close()

	source := &spanSource{logs: []*rpc.Log{
		exitLog(staker, big.NewInt(500), 100),
		exitLog(staker, big.NewInt(300), 1500),
	}}
	scanner := New(source, DecodeIndexedAddressAmount, nil,
		WithCursorStore(store), WithCommitSpan(1000))

	events, err := scanner.Scan(context.Background(), exitContract, exitTopic, 0, 1999)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	// A second run over the same range starts past the committed cursor.
	source.spans = nil
	events, err = scanner.Scan(context.Background(), exitContract, exitTopic, 0, 1999)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Empty(t, source.spans, "fully scanned range needs no fetches")
}

func TestScanResumesMidRange(t *testing.T) {
	store, err := OpenCursorStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Commit(context.Background(), string(exitContract), exitTopic, 999))

	source := &spanSource{}
	scanner := New(source, DecodeIndexedAddressAmount, nil,
		WithCursorStore(store), WithCommitSpan(1000))

	_, err = scanner.Scan(context.Background(), exitContract, exitTopic, 0, 2999)
	require.NoError(t, err)
	assert.Equal(t, [][2]int64{{1000, 1999}, {2000, 2999}}, source.spans)
}

func TestScanCursorIsPerContractAndTopic(t *testing.T) {
	store, err := OpenCursorStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Commit(ctx, "0xcontract1", "0xtopic1", 500))

	_, ok, err := store.Last(ctx, "0xcontract1", "0xtopic2")
	require.NoError(t, err)
	assert.False(t, ok)

	last, ok, err := store.Last(ctx, "0xcontract1", "0xtopic1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(500), last)
}

func TestScanCursorCommitOverwrites(t *testing.T) {
	store, err := OpenCursorStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Commit(ctx, "0xc", "0xt", 100))
	require.NoError(t, store.Commit(ctx, "0xc", "0xt", 200))

	last, ok, err := store.Last(ctx, "0xc", "0xt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(200), last)
}

func TestScanFetchErrorPropagates(t *testing.T) {
	source := &spanSource{err: errors.New("provider down")}
	scanner := New(source, DecodeIndexedAddressAmount, nil)

	_, err := scanner.Scan(context.Background(), exitContract, exitTopic, 0, 100)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider down")
}

func TestScanInvalidInputs(t *testing.T) {
	scanner := New(&spanSource{}, DecodeIndexedAddressAmount, nil)

	_, err := scanner.Scan(context.Background(), "0xbad", exitTopic, 0, 100)
	assert.Error(t, err)

	_, err = scanner.Scan(context.Background(), exitContract, exitTopic, 100, 0)
	assert.Error(t, err)
}

func TestScanSkipsRemovedLogs(t *testing.T) {
	removed := exitLog(staker, big.NewInt(500), 100)
	removed.Removed = true
	source := &spanSource{logs: []*rpc.Log{removed}}
	scanner := New(source, DecodeIndexedAddressAmount, nil)

	events, err := scanner.Scan(context.Background(), exitContract, exitTopic, 0, 1000)
	require.NoError(t, err)
	assert.Empty(t, events)
}

// ---------------------------------------------------------------------------
// DecodeIndexedAddressAmount
// ---------------------------------------------------------------------------

func TestDecodeIndexedAddressAmount(t *testing.T) {
	ev, err := DecodeIndexedAddressAmount(exitLog(staker, big.NewInt(12345), 777))
	require.NoError(t, err)
	assert.Equal(t, staker, ev.Address)
	assert.Equal(t, int64(777), ev.BlockNumber)
	assert.Zero(t, ev.Amount.Cmp(big.NewInt(12345)))
	assert.Equal(t, "12345", ev.AmountRaw)
}

func TestDecodeIndexedAddressAmountRejectsBadLogs(t *testing.T) {
	_, err := DecodeIndexedAddressAmount(nil)
	assert.Error(t, err)

	_, err = DecodeIndexedAddressAmount(&rpc.Log{Topics: []string{exitTopic}, TxHash: "0xbad"})
	assert.Error(t, err)

	_, err = DecodeIndexedAddressAmount(&rpc.Log{
		Topics: []string{exitTopic, "0x1234"},
		TxHash: "0xbad",
	})
	assert.Error(t, err)
}

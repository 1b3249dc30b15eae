package scan

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/stakelab/exitflow/internal/model"
	"github.com/stakelab/exitflow/internal/rpc"
)

const (
	defaultCommitSpan  = 50_000
	defaultChunkBlocks = 10_000
)

// ChunkedSource is the log-retrieval surface the scanner needs.
type ChunkedSource interface {
	FetchChunked(ctx context.Context, address string, topics []string, from, to, chunkBlocks int64) ([]*rpc.Log, error)
}

// ExitDecoder converts a protocol-specific exit log (unstake, withdraw,
// burn) into an ExitEvent.
type ExitDecoder func(*rpc.Log) (model.ExitEvent, error)

// Scanner collects exit events for a protocol contract over a block range,
// using the chunked log fetcher. With a cursor store attached, progress is
// committed per span so an interrupted scan resumes instead of restarting.
type Scanner struct {
	source      ChunkedSource
	decoder     ExitDecoder
	cursor      *CursorStore
	commitSpan  int64
	chunkBlocks int64
	logger      *slog.Logger
}

type Option func(*Scanner)

// WithCursorStore enables resumable scanning.
func WithCursorStore(store *CursorStore) Option {
	return func(s *Scanner) {
		s.cursor = store
	}
}

func WithCommitSpan(blocks int64) Option {
	return func(s *Scanner) {
		if blocks > 0 {
			s.commitSpan = blocks
		}
	}
}

func WithChunkBlocks(blocks int64) Option {
	return func(s *Scanner) {
		if blocks > 0 {
			s.chunkBlocks = blocks
		}
	}
}

func New(source ChunkedSource, decoder ExitDecoder, logger *slog.Logger, opts ...Option) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scanner{
		source:      source,
		decoder:     decoder,
		commitSpan:  defaultCommitSpan,
		chunkBlocks: defaultChunkBlocks,
		logger:      logger.With("component", "scanner"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Scan returns the exit events emitted by contract with the given topic0
// over [from, to], in ascending block order.
func (s *Scanner) Scan(ctx context.Context, contract model.Address, topic string, from, to int64) ([]model.ExitEvent, error) {
	if !contract.IsValid() {
		return nil, fmt.Errorf("scan: invalid contract address %q", contract)
	}
	if from > to {
		return nil, fmt.Errorf("scan: inverted block range: from=%d to=%d", from, to)
	}

	start := from
	if s.cursor != nil {
		last, ok, err := s.cursor.Last(ctx, string(contract), topic)
		if err != nil {
			return nil, fmt.Errorf("scan: read cursor: %w", err)
		}
		if ok && last >= from {
			s.logger.Info("resuming scan from cursor", "contract", contract, "last_block", last)
			start = last + 1
		}
	}
	if start > to {
		return nil, nil
	}

	var events []model.ExitEvent
	for spanStart := start; spanStart <= to; spanStart += s.commitSpan {
		spanEnd := spanStart + s.commitSpan - 1
		if spanEnd > to {
			spanEnd = to
		}

		logs, err := s.source.FetchChunked(ctx, string(contract), []string{topic}, spanStart, spanEnd, s.chunkBlocks)
		if err != nil {
			return nil, fmt.Errorf("scan [%d,%d]: %w", spanStart, spanEnd, err)
		}

		for _, log := range logs {
			if log.Removed {
				continue
			}
			ev, err := s.decoder(log)
			if err != nil {
				return nil, fmt.Errorf("decode exit log %s: %w", log.TxHash, err)
			}
			events = append(events, ev)
		}

		if s.cursor != nil {
			if err := s.cursor.Commit(ctx, string(contract), topic, spanEnd); err != nil {
				return nil, fmt.Errorf("scan: commit cursor at %d: %w", spanEnd, err)
			}
		}
		s.logger.Debug("scan span done", "from", spanStart, "to", spanEnd, "events", len(events))
	}

	return events, nil
}

// DecodeIndexedAddressAmount handles the common exit-event shape: the
// account in topic 1, the base-unit amount in the first data word.
func DecodeIndexedAddressAmount(log *rpc.Log) (model.ExitEvent, error) {
	if log == nil {
		return model.ExitEvent{}, fmt.Errorf("nil log")
	}
	if len(log.Topics) < 2 {
		return model.ExitEvent{}, fmt.Errorf("exit log %s has %d topics, want at least 2", log.TxHash, len(log.Topics))
	}

	topic := strings.TrimPrefix(strings.ToLower(log.Topics[1]), "0x")
	if len(topic) != 64 {
		return model.ExitEvent{}, fmt.Errorf("exit log %s topic1 is not a 32-byte word", log.TxHash)
	}
	addr := model.Address("0x" + topic[24:])
	if !addr.IsValid() {
		return model.ExitEvent{}, fmt.Errorf("exit log %s topic1 does not hold an address", log.TxHash)
	}

	data := strings.TrimPrefix(log.Data, "0x")
	if len(data) > 64 {
		data = data[:64]
	}
	amount, err := rpc.ParseHexBig("0x" + data)
	if err != nil {
		return model.ExitEvent{}, fmt.Errorf("decode exit amount: %w", err)
	}

	blockNumber, err := rpc.ParseHexInt64(log.BlockNumber)
	if err != nil {
		return model.ExitEvent{}, fmt.Errorf("decode exit block number: %w", err)
	}

	return model.ExitEvent{
		Address:     addr,
		BlockNumber: blockNumber,
		TxHash:      log.TxHash,
		Amount:      amount,
		AmountRaw:   amount.String(),
	}, nil
}

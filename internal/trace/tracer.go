package trace

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"github.com/stakelab/exitflow/internal/metrics"
	"github.com/stakelab/exitflow/internal/model"
	"github.com/stakelab/exitflow/internal/rpc"
)

const (
	defaultMaxHops     = 3
	defaultBranchWidth = 3
)

// LogSource is the log-retrieval surface the tracer depends on.
type LogSource interface {
	FetchRange(ctx context.Context, address string, topics []string, from, to int64) ([]*rpc.Log, error)
}

// AddressClassifier resolves destination addresses to categories.
type AddressClassifier interface {
	Classify(ctx context.Context, addr model.Address) (model.Classification, error)
	Label(addr model.Address) string
}

// Config carries the protocol parameters for one trace run. Event-signature
// tables and contract addresses are configuration fed into the tracer, not
// part of it.
type Config struct {
	// TokenContract is the token whose transfers are followed; it is also a
	// banned hop destination (a transfer back into the token contract is
	// never the forwarding hop).
	TokenContract model.Address
	// ProtocolContract is the origin staking/bridge contract; banned as a
	// hop destination.
	ProtocolContract model.Address
	// TransferTopic is topic0 of the outgoing-transfer event. Defaults to
	// the ERC20 Transfer topic.
	TransferTopic string
	// Decode converts raw logs to transfers. Defaults to DecodeERC20Transfer.
	Decode Decoder
	// WindowBlocks bounds the search horizon, anchored at the exit block.
	WindowBlocks int64
	// MaxHops is the total hop budget per trace.
	MaxHops int
	// BranchWidth caps how many non-endpoint candidates are carried to the
	// next hop across the whole level, bounding fetches to ~MaxHops*BranchWidth.
	BranchWidth int
	// Threshold is the qualifying-amount policy.
	Threshold Threshold
}

func (c Config) withDefaults() Config {
	if c.TransferTopic == "" {
		c.TransferTopic = EventTopic(ERC20TransferSignature)
	}
	if c.Decode == nil {
		c.Decode = DecodeERC20Transfer
	}
	if c.MaxHops <= 0 {
		c.MaxHops = defaultMaxHops
	}
	if c.BranchWidth <= 0 {
		c.BranchWidth = defaultBranchWidth
	}
	return c
}

// Tracer decides, for each exit event, whether the exited value reaches a
// labeled endpoint within the hop budget and block window. The search is a
// breadth-first work queue (no deep recursion): level n holds paths of n
// hops, so the first level containing a match is automatically the
// fewest-hops match.
type Tracer struct {
	logs       LogSource
	classifier AddressClassifier
	cfg        Config
	logger     *slog.Logger
}

func NewTracer(logs LogSource, classifier AddressClassifier, cfg Config, logger *slog.Logger) *Tracer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracer{
		logs:       logs,
		classifier: classifier,
		cfg:        cfg.withDefaults(),
		logger:     logger.With("component", "tracer"),
	}
}

// frame is one pending search path: the address currently holding the
// traced value, the first block its onward transfer may occupy, the amount
// carried in, and the hops taken so far.
type frame struct {
	addr      model.Address
	fromBlock int64
	carried   *big.Int
	path      []model.Hop
}

// match is an endpoint hit found while expanding a level.
type match struct {
	hop   model.Hop
	path  []model.Hop
	label string
}

// Trace runs the search for one exit event. Fetch and classification
// failures propagate; they are never folded into a negative result.
func (t *Tracer) Trace(ctx context.Context, exit model.ExitEvent) (model.TraceResult, error) {
	if !exit.Address.IsValid() {
		return model.TraceResult{}, fmt.Errorf("trace: invalid exit address %q", exit.Address)
	}
	if exit.Amount == nil || exit.Amount.Sign() <= 0 {
		return model.TraceResult{}, fmt.Errorf("trace: exit %s has no positive amount", exit.TxHash)
	}
	if t.cfg.WindowBlocks <= 0 {
		return model.TraceResult{}, fmt.Errorf("trace: window must be positive, got %d blocks", t.cfg.WindowBlocks)
	}

	started := time.Now()
	window := WindowAfter(exit.BlockNumber, t.cfg.WindowBlocks)

	frontier := []frame{{
		addr:      exit.Address,
		fromBlock: window.StartBlock,
		carried:   exit.Amount,
	}}

	for depth := 0; depth < t.cfg.MaxHops; depth++ {
		matches, next, err := t.expandLevel(ctx, frontier, window, depth)
		if err != nil {
			return model.TraceResult{}, err
		}

		if len(matches) > 0 {
			best := selectMatch(matches)
			result := t.finishMatched(exit, best)
			t.observe(result, started)
			return result, nil
		}

		if len(next) == 0 {
			result := t.finishNegative(exit, model.OutcomeNoCandidate, nil)
			t.observe(result, started)
			return result, nil
		}
		frontier = next
	}

	// Budget exhausted with live candidates; report the strongest one.
	result, err := t.finishExhausted(ctx, exit, frontier[0])
	if err != nil {
		return model.TraceResult{}, err
	}
	t.observe(result, started)
	return result, nil
}

// expandLevel fetches outgoing transfers for every frame at one hop depth,
// returning any endpoint matches plus the ranked, width-capped next frontier.
func (t *Tracer) expandLevel(ctx context.Context, frontier []frame, window model.Window, depth int) ([]match, []frame, error) {
	var matches []match
	var children []frame

	for _, fr := range frontier {
		if fr.fromBlock > window.EndBlock {
			continue
		}

		transfers, err := t.outgoingTransfers(ctx, fr.addr, fr.fromBlock, window.EndBlock)
		if err != nil {
			return nil, nil, fmt.Errorf("fetch transfers from %s at hop %d: %w", fr.addr, depth, err)
		}

		for _, tr := range transfers {
			if t.banned(fr.addr, tr.To) {
				continue
			}

			qualifies := t.cfg.Threshold.Satisfies(tr.Amount, fr.carried)
			if !qualifies && depth > 0 {
				// Below later-hop thresholds nothing matters; only the
				// topmost hop lets sub-threshold direct deposits match.
				continue
			}
			class, err := t.classifier.Classify(ctx, tr.To)
			if err != nil {
				return nil, nil, fmt.Errorf("classify %s at hop %d: %w", tr.To, depth, err)
			}

			if class == model.ClassEndpointMatch {
				// A direct deposit into a labeled endpoint at the topmost
				// hop counts regardless of the threshold.
				if qualifies || depth == 0 {
					matches = append(matches, match{
						hop:   hopFromTransfer(tr),
						path:  fr.path,
						label: t.classifier.Label(tr.To),
					})
				}
				continue
			}
			if !qualifies {
				continue
			}

			// Labeled non-endpoints (bridges, routers) never count as the
			// match, but value routed through them is still followed.
			children = append(children, frame{
				addr:      tr.To,
				fromBlock: tr.BlockNumber + 1,
				carried:   tr.Amount,
				path:      appendHop(fr.path, hopFromTransfer(tr)),
			})
		}
	}

	rankFrames(children)
	if len(children) > t.cfg.BranchWidth {
		children = children[:t.cfg.BranchWidth]
	}
	return matches, children, nil
}

func (t *Tracer) outgoingTransfers(ctx context.Context, addr model.Address, from, to int64) ([]model.TransferEvent, error) {
	topics := []string{t.cfg.TransferTopic, AddressTopic(addr)}
	logs, err := t.logs.FetchRange(ctx, string(t.cfg.TokenContract), topics, from, to)
	if err != nil {
		return nil, err
	}

	transfers := make([]model.TransferEvent, 0, len(logs))
	for _, log := range logs {
		if log.Removed {
			continue
		}
		tr, err := t.cfg.Decode(log)
		if err != nil {
			return nil, fmt.Errorf("decode transfer log: %w", err)
		}
		transfers = append(transfers, tr)
	}
	return transfers, nil
}

// banned filters destinations that can never be the forwarding hop: the
// origin token and protocol contracts, the zero address, and self-transfers.
func (t *Tracer) banned(self, to model.Address) bool {
	switch to {
	case model.ZeroAddress, self, t.cfg.TokenContract, t.cfg.ProtocolContract:
		return true
	}
	return false
}

// selectMatch picks the earliest-block match; same-block ties go to the
// larger transferred amount. Deterministic regardless of input ordering.
func selectMatch(matches []match) match {
	best := matches[0]
	for _, m := range matches[1:] {
		if m.hop.BlockNumber < best.hop.BlockNumber {
			best = m
			continue
		}
		if m.hop.BlockNumber == best.hop.BlockNumber && m.hop.Amount.Cmp(best.hop.Amount) > 0 {
			best = m
		}
	}
	return best
}

// rankFrames orders next-hop origins by amount descending, block ascending.
func rankFrames(frames []frame) {
	sort.SliceStable(frames, func(i, j int) bool {
		cmp := frames[i].carried.Cmp(frames[j].carried)
		if cmp != 0 {
			return cmp > 0
		}
		bi := frames[i].path[len(frames[i].path)-1].BlockNumber
		bj := frames[j].path[len(frames[j].path)-1].BlockNumber
		return bi < bj
	})
}

func (t *Tracer) finishMatched(exit model.ExitEvent, m match) model.TraceResult {
	hops := appendHop(m.path, m.hop)
	return model.TraceResult{
		Exit:             exit,
		Matched:          true,
		Outcome:          model.OutcomeMatched,
		Hops:             hops,
		TerminalCategory: model.ClassEndpointMatch,
		TerminalAddress:  m.hop.To,
		TerminalLabel:    m.label,
		AmountAtMatch:    m.hop.Amount,
		AmountRaw:        m.hop.Amount.String(),
	}
}

func (t *Tracer) finishExhausted(ctx context.Context, exit model.ExitEvent, top frame) (model.TraceResult, error) {
	class, err := t.classifier.Classify(ctx, top.addr)
	if err != nil {
		return model.TraceResult{}, fmt.Errorf("classify exhausted terminal %s: %w", top.addr, err)
	}
	result := t.finishNegative(exit, model.OutcomeExhausted, top.path)
	result.TerminalCategory = class
	result.TerminalAddress = top.addr
	result.TerminalLabel = t.classifier.Label(top.addr)
	return result, nil
}

func (t *Tracer) finishNegative(exit model.ExitEvent, outcome model.Outcome, hops []model.Hop) model.TraceResult {
	return model.TraceResult{
		Exit:             exit,
		Matched:          false,
		Outcome:          outcome,
		Hops:             hops,
		TerminalCategory: model.ClassNoCandidate,
	}
}

func (t *Tracer) observe(result model.TraceResult, started time.Time) {
	metrics.TracesTotal.WithLabelValues(string(result.Outcome)).Inc()
	metrics.TraceDuration.Observe(time.Since(started).Seconds())
	t.logger.Info("trace completed",
		"exit_tx", result.Exit.TxHash,
		"exit_address", result.Exit.Address,
		"outcome", result.Outcome,
		"hops", result.HopDepth(),
		"terminal_category", result.TerminalCategory,
		"terminal_address", result.TerminalAddress,
	)
}

func hopFromTransfer(tr model.TransferEvent) model.Hop {
	return model.Hop{
		From:        tr.From,
		To:          tr.To,
		Amount:      tr.Amount,
		AmountRaw:   tr.Amount.String(),
		BlockNumber: tr.BlockNumber,
		TxHash:      tr.TxHash,
	}
}

// appendHop copies before appending so sibling frames never share backing
// arrays.
func appendHop(path []model.Hop, hop model.Hop) []model.Hop {
	out := make([]model.Hop, len(path), len(path)+1)
	copy(out, path)
	return append(out, hop)
}

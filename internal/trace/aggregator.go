package trace

import (
	"math/big"
	"sync"

	"github.com/stakelab/exitflow/internal/model"
)

const defaultExemplarCap = 10

// Aggregator folds per-exit-event outcomes into summary statistics and
// capped exemplar traces. Purely additive; no RPC happens here. Safe for
// concurrent Record from driver workers.
type Aggregator struct {
	mu sync.Mutex

	total         int
	matchedCount  int
	matchedAmount *big.Int
	totalAmount   *big.Int

	byOutcome          map[model.Outcome]int
	byHopDepth         map[int]int
	byTerminalCategory map[model.Classification]int

	exemplarCap int
	exemplars   map[model.Classification][]model.TraceResult
}

type AggregatorOption func(*Aggregator)

// WithExemplarCap bounds how many exemplar traces are kept per terminal
// category.
func WithExemplarCap(n int) AggregatorOption {
	return func(a *Aggregator) {
		if n > 0 {
			a.exemplarCap = n
		}
	}
}

func NewAggregator(opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		matchedAmount:      new(big.Int),
		totalAmount:        new(big.Int),
		byOutcome:          make(map[model.Outcome]int),
		byHopDepth:         make(map[int]int),
		byTerminalCategory: make(map[model.Classification]int),
		exemplarCap:        defaultExemplarCap,
		exemplars:          make(map[model.Classification][]model.TraceResult),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Record folds one trace result into the aggregate.
func (a *Aggregator) Record(result model.TraceResult) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.total++
	a.byOutcome[result.Outcome]++
	a.byTerminalCategory[result.TerminalCategory]++
	if result.Exit.Amount != nil {
		a.totalAmount.Add(a.totalAmount, result.Exit.Amount)
	}

	if result.Matched {
		a.matchedCount++
		a.byHopDepth[result.HopDepth()]++
		if result.Exit.Amount != nil {
			a.matchedAmount.Add(a.matchedAmount, result.Exit.Amount)
		}
	}

	if len(a.exemplars[result.TerminalCategory]) < a.exemplarCap {
		a.exemplars[result.TerminalCategory] = append(a.exemplars[result.TerminalCategory], result)
	}
}

// Summary is a point-in-time copy of the aggregate, owned by the caller.
type Summary struct {
	Total              int
	MatchedCount       int
	MatchedAmount      *big.Int
	TotalAmount        *big.Int
	ByOutcome          map[model.Outcome]int
	ByHopDepth         map[int]int
	ByTerminalCategory map[model.Classification]int
	Exemplars          map[model.Classification][]model.TraceResult
}

// Summary snapshots the current aggregate state.
func (a *Aggregator) Summary() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Summary{
		Total:              a.total,
		MatchedCount:       a.matchedCount,
		MatchedAmount:      new(big.Int).Set(a.matchedAmount),
		TotalAmount:        new(big.Int).Set(a.totalAmount),
		ByOutcome:          make(map[model.Outcome]int, len(a.byOutcome)),
		ByHopDepth:         make(map[int]int, len(a.byHopDepth)),
		ByTerminalCategory: make(map[model.Classification]int, len(a.byTerminalCategory)),
		Exemplars:          make(map[model.Classification][]model.TraceResult, len(a.exemplars)),
	}
	for k, v := range a.byOutcome {
		s.ByOutcome[k] = v
	}
	for k, v := range a.byHopDepth {
		s.ByHopDepth[k] = v
	}
	for k, v := range a.byTerminalCategory {
		s.ByTerminalCategory[k] = v
	}
	for k, v := range a.exemplars {
		s.Exemplars[k] = append([]model.TraceResult(nil), v...)
	}
	return s
}

package report

import (
	"sort"
	"time"

	"github.com/stakelab/exitflow/internal/model"
	"github.com/stakelab/exitflow/internal/trace"
)

// Report is the rendered form of one trace run: the aggregator summary plus
// run identity and the parameters that produced it, so the evidence is
// reproducible.
type Report struct {
	RunID       string    `json:"run_id"`
	GeneratedAt time.Time `json:"generated_at"`
	Params      Params    `json:"params"`

	TotalExits    int    `json:"total_exits"`
	MatchedCount  int    `json:"matched_count"`
	MatchedAmount string `json:"matched_amount"`
	TotalAmount   string `json:"total_amount"`

	ByOutcome          []OutcomeRow  `json:"by_outcome"`
	ByHopDepth         []HopDepthRow `json:"by_hop_depth"`
	ByTerminalCategory []CategoryRow `json:"by_terminal_category"`

	Exemplars map[string][]model.TraceResult `json:"exemplars"`
}

// Params echoes the trace configuration for reproducibility.
type Params struct {
	RPCURL           string `json:"rpc_url"`
	TokenContract    string `json:"token_contract"`
	ProtocolContract string `json:"protocol_contract"`
	WindowBlocks     int64  `json:"window_blocks"`
	MaxHops          int    `json:"max_hops"`
	BranchWidth      int    `json:"branch_width"`
	MinAbsolute      string `json:"min_absolute"`
	MinFractionBps   int64  `json:"min_fraction_bps"`
	ExitEventCount   int    `json:"exit_event_count"`
}

type OutcomeRow struct {
	Outcome string `json:"outcome"`
	Count   int    `json:"count"`
}

type HopDepthRow struct {
	Hops  int `json:"hops"`
	Count int `json:"count"`
}

type CategoryRow struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
}

// Build assembles a Report from an aggregator summary.
func Build(runID string, params Params, s trace.Summary) *Report {
	r := &Report{
		RunID:         runID,
		GeneratedAt:   time.Now().UTC(),
		Params:        params,
		TotalExits:    s.Total,
		MatchedCount:  s.MatchedCount,
		MatchedAmount: s.MatchedAmount.String(),
		TotalAmount:   s.TotalAmount.String(),
		Exemplars:     make(map[string][]model.TraceResult, len(s.Exemplars)),
	}

	for outcome, count := range s.ByOutcome {
		r.ByOutcome = append(r.ByOutcome, OutcomeRow{Outcome: string(outcome), Count: count})
	}
	sort.Slice(r.ByOutcome, func(i, j int) bool { return r.ByOutcome[i].Outcome < r.ByOutcome[j].Outcome })

	for hops, count := range s.ByHopDepth {
		r.ByHopDepth = append(r.ByHopDepth, HopDepthRow{Hops: hops, Count: count})
	}
	sort.Slice(r.ByHopDepth, func(i, j int) bool { return r.ByHopDepth[i].Hops < r.ByHopDepth[j].Hops })

	for category, count := range s.ByTerminalCategory {
		r.ByTerminalCategory = append(r.ByTerminalCategory, CategoryRow{Category: string(category), Count: count})
	}
	sort.Slice(r.ByTerminalCategory, func(i, j int) bool {
		return r.ByTerminalCategory[i].Category < r.ByTerminalCategory[j].Category
	})

	for category, results := range s.Exemplars {
		r.Exemplars[string(category)] = results
	}
	return r
}

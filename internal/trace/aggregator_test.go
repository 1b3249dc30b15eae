package trace

import (
	"math/big"
	"sync"
	"testing"

	"github.com/stakelab/exitflow/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func matchedResult(amount int64, hops int) model.TraceResult {
	path := make([]model.Hop, hops)
	return model.TraceResult{
		Exit:             model.ExitEvent{Amount: big.NewInt(amount)},
		Matched:          true,
		Outcome:          model.OutcomeMatched,
		Hops:             path,
		TerminalCategory: model.ClassEndpointMatch,
	}
}

func negativeResult(amount int64, outcome model.Outcome, category model.Classification) model.TraceResult {
	return model.TraceResult{
		Exit:             model.ExitEvent{Amount: big.NewInt(amount)},
		Outcome:          outcome,
		TerminalCategory: category,
	}
}

func TestAggregatorCounts(t *testing.T) {
	a := NewAggregator()
	a.Record(matchedResult(500, 1))
	a.Record(matchedResult(300, 2))
	a.Record(negativeResult(200, model.OutcomeNoCandidate, model.ClassNoCandidate))
	a.Record(negativeResult(100, model.OutcomeExhausted, model.ClassUnknownContract))

	s := a.Summary()
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 2, s.MatchedCount)
	assert.Zero(t, s.MatchedAmount.Cmp(big.NewInt(800)))
	assert.Zero(t, s.TotalAmount.Cmp(big.NewInt(1100)))
	assert.Equal(t, 2, s.ByOutcome[model.OutcomeMatched])
	assert.Equal(t, 1, s.ByOutcome[model.OutcomeNoCandidate])
	assert.Equal(t, 1, s.ByOutcome[model.OutcomeExhausted])
	assert.Equal(t, 1, s.ByHopDepth[1])
	assert.Equal(t, 1, s.ByHopDepth[2])
	assert.Equal(t, 2, s.ByTerminalCategory[model.ClassEndpointMatch])
	assert.Equal(t, 1, s.ByTerminalCategory[model.ClassUnknownContract])
}

func TestAggregatorExemplarCap(t *testing.T) {
	a := NewAggregator(WithExemplarCap(2))
	for i := 0; i < 5; i++ {
		a.Record(matchedResult(10, 1))
	}
	s := a.Summary()
	assert.Len(t, s.Exemplars[model.ClassEndpointMatch], 2)
	assert.Equal(t, 5, s.Total, "counting is unaffected by the exemplar cap")
}

func TestAggregatorSummaryIsACopy(t *testing.T) {
	a := NewAggregator()
	a.Record(matchedResult(500, 1))

	s := a.Summary()
	s.ByOutcome[model.OutcomeMatched] = 99
	s.MatchedAmount.SetInt64(0)

	fresh := a.Summary()
	assert.Equal(t, 1, fresh.ByOutcome[model.OutcomeMatched])
	assert.Zero(t, fresh.MatchedAmount.Cmp(big.NewInt(500)))
}

func TestAggregatorNilAmountTolerated(t *testing.T) {
	a := NewAggregator()
	a.Record(model.TraceResult{Outcome: model.OutcomeNoCandidate, TerminalCategory: model.ClassNoCandidate})
	s := a.Summary()
	assert.Equal(t, 1, s.Total)
	assert.Zero(t, s.TotalAmount.Sign())
}

func TestAggregatorConcurrentRecord(t *testing.T) {
	a := NewAggregator()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				a.Record(matchedResult(1, 1))
			}
		}()
	}
	wg.Wait()

	s := a.Summary()
	require.Equal(t, 800, s.Total)
	assert.Zero(t, s.MatchedAmount.Cmp(big.NewInt(800)))
}

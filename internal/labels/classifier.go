package labels

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stakelab/exitflow/internal/cache"
	"github.com/stakelab/exitflow/internal/metrics"
	"github.com/stakelab/exitflow/internal/model"
)

const defaultClassCacheEntries = 8192

// CodeProber reads deployed bytecode; "0x" means externally owned account.
type CodeProber interface {
	GetCode(ctx context.Context, address string) (string, error)
}

// Classifier resolves an address to a category. Labeled addresses resolve
// from the dataset; unlabeled ones are optionally probed for code. Results
// are memoized per run and probing is read-only.
type Classifier struct {
	labels    *Set
	prober    CodeProber
	probeCode bool
	logger    *slog.Logger
	memo      *cache.LRU[model.Address, model.Classification]
}

type ClassifierOption func(*Classifier)

// WithCodeProbe enables eth_getCode probing of unlabeled addresses to
// distinguish contracts from accounts. Off, unlabeled addresses classify as
// unknown_unclassified.
func WithCodeProbe(prober CodeProber) ClassifierOption {
	return func(c *Classifier) {
		c.prober = prober
		c.probeCode = prober != nil
	}
}

func WithClassCacheCapacity(n int) ClassifierOption {
	return func(c *Classifier) {
		if n > 0 {
			c.memo = cache.NewLRU[model.Address, model.Classification](n, 0)
		}
	}
}

func NewClassifier(labels *Set, logger *slog.Logger, opts ...ClassifierOption) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Classifier{
		labels: labels,
		logger: logger.With("component", "classifier"),
		memo:   cache.NewLRU[model.Address, model.Classification](defaultClassCacheEntries, 0),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Classify resolves addr to a Classification, memoized for the run.
func (c *Classifier) Classify(ctx context.Context, addr model.Address) (model.Classification, error) {
	if !addr.IsValid() {
		return "", fmt.Errorf("classify: invalid address %q", addr)
	}

	return c.memo.GetOrCompute(addr, func() (model.Classification, error) {
		if c.labels.IsEndpoint(addr) {
			return model.ClassEndpointMatch, nil
		}
		if _, labeled := c.labels.Lookup(addr); labeled {
			return model.ClassLabeledOther, nil
		}
		if !c.probeCode {
			return model.ClassUnknownUnclassified, nil
		}

		metrics.ClassifierProbesTotal.Inc()
		code, err := c.prober.GetCode(ctx, string(addr))
		if err != nil {
			return "", fmt.Errorf("probe code for %s: %w", addr, err)
		}
		if code == "" || code == "0x" {
			return model.ClassUnknownAccount, nil
		}
		return model.ClassUnknownContract, nil
	})
}

// Label returns the dataset name for addr, empty when unlabeled.
func (c *Classifier) Label(addr model.Address) string {
	if l, ok := c.labels.Lookup(addr); ok {
		return l.Name
	}
	return ""
}

// Invalidate drops a memoized classification so the next Classify
// recomputes it.
func (c *Classifier) Invalidate(addr model.Address) {
	c.memo.Remove(addr)
}

package filter

import (
	"context"
	"fmt"

	"github.com/infodancer/relay/internal/store"
)

// Chain runs a sequence of filters in order, propagating Ok through the
// chain; the first non-ok result stops the chain and becomes its outcome.
type Chain struct {
	name    string
	filters []Filter
}

// NewChain builds a chain from filters run in the given order.
func NewChain(name string, filters ...Filter) *Chain {
	return &Chain{name: name, filters: filters}
}

// Name identifies the chain for logging.
func (c *Chain) Name() string { return c.name }

// Run executes each filter in order. Special is the logical OR of every
// filter actually executed, matching the per-filter contract.
func (c *Chain) Run(ctx context.Context, msg store.Message) (Outcome, error) {
	var special Special
	for _, f := range c.filters {
		out, err := f.Run(ctx, msg)
		if err != nil {
			return Outcome{}, fmt.Errorf("filter %s: %w", f.Name(), err)
		}
		special = special || out.Special
		if out.Result != Ok {
			out.Special = special
			return out, nil
		}
	}
	return Outcome{Result: Ok, Special: special}, nil
}

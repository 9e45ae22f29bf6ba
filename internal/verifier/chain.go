package verifier

import "context"

// Chain tries each verifier in order and returns the first valid result.
// A permanently invalid result passes the address on to the next verifier;
// if every verifier says invalid, the last one's result is returned. A temporary
// failure or abort from a verifier stops the chain immediately, since
// neither outcome is safe to override by consulting the next verifier.
// An empty Chain classifies everything as valid-remote, the same
// default Internal gives a pure relay that delegates all address
// decisions downstream.
type Chain struct {
	verifiers []Verifier
}

// NewChain builds a Chain consulted in the given order.
func NewChain(verifiers ...Verifier) *Chain {
	return &Chain{verifiers: verifiers}
}

func (c *Chain) Name() string { return "chain" }

func (c *Chain) Verify(ctx context.Context, req Request) (Status, error) {
	if len(c.verifiers) == 0 {
		return Internal{}.Verify(ctx, req)
	}
	var last Status
	for i, v := range c.verifiers {
		status, err := v.Verify(ctx, req)
		if err != nil {
			return Status{}, err
		}
		if status.Abort || status.Temporary {
			return status, nil
		}
		if status.IsValid {
			return status, nil
		}
		last = status
		if i == len(c.verifiers)-1 {
			return last, nil
		}
	}
	return last, nil
}

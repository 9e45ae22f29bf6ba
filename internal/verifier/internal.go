package verifier

import "context"

// Internal accepts every address unconditionally and classifies it as
// remote. It is the default for a pure relay that delegates all address
// validity decisions to the downstream server.
type Internal struct{}

func (Internal) Name() string { return "internal" }

func (Internal) Verify(ctx context.Context, req Request) (Status, error) {
	return Status{
		IsValid:   true,
		IsLocal:   false,
		Recipient: req.Address,
		Address:   req.Address,
	}, nil
}

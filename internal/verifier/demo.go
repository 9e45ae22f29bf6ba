package verifier

import (
	"context"
	"strings"
)

// Demo is a fixed-answer verifier for local development and the test
// suite: any address at one of the configured local domains is
// valid-local, everything else is valid-remote. No external process or
// network call is involved.
type Demo struct {
	LocalDomains []string
}

func (Demo) Name() string { return "demo" }

func (v Demo) Verify(ctx context.Context, req Request) (Status, error) {
	_, dom, ok := strings.Cut(req.Address, "@")
	if ok {
		for _, local := range v.LocalDomains {
			if strings.EqualFold(dom, local) {
				return Status{IsValid: true, IsLocal: true, Recipient: req.Address, Address: req.Address}, nil
			}
		}
	}
	return Status{IsValid: true, IsLocal: false, Recipient: req.Address, Address: req.Address}, nil
}

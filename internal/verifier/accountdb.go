package verifier

import (
	"context"
	"fmt"
	"strings"

	"github.com/infodancer/auth/domain"
)

// AccountDatabase checks a recipient against the configured domains'
// account database (the same domain.DomainProvider/AuthRouter pair the
// ambient auth stack uses for SMTP AUTH), classifying addresses in a
// known local domain with an existing user as valid-local, an unknown user
// in a known domain or an address without "@" as invalid, and addresses in
// any other domain as valid-remote.
type AccountDatabase struct {
	Domains    domain.DomainProvider
	AuthRouter *domain.AuthRouter
}

func (AccountDatabase) Name() string { return "account-database" }

func (v AccountDatabase) Verify(ctx context.Context, req Request) (Status, error) {
	local, dom, ok := strings.Cut(req.Address, "@")
	if !ok {
		return Status{IsValid: false, Response: "501 syntax error in address", Reason: "missing @"}, nil
	}

	d := v.Domains.GetDomain(dom)
	if d == nil {
		// not one of our domains: treat as a remote recipient, let the
		// forwarder's downstream server make the final call
		return Status{IsValid: true, IsLocal: false, Recipient: req.Address, Address: req.Address}, nil
	}

	exists, err := v.AuthRouter.UserExists(ctx, req.Address)
	if err != nil {
		return Status{}, fmt.Errorf("checking account %s: %w", req.Address, err)
	}
	if !exists {
		return Status{
			IsValid:   false,
			IsLocal:   true,
			Temporary: false,
			Recipient: local,
			Response:  "550 no such user",
		}, nil
	}
	return Status{
		IsValid:   true,
		IsLocal:   true,
		Recipient: local,
		Address:   req.Address,
	}, nil
}

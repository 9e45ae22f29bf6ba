package smtp

import (
	"context"
	"fmt"

	"github.com/emersion/go-sasl"
	"github.com/infodancer/auth"
	autherrors "github.com/infodancer/auth/errors"

	"github.com/infodancer/relay/internal/oauth"
)

// AuthBackend builds a sasl.Server for a negotiated mechanism and reports
// which mechanisms it supports, so EHLO can advertise exactly what AUTH
// will accept.
type AuthBackend interface {
	Mechanisms() []string
	NewServer(ctx context.Context, mechanism string) (sasl.Server, error)
}

// backend wires the SMTP AUTH command to the ambient authentication
// stack: PLAIN/LOGIN against the account database, OAUTHBEARER against
// the configured OAuth agent.
type backend struct {
	agent      auth.AuthenticationAgent
	oauthAgent oauth.Agent
}

// NewAuthBackend builds an AuthBackend. Either dependency may be nil, in
// which case its mechanisms are not advertised.
func NewAuthBackend(agent auth.AuthenticationAgent, oauthAgent oauth.Agent) AuthBackend {
	return &backend{agent: agent, oauthAgent: oauthAgent}
}

func (b *backend) Mechanisms() []string {
	var mechs []string
	if b.agent != nil {
		mechs = append(mechs, sasl.Plain, sasl.Login)
	}
	if b.oauthAgent != nil {
		mechs = append(mechs, "OAUTHBEARER")
	}
	return mechs
}

func (b *backend) NewServer(ctx context.Context, mechanism string) (sasl.Server, error) {
	switch mechanism {
	case sasl.Plain:
		if b.agent == nil {
			return nil, fmt.Errorf("smtp: mechanism %s not available", mechanism)
		}
		return sasl.NewPlainServer(func(identity, username, password string) error {
			return b.authenticatePassword(ctx, username, password)
		}), nil
	case sasl.Login:
		if b.agent == nil {
			return nil, fmt.Errorf("smtp: mechanism %s not available", mechanism)
		}
		return sasl.NewLoginServer(func(username, password string) error {
			return b.authenticatePassword(ctx, username, password)
		}), nil
	case "OAUTHBEARER":
		if b.oauthAgent == nil {
			return nil, fmt.Errorf("smtp: mechanism %s not available", mechanism)
		}
		return sasl.NewOAuthBearerServer(func(opts sasl.OAuthBearerOptions) *sasl.OAuthBearerError {
			if _, err := b.oauthAgent.ValidateToken(ctx, opts.Token); err != nil {
				return &sasl.OAuthBearerError{Status: "invalid_token"}
			}
			return nil
		}), nil
	default:
		return nil, fmt.Errorf("smtp: unknown mechanism %s", mechanism)
	}
}

func (b *backend) authenticatePassword(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return autherrors.ErrAuthFailed
	}
	_, err := b.agent.Authenticate(ctx, username, password)
	return err
}

package filter

import (
	"context"
	"fmt"

	"github.com/infodancer/relay/internal/spamcheck"
	"github.com/infodancer/relay/internal/store"
)

// Spam adapts a spamcheck.Checker (including the rspamd-backed one) into
// the filter contract. Two modes: read-only-scanner (never modifies the
// message, only accepts/rejects/flags), and always-pass (returns Ok
// regardless of score, with a one-line diagnostic in Outcome.Response).
// Neither mode modifies the stored content or adds headers to it.
type Spam struct {
	Checker        spamcheck.Checker
	RejectThresh   float64
	TempFailThresh float64
	AlwaysPass     bool
	Hostname       string
}

func (s Spam) Name() string { return "spam:" + s.Checker.Name() }

func (s Spam) Run(ctx context.Context, msg store.Message) (Outcome, error) {
	r, err := msg.ContentReader()
	if err != nil {
		return Outcome{}, fmt.Errorf("opening content for spam check: %w", err)
	}
	defer r.Close()

	env := msg.Envelope()
	opts := spamcheck.CheckOptions{
		From:       env.From,
		Recipients: append(append([]string(nil), env.ToLocal...), env.ToRemote...),
		IP:         env.ClientAddress,
		Hostname:   s.Hostname,
		User:       env.AuthenticationID,
		QueueID:    msg.Id().String(),
	}

	result, err := s.Checker.Check(ctx, r, opts)
	if err != nil {
		return Outcome{Result: Fail, ResponseCode: 451, Response: "spam check unavailable"}, nil
	}

	if s.AlwaysPass {
		return Outcome{Result: Ok, Response: authResultHeader(s.Checker.Name(), result)}, nil
	}

	switch {
	case result.ShouldReject(s.RejectThresh):
		msg := result.RejectMessage
		if msg == "" {
			msg = "message rejected as spam"
		}
		return Outcome{Result: Fail, ResponseCode: 550, Response: msg, Reason: s.Checker.Name()}, nil
	case result.ShouldTempFail(s.TempFailThresh):
		return Outcome{Result: Fail, ResponseCode: 450, Response: "try again later", Reason: s.Checker.Name()}, nil
	default:
		return Outcome{Result: Ok, Response: authResultHeader(s.Checker.Name(), result)}, nil
	}
}

// authResultHeader renders a minimal RFC-8601 Authentication-Results-style
// diagnostic string of the form "spamcheck=<action> (<checker> score=<n>)",
// formatted directly with fmt.
func authResultHeader(checker string, r *spamcheck.CheckResult) string {
	if r == nil {
		return ""
	}
	return fmt.Sprintf("spamcheck=%s (%s score=%.2f)", r.Action, checker, r.Score)
}

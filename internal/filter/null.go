package filter

import (
	"context"

	"github.com/infodancer/relay/internal/store"
)

// Null is the trivial filter: it completes immediately with Ok and no
// side effects. Used as a configured no-op stage or a placeholder in tests.
type Null struct{}

func (Null) Name() string { return "null" }

func (Null) Run(context.Context, store.Message) (Outcome, error) {
	return Outcome{Result: Ok}, nil
}

// Exit completes immediately with a fixed, configured exit code mapped to
// a result through the same rules an ExecutableFilter applies to a real
// subprocess's exit status. Useful for testing the chain's propagation
// logic and for administratively disabling a stage without removing it
// from configuration.
type Exit struct {
	ExitCode int
	Msg      string
	Code     int
}

func (Exit) Name() string { return "exit" }

func (e Exit) Run(context.Context, store.Message) (Outcome, error) {
	return mapExitCode(e.ExitCode, e.Msg, "", e.Code, serverSideRanges), nil
}

// Package filter implements the server- and client-side message filter
// chain: pluggable processors run over a message before it is committed
// (server side) or while it is forwarded (client side), each returning one
// of ok/abandon/fail.
package filter

import (
	"context"
	"errors"

	"github.com/infodancer/relay/internal/store"
)

// Result is the tri-state outcome of running a Filter.
type Result string

const (
	// Ok means the message passed and processing should continue.
	Ok Result = "ok"
	// Abandon means the transaction is accepted but the message is
	// discarded without error reported to the submitter.
	Abandon Result = "abandon"
	// Fail means the message is rejected; Response/ResponseCode/Reason
	// carry the detail to report.
	Fail Result = "fail"
)

// Special is a side-flag a filter can raise alongside its Result. Its
// meaning depends on where the filter runs: a server-side filter uses it
// to ask the store to rescan (pick up newly-injected messages); a
// client-side filter uses it to stop scanning further destinations.
// Chain ORs the flag across the filters it runs; neither the SMTP server
// nor the forwarder acts on it.
type Special bool

// Outcome is what running a Filter produced.
type Outcome struct {
	Result       Result
	Response     string
	ResponseCode int
	Reason       string
	Special      Special
}

// ErrTimeout names a filter timeout. The filters in this package do not
// return it: Executable reports a timeout as a Fail outcome with code 450.
var ErrTimeout = errors.New("filter: timed out")

// Filter processes a single message, either a store.NewMessage not yet
// committed (the server-side chain, run before the SMTP reply) or a
// store.StoredMessage already in the spool (the client-side chain,
// consulted while forwarding). Implementations must be safe to call Run
// sequentially for many messages but need not be concurrency safe for a
// single message — the chain never runs two filters on the same message
// at once.
type Filter interface {
	// Name identifies the filter for logging and diagnostics.
	Name() string

	// Run executes the filter against the given message and returns its
	// outcome. It must respect ctx cancellation/deadline.
	Run(ctx context.Context, msg store.Message) (Outcome, error)
}

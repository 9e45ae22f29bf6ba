// Package verifier implements pluggable recipient address verification:
// classifying a RCPT/VRFY target as valid-local, valid-remote, or invalid.
package verifier

import "context"

// Command identifies which SMTP command triggered a verify request.
type Command string

const (
	CommandRcpt Command = "RCPT"
	CommandVrfy Command = "VRFY"
)

// Request carries everything a verifier needs to classify an address.
type Request struct {
	Command        Command
	Address        string
	From           string
	PeerAddr       string
	Authentication string
}

// Status is the tagged result of a verify call.
type Status struct {
	IsValid   bool
	IsLocal   bool
	Temporary bool
	Abort     bool
	Recipient string
	FullName  string
	Address   string
	Response  string
	Reason    string
}

// Verifier classifies a recipient address. Verify may block (executing an
// external program, querying a network service); callers that need
// non-blocking behavior should run it on a worker goroutine and observe
// ctx cancellation.
type Verifier interface {
	Name() string
	Verify(ctx context.Context, req Request) (Status, error)
}

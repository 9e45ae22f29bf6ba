package verifier

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/infodancer/relay/internal/ipcline"
)

// Network checks a recipient against a configured endpoint using a
// pipe-delimited request/response protocol: request
// "<addr>|<from>|<ip>|<domain>|<mech>|<extra>", response's leading numeric
// field selects the verdict: 0=local (mailbox, full-name follow), 1=remote
// (address follows), 2=permanent-reject, 3=temporary-reject, 100=abort.
type Network struct {
	Addr    string
	Timeout time.Duration
}

func (Network) Name() string { return "network" }

func (v Network) Verify(ctx context.Context, req Request) (Status, error) {
	domain := domainOf(req.Address)
	request := fmt.Sprintf("%s|%s|%s|%s|%s|", req.Address, req.From, req.PeerAddr, domain, req.Authentication)
	line, err := ipcline.Exchange(ctx, v.Addr, v.Timeout, request)
	if err != nil {
		return Status{IsValid: false, Temporary: true, Response: "450 verifier endpoint unreachable"}, nil
	}
	return parsePipeReply(line, req.Address), nil
}

func domainOf(addr string) string {
	_, dom, ok := strings.Cut(addr, "@")
	if !ok {
		return ""
	}
	return dom
}

// parsePipeReply interprets the leading numeric field of a network
// verifier's response per the codes documented on Network.
func parsePipeReply(line, address string) Status {
	fields := strings.SplitN(line, "|", 5)
	get := func(i int) string {
		if i < len(fields) {
			return fields[i]
		}
		return ""
	}
	code, err := strconv.Atoi(get(0))
	if err != nil {
		return Status{}
	}
	switch code {
	case 0:
		return Status{IsValid: true, IsLocal: true, Recipient: get(1), FullName: get(2), Address: address}
	case 1:
		return Status{IsValid: true, IsLocal: false, Address: get(1)}
	case 2:
		return Status{IsValid: false, Response: get(1), Reason: get(2)}
	case 3:
		return Status{IsValid: false, Temporary: true, Response: get(1), Reason: get(2)}
	case 100:
		return Status{Abort: true, Response: get(1), Reason: get(2)}
	default:
		return Status{}
	}
}

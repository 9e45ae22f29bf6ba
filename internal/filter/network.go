package filter

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/infodancer/relay/internal/ipcline"
	"github.com/infodancer/relay/internal/store"
)

// Network opens a line-based connection to a configured endpoint, sends the
// full content-file path, and expects a single line response of the form
// "<code> <response>\t<reason>" (reason and the tab before it are optional).
type Network struct {
	Addr       string
	Timeout    time.Duration
	ClientSide bool
	ContentDir string
}

func (n Network) Name() string { return "network:" + n.Addr }

func (n Network) Run(ctx context.Context, msg store.Message) (Outcome, error) {
	path := filepath.Join(n.ContentDir, msg.Id().ContentName())
	line, err := ipcline.Exchange(ctx, n.Addr, n.Timeout, path)
	if err != nil {
		return Outcome{Result: Fail, ResponseCode: 450, Response: "filter endpoint unreachable"}, nil
	}
	return parseNetworkReply(line), nil
}

// parseNetworkReply parses "<code> response\treason" into an Outcome.
// Code 0 (or an absent/non-numeric leading field) means Ok; otherwise the
// code's range is interpreted the same way an exit code would be.
func parseNetworkReply(line string) Outcome {
	response, reason, _ := strings.Cut(line, "\t")

	fields := strings.SplitN(response, " ", 2)
	code, err := strconv.Atoi(fields[0])
	if err != nil {
		return Outcome{Result: Ok}
	}
	text := ""
	if len(fields) > 1 {
		text = fields[1]
	}
	if code == 0 {
		return Outcome{Result: Ok}
	}
	for _, r := range serverSideRanges {
		if code >= r.lo && code <= r.hi {
			return Outcome{Result: Abandon, Special: true, Response: text, Reason: reason}
		}
	}
	return Outcome{Result: Fail, ResponseCode: code, Response: text, Reason: reason}
}

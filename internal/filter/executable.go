package filter

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/infodancer/relay/internal/store"
)

// exitRange is an inclusive range of subprocess exit codes mapped to a
// Result other than the 0/non-zero default.
type exitRange struct {
	lo, hi int
	result Result
}

// serverSideRanges and clientSideRanges implement spec's exit-code mapping:
// 0 maps to Ok unconditionally; everything inside one of these ranges maps
// to Abandon (with Special set); anything else non-zero maps to Fail.
var (
	serverSideRanges = []exitRange{{99, 102, Abandon}}
	clientSideRanges = []exitRange{{101, 103, Abandon}}
)

func mapExitCode(code int, stdout, stderr string, responseCode int, ranges []exitRange) Outcome {
	response, reason := parseMarkers(stdout)
	if code == 0 {
		return Outcome{Result: Ok}
	}
	for _, r := range ranges {
		if code >= r.lo && code <= r.hi {
			return Outcome{Result: r.result, Special: true, Response: response, Reason: reason}
		}
	}
	rc := responseCode
	if rc == 0 {
		rc = 550
	}
	if response == "" {
		response = strings.TrimSpace(stderr)
	}
	return Outcome{Result: Fail, ResponseCode: rc, Response: response, Reason: reason}
}

var markerPattern = regexp.MustCompile(`<<(.*?)>>`)

// parseMarkers extracts "<<text>>" markers from a filter's stdout: the
// first marker is the response string, the second (if present) the reason.
func parseMarkers(stdout string) (response, reason string) {
	matches := markerPattern.FindAllStringSubmatch(stdout, -1)
	if len(matches) > 0 {
		response = matches[0][1]
	}
	if len(matches) > 1 {
		reason = matches[1][1]
	}
	return response, reason
}

// Executable spawns an external program with its configured Args followed
// by the path of the message's content file as arguments, mapping its exit
// code to a Result per mapExitCode. A <<text>> marker in its stdout
// supplies the response/reason strings; a configured timeout fails the
// filter with Fail rather than leaving it hanging.
type Executable struct {
	Path       string
	Args       []string
	Timeout    time.Duration
	ClientSide bool
	ContentDir func(store.Message) string
}

func (e Executable) Name() string { return "executable:" + e.Path }

func (e Executable) Run(ctx context.Context, msg store.Message) (Outcome, error) {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	path := msg.Id().ContentName()
	if e.ContentDir != nil {
		path = filepath.Join(e.ContentDir(msg), msg.Id().ContentName())
	}
	args := append(append([]string(nil), e.Args...), path)
	cmd := exec.CommandContext(runCtx, e.Path, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if runCtx.Err() != nil {
		return Outcome{Result: Fail, ResponseCode: 450, Response: "filter timed out"}, nil
	}
	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return Outcome{}, fmt.Errorf("running %s: %w", e.Path, err)
		}
		ranges := serverSideRanges
		if e.ClientSide {
			ranges = clientSideRanges
		}
		return mapExitCode(exitErr.ExitCode(), stdout.String(), stderr.String(), 0, ranges), nil
	}
	return mapExitCode(0, stdout.String(), stderr.String(), 0, nil), nil
}

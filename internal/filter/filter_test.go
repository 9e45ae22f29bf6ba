package filter

import (
	"context"
	"testing"

	"github.com/infodancer/relay/internal/store"
)

func newTestMessage(t *testing.T, s *store.Store, toRemote []string) *store.StoredMessage {
	t.Helper()
	nm, err := s.NewMessageOp(store.NewMessageParams{From: "a@b.example", ToRemote: toRemote})
	if err != nil {
		t.Fatalf("NewMessageOp: %v", err)
	}
	if err := nm.AddContent([]byte("Subject: test\r\n\r\nbody\r\n")); err != nil {
		t.Fatalf("AddContent: %v", err)
	}
	id, err := nm.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	msg, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return msg
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestChainStopsOnFirstNonOk(t *testing.T) {
	s := newTestStore(t)
	msg := newTestMessage(t, s, nil)

	var ran []string
	recordOk := recordingFilter{name: "a", out: Outcome{Result: Ok}, log: &ran}
	recordFail := recordingFilter{name: "b", out: Outcome{Result: Fail, ResponseCode: 550}, log: &ran}
	recordNeverRuns := recordingFilter{name: "c", out: Outcome{Result: Ok}, log: &ran}

	chain := NewChain("test", recordOk, recordFail, recordNeverRuns)
	out, err := chain.Run(context.Background(), msg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Result != Fail {
		t.Fatalf("Result = %v, want Fail", out.Result)
	}
	if len(ran) != 2 {
		t.Fatalf("ran = %v, want 2 filters executed", ran)
	}
}

func TestChainPropagatesSpecial(t *testing.T) {
	s := newTestStore(t)
	msg := newTestMessage(t, s, nil)

	chain := NewChain("test",
		recordingFilter{name: "a", out: Outcome{Result: Ok, Special: true}},
		recordingFilter{name: "b", out: Outcome{Result: Ok}},
	)
	out, err := chain.Run(context.Background(), msg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !bool(out.Special) {
		t.Errorf("Special = false, want true (OR of executed children)")
	}
}

type recordingFilter struct {
	name string
	out  Outcome
	log  *[]string
}

func (r recordingFilter) Name() string { return r.name }

func (r recordingFilter) Run(ctx context.Context, msg store.Message) (Outcome, error) {
	if r.log != nil {
		*r.log = append(*r.log, r.name)
	}
	return r.out, nil
}

func TestMapExitCodeZeroIsOk(t *testing.T) {
	out := mapExitCode(0, "", "", 0, serverSideRanges)
	if out.Result != Ok {
		t.Fatalf("Result = %v, want Ok", out.Result)
	}
}

func TestMapExitCodeAbandonRange(t *testing.T) {
	out := mapExitCode(100, "<<discarded>>", "", 0, serverSideRanges)
	if out.Result != Abandon {
		t.Fatalf("Result = %v, want Abandon", out.Result)
	}
	if !bool(out.Special) {
		t.Errorf("Special = false, want true")
	}
	if out.Response != "discarded" {
		t.Errorf("Response = %q, want %q", out.Response, "discarded")
	}
}

func TestMapExitCodeOtherIsFail(t *testing.T) {
	out := mapExitCode(1, "<<rejected>><<spam>>", "", 0, serverSideRanges)
	if out.Result != Fail {
		t.Fatalf("Result = %v, want Fail", out.Result)
	}
	if out.Response != "rejected" || out.Reason != "spam" {
		t.Errorf("Response/Reason = %q/%q", out.Response, out.Reason)
	}
}

func TestParseNetworkReplySplitsResponseAndReason(t *testing.T) {
	out := parseNetworkReply("550 rejected\tspam score too high")
	if out.Result != Fail || out.ResponseCode != 550 {
		t.Fatalf("out = %+v", out)
	}
	if out.Response != "rejected" || out.Reason != "spam score too high" {
		t.Errorf("Response/Reason = %q/%q", out.Response, out.Reason)
	}
}

func TestParseNetworkReplyZeroIsOk(t *testing.T) {
	out := parseNetworkReply("0 accepted")
	if out.Result != Ok {
		t.Fatalf("Result = %v, want Ok", out.Result)
	}
}

func TestMessageIDFilterIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	msg := newTestMessage(t, s, nil)

	f := MessageID{Domain: "relay.example"}
	if _, err := f.Run(context.Background(), msg); err != nil {
		t.Fatalf("Run: %v", err)
	}
	reloaded, err := s.Get(msg.Id())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(reloaded.Envelope().Trailing) != 1 {
		t.Fatalf("Trailing = %v, want 1 header", reloaded.Envelope().Trailing)
	}

	if _, err := f.Run(context.Background(), reloaded); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	reloaded2, _ := s.Get(msg.Id())
	if len(reloaded2.Envelope().Trailing) != 1 {
		t.Fatalf("second run should not duplicate header, got %v", reloaded2.Envelope().Trailing)
	}
}

func TestSplitFilterPartitionsByDomain(t *testing.T) {
	s := newTestStore(t)
	msg := newTestMessage(t, s, []string{"a@one.example", "b@two.example"})

	f := Split{Store: s}
	out, err := f.Run(context.Background(), msg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Result != Ok {
		t.Fatalf("Result = %v, want Ok", out.Result)
	}

	ids, err := s.Ids()
	if err != nil {
		t.Fatalf("Ids: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("Ids = %v, want 2 messages after split", ids)
	}
}

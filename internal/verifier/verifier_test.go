package verifier

import (
	"context"
	"testing"
)

func TestInternalAcceptsAnyAddress(t *testing.T) {
	st, err := (Internal{}).Verify(context.Background(), Request{Address: "anyone@anywhere.example"})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !st.IsValid || st.IsLocal {
		t.Fatalf("st = %+v, want valid remote", st)
	}
}

func TestDemoClassifiesConfiguredDomainsLocal(t *testing.T) {
	v := Demo{LocalDomains: []string{"example.com"}}

	local, err := v.Verify(context.Background(), Request{Address: "bob@example.com"})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !local.IsValid || !local.IsLocal {
		t.Fatalf("local = %+v, want valid local", local)
	}

	remote, err := v.Verify(context.Background(), Request{Address: "bob@other.example"})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !remote.IsValid || remote.IsLocal {
		t.Fatalf("remote = %+v, want valid remote", remote)
	}
}

func TestParsePipeReplyValidLocal(t *testing.T) {
	st := parsePipeReply("0|bob|Bob Example", "bob@example.com")
	if !st.IsValid || !st.IsLocal || st.Temporary {
		t.Fatalf("st = %+v", st)
	}
	if st.Recipient != "bob" {
		t.Errorf("Recipient = %q", st.Recipient)
	}
}

func TestParsePipeReplyValidRemote(t *testing.T) {
	st := parsePipeReply("1|bob@example.com", "bob@example.com")
	if !st.IsValid || st.IsLocal {
		t.Fatalf("st = %+v, want valid remote", st)
	}
	if st.Address != "bob@example.com" {
		t.Errorf("Address = %q", st.Address)
	}
}

func TestParsePipeReplyTemporaryFailure(t *testing.T) {
	st := parsePipeReply("3|450 try later|lookup timeout", "bob@example.com")
	if st.IsValid || !st.Temporary {
		t.Fatalf("st = %+v, want invalid temporary", st)
	}
	if st.Reason != "lookup timeout" {
		t.Errorf("Reason = %q", st.Reason)
	}
}

func TestParsePipeReplyAbortSignalsAbort(t *testing.T) {
	st := parsePipeReply("100|shutting down", "bob@example.com")
	if !st.Abort {
		t.Fatalf("st = %+v, want Abort", st)
	}
}

func TestParsePipeReplyMissingFieldsDefaultEmpty(t *testing.T) {
	st := parsePipeReply("2", "bob@example.com")
	if st.IsValid || st.IsLocal || st.Temporary {
		t.Fatalf("st = %+v, want all-false defaults", st)
	}
}

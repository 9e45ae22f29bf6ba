package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func submit(t *testing.T, s *Store, from string, toRemote []string, content string) MessageId {
	t.Helper()
	nm, err := s.NewMessageOp(NewMessageParams{From: from, ToRemote: toRemote})
	if err != nil {
		t.Fatalf("NewMessageOp: %v", err)
	}
	if err := nm.AddContent([]byte(content)); err != nil {
		t.Fatalf("AddContent: %v", err)
	}
	id, err := nm.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return id
}

// Invariant 3: exactly one of {missing, .envelope, .envelope.busy,
// .envelope.bad} is present for any committed content.
func TestCommitProducesExactlyOneEnvelopeState(t *testing.T) {
	s := newTestStore(t)
	id := submit(t, s, "a@b.example", []string{"c@d.example"}, "hello\r\n")

	present := 0
	for _, suffix := range []string{"", ".busy", ".bad"} {
		if _, err := os.Stat(filepath.Join(s.dir, string(id)+".envelope"+suffix)); err == nil {
			present++
		}
	}
	if present != 1 {
		t.Fatalf("expected exactly one envelope state present, got %d", present)
	}
	if _, err := os.Stat(filepath.Join(s.dir, id.NewEnvelopeName())); !os.IsNotExist(err) {
		t.Fatalf(".envelope.new should not survive commit")
	}
}

func TestNewMessageNotVisibleBeforeCommit(t *testing.T) {
	s := newTestStore(t)
	nm, err := s.NewMessageOp(NewMessageParams{From: "a@b.example"})
	if err != nil {
		t.Fatalf("NewMessageOp: %v", err)
	}
	nm.AddContent([]byte("partial"))

	ids, err := s.Ids()
	if err != nil {
		t.Fatalf("Ids: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("uncommitted message should not be visible, got %v", ids)
	}

	if _, err := nm.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	ids, _ = s.Ids()
	if len(ids) != 1 {
		t.Fatalf("committed message should be visible, got %v", ids)
	}
}

func TestLockUnlockRoundTrip(t *testing.T) {
	s := newTestStore(t)
	id := submit(t, s, "a@b.example", nil, "body")

	msg, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := msg.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	// a second locker on a freshly-loaded handle must lose the race
	msg2, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get (busy): %v", err)
	}
	if err := msg2.Lock(); err != ErrAlreadyLocked {
		t.Fatalf("second Lock() = %v, want ErrAlreadyLocked", err)
	}

	if err := msg.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	ids, _ := s.Ids()
	if len(ids) != 1 {
		t.Fatalf("unlocked message should be visible again, got %v", ids)
	}
}

func TestFailMovesToBadAndAppendsReason(t *testing.T) {
	s := newTestStore(t)
	id := submit(t, s, "a@b.example", []string{"c@d.example"}, "body")

	msg, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := msg.Fail("mailbox unavailable", 550); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	ids, _ := s.Ids()
	if len(ids) != 0 {
		t.Fatalf("failed message should not appear in Ids, got %v", ids)
	}
	failures, err := s.Failures()
	if err != nil {
		t.Fatalf("Failures: %v", err)
	}
	if len(failures) != 1 || failures[0] != id {
		t.Fatalf("Failures = %v, want [%s]", failures, id)
	}

	reloaded, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get after fail: %v", err)
	}
	found := false
	for _, line := range reloaded.Envelope().Trailing {
		if line == "Reason: mailbox unavailable" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected Reason trailing header, got %v", reloaded.Envelope().Trailing)
	}
}

func TestUnfailAllRestoresNormalState(t *testing.T) {
	s := newTestStore(t)
	id := submit(t, s, "a@b.example", nil, "body")
	msg, _ := s.Get(id)
	if err := msg.Fail("temp issue", 450); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	n, err := s.UnfailAll()
	if err != nil {
		t.Fatalf("UnfailAll: %v", err)
	}
	if n != 1 {
		t.Fatalf("UnfailAll returned %d, want 1", n)
	}
	ids, _ := s.Ids()
	if len(ids) != 1 {
		t.Fatalf("message should be back in normal state, got %v", ids)
	}
}

// Invariant: edit_recipients preserves trailing headers and the endpos
// invariant, and is used for partial-success retry.
func TestEditRecipientsPreservesTrailingHeaders(t *testing.T) {
	s := newTestStore(t)
	id := submit(t, s, "a@b.example", []string{"x@remote.example", "y@remote.example"}, "body")

	msg, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	msg.envelope.Trailing = append(msg.envelope.Trailing, "X-Diagnostic: spam-checked")

	if err := msg.EditRecipients([]string{"y@remote.example"}); err != nil {
		t.Fatalf("EditRecipients: %v", err)
	}

	reloaded, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get after edit: %v", err)
	}
	if len(reloaded.Envelope().ToRemote) != 1 || reloaded.Envelope().ToRemote[0] != "y@remote.example" {
		t.Fatalf("ToRemote = %v, want [y@remote.example]", reloaded.Envelope().ToRemote)
	}
	found := false
	for _, l := range reloaded.Envelope().Trailing {
		if l == "X-Diagnostic: spam-checked" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected trailing diagnostic header preserved, got %v", reloaded.Envelope().Trailing)
	}
}

func TestDestroyRemovesBothFiles(t *testing.T) {
	s := newTestStore(t)
	id := submit(t, s, "a@b.example", nil, "body")
	msg, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := msg.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.dir, id.ContentName())); !os.IsNotExist(err) {
		t.Errorf("content file should be removed")
	}
	if _, err := os.Stat(filepath.Join(s.dir, id.EnvelopeName())); !os.IsNotExist(err) {
		t.Errorf("envelope file should be removed")
	}
}

// Invariant 1: a .content file without a matching envelope in any state is
// garbage and may be deleted on startup scan.
func TestRescanRemovesOrphanedContent(t *testing.T) {
	s := newTestStore(t)
	orphan := filepath.Join(s.dir, "orphan.content")
	if err := os.WriteFile(orphan, []byte("leftover"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	newFile := filepath.Join(s.dir, "inflight.envelope.new")
	if err := os.WriteFile(newFile, []byte("partial"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := s.Rescan(); err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Errorf("orphaned content should be removed")
	}
	if _, err := os.Stat(newFile); !os.IsNotExist(err) {
		t.Errorf("abandoned .envelope.new should be removed")
	}
}

func TestIteratorLocksWhenRequested(t *testing.T) {
	s := newTestStore(t)
	submit(t, s, "a@b.example", nil, "one")
	submit(t, s, "a@b.example", nil, "two")

	var seen []MessageId
	err := s.Iterator(context.Background(), true, func(m *StoredMessage) error {
		seen = append(seen, m.Id())
		return nil
	})
	if err != nil {
		t.Fatalf("Iterator: %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("seen = %v, want 2 messages", seen)
	}
	ids, _ := s.Ids()
	if len(ids) != 0 {
		t.Fatalf("locked messages should not appear as normal, got %v", ids)
	}
}

func TestTooBigRejectsOverLimitContent(t *testing.T) {
	s := newTestStore(t)
	s.maxSize = 4
	nm, err := s.NewMessageOp(NewMessageParams{From: "a@b.example"})
	if err != nil {
		t.Fatalf("NewMessageOp: %v", err)
	}
	if err := nm.AddContent([]byte("toolong")); err != ErrTooBig {
		t.Fatalf("AddContent = %v, want ErrTooBig", err)
	}
	nm.Rollback()
}

package delivery

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/infodancer/msgstore"

	"github.com/infodancer/relay/internal/store"
)

func locatorOver(t *testing.T, base string) MailboxLocator {
	t.Helper()
	return func(address string) (string, bool) {
		switch address {
		case "bob@example.test":
			return filepath.Join(base, "bob"), true
		case "alice@example.test":
			return filepath.Join(base, "alice"), true
		default:
			return "", false
		}
	}
}

func maildirEntryCount(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(dir, "new"))
	if err != nil {
		return 0
	}
	return len(entries)
}

func TestDeliverWritesToEachRecipientMaildir(t *testing.T) {
	base := t.TempDir()
	agent := NewAgent(locatorOver(t, base))

	env := msgstore.Envelope{
		From:       "sender@example.test",
		Recipients: []string{"bob@example.test", "bob+lists@example.test", "alice@example.test"},
	}
	err := agent.Deliver(context.Background(), env, strings.NewReader("Subject: hi\r\n\r\nbody\r\n"))
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	if n := maildirEntryCount(t, filepath.Join(base, "bob")); n != 2 {
		t.Errorf("bob maildir has %d messages, want 2 (direct + plus-addressed)", n)
	}
	if n := maildirEntryCount(t, filepath.Join(base, "alice")); n != 1 {
		t.Errorf("alice maildir has %d messages, want 1", n)
	}
}

func TestDeliverReportsUnknownRecipient(t *testing.T) {
	base := t.TempDir()
	agent := NewAgent(locatorOver(t, base))

	env := msgstore.Envelope{
		From:       "sender@example.test",
		Recipients: []string{"nobody@example.test"},
	}
	if err := agent.Deliver(context.Background(), env, strings.NewReader("body")); err == nil {
		t.Fatal("expected an error for an unresolvable recipient")
	}
}

func TestDeliverMessageSkipsWhenNoLocalRecipients(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(store.Config{Dir: dir})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	nm, err := st.NewMessageOp(store.NewMessageParams{
		From:     "sender@example.test",
		ToRemote: []string{"bob@example.test"},
	})
	if err != nil {
		t.Fatalf("NewMessageOp: %v", err)
	}
	if err := nm.AddContent([]byte("body")); err != nil {
		t.Fatalf("AddContent: %v", err)
	}
	id, err := nm.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	msg, err := st.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	agent := NewAgent(func(string) (string, bool) {
		t.Fatal("locator should not be consulted when there are no local recipients")
		return "", false
	})
	if err := agent.DeliverMessage(context.Background(), msg); err != nil {
		t.Fatalf("DeliverMessage: %v", err)
	}
}

func TestDeliverMessageDeliversLocalRecipients(t *testing.T) {
	spoolDir := t.TempDir()
	st, err := store.Open(store.Config{Dir: spoolDir})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	nm, err := st.NewMessageOp(store.NewMessageParams{
		From:    "sender@example.test",
		ToLocal: []string{"bob@example.test"},
	})
	if err != nil {
		t.Fatalf("NewMessageOp: %v", err)
	}
	if err := nm.AddContent([]byte("Subject: hi\r\n\r\nbody\r\n")); err != nil {
		t.Fatalf("AddContent: %v", err)
	}
	id, err := nm.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	msg, err := st.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	mailboxBase := t.TempDir()
	agent := NewAgent(locatorOver(t, mailboxBase))
	if err := agent.DeliverMessage(context.Background(), msg); err != nil {
		t.Fatalf("DeliverMessage: %v", err)
	}
	if n := maildirEntryCount(t, filepath.Join(mailboxBase, "bob")); n != 1 {
		t.Errorf("bob maildir has %d messages, want 1", n)
	}
}

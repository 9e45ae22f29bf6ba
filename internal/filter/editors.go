package filter

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/infodancer/relay/internal/store"
)

// MessageID adds a Message-ID trailing header to the stored message if one
// is not already present, deriving it from the message's own id so it is
// stable across retries.
type MessageID struct {
	Domain string
}

func (MessageID) Name() string { return "message-id" }

func (f MessageID) Run(ctx context.Context, msg store.Message) (Outcome, error) {
	env := msg.Envelope()
	for _, line := range env.Trailing {
		if strings.HasPrefix(strings.ToLower(line), "message-id:") {
			return Outcome{Result: Ok}, nil
		}
	}
	id := fmt.Sprintf("<%s@%s>", msg.Id().String(), f.Domain)
	if err := msg.AppendTrailing("Message-ID: " + id); err != nil {
		return Outcome{}, err
	}
	return Outcome{Result: Ok}, nil
}

// Copy duplicates the stored message's content and envelope into one or
// more sibling spool directories, for fan-out delivery paths (e.g. an
// archival copy alongside normal delivery). It does not alter the
// original message or its result.
type Copy struct {
	Dirs []string
}

func (Copy) Name() string { return "copy" }

func (c Copy) Run(ctx context.Context, msg store.Message) (Outcome, error) {
	for _, dir := range c.Dirs {
		if err := copyMessageInto(msg, dir); err != nil {
			return Outcome{}, fmt.Errorf("copying message into %s: %w", dir, err)
		}
	}
	return Outcome{Result: Ok}, nil
}

func copyMessageInto(msg store.Message, dir string) error {
	id := msg.Id()
	src, err := msg.ContentReader()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(filepath.Join(dir, id.ContentName()), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}

	env := msg.Envelope()
	body, _ := env.Marshal()
	return os.WriteFile(filepath.Join(dir, id.EnvelopeName()), body, 0o600)
}

// Split partitions a multi-recipient message's remote recipients by
// domain, rewriting the original to keep only the first domain's
// recipients and returning the remainder via the spool so the forwarder
// processes each domain as its own at-least-once unit. This runs
// synchronously against the same store the message was committed to.
type Split struct {
	Store *store.Store
}

func (Split) Name() string { return "split" }

func (s Split) Run(ctx context.Context, msg store.Message) (Outcome, error) {
	env := msg.Envelope()
	byDomain := make(map[string][]string)
	var order []string
	for _, addr := range env.ToRemote {
		domain := domainOf(addr)
		if _, ok := byDomain[domain]; !ok {
			order = append(order, domain)
		}
		byDomain[domain] = append(byDomain[domain], addr)
	}
	if len(order) <= 1 {
		return Outcome{Result: Ok}, nil
	}

	for _, domain := range order[1:] {
		if err := s.spawnSplit(msg, byDomain[domain]); err != nil {
			return Outcome{}, fmt.Errorf("splitting for domain %s: %w", domain, err)
		}
	}
	if err := msg.EditRecipients(byDomain[order[0]]); err != nil {
		return Outcome{}, fmt.Errorf("trimming original after split: %w", err)
	}
	return Outcome{Result: Ok, Special: true}, nil
}

func (s Split) spawnSplit(msg store.Message, recipients []string) error {
	env := msg.Envelope()
	r, err := msg.ContentReader()
	if err != nil {
		return err
	}
	defer r.Close()

	nm, err := s.Store.NewMessageOp(store.NewMessageParams{
		From:             env.From,
		ToRemote:         recipients,
		AuthenticationID: env.AuthenticationID,
		ClientAddress:    env.ClientAddress,
		ClientCert:       env.ClientCert,
		FromAuthIn:       env.FromAuthIn,
		FromAuthOut:      env.FromAuthOut,
		UTF8Mailboxes:    env.UTF8Mailboxes,
		BodyType:         env.BodyType,
	})
	if err != nil {
		return err
	}
	buf := make([]byte, 64*1024)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if werr := nm.AddContent(buf[:n]); werr != nil {
				nm.Rollback()
				return werr
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			nm.Rollback()
			return rerr
		}
	}
	_, err = nm.Commit()
	return err
}

func domainOf(addr string) string {
	_, domain, ok := strings.Cut(addr, "@")
	if !ok {
		return addr
	}
	return domain
}

// Delivery wraps a mailbox-delivery function as a filter stage, letting
// local delivery run as one step of the configured server-side chain
// rather than a separate post-commit phase, for deployments that want
// local recipients fully handled before the SMTP reply is sent.
type Delivery struct {
	Deliver func(ctx context.Context, msg store.Message) error
}

func (Delivery) Name() string { return "delivery" }

func (d Delivery) Run(ctx context.Context, msg store.Message) (Outcome, error) {
	if len(msg.Envelope().ToLocal) == 0 {
		return Outcome{Result: Ok}, nil
	}
	if err := d.Deliver(ctx, msg); err != nil {
		return Outcome{Result: Fail, ResponseCode: 450, Response: "local delivery failed"}, nil
	}
	return Outcome{Result: Ok}, nil
}

// Package delivery implements local mailbox delivery: fanning a stored
// message out to each local recipient's maildir.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	maildir "github.com/emersion/go-maildir"
	"github.com/infodancer/msgstore"

	"github.com/infodancer/relay/internal/store"
)

// MailboxLocator maps a canonicalized recipient address (post plus-address
// stripping) to the maildir directory it should be delivered into.
type MailboxLocator func(address string) (dir string, ok bool)

// Agent delivers messages into per-recipient maildirs. It implements
// msgstore.DeliveryAgent so it can be driven either directly or through
// code written against that interface.
type Agent struct {
	Locate MailboxLocator
}

// NewAgent returns an Agent that resolves mailboxes via locate.
func NewAgent(locate MailboxLocator) *Agent {
	return &Agent{Locate: locate}
}

// Deliver stores message for every recipient in envelope, materializing the
// content once and writing an independent maildir copy per recipient.
func (a *Agent) Deliver(ctx context.Context, envelope msgstore.Envelope, message io.Reader) error {
	data, err := io.ReadAll(message)
	if err != nil {
		return fmt.Errorf("delivery: reading message: %w", err)
	}
	var errs []error
	for _, to := range envelope.Recipients {
		if err := a.deliverOne(to, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *Agent) deliverOne(address string, data []byte) error {
	recipient := msgstore.ParseRecipient(address)
	dir, ok := a.Locate(recipient.Address)
	if !ok {
		return fmt.Errorf("delivery: no mailbox for %s", address)
	}
	md := maildir.Dir(dir)
	if err := md.Init(); err != nil {
		return fmt.Errorf("delivery: init maildir %s: %w", dir, err)
	}
	del, err := md.NewDelivery()
	if err != nil {
		return fmt.Errorf("delivery: new delivery in %s: %w", dir, err)
	}
	if _, err := del.Write(data); err != nil {
		del.Abort()
		return fmt.Errorf("delivery: writing message to %s: %w", dir, err)
	}
	if _, err := del.Close(); err != nil {
		return fmt.Errorf("delivery: closing delivery in %s: %w", dir, err)
	}
	return nil
}

// DeliverMessage adapts a store message — committed or still pending commit
// — into the msgstore.Envelope shape and delivers it to every local
// recipient. A no-op when the message has no local recipients.
func (a *Agent) DeliverMessage(ctx context.Context, msg store.Message) error {
	env := msg.Envelope()
	if len(env.ToLocal) == 0 {
		return nil
	}
	content, err := msg.ContentReader()
	if err != nil {
		return fmt.Errorf("delivery: opening content: %w", err)
	}
	defer content.Close()

	return a.Deliver(ctx, msgstore.Envelope{
		From:         env.From,
		Recipients:   env.ToLocal,
		ReceivedTime: time.Now(),
		ClientIP:     clientIP(env.ClientAddress),
	}, content)
}

func clientIP(addr string) net.IP {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	return net.ParseIP(host)
}

package forward

import (
	"context"
	"crypto/tls"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-sasl"

	"github.com/infodancer/relay/internal/filter"
	"github.com/infodancer/relay/internal/store"
)

// AuthProvider selects (and optionally disables) authentication for a
// given destination, e.g. looked up from per-domain forwarding config.
type AuthProvider func(destination string) sasl.Client

// Config wires a Drainer to its collaborators.
type Config struct {
	Hostname       string
	Store          *store.Store
	Cache          Cache
	UnreachableTTL time.Duration
	RouteFilter    *filter.Chain
	TLSConfig      *tls.Config
	Auth           AuthProvider
	DialTimeout    time.Duration
	Logger         *slog.Logger
}

// Drainer iterates the store once per pass, delivering each locked
// message to its remote recipients and recording the outcome back onto
// the store per spec: full success destroys the message, partial
// permanent rejection trims the recipient list and leaves it for the
// record, full permanent rejection quarantines it, and any transient
// failure releases the lock for a future pass.
type Drainer struct {
	cfg Config
}

func NewDrainer(cfg Config) *Drainer {
	if cfg.UnreachableTTL <= 0 {
		cfg.UnreachableTTL = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Drainer{cfg: cfg}
}

// RunPass iterates every committed message once, attempting forwarding
// for any with remote recipients.
func (d *Drainer) RunPass(ctx context.Context) error {
	return d.cfg.Store.Iterator(ctx, true, func(msg *store.StoredMessage) error {
		if err := d.deliver(ctx, msg); err != nil {
			d.cfg.Logger.Error("forward delivery error",
				slog.String("id", msg.Id().String()), slog.String("error", err.Error()))
			msg.Unlock()
		}
		return nil
	})
}

func (d *Drainer) deliver(ctx context.Context, msg *store.StoredMessage) error {
	env := msg.Envelope()

	if d.cfg.RouteFilter != nil {
		outcome, err := d.cfg.RouteFilter.Run(ctx, msg)
		if err != nil {
			return msg.Unlock()
		}
		switch outcome.Result {
		case filter.Abandon:
			return msg.Destroy()
		case filter.Fail:
			code := outcome.ResponseCode
			if code == 0 {
				code = 550
			}
			return msg.Fail(outcome.Reason, code)
		}
		env = msg.Envelope()
	}

	if len(env.ToRemote) == 0 {
		return msg.Unlock()
	}

	target := routingTarget(env)
	if unreachable, err := d.cfg.Cache.Unreachable(ctx, target); err == nil && unreachable {
		return msg.Unlock()
	}

	client, err := Dial(ctx, ClientConfig{
		Addr:      target,
		Hostname:  d.cfg.Hostname,
		TLSConfig: d.cfg.TLSConfig,
		Timeout:   d.cfg.DialTimeout,
	})
	if err != nil {
		d.cfg.Cache.MarkUnreachable(ctx, target, d.cfg.UnreachableTTL)
		return msg.Unlock()
	}
	defer client.Close()

	return d.deliverConn(ctx, msg, client, env, target)
}

// deliverConn runs the protocol exchange against an already-connected
// client, factored out of deliver so tests can drive it over a net.Pipe
// instead of a real TCP dial.
func (d *Drainer) deliverConn(ctx context.Context, msg *store.StoredMessage, client *Client, env store.Envelope, target string) error {
	if _, err := client.Ehlo(); err != nil {
		d.cfg.Cache.MarkUnreachable(ctx, target, d.cfg.UnreachableTTL)
		return msg.Unlock()
	}

	if client.SupportsStartTLS() && d.cfg.TLSConfig != nil {
		if err := client.StartTLS(); err != nil {
			return msg.Unlock()
		}
		if _, err := client.Ehlo(); err != nil {
			return msg.Unlock()
		}
	}

	if d.cfg.Auth != nil {
		if mech := d.cfg.Auth(target); mech != nil {
			if err := client.Auth(mech); err != nil {
				return msg.Unlock()
			}
		}
	}

	mailParams := mailFromParams(env)
	mailReply, err := client.MailFrom(env.From, mailParams)
	if err != nil || mailReply.Transient() {
		return msg.Unlock()
	}
	if mailReply.Permanent() {
		return msg.Fail(mailReply.Text, mailReply.Code)
	}

	var accepted, rejected []string
	transient := false
	for _, rcpt := range env.ToRemote {
		reply, err := client.RcptTo(rcpt)
		if err != nil || reply.Transient() {
			transient = true
			continue
		}
		if reply.Permanent() {
			rejected = append(rejected, rcpt)
			continue
		}
		accepted = append(accepted, rcpt)
	}

	if len(accepted) == 0 {
		client.Reset()
		if transient {
			return msg.Unlock()
		}
		return msg.Fail("all recipients rejected", 550)
	}

	content, err := msg.ContentReader()
	if err != nil {
		return msg.Unlock()
	}
	defer content.Close()

	dataReply, err := client.Data(content)
	if err != nil || !dataReply.Success() {
		return msg.Unlock()
	}

	if transient {
		return msg.Unlock()
	}
	if len(rejected) > 0 {
		if err := msg.EditRecipients(rejected); err != nil {
			d.cfg.Logger.Error("recording rejected recipients failed",
				slog.String("id", msg.Id().String()), slog.String("error", err.Error()))
		}
		return msg.Unlock()
	}
	return msg.Destroy()
}

// routingTarget picks the forwarding destination: an explicit routing
// override set by a filter, or the domain of the first remote recipient.
func routingTarget(env store.Envelope) string {
	if env.ForwardTo != "" {
		return env.ForwardTo
	}
	if len(env.ToRemote) > 0 {
		if _, dom, ok := strings.Cut(env.ToRemote[0], "@"); ok {
			return dom
		}
	}
	return ""
}

// mailFromParams builds the MAIL FROM parameter list, propagating AUTH=,
// BODY=, and SMTPUTF8 per spec.
func mailFromParams(env store.Envelope) []string {
	var params []string
	if env.AuthenticationID != "" {
		params = append(params, "AUTH="+store.EncodeXtext(env.AuthenticationID))
	}
	switch env.BodyType {
	case store.BodyEightBitMime:
		params = append(params, "BODY=8BITMIME")
	case store.BodyBinaryMime:
		params = append(params, "BODY=BINARYMIME")
	case store.BodySevenBit:
		params = append(params, "BODY=7BIT")
	}
	if env.UTF8Mailboxes {
		params = append(params, "SMTPUTF8")
	}
	return params
}

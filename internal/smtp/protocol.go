package smtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/infodancer/relay/internal/filter"
	"github.com/infodancer/relay/internal/metrics"
	"github.com/infodancer/relay/internal/server"
	"github.com/infodancer/relay/internal/store"
	"github.com/infodancer/relay/internal/verifier"
)

// Capabilities selects which ESMTP extensions a Protocol advertises.
type Capabilities struct {
	Size         int64
	EightBitMime bool
	BinaryMime   bool
	SMTPUTF8     bool
	Pipelining   bool
	Chunking     bool
	StartTLS     bool
}

// Config wires a Protocol to its collaborators.
type Config struct {
	Hostname     string
	Capabilities Capabilities
	Limits       Limits
	TLSConfig    *tls.Config
	AuthBackend  AuthBackend
	Store        *store.Store
	Verifier     verifier.Verifier
	ServerChain  *filter.Chain
	Collector    metrics.Collector
	Logger       *slog.Logger
}

// Protocol drives one SMTP connection: parses commands, runs the
// verifier per recipient, accumulates DATA/BDAT content into the store,
// and runs the server-side filter chain before replying.
type Protocol struct {
	cfg Config
}

func NewProtocol(cfg Config) *Protocol {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Collector == nil {
		cfg.Collector = &metrics.NoopCollector{}
	}
	return &Protocol{cfg: cfg}
}

// Handler returns a server.ConnectionHandler bound to this protocol,
// suitable for passing to server.Listener.
func (p *Protocol) Handler() server.ConnectionHandler {
	return func(ctx context.Context, conn *server.Connection) {
		p.Serve(ctx, conn)
	}
}

// Serve runs the command loop for one connection until QUIT, a
// protocol-fatal error, or ctx cancellation.
func (p *Protocol) Serve(ctx context.Context, conn *server.Connection) {
	logger := conn.Logger()
	sess := NewSession(PeerInfo{
		ClientAddress: conn.RemoteAddr().String(),
		ServerName:    p.cfg.Hostname,
	}, p.cfg.Limits)
	sess.SetTLSActive(conn.IsTLS())

	p.cfg.Collector.ConnectionOpened()
	defer p.cfg.Collector.ConnectionClosed()
	if sess.IsTLSActive() {
		p.cfg.Collector.TLSConnectionEstablished()
	}

	p.reply(conn, 220, p.cfg.Hostname+" ESMTP ready")
	conn.Flush()

	for sess.State() != StateEnd {
		select {
		case <-ctx.Done():
			return
		default:
		}
		conn.ResetIdleTimeout()
		conn.SetCommandTimeout()

		line, err := conn.Reader().ReadString('\n')
		if err != nil {
			if err != io.EOF {
				logger.Debug("read error", slog.String("error", err.Error()))
			}
			return
		}
		line = strings.TrimRight(line, "\r\n")

		if sess.State() == StateBdat {
			// unreachable: BDAT content is consumed by copyExactly before
			// control returns here, never via the line reader.
		}

		if err := p.dispatch(ctx, conn, sess, line); err != nil {
			logger.Debug("dispatch error", slog.String("error", err.Error()))
			return
		}
		if err := conn.Flush(); err != nil {
			return
		}
	}
}

func (p *Protocol) dispatch(ctx context.Context, conn *server.Connection, sess *Session, line string) error {
	if verb, _, _ := strings.Cut(strings.TrimSpace(line), " "); verb != "" {
		p.cfg.Collector.CommandProcessed(strings.ToUpper(verb))
	}
	switch {
	case hasVerb(line, "EHLO"):
		return p.handleEhlo(conn, sess, line)
	case hasVerb(line, "HELO"):
		return p.handleHelo(conn, sess, line)
	case hasVerb(line, "MAIL"):
		return p.handleMail(conn, sess, line)
	case hasVerb(line, "RCPT"):
		return p.handleRcpt(ctx, conn, sess, line)
	case dataPattern.MatchString(line):
		return p.handleData(ctx, conn, sess)
	case bdatPattern.MatchString(line):
		return p.handleBdat(ctx, conn, sess, line)
	case rsetPattern.MatchString(line):
		sess.ResetTransaction()
		p.reply(conn, 250, "OK")
		return nil
	case noopPattern.MatchString(line):
		p.reply(conn, 250, "OK")
		return nil
	case quitPattern.MatchString(line):
		p.reply(conn, 221, "Goodbye")
		sess.SetState(StateEnd)
		return nil
	case vrfyPattern.MatchString(line):
		p.reply(conn, 252, "cannot VRFY user, but will accept message")
		return nil
	case authPattern.MatchString(line):
		return p.handleAuth(ctx, conn, sess, line)
	case starttlsPattern.MatchString(line):
		return p.handleStartTLS(conn, sess)
	default:
		p.reply(conn, 500, "unrecognized command")
		return nil
	}
}

func hasVerb(line, verb string) bool {
	return len(line) >= len(verb) && strings.EqualFold(line[:len(verb)], verb)
}

func (p *Protocol) reply(conn *server.Connection, code int, lines ...string) {
	if len(lines) == 0 {
		lines = []string{""}
	}
	for i, l := range lines {
		sep := byte('-')
		if i == len(lines)-1 {
			sep = ' '
		}
		fmt.Fprintf(conn.Writer(), "%d%c%s\r\n", code, sep, l)
	}
}

func (p *Protocol) handleEhlo(conn *server.Connection, sess *Session, line string) error {
	m := ehloPattern.FindStringSubmatch(line)
	if m == nil {
		p.reply(conn, 501, "syntax error")
		return nil
	}
	if len(m[1]) > sess.Limits().MaxHeloDomainLen {
		p.reply(conn, 501, "domain name too long")
		return nil
	}
	sess.SetHelo(m[1])
	sess.SetState(StateIdle)

	lines := []string{p.cfg.Hostname + " Hello " + m[1] + " [" + sess.Peer().ClientAddress + "]"}
	caps := p.cfg.Capabilities
	if caps.Size > 0 {
		lines = append(lines, "SIZE "+strconv.FormatInt(caps.Size, 10))
	}
	if caps.EightBitMime {
		lines = append(lines, "8BITMIME")
	}
	if caps.BinaryMime {
		lines = append(lines, "BINARYMIME")
	}
	if caps.SMTPUTF8 {
		lines = append(lines, "SMTPUTF8")
	}
	if caps.Pipelining {
		lines = append(lines, "PIPELINING")
	}
	if caps.Chunking {
		lines = append(lines, "CHUNKING")
	}
	if caps.StartTLS && p.cfg.TLSConfig != nil && !sess.IsTLSActive() {
		lines = append(lines, "STARTTLS")
	}
	if p.cfg.AuthBackend != nil {
		if mechs := p.cfg.AuthBackend.Mechanisms(); len(mechs) > 0 &&
			(sess.IsTLSActive() || isLocalhost(hostOf(sess.Peer().ClientAddress))) {
			lines = append(lines, "AUTH "+strings.Join(mechs, " "))
		}
	}
	p.reply(conn, 250, lines...)
	return nil
}

func (p *Protocol) handleHelo(conn *server.Connection, sess *Session, line string) error {
	m := heloPattern.FindStringSubmatch(line)
	if m == nil {
		p.reply(conn, 501, "syntax error")
		return nil
	}
	if len(m[1]) > sess.Limits().MaxHeloDomainLen {
		p.reply(conn, 501, "domain name too long")
		return nil
	}
	sess.SetHelo(m[1])
	sess.SetState(StateIdle)
	p.reply(conn, 250, "Hello "+m[1]+" ["+sess.Peer().ClientAddress+"]")
	return nil
}

func (p *Protocol) handleMail(conn *server.Connection, sess *Session, line string) error {
	if sess.State() < StateIdle {
		p.reply(conn, 503, "bad sequence of commands")
		return nil
	}
	m := mailPattern.FindStringSubmatch(line)
	if m == nil {
		p.reply(conn, 501, "syntax error in MAIL command")
		return nil
	}
	addr := m[1]
	if len(addr) > sess.Limits().MaxEmailLen {
		p.reply(conn, 501, "address too long")
		return nil
	}
	sess.ResetTransaction()
	sess.from = addr
	sess.fromParams = parseParams(m[2])
	if _, ok := sess.fromParams["SMTPUTF8"]; ok {
		sess.utf8Mailboxes = true
	}
	sess.bodyType = bodyTypeFromParam(sess.fromParams["BODY"])
	sess.SetState(StateMailFrom)
	p.reply(conn, 250, "OK")
	return nil
}

func (p *Protocol) handleRcpt(ctx context.Context, conn *server.Connection, sess *Session, line string) error {
	if sess.State() < StateMailFrom {
		p.reply(conn, 503, "bad sequence of commands")
		return nil
	}
	m := rcptPattern.FindStringSubmatch(line)
	if m == nil {
		p.reply(conn, 501, "syntax error in RCPT command")
		return nil
	}
	addr := m[1]
	if len(addr) > sess.Limits().MaxEmailLen {
		p.reply(conn, 501, "address too long")
		return nil
	}
	if len(sess.toLocal)+len(sess.toRemote) >= sess.Limits().MaxRecipients {
		p.reply(conn, 452, "too many recipients")
		return nil
	}

	status, err := p.cfg.Verifier.Verify(ctx, verifier.Request{
		Command:        verifier.CommandRcpt,
		Address:        addr,
		From:           sess.from,
		PeerAddr:       sess.Peer().ClientAddress,
		Authentication: sess.AuthenticationID(),
	})
	if err != nil {
		p.reply(conn, 451, "temporary verification failure")
		return nil
	}
	if status.Abort {
		p.reply(conn, 421, "service unavailable, closing connection")
		sess.SetState(StateEnd)
		return nil
	}
	if !status.IsValid {
		code := 550
		if status.Temporary {
			code = 450
		}
		msg := status.Response
		if msg == "" {
			msg = "recipient rejected"
		}
		p.reply(conn, code, msg)
		return nil
	}

	if status.IsLocal {
		sess.toLocal = append(sess.toLocal, addr)
	} else {
		sess.toRemote = append(sess.toRemote, addr)
	}
	sess.SetState(StateGotRecipient)
	p.reply(conn, 250, "OK")
	return nil
}

func (p *Protocol) handleData(ctx context.Context, conn *server.Connection, sess *Session) error {
	if sess.State() < StateGotRecipient {
		p.reply(conn, 503, "bad sequence of commands")
		return nil
	}
	if err := p.beginMessage(sess); err != nil {
		p.reply(conn, 452, "insufficient system storage")
		return nil
	}
	sess.SetState(StateData)
	p.reply(conn, 354, "start mail input; end with <CRLF>.<CRLF>")
	if err := conn.Flush(); err != nil {
		return err
	}

	if err := readDotStuffed(conn.Reader(), sess.newMsg); err != nil {
		sess.newMsg.Rollback()
		sess.newMsg = nil
		if err == store.ErrTooBig {
			p.reply(conn, 552, "message too large")
			sess.SetState(StateGotRecipient)
			return nil
		}
		return err
	}
	return p.finishMessage(ctx, conn, sess)
}

func (p *Protocol) handleBdat(ctx context.Context, conn *server.Connection, sess *Session, line string) error {
	if sess.State() != StateGotRecipient && sess.State() != StateBdat {
		p.reply(conn, 503, "bad sequence of commands")
		return nil
	}
	m := bdatPattern.FindStringSubmatch(line)
	size, _ := strconv.ParseInt(m[1], 10, 64)
	last := m[2] != ""

	if sess.newMsg == nil {
		if err := p.beginMessage(sess); err != nil {
			p.reply(conn, 452, "insufficient system storage")
			return nil
		}
	}
	sess.SetState(StateBdat)

	if err := copyExactly(conn.Reader(), sess.newMsg, size); err != nil {
		sess.newMsg.Rollback()
		sess.newMsg = nil
		if err == store.ErrTooBig {
			p.reply(conn, 552, "message too large")
			sess.ResetTransaction()
			return nil
		}
		return err
	}

	if !last {
		p.reply(conn, 250, fmt.Sprintf("%d bytes received", size))
		return nil
	}
	return p.finishMessage(ctx, conn, sess)
}

func (p *Protocol) beginMessage(sess *Session) error {
	nm, err := p.cfg.Store.NewMessageOp(store.NewMessageParams{
		From:             sess.from,
		ToLocal:          sess.toLocal,
		ToRemote:         sess.toRemote,
		AuthenticationID: sess.AuthenticationID(),
		ClientAddress:    sess.Peer().ClientAddress,
		ClientCert:       sess.clientCertPEM,
		UTF8Mailboxes:    sess.utf8Mailboxes,
		BodyType:         sess.bodyType,
	})
	if err != nil {
		return err
	}
	sess.newMsg = nm
	return nil
}

func (p *Protocol) finishMessage(ctx context.Context, conn *server.Connection, sess *Session) error {
	sess.SetState(StateFiltering)
	nm := sess.newMsg
	size := nm.Size()
	recipientDomain := firstRecipientDomain(sess.toLocal, sess.toRemote)

	if p.cfg.ServerChain != nil {
		outcome, ferr := p.cfg.ServerChain.Run(ctx, nm)
		if ferr == nil {
			switch outcome.Result {
			case filter.Fail:
				nm.Rollback()
				sess.newMsg = nil
				code := outcome.ResponseCode
				if code == 0 {
					code = 550
				}
				p.cfg.Collector.MessageRejected(recipientDomain, outcome.Reason)
				p.reply(conn, code, outcome.Response)
				sess.ResetTransaction()
				return nil
			case filter.Abandon:
				nm.Rollback()
				sess.newMsg = nil
				p.cfg.Collector.MessageReceived(recipientDomain, size)
				p.reply(conn, 250, "OK")
				sess.ResetTransaction()
				return nil
			}
		}
	}

	id, err := nm.Commit()
	sess.newMsg = nil
	if err != nil {
		p.reply(conn, 451, "unable to queue message")
		sess.SetState(StateIdle)
		return nil
	}
	p.cfg.Collector.MessageReceived(recipientDomain, size)
	p.reply(conn, 250, "OK: queued as "+id.String())
	sess.ResetTransaction()
	return nil
}

func (p *Protocol) handleAuth(ctx context.Context, conn *server.Connection, sess *Session, line string) error {
	if sess.IsAuthenticated() {
		p.reply(conn, 503, "already authenticated")
		return nil
	}
	if sess.State() < StateIdle {
		p.reply(conn, 503, "bad sequence of commands")
		return nil
	}
	m := authPattern.FindStringSubmatch(line)
	mechanism := strings.ToUpper(m[1])
	initial := ""
	if len(m) > 2 {
		initial = m[2]
	}
	if (mechanism == "PLAIN" || mechanism == "LOGIN") && !sess.IsTLSActive() &&
		!isLocalhost(hostOf(sess.Peer().ClientAddress)) {
		p.reply(conn, 538, "encryption required for requested authentication mechanism")
		return nil
	}
	if p.cfg.AuthBackend == nil {
		p.reply(conn, 504, "unrecognized authentication type")
		return nil
	}
	srv, err := p.cfg.AuthBackend.NewServer(ctx, mechanism)
	if err != nil {
		p.reply(conn, 504, "unrecognized authentication type")
		return nil
	}

	var response []byte
	if initial != "" {
		response, err = base64.StdEncoding.DecodeString(initial)
		if err != nil {
			p.reply(conn, 501, "invalid base64 data")
			return nil
		}
	} else {
		challenge, done, serr := srv.Next(nil)
		if serr == nil && !done {
			p.reply(conn, 334, base64.StdEncoding.EncodeToString(challenge))
			if err := conn.Flush(); err != nil {
				return err
			}
			response, err = p.readAuthLine(conn)
			if err != nil {
				return err
			}
			if response == nil {
				p.reply(conn, 501, "authentication cancelled")
				return nil
			}
		}
	}

	for {
		challenge, done, serr := srv.Next(response)
		if done {
			authID := identityOf(response, mechanism)
			if serr != nil {
				p.cfg.Collector.AuthAttempt(domainOf(authID), false)
				p.reply(conn, 535, "authentication credentials invalid")
				return nil
			}
			sess.SetAuthenticated(authID)
			p.cfg.Collector.AuthAttempt(domainOf(authID), true)
			p.reply(conn, 235, "authentication successful")
			return nil
		}
		if serr != nil {
			p.cfg.Collector.AuthAttempt(domainOf(identityOf(response, mechanism)), false)
			p.reply(conn, 535, "authentication credentials invalid")
			return nil
		}
		p.reply(conn, 334, base64.StdEncoding.EncodeToString(challenge))
		if err := conn.Flush(); err != nil {
			return err
		}
		response, err = p.readAuthLine(conn)
		if err != nil {
			return err
		}
		if response == nil {
			p.reply(conn, 501, "authentication cancelled")
			return nil
		}
	}
}

// readAuthLine reads one base64-encoded continuation line. A lone "*"
// cancels the exchange per RFC 4954 and is reported as a nil response.
func (p *Protocol) readAuthLine(conn *server.Connection) ([]byte, error) {
	line, err := conn.Reader().ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "*" {
		return nil, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		return []byte{}, nil
	}
	return decoded, nil
}

func (p *Protocol) handleStartTLS(conn *server.Connection, sess *Session) error {
	if sess.IsTLSActive() {
		p.reply(conn, 503, "TLS already active")
		return nil
	}
	if p.cfg.TLSConfig == nil {
		p.reply(conn, 454, "TLS not available")
		return nil
	}
	p.reply(conn, 220, "ready to start TLS")
	if err := conn.Flush(); err != nil {
		return err
	}
	if err := conn.UpgradeToTLS(p.cfg.TLSConfig); err != nil {
		return err
	}
	sess.SetTLSActive(true)
	if tlsConn, ok := conn.Underlying().(*tls.Conn); ok {
		if certs := tlsConn.ConnectionState().PeerCertificates; len(certs) > 0 {
			sess.SetClientCert(pemEncode(certs[0]))
		}
	}
	sess.ResetToStart()
	return nil
}

func pemEncode(cert *x509.Certificate) string {
	var b strings.Builder
	pem.Encode(&b, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	return b.String()
}

func identityOf(response []byte, mechanism string) string {
	switch mechanism {
	case "PLAIN":
		parts := strings.SplitN(string(response), "\x00", 3)
		if len(parts) == 3 {
			return parts[1]
		}
	case "LOGIN":
		return string(response)
	}
	return string(response)
}

func hostOf(addr string) string {
	host, _, err := splitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func splitHostPort(addr string) (string, string, error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return addr, "", nil
	}
	return addr[:idx], addr[idx+1:], nil
}

func parseParams(raw string) map[string]string {
	params := make(map[string]string)
	fields := strings.Fields(raw)
	for _, f := range fields {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			params[strings.ToUpper(k)] = ""
			continue
		}
		params[strings.ToUpper(k)] = v
	}
	return params
}

func bodyTypeFromParam(v string) store.BodyType {
	switch strings.ToUpper(v) {
	case "8BITMIME":
		return store.BodyEightBitMime
	case "BINARYMIME":
		return store.BodyBinaryMime
	case "7BIT":
		return store.BodySevenBit
	default:
		return store.BodyUnknown
	}
}

// readDotStuffed reads CR-LF-dot-CR-LF-terminated content, removing
// dot-stuffing, and writes it to nm.
func readDotStuffed(r *bufio.Reader, nm *store.NewMessage) error {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return err
		}
		if line == ".\r\n" || line == ".\n" {
			return nil
		}
		if strings.HasPrefix(line, "..") {
			line = line[1:]
		}
		if err := nm.AddContent([]byte(line)); err != nil {
			return err
		}
	}
}

// copyExactly copies exactly n bytes from r to nm, verbatim (no
// dot-unstuffing — BDAT content is byte-exact per RFC 3030).
func copyExactly(r *bufio.Reader, nm *store.NewMessage, n int64) error {
	buf := make([]byte, 32*1024)
	var remaining = n
	for remaining > 0 {
		chunk := int64(len(buf))
		if remaining < chunk {
			chunk = remaining
		}
		read, err := io.ReadFull(r, buf[:chunk])
		remaining -= int64(read)
		if read > 0 {
			if werr := nm.AddContent(buf[:read]); werr != nil {
				return werr
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// domainOf returns the part of addr after the last "@", or "" if addr has
// none (e.g. a bare username from a LOGIN/PLAIN exchange).
func domainOf(addr string) string {
	_, dom, ok := strings.Cut(addr, "@")
	if !ok {
		return ""
	}
	return dom
}

// firstRecipientDomain picks a single domain to label a per-message metric
// with: the first local recipient's domain if any, else the first remote
// recipient's.
func firstRecipientDomain(toLocal, toRemote []string) string {
	if len(toLocal) > 0 {
		return domainOf(toLocal[0])
	}
	if len(toRemote) > 0 {
		return domainOf(toRemote[0])
	}
	return ""
}

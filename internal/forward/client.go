// Package forward implements the ForwardClient: draining the store to a
// downstream SMTP server, speaking the client half of ESMTP including
// optional STARTTLS and AUTH, and recording per-recipient outcomes back
// onto the stored message.
package forward

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
)

// ErrProtocol is returned when the remote peer's reply cannot be parsed.
var ErrProtocol = errors.New("forward: protocol error")

// Reply is one parsed (possibly multi-line) SMTP reply.
type Reply struct {
	Code int
	Text string

	lines []string
}

func (r Reply) Permanent() bool { return r.Code >= 500 }
func (r Reply) Transient() bool { return r.Code >= 400 && r.Code < 500 }
func (r Reply) Success() bool   { return r.Code >= 200 && r.Code < 300 }

// ClientConfig configures a connection to one downstream peer.
type ClientConfig struct {
	Addr      string
	Hostname  string // used as the EHLO identity
	TLSConfig *tls.Config
	Timeout   time.Duration
}

// Client drives the SMTP client protocol against one connected peer.
type Client struct {
	cfg    ClientConfig
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	caps   map[string]string
}

// Dial connects to cfg.Addr and reads the greeting.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("forward: dial %s: %w", cfg.Addr, err)
	}
	return dialFromConn(ctx, conn, cfg)
}

// dialFromConn wraps an already-established connection and reads the
// greeting, factored out of Dial so tests can drive the protocol over a
// net.Pipe instead of a real TCP dial.
func dialFromConn(_ context.Context, conn net.Conn, cfg ClientConfig) (*Client, error) {
	c := &Client{
		cfg:    cfg,
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
	}
	if _, err := c.readReply(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// Close sends QUIT (best-effort) and closes the connection.
func (c *Client) Close() error {
	fmt.Fprintf(c.writer, "QUIT\r\n")
	c.writer.Flush()
	return c.conn.Close()
}

// Ehlo sends EHLO and records the advertised capabilities.
func (c *Client) Ehlo() (Reply, error) {
	reply, lines, err := c.command("EHLO " + c.cfg.Hostname)
	if err != nil {
		return Reply{}, err
	}
	caps := make(map[string]string)
	for _, l := range lines[1:] {
		name, param, _ := strings.Cut(l, " ")
		caps[strings.ToUpper(name)] = param
	}
	c.caps = caps
	return reply, nil
}

func (c *Client) SupportsStartTLS() bool {
	_, ok := c.caps["STARTTLS"]
	return ok
}

// AuthMechanisms returns the mechanism list from the AUTH capability line.
func (c *Client) AuthMechanisms() []string {
	v, ok := c.caps["AUTH"]
	if !ok {
		return nil
	}
	return strings.Fields(v)
}

// StartTLS issues STARTTLS, upgrades the connection, and expects the
// caller to Ehlo again per protocol (capabilities must be renegotiated).
func (c *Client) StartTLS() error {
	reply, _, err := c.command("STARTTLS")
	if err != nil {
		return err
	}
	if !reply.Success() {
		return fmt.Errorf("forward: STARTTLS rejected: %d %s", reply.Code, reply.Text)
	}
	tlsConn := tls.Client(c.conn, c.cfg.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("forward: TLS handshake: %w", err)
	}
	c.conn = tlsConn
	c.reader = bufio.NewReader(tlsConn)
	c.writer = bufio.NewWriter(tlsConn)
	return nil
}

// Auth runs a full SASL client exchange using mech over AUTH.
func (c *Client) Auth(mech sasl.Client) error {
	name, initial, err := mech.Start()
	if err != nil {
		return fmt.Errorf("forward: starting auth: %w", err)
	}
	line := "AUTH " + name
	if initial != nil {
		line += " " + encodeB64(initial)
	}
	reply, _, err := c.command(line)
	if err != nil {
		return err
	}
	for {
		if reply.Success() {
			return nil
		}
		if reply.Code != 334 {
			return fmt.Errorf("forward: auth failed: %d %s", reply.Code, reply.Text)
		}
		challenge, decErr := decodeB64(reply.Text)
		if decErr != nil {
			return fmt.Errorf("forward: auth challenge decode: %w", decErr)
		}
		response, err := mech.Next(challenge)
		if err != nil {
			return fmt.Errorf("forward: auth response: %w", err)
		}
		reply, _, err = c.command(encodeB64(response))
		if err != nil {
			return err
		}
	}
}

// MailFrom sends MAIL FROM with the given ESMTP parameters (AUTH=, BODY=,
// SMTPUTF8, SIZE) appended in the order given.
func (c *Client) MailFrom(from string, params []string) (Reply, error) {
	line := "MAIL FROM:<" + from + ">"
	for _, p := range params {
		line += " " + p
	}
	reply, _, err := c.command(line)
	return reply, err
}

// RcptTo sends RCPT TO for one recipient.
func (c *Client) RcptTo(addr string) (Reply, error) {
	reply, _, err := c.command("RCPT TO:<" + addr + ">")
	return reply, err
}

// Reset sends RSET, clearing the current transaction.
func (c *Client) Reset() (Reply, error) {
	reply, _, err := c.command("RSET")
	return reply, err
}

// Data sends DATA, streams r with dot-stuffing applied, and returns the
// final reply.
func (c *Client) Data(r io.Reader) (Reply, error) {
	reply, _, err := c.command("DATA")
	if err != nil {
		return Reply{}, err
	}
	if reply.Code/100 != 3 {
		return reply, nil
	}
	if err := writeDotStuffed(c.writer, r); err != nil {
		return Reply{}, fmt.Errorf("forward: writing DATA content: %w", err)
	}
	if _, err := c.writer.WriteString(".\r\n"); err != nil {
		return Reply{}, err
	}
	if err := c.writer.Flush(); err != nil {
		return Reply{}, err
	}
	return c.readReply()
}

// Bdat sends content in a single BDAT ... LAST chunk of exactly n bytes.
func (c *Client) Bdat(r io.Reader, n int64) (Reply, error) {
	if _, err := fmt.Fprintf(c.writer, "BDAT %d LAST\r\n", n); err != nil {
		return Reply{}, err
	}
	if _, err := io.CopyN(c.writer, r, n); err != nil {
		return Reply{}, fmt.Errorf("forward: writing BDAT content: %w", err)
	}
	if err := c.writer.Flush(); err != nil {
		return Reply{}, err
	}
	return c.readReply()
}

func (c *Client) command(line string) (Reply, []string, error) {
	if _, err := fmt.Fprintf(c.writer, "%s\r\n", line); err != nil {
		return Reply{}, nil, err
	}
	if err := c.writer.Flush(); err != nil {
		return Reply{}, nil, err
	}
	reply, err := c.readReply()
	return reply, reply.lines, err
}

// readReply reads one (possibly multi-line) reply and keeps its text lines
// in Reply's unexported lines field for Ehlo's capability parsing.
func (c *Client) readReply() (Reply, error) {
	var code int
	var texts []string
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return Reply{}, fmt.Errorf("forward: reading reply: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if len(line) < 4 {
			return Reply{}, fmt.Errorf("%w: short reply %q", ErrProtocol, line)
		}
		n, err := strconv.Atoi(line[:3])
		if err != nil {
			return Reply{}, fmt.Errorf("%w: bad status %q", ErrProtocol, line)
		}
		code = n
		texts = append(texts, line[4:])
		if line[3] == ' ' {
			break
		}
	}
	r := Reply{Code: code, Text: texts[len(texts)-1]}
	r.lines = texts
	return r, nil
}

// encodeB64 follows RFC 4954: a zero-length response is sent as "=" rather
// than an empty string, which would be ambiguous with no response at all.
func encodeB64(b []byte) string {
	if len(b) == 0 {
		return "="
	}
	return base64.StdEncoding.EncodeToString(b)
}

func decodeB64(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

func writeDotStuffed(w *bufio.Writer, r io.Reader) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			if strings.HasPrefix(line, ".") {
				if _, werr := w.WriteString("."); werr != nil {
					return werr
				}
			}
			if _, werr := w.WriteString(line); werr != nil {
				return werr
			}
			if !strings.HasSuffix(line, "\n") {
				if _, werr := w.WriteString("\r\n"); werr != nil {
					return werr
				}
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

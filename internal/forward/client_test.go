package forward

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"
)

// fakePeer runs a minimal scripted SMTP server against one side of a
// net.Pipe, driven by the test.
type fakePeer struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func newFakePeer(t *testing.T, conn net.Conn) *fakePeer {
	return &fakePeer{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (p *fakePeer) send(line string) {
	p.t.Helper()
	if _, err := p.conn.Write([]byte(line + "\r\n")); err != nil {
		p.t.Fatalf("send: %v", err)
	}
}

func (p *fakePeer) expectLine() string {
	p.t.Helper()
	line, err := p.r.ReadString('\n')
	if err != nil {
		p.t.Fatalf("read: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

func dialPair(t *testing.T) (*Client, *fakePeer) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	peer := newFakePeer(t, serverConn)

	done := make(chan struct{})
	go func() {
		peer.send("220 mx.example.test ESMTP ready")
		close(done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resultCh := make(chan *Client, 1)
	errCh := make(chan error, 1)
	go func() {
		c, err := dialFromConn(ctx, clientConn, ClientConfig{Hostname: "relay.example.test"})
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- c
	}()

	<-done
	select {
	case c := <-resultCh:
		return c, peer
	case err := <-errCh:
		t.Fatalf("Dial: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
	}
	return nil, nil
}

func TestEhloParsesCapabilities(t *testing.T) {
	c, peer := dialPair(t)
	defer c.conn.Close()

	go func() {
		if line := peer.expectLine(); !strings.HasPrefix(line, "EHLO") {
			t.Errorf("line = %q, want EHLO", line)
		}
		peer.send("250-mx.example.test")
		peer.send("250-STARTTLS")
		peer.send("250 AUTH PLAIN LOGIN")
	}()

	reply, err := c.Ehlo()
	if err != nil {
		t.Fatalf("Ehlo: %v", err)
	}
	if !reply.Success() {
		t.Fatalf("reply = %+v, want success", reply)
	}
	if !c.SupportsStartTLS() {
		t.Error("expected STARTTLS capability")
	}
	mechs := c.AuthMechanisms()
	if len(mechs) != 2 || mechs[0] != "PLAIN" || mechs[1] != "LOGIN" {
		t.Errorf("AuthMechanisms = %v", mechs)
	}
}

func TestMailFromAndRcptToRoundTrip(t *testing.T) {
	c, peer := dialPair(t)
	defer c.conn.Close()

	go func() {
		peer.expectLine()
		peer.send("250 OK")
		peer.expectLine()
		peer.send("550 no such user")
	}()

	mailReply, err := c.MailFrom("sender@example.test", []string{"SMTPUTF8"})
	if err != nil {
		t.Fatalf("MailFrom: %v", err)
	}
	if !mailReply.Success() {
		t.Fatalf("mailReply = %+v, want success", mailReply)
	}

	rcptReply, err := c.RcptTo("nobody@example.test")
	if err != nil {
		t.Fatalf("RcptTo: %v", err)
	}
	if !rcptReply.Permanent() {
		t.Fatalf("rcptReply = %+v, want permanent failure", rcptReply)
	}
}

func TestDataSendsDotStuffedContentAndTerminator(t *testing.T) {
	c, peer := dialPair(t)
	defer c.conn.Close()

	var received []string
	go func() {
		peer.expectLine() // DATA
		peer.send("354 go ahead")
		for {
			line := peer.expectLine()
			received = append(received, line)
			if line == "." {
				break
			}
		}
		peer.send("250 queued")
	}()

	reply, err := c.Data(strings.NewReader("Subject: hi\r\n\r\n.leading dot\r\nbody\r\n"))
	if err != nil {
		t.Fatalf("Data: %v", err)
	}
	if !reply.Success() {
		t.Fatalf("reply = %+v, want success", reply)
	}

	want := []string{"Subject: hi", "", "..leading dot", "body", "."}
	if len(received) != len(want) {
		t.Fatalf("received = %v, want %v", received, want)
	}
	for i := range want {
		if received[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, received[i], want[i])
		}
	}
}

// Package smtp implements the server-side SMTP protocol state machine:
// command parsing, ESMTP capability negotiation, recipient verification on
// RCPT, and the DATA/BDAT content paths that feed a new message through
// the server-side filter chain before it is committed.
package smtp

import (
	"github.com/infodancer/relay/internal/store"
)

// State is a session's position in the SMTP command sequence.
type State int

const (
	StateStart State = iota
	StateIdle
	StateAuth
	StateMailFrom
	StateGotRecipient
	StateData
	StateBdat
	StateFiltering
	StateEnd
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "START"
	case StateIdle:
		return "IDLE"
	case StateAuth:
		return "AUTH"
	case StateMailFrom:
		return "MAIL_FROM"
	case StateGotRecipient:
		return "GOT_RECIPIENT"
	case StateData:
		return "DATA"
	case StateBdat:
		return "BDAT"
	case StateFiltering:
		return "FILTERING"
	case StateEnd:
		return "END"
	default:
		return "UNKNOWN"
	}
}

// Limits bounds what a session will accept, mirroring the protections the
// ambient stack already applies at the connection level (line length,
// idle time) with SMTP-transaction-specific caps layered on top.
type Limits struct {
	MaxRecipients    int
	MaxMessageSize   int64
	MaxHeloDomainLen int
	MaxEmailLen      int
}

func DefaultLimits() Limits {
	return Limits{
		MaxRecipients:    100,
		MaxMessageSize:   0,
		MaxHeloDomainLen: 255,
		MaxEmailLen:      320,
	}
}

// PeerInfo is per-connection context supplied by the listener.
type PeerInfo struct {
	ClientAddress string
	ServerName    string
}

// Session holds the mutable state of one SMTP connection between commands.
type Session struct {
	limits Limits
	peer   PeerInfo

	state State
	helo  string

	from          string
	fromParams    map[string]string
	toLocal       []string
	toRemote      []string
	bodyType      store.BodyType
	utf8Mailboxes bool

	authenticated    bool
	authenticationID string
	tlsActive        bool
	clientCertPEM    string

	bdatRemaining int64
	bdatLast      bool

	newMsg *store.NewMessage
}

// NewSession starts a fresh session in StateStart.
func NewSession(peer PeerInfo, limits Limits) *Session {
	return &Session{limits: limits, peer: peer, state: StateStart}
}

func (s *Session) Limits() Limits   { return s.limits }
func (s *Session) Peer() PeerInfo   { return s.peer }
func (s *Session) State() State     { return s.state }
func (s *Session) SetState(v State) { s.state = v }
func (s *Session) Helo() string     { return s.helo }
func (s *Session) SetHelo(v string) { s.helo = v }

func (s *Session) IsAuthenticated() bool    { return s.authenticated }
func (s *Session) AuthenticationID() string { return s.authenticationID }

func (s *Session) SetAuthenticated(id string) {
	s.authenticated = true
	s.authenticationID = id
}

func (s *Session) IsTLSActive() bool        { return s.tlsActive }
func (s *Session) SetTLSActive(v bool)      { s.tlsActive = v }
func (s *Session) SetClientCert(pem string) { s.clientCertPEM = pem }

// ResetTransaction clears MAIL/RCPT/DATA state for a new transaction (RSET
// or after a completed DATA/BDAT), keeping HELO and auth state intact.
func (s *Session) ResetTransaction() {
	s.from = ""
	s.fromParams = nil
	s.toLocal = nil
	s.toRemote = nil
	s.bodyType = store.BodyUnknown
	s.utf8Mailboxes = false
	s.bdatRemaining = 0
	s.bdatLast = false
	if s.newMsg != nil {
		s.newMsg.Rollback()
		s.newMsg = nil
	}
	if s.state != StateStart {
		s.state = StateIdle
	}
}

// ResetToStart resets the whole session after STARTTLS, per the protocol
// rule that capability advertisement must repeat post-upgrade.
func (s *Session) ResetToStart() {
	s.ResetTransaction()
	s.helo = ""
	s.state = StateStart
}

// Package store implements the relay's on-disk message spool: a directory of
// envelope+content file pairs with commit/lock/fail lifecycle transitions.
package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Message is implemented by both NewMessage (pre-commit) and StoredMessage
// (post-commit), letting the same filter.Filter run identically against a
// message before it is durable (the server-side chain, which decides
// whether it becomes durable at all) or after (the client-side chain
// consulted during forwarding).
type Message interface {
	Id() MessageId
	Envelope() Envelope
	ContentReader() (io.ReadCloser, error)
	AppendTrailing(lines ...string) error
	EditRecipients(toRemote []string) error
}

// Store provides atomic persistence and iteration over message pairs in a
// single spool directory.
type Store struct {
	dir     string
	maxSize int64
	ids     *idAllocator

	mu       sync.Mutex
	updateCh chan struct{}
	rescanCh chan struct{}
}

// Config configures a spool directory.
type Config struct {
	// Dir is the spool directory; it must already exist.
	Dir string
	// MaxSize caps content bytes accepted per message; zero means no limit.
	MaxSize int64
}

// Open validates the spool directory and returns a ready Store. It does not
// scan existing content; call Rescan or Ids lazily as needed.
func Open(cfg Config) (*Store, error) {
	info, err := os.Stat(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrStorage, cfg.Dir)
	}
	return &Store{
		dir:      cfg.Dir,
		maxSize:  cfg.MaxSize,
		ids:      newIDAllocator(),
		updateCh: make(chan struct{}),
		rescanCh: make(chan struct{}),
	}, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

func (s *Store) exists(id MessageId) bool {
	for _, suffix := range []string{"", ".new", ".busy", ".bad"} {
		if _, err := os.Stat(s.path(string(id)) + ".envelope" + suffix); err == nil {
			return true
		}
	}
	return false
}

// NewMessage represents an in-progress submission: content bytes have
// started arriving but the message is not yet durable.
type NewMessage struct {
	store    *Store
	id       MessageId
	envelope Envelope
	content  *os.File
	size     int64
	open     bool
}

// NewMessageParams seeds the envelope fields known at DATA/BDAT start —
// everything the protocol layer collected during MAIL/RCPT.
type NewMessageParams struct {
	From             string
	ToLocal          []string
	ToRemote         []string
	AuthenticationID string
	ClientAddress    string
	ClientCert       string
	FromAuthIn       string
	FromAuthOut      string
	UTF8Mailboxes    bool
	BodyType         BodyType
}

// NewMessageOp allocates a fresh MessageId and opens a content-writing
// handle. It fails with ErrStorage if the spool directory is missing or
// unwritable.
func (s *Store) NewMessageOp(params NewMessageParams) (*NewMessage, error) {
	id := s.ids.next(s.exists)
	f, err := os.OpenFile(s.path(id.ContentName()), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	nm := &NewMessage{
		store: s,
		id:    id,
		open:  true,
		envelope: Envelope{
			From:             params.From,
			ToLocal:          append([]string(nil), params.ToLocal...),
			ToRemote:         append([]string(nil), params.ToRemote...),
			AuthenticationID: params.AuthenticationID,
			ClientAddress:    params.ClientAddress,
			ClientCert:       params.ClientCert,
			FromAuthIn:       params.FromAuthIn,
			FromAuthOut:      params.FromAuthOut,
			UTF8Mailboxes:    params.UTF8Mailboxes,
			BodyType:         params.BodyType,
			EightBitContent:  params.BodyType,
			LineEndingIsCRLF: true,
		},
		content: f,
	}
	return nm, nil
}

// Id returns the allocated MessageId.
func (m *NewMessage) Id() MessageId { return m.id }

// Size returns the number of content bytes written so far.
func (m *NewMessage) Size() int64 { return m.size }

// AddContent appends bytes to the content file, enforcing the configured
// size limit.
func (m *NewMessage) AddContent(b []byte) error {
	if !m.open {
		return ErrNotOpen
	}
	if m.store.maxSize > 0 && m.size+int64(len(b)) > m.store.maxSize {
		return ErrTooBig
	}
	n, err := m.content.Write(b)
	m.size += int64(n)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// Envelope returns a copy of the envelope under construction.
func (m *NewMessage) Envelope() Envelope { return m.envelope }

// ContentReader opens a second, read-only handle on the content bytes
// written so far, for a server-side filter to inspect before Commit
// decides whether they ever become durable. Safe to call while the write
// handle is still open: the bytes are visible to any reader on the same
// host as soon as AddContent writes them.
func (m *NewMessage) ContentReader() (io.ReadCloser, error) {
	f, err := os.Open(m.store.path(m.id.ContentName()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return f, nil
}

// AppendTrailing adds free-form lines to the in-memory envelope under
// construction; Commit serializes the full envelope exactly once, so no
// separate persistence step is needed here the way StoredMessage needs one.
func (m *NewMessage) AppendTrailing(lines ...string) error {
	m.envelope.Trailing = append(m.envelope.Trailing, lines...)
	return nil
}

// EditRecipients overwrites the in-memory remote recipient list before
// Commit.
func (m *NewMessage) EditRecipients(toRemote []string) error {
	m.envelope.ToRemote = append([]string(nil), toRemote...)
	return nil
}

// Commit flushes content, writes the envelope to `<id>.envelope.new`, then
// renames it to `<id>.envelope` in a single filesystem rename — the
// atomicity boundary between invisible and durable.
func (m *NewMessage) Commit() (MessageId, error) {
	if !m.open {
		return "", ErrNotOpen
	}
	m.open = false
	if err := m.content.Sync(); err != nil {
		m.content.Close()
		return "", fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := m.content.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorage, err)
	}

	body, endpos := m.envelope.Marshal()
	m.envelope.Endpos = endpos
	newPath := m.store.path(m.id.NewEnvelopeName())
	if err := os.WriteFile(newPath, body, 0o600); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorage, err)
	}
	finalPath := m.store.path(m.id.EnvelopeName())
	if err := os.Rename(newPath, finalPath); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorage, err)
	}
	m.store.notifyUpdate()
	return m.id, nil
}

// Rollback discards the in-progress message: closes and removes the
// content file and any partial `.envelope.new`. Safe to call after a
// partially-completed Commit attempt.
func (m *NewMessage) Rollback() error {
	if m.content != nil {
		m.content.Close()
	}
	os.Remove(m.store.path(m.id.ContentName()))
	os.Remove(m.store.path(m.id.NewEnvelopeName()))
	m.open = false
	return nil
}

// StoredMessage is a committed message loaded from the spool.
type StoredMessage struct {
	store    *Store
	id       MessageId
	envelope Envelope
	state    envelopeState
}

type envelopeState int

const (
	stateNormal envelopeState = iota
	stateBusy
	stateBad
)

func (st envelopeState) suffix() string {
	switch st {
	case stateBusy:
		return ".busy"
	case stateBad:
		return ".bad"
	default:
		return ""
	}
}

// Get loads and parses the envelope for the given id.
func (s *Store) Get(id MessageId) (*StoredMessage, error) {
	for _, st := range []envelopeState{stateNormal, stateBusy, stateBad} {
		p := s.path(string(id) + ".envelope" + st.suffix())
		f, err := os.Open(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		env, err := Unmarshal(f)
		f.Close()
		if err != nil {
			return nil, err
		}
		return &StoredMessage{store: s, id: id, envelope: *env, state: st}, nil
	}
	return nil, ErrNotFound
}

// Id returns the message's id.
func (m *StoredMessage) Id() MessageId { return m.id }

// Envelope returns a copy of the parsed envelope.
func (m *StoredMessage) Envelope() Envelope { return m.envelope }

// ContentReader opens the content file for reading.
func (m *StoredMessage) ContentReader() (io.ReadCloser, error) {
	f, err := os.Open(m.store.path(m.id.ContentName()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return f, nil
}

// Lock renames the envelope to its busy state. Rename atomicity provides
// single-winner semantics across concurrent iterators, even across
// separate processes sharing the spool. Returns ErrAlreadyLocked if a
// concurrent locker won the race.
func (m *StoredMessage) Lock() error {
	if m.state != stateNormal {
		return ErrAlreadyLocked
	}
	from := m.store.path(m.id.EnvelopeName())
	to := m.store.path(m.id.BusyEnvelopeName())
	if err := os.Rename(from, to); err != nil {
		if os.IsNotExist(err) {
			return ErrAlreadyLocked
		}
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	m.state = stateBusy
	return nil
}

// Unlock releases a busy message back to normal state, e.g. after a
// transient forwarding failure.
func (m *StoredMessage) Unlock() error {
	if m.state != stateBusy {
		return nil
	}
	from := m.store.path(m.id.BusyEnvelopeName())
	to := m.store.path(m.id.EnvelopeName())
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	m.state = stateNormal
	return nil
}

// Fail appends a Reason:/ReasonCode: trailing header and renames the
// envelope (from whatever state it's currently in) to `.envelope.bad`.
func (m *StoredMessage) Fail(reason string, code int) error {
	current := m.store.path(string(m.id) + ".envelope" + m.state.suffix())
	f, err := os.OpenFile(current, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	_, werr := fmt.Fprintf(f, "Reason: %s\r\nReasonCode: %d\r\n", reason, code)
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("%w: %v", ErrStorage, werr)
	}
	if cerr != nil {
		return fmt.Errorf("%w: %v", ErrStorage, cerr)
	}
	bad := m.store.path(m.id.BadEnvelopeName())
	if err := os.Rename(current, bad); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	m.state = stateBad
	m.envelope.Trailing = append(m.envelope.Trailing,
		fmt.Sprintf("Reason: %s", reason),
		fmt.Sprintf("ReasonCode: %d", code))
	return nil
}

// Destroy removes both files of a delivered message.
func (m *StoredMessage) Destroy() error {
	current := m.store.path(string(m.id) + ".envelope" + m.state.suffix())
	os.Remove(current)
	if err := os.Remove(m.store.path(m.id.ContentName())); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	m.store.notifyUpdate()
	return nil
}

// AppendTrailing adds free-form lines after the structured block and
// persists them via the same tmp-then-rename discipline as
// EditRecipients, so a filter stage can annotate a message (e.g. add a
// Message-ID header) without disturbing the endpos invariant.
func (m *StoredMessage) AppendTrailing(lines ...string) error {
	m.envelope.Trailing = append(m.envelope.Trailing, lines...)
	body, endpos := m.envelope.Marshal()
	m.envelope.Endpos = endpos

	tmp := m.store.path(string(m.id) + ".envelope.tmp")
	if err := os.WriteFile(tmp, body, 0o600); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	target := m.store.path(string(m.id) + ".envelope" + m.state.suffix())
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// EditRecipients rewrites the envelope with a new recipient list, via
// `<id>.envelope.tmp` then rename-over-original, preserving all trailing
// free-form header lines and the endpos invariant. Used by the forwarder
// to drop already-delivered remote recipients before a retry.
func (m *StoredMessage) EditRecipients(toRemote []string) error {
	m.envelope.ToRemote = append([]string(nil), toRemote...)
	body, endpos := m.envelope.Marshal()
	m.envelope.Endpos = endpos

	tmp := m.store.path(string(m.id) + ".envelope.tmp")
	if err := os.WriteFile(tmp, body, 0o600); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	target := m.store.path(string(m.id) + ".envelope" + m.state.suffix())
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// Ids returns every normal (non-busy, non-bad) message id in the spool.
func (s *Store) Ids() ([]MessageId, error) {
	return s.list(".envelope", func(name string) bool {
		return strings.HasSuffix(name, ".envelope")
	})
}

// Failures returns every quarantined (.bad) message id in the spool.
func (s *Store) Failures() ([]MessageId, error) {
	return s.list(".envelope.bad", func(name string) bool {
		return strings.HasSuffix(name, ".envelope.bad")
	})
}

func (s *Store) list(suffix string, match func(string) bool) ([]MessageId, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	var ids []MessageId
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !match(name) {
			continue
		}
		ids = append(ids, MessageId(strings.TrimSuffix(name, suffix)))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// UnfailAll renames every `.envelope.bad` back to `.envelope`, making
// quarantined messages eligible for forwarding again.
func (s *Store) UnfailAll() (int, error) {
	ids, err := s.Failures()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		from := s.path(id.BadEnvelopeName())
		to := s.path(id.EnvelopeName())
		if err := os.Rename(from, to); err != nil {
			continue
		}
		n++
	}
	if n > 0 {
		s.notifyUpdate()
	}
	return n, nil
}

// Rescan removes orphaned content files (invariant 1: a `.content` file
// with no envelope in any state) and fires the rescan signal.
func (s *Store) Rescan() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".content") {
			continue
		}
		id := MessageId(strings.TrimSuffix(name, ".content"))
		if s.exists(id) {
			continue
		}
		os.Remove(s.path(name))
	}
	// also clean up abandoned .envelope.new files left by a crashed writer
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".envelope.new") {
			continue
		}
		os.Remove(s.path(name))
	}
	s.notifyRescan()
	return nil
}

// Updated returns a channel that receives a value whenever the store's
// contents change (commit, destroy, or unfail). Mirrors the update_signal
// broadcast consumed by the forwarder and the mailbox iterator.
func (s *Store) Updated() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateCh
}

// Rescanned returns a channel that receives a value whenever Rescan runs.
func (s *Store) Rescanned() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rescanCh
}

func (s *Store) notifyUpdate() {
	s.mu.Lock()
	old := s.updateCh
	s.updateCh = make(chan struct{})
	s.mu.Unlock()
	close(old)
}

func (s *Store) notifyRescan() {
	s.mu.Lock()
	old := s.rescanCh
	s.rescanCh = make(chan struct{})
	s.mu.Unlock()
	close(old)
}

// Iterator enumerates committed, non-bad messages. When lock is true, each
// yielded message is atomically locked before being handed to visit;
// messages that lose the lock race to a concurrent iterator are skipped.
func (s *Store) Iterator(ctx context.Context, lock bool, visit func(*StoredMessage) error) error {
	ids, err := s.Ids()
	if err != nil {
		return err
	}
	for _, id := range ids {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		msg, err := s.Get(id)
		if err != nil {
			if err == ErrNotFound {
				continue
			}
			return err
		}
		if lock {
			if err := msg.Lock(); err != nil {
				if err == ErrAlreadyLocked {
					continue
				}
				return err
			}
		}
		if err := visit(msg); err != nil {
			return err
		}
	}
	return nil
}

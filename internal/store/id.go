package store

import (
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// MessageId is an opaque, process-unique, filename-safe token identifying a
// stored message. It is embedded in both the envelope and content filenames
// and is never mutated once allocated.
type MessageId string

// String returns the filename-safe textual form of the id.
func (id MessageId) String() string {
	return string(id)
}

// ContentName returns the content filename for this id.
func (id MessageId) ContentName() string {
	return string(id) + ".content"
}

// EnvelopeName returns the committed envelope filename for this id.
func (id MessageId) EnvelopeName() string {
	return string(id) + ".envelope"
}

// NewEnvelopeName returns the in-progress envelope filename for this id.
func (id MessageId) NewEnvelopeName() string {
	return string(id) + ".envelope.new"
}

// BusyEnvelopeName returns the locked envelope filename for this id.
func (id MessageId) BusyEnvelopeName() string {
	return string(id) + ".envelope.busy"
}

// BadEnvelopeName returns the quarantined envelope filename for this id.
func (id MessageId) BadEnvelopeName() string {
	return string(id) + ".envelope.bad"
}

// idAllocator hands out MessageIds unique within this process, combining a
// wall-clock millisecond timestamp, the process id, and a monotonic counter.
// On a filename collision at creation time (another file with the candidate
// name already exists — e.g. a foreign writer, or a clock that hasn't
// advanced since the last allocation) the counter is advanced and a new
// candidate is generated.
type idAllocator struct {
	pid int
	seq atomic.Uint64
	mu  sync.Mutex
}

func newIDAllocator() *idAllocator {
	return &idAllocator{pid: os.Getpid()}
}

// next returns a fresh candidate id. exists is consulted to detect
// collisions in the destination directory; on collision the counter
// advances and a new candidate is produced.
func (a *idAllocator) next(exists func(MessageId) bool) MessageId {
	a.mu.Lock()
	defer a.mu.Unlock()

	for {
		n := a.seq.Add(1)
		ms := time.Now().UnixMilli()
		id := MessageId(fmt.Sprintf("relay.%d.%d.%d", a.pid, ms, n))
		if exists == nil || !exists(id) {
			return id
		}
	}
}

package protocol

import (
	"sync"
	"time"

	"github.com/psantana5/edgedash/pkg/models"
	"github.com/psantana5/edgedash/pkg/transport"
)

// payloadKey scopes payload ids to their sender since ids are allocated per device
type payloadKey struct {
	from string
	id   transport.PayloadID
}

// entry collects both halves of one transfer
type entry struct {
	from      string
	id        transport.PayloadID
	filename  string
	command   models.Command
	control   bool // control message seen
	path      string
	size      int64
	incoming  bool // file transfer started
	completed bool // file transfer succeeded
	startTime time.Time
	active    time.Time // last time either half made progress
}

func (e *entry) ready() bool {
	return e.control && e.completed
}

// correlationTable matches control messages to file payloads. An entry is removed by
// exactly one caller: the one whose half completes the pair, a failure, or eviction.
type correlationTable struct {
	mu      sync.Mutex
	entries map[payloadKey]*entry
	now     func() time.Time
}

func newCorrelationTable() *correlationTable {
	return &correlationTable{entries: make(map[payloadKey]*entry), now: time.Now}
}

func (t *correlationTable) getLocked(from string, id transport.PayloadID) *entry {
	k := payloadKey{from, id}
	e, ok := t.entries[k]
	if !ok {
		now := t.now()
		e = &entry{from: from, id: id, active: now, startTime: now}
		t.entries[k] = e
	}
	return e
}

// claimLocked removes and returns e when both halves are present
func (t *correlationTable) claimLocked(e *entry) *entry {
	if !e.ready() {
		return nil
	}
	delete(t.entries, payloadKey{e.from, e.id})
	return e
}

// recordControl stores the control half, returning the entry if it completes the pair
func (t *correlationTable) recordControl(from string, id transport.PayloadID, filename string, cmd models.Command) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.getLocked(from, id)
	e.filename = filename
	e.command = cmd
	e.control = true
	e.startTime = t.now()
	return t.claimLocked(e)
}

// recordFile notes that a file transfer has started
func (t *correlationTable) recordFile(from string, id transport.PayloadID, path string, size int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.getLocked(from, id)
	e.path = path
	e.size = size
	e.incoming = true
}

// fileCompleted marks the file half done, returning the entry if it completes the pair.
// known is false when no file transfer was recorded for the id.
func (t *correlationTable) fileCompleted(from string, id transport.PayloadID) (ready *entry, known bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[payloadKey{from, id}]
	if !ok || !e.incoming {
		return nil, false
	}
	e.completed = true
	return t.claimLocked(e), true
}

// progressed refreshes an in-flight file transfer so eviction leaves it alone
func (t *correlationTable) progressed(from string, id transport.PayloadID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[payloadKey{from, id}]; ok && e.incoming && !e.completed {
		e.active = t.now()
	}
}

// drop removes an entry regardless of its state
func (t *correlationTable) drop(from string, id transport.PayloadID) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := payloadKey{from, id}
	e, ok := t.entries[k]
	if !ok {
		return nil
	}
	delete(t.entries, k)
	return e
}

// evict removes entries that have been idle for longer than ttl
func (t *correlationTable) evict(ttl time.Duration) []*entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-ttl)
	var out []*entry
	for k, e := range t.entries {
		if e.active.Before(cutoff) {
			delete(t.entries, k)
			out = append(out, e)
		}
	}
	return out
}

// inFlight returns incoming file transfers that have not completed
func (t *correlationTable) inFlight() []payloadKey {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []payloadKey
	for k, e := range t.entries {
		if e.incoming && !e.completed {
			out = append(out, k)
		}
	}
	return out
}

func (t *correlationTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

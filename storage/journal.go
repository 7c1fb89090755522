package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"marginvault/core/events"
	"marginvault/core/types"
)

var (
	journalSeqKey    = []byte("journal/seq")
	journalKeyPrefix = "journal/entry/"
)

// JournalEntry is one recorded engine event with its assigned sequence number.
type JournalEntry struct {
	Seq        uint64       `json:"seq"`
	RecordedAt time.Time    `json:"recordedAt"`
	Event      *types.Event `json:"event"`
}

// payloadEvent is implemented by engine events that carry a structured payload
// beyond their type string.
type payloadEvent interface {
	Event() *types.Event
}

// Journal is an append-only event log over a key-value backend. It implements
// the emitter interface the engines publish through, so wiring it in records
// every state transition without touching engine code.
type Journal struct {
	mu  sync.Mutex
	db  Database
	seq uint64

	nowFunc func() time.Time
}

// NewJournal opens a journal over the backend, resuming the sequence counter
// from a previous run when one is recorded.
func NewJournal(db Database) (*Journal, error) {
	if db == nil {
		return nil, fmt.Errorf("storage: nil journal backend")
	}
	j := &Journal{db: db, nowFunc: time.Now}
	if raw, err := db.Get(journalSeqKey); err == nil && len(raw) == 8 {
		j.seq = binary.BigEndian.Uint64(raw)
	}
	return j, nil
}

// SetNowFunc overrides the timestamp source. Passing nil restores the wall
// clock.
func (j *Journal) SetNowFunc(now func() time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if now == nil {
		j.nowFunc = time.Now
		return
	}
	j.nowFunc = now
}

// Emit appends the event to the journal. Implements the engines' emitter
// interface; append failures are swallowed because emission must never fail a
// settlement.
func (j *Journal) Emit(evt events.Event) {
	if j == nil || evt == nil {
		return
	}
	payload := &types.Event{Type: evt.EventType()}
	if pe, ok := evt.(payloadEvent); ok && pe.Event() != nil {
		payload = pe.Event()
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	next := j.seq + 1
	entry := JournalEntry{Seq: next, RecordedAt: j.nowFunc().UTC(), Event: payload}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := j.db.Put(entryKey(next), raw); err != nil {
		return
	}
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], next)
	if err := j.db.Put(journalSeqKey, seqBytes[:]); err != nil {
		return
	}
	j.seq = next
}

// Seq returns the sequence number of the latest recorded entry.
func (j *Journal) Seq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Entries returns the recorded entries in the inclusive sequence range
// [from, to]. A zero from starts at the first entry; a zero to ends at the
// latest.
func (j *Journal) Entries(from, to uint64) ([]JournalEntry, error) {
	if from == 0 {
		from = 1
	}
	latest := j.Seq()
	if to == 0 || to > latest {
		to = latest
	}
	out := make([]JournalEntry, 0)
	for seq := from; seq <= to; seq++ {
		raw, err := j.db.Get(entryKey(seq))
		if err != nil {
			return nil, fmt.Errorf("storage: journal entry %d: %w", seq, err)
		}
		var entry JournalEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("storage: journal entry %d: %w", seq, err)
		}
		out = append(out, entry)
	}
	return out, nil
}

func entryKey(seq uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append([]byte(journalKeyPrefix), buf[:]...)
}

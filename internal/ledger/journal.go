package ledger

import (
	"context"
	"sync"
	"time"
)

// Outcome values stored in the journal and used as metric labels.
const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// JournalEntry is one transaction attempt.
type JournalEntry struct {
	Label       string    `json:"label"`
	Attempt     int       `json:"attempt"`
	MaxAttempts int       `json:"max_attempts"`
	Endpoint    string    `json:"endpoint"`
	TxHash      string    `json:"tx_hash,omitempty"`
	Outcome     string    `json:"outcome"`
	ErrorCode   string    `json:"error_code,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Journal persists transaction attempts.
type Journal interface {
	Record(ctx context.Context, entry JournalEntry) error
}

// JournalReader lists recorded attempts, newest first. A non-positive limit
// falls back to DefaultJournalLimit.
type JournalReader interface {
	ListLatest(ctx context.Context, limit int) ([]JournalEntry, error)
}

// DefaultJournalLimit is the page size used when a reader gets no limit.
const DefaultJournalLimit = 50

// MemoryJournal keeps the most recent attempts in a bounded ring.
type MemoryJournal struct {
	mu      sync.Mutex
	limit   int
	entries []JournalEntry
}

// NewMemoryJournal returns a journal holding at most limit entries.
func NewMemoryJournal(limit int) *MemoryJournal {
	if limit <= 0 {
		limit = 1024
	}
	return &MemoryJournal{limit: limit}
}

// Record implements Journal.
func (j *MemoryJournal) Record(_ context.Context, entry JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
	if over := len(j.entries) - j.limit; over > 0 {
		j.entries = append([]JournalEntry(nil), j.entries[over:]...)
	}
	return nil
}

// ListLatest implements JournalReader.
func (j *MemoryJournal) ListLatest(_ context.Context, limit int) ([]JournalEntry, error) {
	if limit <= 0 {
		limit = DefaultJournalLimit
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if limit > len(j.entries) {
		limit = len(j.entries)
	}
	out := make([]JournalEntry, 0, limit)
	for i := len(j.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, j.entries[i])
	}
	return out, nil
}

// Package ledger keeps the append-only provenance trail of a research run.
// Records are never mutated or deleted; corrections append superseding
// records instead.
package ledger

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Record ties a claim to the source that supports it.
type Record struct {
	Seq        uint64    `json:"seq"`
	Claim      string    `json:"claim"`
	SourceURL  string    `json:"source_url"`
	Excerpt    string    `json:"excerpt,omitempty"`
	TaskID     string    `json:"task_id"`
	Supersedes uint64    `json:"supersedes,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Ledger is safe for concurrent appends. Sequence numbers are strictly
// increasing from 1 with no gaps.
type Ledger struct {
	mu      sync.Mutex
	records []Record
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{}
}

// Append adds a record and returns its sequence number.
func (l *Ledger) Append(claim, sourceURL, excerpt, taskID string) (uint64, error) {
	return l.append(claim, sourceURL, excerpt, taskID, 0)
}

// Supersede appends a correction pointing at the record it replaces. The
// old record stays in place.
func (l *Ledger) Supersede(seq uint64, claim, sourceURL, excerpt, taskID string) (uint64, error) {
	l.mu.Lock()
	known := seq >= 1 && seq <= uint64(len(l.records))
	l.mu.Unlock()
	if !known {
		return 0, fmt.Errorf("cannot supersede unknown record %d", seq)
	}
	return l.append(claim, sourceURL, excerpt, taskID, seq)
}

func (l *Ledger) append(claim, sourceURL, excerpt, taskID string, supersedes uint64) (uint64, error) {
	if strings.TrimSpace(claim) == "" {
		return 0, fmt.Errorf("claim is empty")
	}
	if strings.TrimSpace(sourceURL) == "" {
		return 0, fmt.Errorf("source url is empty")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := Record{
		Seq:        uint64(len(l.records)) + 1,
		Claim:      claim,
		SourceURL:  sourceURL,
		Excerpt:    excerpt,
		TaskID:     taskID,
		Supersedes: supersedes,
		RecordedAt: time.Now(),
	}
	l.records = append(l.records, rec)
	return rec.Seq, nil
}

// Len returns the number of records.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Snapshot returns a copy of all records in sequence order.
func (l *Ledger) Snapshot() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

// ByTask returns the records appended by the given task, in order.
func (l *Ledger) ByTask(taskID string) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Record
	for _, r := range l.records {
		if r.TaskID == taskID {
			out = append(out, r)
		}
	}
	return out
}

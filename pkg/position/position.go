// Package position records solved tag positions, and feeds ranges to the solver.
package position

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// A Record is one solved position of a subject.
type Record struct {
	Subject string    `json:"subject"`
	Time    time.Time `json:"time"`
	X       float64   `json:"x"`
	Y       float64   `json:"y"`
}

func (r Record) String() string {
	return fmt.Sprintf("%s@%s (%.3f, %.3f)", r.Subject, r.Time.Format(time.RFC3339Nano), r.X, r.Y)
}

// A Writer stores positions.
type Writer interface {
	WritePosition(ctx context.Context, r Record) error
}

// A Reader returns the positions of subject between from and to, inclusive, ordered by time.
type Reader interface {
	QueryPositions(ctx context.Context, subject string, from, to time.Time) ([]Record, error)
}

// DefaultHistorySize bounds a History created with a size of 0.
const DefaultHistorySize = 1000

// History keeps the most recent positions in memory.
// Once full, each write drops the oldest record.
type History struct {
	lock    sync.Mutex // Protects records, next, full
	records []Record
	next    int
	full    bool
}

// NewHistory creates a History holding at most size records.
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{records: make([]Record, size)}
}

// WritePosition adds r to the history.
func (h *History) WritePosition(ctx context.Context, r Record) error {
	h.lock.Lock()
	defer h.lock.Unlock()

	h.records[h.next] = r
	h.next = (h.next + 1) % len(h.records)
	if h.next == 0 {
		h.full = true
	}
	return nil
}

// QueryPositions returns subject's records between from and to.
// A zero from or to leaves that end open.
func (h *History) QueryPositions(ctx context.Context, subject string, from, to time.Time) ([]Record, error) {
	var out []Record
	for _, r := range h.snapshot() {
		if r.Subject != subject {
			continue
		}
		if !from.IsZero() && r.Time.Before(from) {
			continue
		}
		if !to.IsZero() && r.Time.After(to) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Time.Before(out[j].Time)
	})
	return out, nil
}

// Latest returns subject's most recently written record.
func (h *History) Latest(subject string) (Record, bool) {
	records := h.snapshot()
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Subject == subject {
			return records[i], true
		}
	}
	return Record{}, false
}

// Len returns the number of records held.
func (h *History) Len() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.full {
		return len(h.records)
	}
	return h.next
}

// snapshot copies the records in write order.
func (h *History) snapshot() []Record {
	h.lock.Lock()
	defer h.lock.Unlock()

	if !h.full {
		return append([]Record(nil), h.records[:h.next]...)
	}
	out := make([]Record, 0, len(h.records))
	out = append(out, h.records[h.next:]...)
	return append(out, h.records[:h.next]...)
}

package store

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrRecordNotFound = errors.New("dispatch record not found")

// LocalTarget is the Target of jobs run by this device's own executor
const LocalTarget = "local"

// Status of a dispatch record
type Status string

const (
	StatusDispatched Status = "dispatched"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRequeued   Status = "requeued"
)

// Record tracks one dispatch of a video
type Record struct {
	ID           string    `json:"id" yaml:"id"`
	Video        string    `json:"video" yaml:"video"`
	Target       string    `json:"target" yaml:"target"`
	TargetName   string    `json:"target_name" yaml:"target_name"`
	Policy       string    `json:"policy" yaml:"policy"`
	Status       Status    `json:"status" yaml:"status"`
	EnqueuedAt   time.Time `json:"enqueued_at" yaml:"enqueued_at"`
	DispatchedAt time.Time `json:"dispatched_at" yaml:"dispatched_at"`
	FinishedAt   time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
}

// Open reports whether the record still awaits a result
func (r Record) Open() bool {
	return r.Status == StatusDispatched
}

// Turnaround is the time from enqueueing to finishing, zero while open
func (r Record) Turnaround() time.Duration {
	if r.FinishedAt.IsZero() || r.EnqueuedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.EnqueuedAt)
}

// History persists dispatch records
type History interface {
	Add(rec Record) error
	// Finish closes the most recent open record for video at target. An empty target
	// matches any target.
	Finish(video, target string, status Status, at time.Time) (Record, error)
	// List returns up to limit records, newest first. limit <= 0 returns everything.
	List(limit int) ([]Record, error)
	Close() error
}

// MemoryHistory is an in-memory History
type MemoryHistory struct {
	mu      sync.RWMutex
	records []Record
}

// NewMemoryHistory creates an empty in-memory history
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{records: make([]Record, 0)}
}

func (h *MemoryHistory) Add(rec Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, rec)
	return nil
}

func (h *MemoryHistory) Finish(video, target string, status Status, at time.Time) (Record, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := len(h.records) - 1; i >= 0; i-- {
		r := &h.records[i]
		if r.Video != video || !r.Open() || (target != "" && r.Target != target) {
			continue
		}
		r.Status = status
		r.FinishedAt = at
		return *r, nil
	}
	return Record{}, ErrRecordNotFound
}

func (h *MemoryHistory) List(limit int) ([]Record, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Record, len(h.records))
	copy(out, h.records)
	sort.SliceStable(out, func(i, j int) bool { return out[i].DispatchedAt.After(out[j].DispatchedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (h *MemoryHistory) Close() error {
	return nil
}

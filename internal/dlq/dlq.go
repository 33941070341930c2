// Package dlq implements the bounded, persistent dead-letter queue
// spec.md §4.9 describes: operations exhausted of retries land here
// keyed by a generated id, oldest evicted first once the queue is full,
// periodically flushed to disk.
//
// Only entry metadata (id, timestamp, error type, retry count, last
// error) is persisted — the original callable cannot be serialized, so
// a reloaded entry is inspectable via ListAll/Stats but not retriable
// until the producing component re-adds it with a live payload. This is
// recorded as an explicit design decision in DESIGN.md.
package dlq

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"mcpbridge/internal/events"
	"mcpbridge/pkg/logging"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Entry is one dead-lettered operation.
type Entry struct {
	ID        string
	Timestamp time.Time
	ErrorType string
	LastError string
	Retries   int

	payload func(context.Context) (interface{}, error)
}

// persistedEntry is the gob-encodable subset of Entry.
type persistedEntry struct {
	ID        string
	Timestamp time.Time
	ErrorType string
	LastError string
	Retries   int
}

// Stats summarizes queue contents.
type Stats struct {
	Total       int
	ByErrorType map[string]int
}

// Queue is a bounded, singly-owned dead-letter store.
type Queue struct {
	mu      sync.Mutex
	maxSize int
	order   []string
	entries map[string]*Entry

	persistPath string
	bus         *events.Bus

	cronSched *cron.Cron
	cronID    cron.EntryID
}

// NewQueue constructs a Queue. maxSize <= 0 means unbounded.
func NewQueue(maxSize int, persistPath string, bus *events.Bus) *Queue {
	return &Queue{
		maxSize:     maxSize,
		entries:     make(map[string]*Entry),
		persistPath: persistPath,
		bus:         bus,
	}
}

// Add enqueues an exhausted operation, evicting the oldest entry first
// if the queue is at capacity.
func (q *Queue) Add(errorType string, err error, payload func(context.Context) (interface{}, error)) string {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.maxSize > 0 && len(q.order) >= q.maxSize {
		oldest := q.order[0]
		q.order = q.order[1:]
		delete(q.entries, oldest)
	}

	id := uuid.New().String()
	lastError := ""
	if err != nil {
		lastError = err.Error()
	}
	q.entries[id] = &Entry{
		ID:        id,
		Timestamp: time.Now(),
		ErrorType: errorType,
		LastError: lastError,
		payload:   payload,
	}
	q.order = append(q.order, id)

	if q.bus != nil {
		q.bus.Publish(events.Event{Name: "dlq.add", Timestamp: time.Now(), Payload: map[string]interface{}{"id": id, "error_type": errorType}})
	}
	return id
}

// ListAll returns a snapshot of every entry, oldest first.
func (q *Queue) ListAll() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, 0, len(q.order))
	for _, id := range q.order {
		e := q.entries[id]
		out = append(out, *e)
	}
	return out
}

// ListByError returns entries whose ErrorType matches.
func (q *Queue) ListByError(errorType string) []Entry {
	all := q.ListAll()
	out := make([]Entry, 0, len(all))
	for _, e := range all {
		if e.ErrorType == errorType {
			out = append(out, e)
		}
	}
	return out
}

// Retry re-invokes the entry's original payload. On success the entry
// is removed; on failure Retries is incremented and LastError updated.
func (q *Queue) Retry(ctx context.Context, id string) (interface{}, error) {
	q.mu.Lock()
	entry, ok := q.entries[id]
	q.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("dlq: entry %q not found", id)
	}
	if entry.payload == nil {
		return nil, fmt.Errorf("dlq: entry %q has no retriable payload (loaded from disk)", id)
	}

	result, err := entry.payload(ctx)

	q.mu.Lock()
	defer q.mu.Unlock()
	if err != nil {
		entry.Retries++
		entry.LastError = err.Error()
		return nil, err
	}
	q.removeLocked(id)
	return result, nil
}

// Remove deletes an entry regardless of state.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[id]; !ok {
		return false
	}
	q.removeLocked(id)
	return true
}

func (q *Queue) removeLocked(id string) {
	delete(q.entries, id)
	for i, existing := range q.order {
		if existing == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

// Clear empties the queue.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = make(map[string]*Entry)
	q.order = nil
}

// Stats summarizes the queue.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	byType := make(map[string]int)
	for _, e := range q.entries {
		byType[e.ErrorType]++
	}
	return Stats{Total: len(q.entries), ByErrorType: byType}
}

// LoadFromDisk restores metadata from persistPath. A missing file is
// not an error.
func (q *Queue) LoadFromDisk() error {
	if q.persistPath == "" {
		return nil
	}
	data, err := os.ReadFile(q.persistPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var persisted []persistedEntry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&persisted); err != nil {
		return fmt.Errorf("dlq: decode %s: %w", q.persistPath, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range persisted {
		q.entries[p.ID] = &Entry{ID: p.ID, Timestamp: p.Timestamp, ErrorType: p.ErrorType, LastError: p.LastError, Retries: p.Retries}
		q.order = append(q.order, p.ID)
	}
	return nil
}

func (q *Queue) persist() error {
	if q.persistPath == "" {
		return nil
	}

	q.mu.Lock()
	persisted := make([]persistedEntry, 0, len(q.order))
	for _, id := range q.order {
		e := q.entries[id]
		persisted = append(persisted, persistedEntry{ID: e.ID, Timestamp: e.Timestamp, ErrorType: e.ErrorType, LastError: e.LastError, Retries: e.Retries})
	}
	q.mu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(persisted); err != nil {
		return fmt.Errorf("dlq: encode: %w", err)
	}

	tmp := q.persistPath + ".tmp"
	if err := os.MkdirAll(filepath.Dir(q.persistPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.persistPath)
}

// StartPersistence schedules a flush to disk every 60 seconds.
func (q *Queue) StartPersistence() {
	q.cronSched = cron.New()
	id, err := q.cronSched.AddFunc("@every 60s", func() {
		if err := q.persist(); err != nil {
			logging.Error("dlq", err, "periodic persistence failed")
		}
	})
	if err != nil {
		logging.Error("dlq", err, "failed to schedule persistence")
		return
	}
	q.cronID = id
	q.cronSched.Start()
}

// Stop stops periodic persistence and flushes once more.
func (q *Queue) Stop() {
	if q.cronSched != nil {
		q.cronSched.Stop()
	}
	if err := q.persist(); err != nil {
		logging.Error("dlq", err, "final persistence failed")
	}
}

// Package ledger is the durable pending-write ledger: one record per
// optimistically created entity, surviving reloads, driving retry
// scheduling. A record is deleted only when the corresponding entity is
// confirmed committed.
package ledger

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Chumpton/world-of-ideas-sub001/internal/entity"
	"github.com/Chumpton/world-of-ideas-sub001/internal/localstore"
)

// Clock abstracts time so retry scheduling is testable without timers.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

type Status string

const (
	// StatusPending: waiting for a commit attempt (fresh or backed off).
	StatusPending Status = "pending"
	// StatusQueued: a commit attempt is in flight.
	StatusQueued Status = "queued"
	// StatusFailed: the immediate attempt budget is exhausted. Still
	// retryable indefinitely via the background sweep; never discarded
	// without explicit action.
	StatusFailed Status = "failed"
)

type Record struct {
	TemporaryID   string         `json:"temporaryId"`
	Kind          entity.Kind    `json:"kind"`
	CollectionKey string         `json:"collectionKey"`
	Payload       map[string]any `json:"payload"`
	Status        Status         `json:"status"`
	LastError     string         `json:"lastError"`
	Attempts      int            `json:"attempts"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
	NextAttemptAt time.Time      `json:"nextAttemptAt"`
}

type Options struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	MaxImmediate int
}

func defaultOptions(opts Options) Options {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 500 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}
	if opts.MaxImmediate <= 0 {
		opts.MaxImmediate = 4
	}
	return opts
}

type Ledger struct {
	mu    sync.Mutex
	store *localstore.Store
	clock Clock
	opts  Options
}

func New(store *localstore.Store, clock Clock, opts Options) *Ledger {
	if clock == nil {
		clock = SystemClock()
	}
	return &Ledger{store: store, clock: clock, opts: defaultOptions(opts)}
}

// Enqueue creates the durable record for a freshly applied optimistic write.
func (l *Ledger) Enqueue(rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	rec.Status = StatusPending
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.NextAttemptAt = now
	return l.store.PutJSON(localstore.LedgerKey(rec.TemporaryID), rec)
}

// Get returns the record for a temporary id.
func (l *Ledger) Get(temporaryID string) (Record, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.get(temporaryID)
}

func (l *Ledger) get(temporaryID string) (Record, bool, error) {
	var rec Record
	found, err := l.store.GetJSON(localstore.LedgerKey(temporaryID), &rec)
	return rec, found, err
}

// MarkStatus transitions a record and persists the change.
func (l *Ledger) MarkStatus(temporaryID string, status Status, lastError string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, found, err := l.get(temporaryID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("ledger record %s not found", temporaryID)
	}
	rec.Status = status
	rec.LastError = lastError
	rec.UpdatedAt = l.clock.Now()
	return l.store.PutJSON(localstore.LedgerKey(temporaryID), rec)
}

// MarkAttempt records a failed commit attempt. While the immediate budget
// lasts the record stays pending with an exponentially backed-off next
// attempt; once exhausted it transitions to failed and is left to the sweep.
func (l *Ledger) MarkAttempt(temporaryID string, attemptErr error) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, found, err := l.get(temporaryID)
	if err != nil {
		return Record{}, err
	}
	if !found {
		return Record{}, fmt.Errorf("ledger record %s not found", temporaryID)
	}
	now := l.clock.Now()
	rec.Attempts++
	rec.UpdatedAt = now
	if attemptErr != nil {
		rec.LastError = attemptErr.Error()
	}
	if rec.Attempts >= l.opts.MaxImmediate {
		rec.Status = StatusFailed
		rec.NextAttemptAt = time.Time{}
	} else {
		rec.Status = StatusPending
		rec.NextAttemptAt = now.Add(l.backoff(rec.Attempts))
	}
	if err := l.store.PutJSON(localstore.LedgerKey(temporaryID), rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// UpdatePayload persists a rewritten payload, used when schema drift strips
// a column from the logical write.
func (l *Ledger) UpdatePayload(temporaryID string, payload map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, found, err := l.get(temporaryID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("ledger record %s not found", temporaryID)
	}
	rec.Payload = payload
	rec.UpdatedAt = l.clock.Now()
	return l.store.PutJSON(localstore.LedgerKey(temporaryID), rec)
}

// Dequeue removes a record after its entity is confirmed committed.
func (l *Ledger) Dequeue(temporaryID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.Delete(localstore.LedgerKey(temporaryID))
}

// ListRetryable returns records due for another attempt: pending records
// whose backoff has elapsed, plus failed records (picked up by the sweep).
func (l *Ledger) ListRetryable(now time.Time) ([]Record, error) {
	all, err := l.All()
	if err != nil {
		return nil, err
	}
	var due []Record
	for _, rec := range all {
		switch rec.Status {
		case StatusPending:
			if !rec.NextAttemptAt.After(now) {
				due = append(due, rec)
			}
		case StatusFailed:
			due = append(due, rec)
		}
	}
	return due, nil
}

// All returns every ledger record, oldest first.
func (l *Ledger) All() ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Record
	err := l.store.Scan(localstore.LedgerPrefix(), func(_ string, value []byte) error {
		var rec Record
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("decode ledger record: %w", err)
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Rehydrate returns all records for startup recovery. Records left queued by
// a crashed session revert to pending so they get retried.
func (l *Ledger) Rehydrate() ([]Record, error) {
	all, err := l.All()
	if err != nil {
		return nil, err
	}
	for i, rec := range all {
		if rec.Status == StatusQueued {
			if err := l.MarkStatus(rec.TemporaryID, StatusPending, rec.LastError); err != nil {
				return nil, err
			}
			all[i].Status = StatusPending
		}
	}
	return all, nil
}

func (l *Ledger) backoff(attempts int) time.Duration {
	delay := l.opts.BaseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= l.opts.MaxDelay {
			return l.opts.MaxDelay
		}
	}
	if delay > l.opts.MaxDelay {
		delay = l.opts.MaxDelay
	}
	return delay
}

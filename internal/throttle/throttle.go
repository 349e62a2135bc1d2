// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

// Package throttle tracks login attempts per client address and decides
// whether an address is blocked. The in-memory record list is authoritative;
// a RecordStore mirrors it through a single background writer.
package throttle

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/backupgate/backupgate/internal/clock"
	"github.com/backupgate/backupgate/internal/db"
	"github.com/backupgate/backupgate/internal/logging"
	"github.com/backupgate/backupgate/internal/model"
	"github.com/google/uuid"
)

// Defaults for Throttle.
const (
	DefaultMaxFailures = 3
	DefaultWindow      = time.Hour
	DefaultRetention   = 30 * 24 * time.Hour
	DefaultMaxRecords  = 10000
)

// Options configures a Throttle. Zero values select the defaults.
type Options struct {
	MaxFailures int
	Window      time.Duration
	Retention   time.Duration
	MaxRecords  int
	Clock       clock.Clock
}

// Throttle is safe for concurrent use.
type Throttle struct {
	maxFailures int
	window      time.Duration
	retention   time.Duration
	maxRecords  int
	clock       clock.Clock
	store       db.RecordStore

	mu      sync.RWMutex
	records []model.LoginRecord // oldest first

	w *writer
}

// New returns a Throttle persisting to store. store may be nil, in which case
// records live only in memory. Call Load to restore persisted state and
// Close to drain pending writes.
func New(store db.RecordStore, opts Options) *Throttle {
	t := &Throttle{
		maxFailures: opts.MaxFailures,
		window:      opts.Window,
		retention:   opts.Retention,
		maxRecords:  opts.MaxRecords,
		clock:       clock.OrSystem(opts.Clock),
		store:       store,
	}
	if t.maxFailures <= 0 {
		t.maxFailures = DefaultMaxFailures
	}
	if t.window <= 0 {
		t.window = DefaultWindow
	}
	if t.retention <= 0 {
		t.retention = DefaultRetention
	}
	if t.maxRecords <= 0 {
		t.maxRecords = DefaultMaxRecords
	}
	if store != nil {
		t.w = newWriter(store)
	}
	return t
}

// Load replaces the in-memory state with the store's records. A corrupt or
// unreadable store is logged and the throttle starts empty.
func (t *Throttle) Load(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	recs, err := t.store.LoadRecords(ctx)
	if err != nil {
		if errors.Is(err, db.ErrCorrupt) {
			logging.Warnf("login records were corrupt, starting empty: %v", err)
			return nil
		}
		return err
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Timestamp.Before(recs[j].Timestamp) })

	t.mu.Lock()
	t.records = recs
	evicted := t.evictOverflowLocked()
	t.mu.Unlock()

	if len(evicted) > 0 {
		t.w.enqueue(op{deleteIDs: evicted})
	}
	logging.Debugf("loaded %d login records", len(recs))
	return nil
}

// RecordAttempt appends an attempt and returns its ID. Persistence happens in
// the background; the call never waits on it.
func (t *Throttle) RecordAttempt(username, address string, succeeded bool) string {
	return t.RecordAttemptWithCountry(username, address, "", succeeded)
}

// RecordAttemptWithCountry is RecordAttempt with an optional country code.
func (t *Throttle) RecordAttemptWithCountry(username, address, country string, succeeded bool) string {
	rec := model.LoginRecord{
		ID:        uuid.NewString(),
		Timestamp: t.clock.Now().UTC(),
		Address:   address,
		Username:  username,
		Succeeded: succeeded,
		Country:   country,
	}.Truncate()

	t.mu.Lock()
	t.records = append(t.records, rec)
	evicted := t.evictOverflowLocked()
	t.mu.Unlock()

	t.w.enqueue(op{append: &rec, deleteIDs: evicted})
	return rec.ID
}

// Outcome is the result of Attempt.
type Outcome struct {
	ID        string // empty when Blocked
	Blocked   bool
	Succeeded bool
	Failures  int // recent failures from the address, including this attempt
}

// Attempt checks the block state of address and, unless it is blocked, runs
// check and records its result, all under one lock. Concurrent attempts from
// one address therefore never get more than MaxFailures checks per window.
// check must be quick; it holds the throttle lock.
func (t *Throttle) Attempt(username, address, country string, check func() bool) Outcome {
	now := t.clock.Now().UTC()

	t.mu.Lock()
	failures := t.failuresLocked(address, now.Add(-t.window))
	if failures >= t.maxFailures {
		t.mu.Unlock()
		return Outcome{Blocked: true, Failures: failures}
	}
	ok := check()
	rec := model.LoginRecord{
		ID:        uuid.NewString(),
		Timestamp: now,
		Address:   address,
		Username:  username,
		Succeeded: ok,
		Country:   country,
	}.Truncate()
	t.records = append(t.records, rec)
	evicted := t.evictOverflowLocked()
	t.mu.Unlock()

	t.w.enqueue(op{append: &rec, deleteIDs: evicted})
	if !ok {
		failures++
	}
	return Outcome{ID: rec.ID, Succeeded: ok, Failures: failures}
}

// evictOverflowLocked drops the oldest records beyond maxRecords and returns
// their IDs.
func (t *Throttle) evictOverflowLocked() []string {
	over := len(t.records) - t.maxRecords
	if over <= 0 {
		return nil
	}
	ids := make([]string, 0, over)
	for _, r := range t.records[:over] {
		ids = append(ids, r.ID)
	}
	t.records = append([]model.LoginRecord(nil), t.records[over:]...)
	return ids
}

// RecentFailureCount counts failed attempts from address within the window.
func (t *Throttle) RecentFailureCount(address string) int {
	cutoff := t.clock.Now().Add(-t.window)

	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.failuresLocked(address, cutoff)
}

func (t *Throttle) failuresLocked(address string, cutoff time.Time) int {
	n := 0
	for _, r := range t.records {
		if r.Address == address && !r.Succeeded && r.Timestamp.After(cutoff) {
			n++
		}
	}
	return n
}

// IsBlocked reports whether address has reached the failure threshold.
func (t *Throttle) IsBlocked(address string) bool {
	return t.RecentFailureCount(address) >= t.maxFailures
}

// MaxFailures returns the blocking threshold.
func (t *Throttle) MaxFailures() int { return t.maxFailures }

// PruneOlderThan removes records older than retention (the configured
// retention when zero) and returns how many were removed.
func (t *Throttle) PruneOlderThan(retention time.Duration) int {
	if retention <= 0 {
		retention = t.retention
	}
	cutoff := t.clock.Now().Add(-retention)

	t.mu.Lock()
	var removed []string
	kept := t.records[:0:0]
	for _, r := range t.records {
		if r.Timestamp.Before(cutoff) {
			removed = append(removed, r.ID)
			continue
		}
		kept = append(kept, r)
	}
	t.records = kept
	t.mu.Unlock()

	if len(removed) > 0 {
		t.w.enqueue(op{deleteIDs: removed})
		logging.Debugf("pruned %d login records older than %s", len(removed), retention)
	}
	return len(removed)
}

// Page returns records newest first. page is 1-based; out-of-range values are
// clamped.
func (t *Throttle) Page(page, pageSize int) model.RecordPage {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 1
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	total := len(t.records)
	out := model.RecordPage{
		Records:    []model.LoginRecord{},
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: (total + pageSize - 1) / pageSize,
	}
	start := (page - 1) * pageSize
	for i := total - 1 - start; i >= 0 && len(out.Records) < pageSize; i-- {
		out.Records = append(out.Records, t.records[i])
	}
	return out
}

// Len returns the number of records held in memory.
func (t *Throttle) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// Flush blocks until every write enqueued before the call has been attempted.
func (t *Throttle) Flush(ctx context.Context) error {
	return t.w.flush(ctx)
}

// Close drains pending writes and stops the writer. The store itself is not
// closed.
func (t *Throttle) Close(ctx context.Context) error {
	return t.w.close(ctx)
}

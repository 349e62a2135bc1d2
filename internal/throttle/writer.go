// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package throttle

import (
	"context"
	"sync"
	"time"

	"github.com/backupgate/backupgate/internal/db"
	"github.com/backupgate/backupgate/internal/logging"
	"github.com/backupgate/backupgate/internal/model"
)

const storeOpTimeout = 30 * time.Second

// op is one ordered change to mirror into the store.
type op struct {
	append    *model.LoginRecord
	deleteIDs []string
	barrier   chan struct{}
}

// writer applies ops to the store one at a time, in enqueue order. Callers
// never block on it and failures are only logged. A nil *writer is valid and
// drops everything.
type writer struct {
	store db.RecordStore

	mu      sync.Mutex
	pending []op
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

func newWriter(store db.RecordStore) *writer {
	w := &writer{
		store: store,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *writer) enqueue(o op) {
	if w == nil {
		if o.barrier != nil {
			close(o.barrier)
		}
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		if o.barrier != nil {
			close(o.barrier)
		}
		logging.Warnf("login record writer closed, dropping change")
		return
	}
	w.pending = append(w.pending, o)
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *writer) run() {
	defer close(w.done)
	for range w.wake {
		w.drain()
	}
	w.drain()
}

func (w *writer) drain() {
	for {
		w.mu.Lock()
		batch := w.pending
		w.pending = nil
		w.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		w.apply(batch)
	}
}

// apply mirrors batch into the store. Consecutive appends are coalesced into
// one store call.
func (w *writer) apply(batch []op) {
	var appends []model.LoginRecord
	flushAppends := func() {
		if len(appends) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
		defer cancel()
		if err := w.store.AppendRecords(ctx, appends...); err != nil {
			logging.Warnf("failed to persist %d login records: %v", len(appends), err)
		}
		appends = nil
	}

	for _, o := range batch {
		if o.append != nil {
			appends = append(appends, *o.append)
		}
		if len(o.deleteIDs) > 0 {
			flushAppends()
			ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
			if err := w.store.DeleteRecords(ctx, o.deleteIDs); err != nil {
				logging.Warnf("failed to delete %d login records: %v", len(o.deleteIDs), err)
			}
			cancel()
		}
		if o.barrier != nil {
			flushAppends()
			close(o.barrier)
		}
	}
	flushAppends()
}

func (w *writer) flush(ctx context.Context) error {
	if w == nil {
		return nil
	}
	barrier := make(chan struct{})
	w.enqueue(op{barrier: barrier})
	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *writer) close(ctx context.Context) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.wake)
	}
	w.mu.Unlock()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

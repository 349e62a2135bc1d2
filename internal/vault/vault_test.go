// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package vault

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/backupgate/backupgate/internal/clock"
	"github.com/backupgate/backupgate/internal/security"
)

type exportRequest struct {
	Repo       string          `cbor:"repo"`
	Archive    string          `cbor:"archive"`
	Passphrase security.Secret `cbor:"passphrase"`
}

var epoch = time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

func TestStoreAndConsumeExactlyOnce(t *testing.T) {
	v := New[exportRequest](Options{Clock: clock.NewFake(epoch)})
	in := exportRequest{Repo: "/backups/main", Archive: "host-2026-07-01", Passphrase: security.FromString("s3cret")}

	ticket, err := v.Store(in)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if len(ticket.ID) != IDLength || len(ticket.AccessPassword) != PasswordLength {
		t.Fatalf("unexpected ticket shape: id=%d pw=%d", len(ticket.ID), len(ticket.AccessPassword))
	}
	if !ticket.ExpiresAt.Equal(epoch.Add(DefaultTTL)) {
		t.Fatalf("unexpected expiry %v", ticket.ExpiresAt)
	}

	out, ok := v.Consume(ticket.ID, ticket.AccessPassword)
	if !ok {
		t.Fatalf("first consume must succeed")
	}
	if out.Repo != in.Repo || out.Archive != in.Archive || out.Passphrase.Reveal() != "s3cret" {
		t.Fatalf("payload mismatch: %+v", out)
	}
	if _, ok := v.Consume(ticket.ID, ticket.AccessPassword); ok {
		t.Fatalf("second consume must fail")
	}
	if v.Len() != 0 {
		t.Fatalf("vault should be empty, has %d", v.Len())
	}
}

func TestWrongPasswordDestroysEntry(t *testing.T) {
	v := New[exportRequest](Options{Clock: clock.NewFake(epoch)})
	ticket, err := v.Store(exportRequest{Repo: "r"})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, ok := v.Consume(ticket.ID, "wrong"); ok {
		t.Fatalf("wrong password must fail")
	}
	if _, ok := v.Consume(ticket.ID, ticket.AccessPassword); ok {
		t.Fatalf("entry must be gone after a failed attempt")
	}
}

func TestExpiry(t *testing.T) {
	fc := clock.NewFake(epoch)
	v := New[exportRequest](Options{Clock: fc})

	lazy, _ := v.Store(exportRequest{Repo: "lazy"})
	swept, _ := v.Store(exportRequest{Repo: "swept"})
	fresh, _ := v.Store(exportRequest{Repo: "fresh"})
	_ = swept

	fc.Advance(DefaultTTL)
	if _, ok := v.Consume(lazy.ID, lazy.AccessPassword); ok {
		t.Fatalf("expired entry must not be redeemable")
	}
	fc.Advance(-time.Minute)
	if _, ok := v.Consume(fresh.ID, fresh.AccessPassword); !ok {
		t.Fatalf("unexpired entry should redeem")
	}
	fc.Advance(time.Minute)

	if n := v.Sweep(); n != 1 {
		t.Fatalf("expected 1 swept entry, got %d", n)
	}
	if v.Len() != 0 {
		t.Fatalf("expected empty vault after sweep, got %d", v.Len())
	}
}

func TestTTLIsCapped(t *testing.T) {
	fc := clock.NewFake(epoch)
	v := New[exportRequest](Options{TTL: time.Hour, Clock: fc})

	ticket, err := v.Store(exportRequest{Repo: "/backups/main"})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if !ticket.ExpiresAt.Equal(epoch.Add(MaxTTL)) {
		t.Fatalf("expected expiry capped at %s, got %v", MaxTTL, ticket.ExpiresAt)
	}
	fc.Advance(10 * time.Minute)
	if _, ok := v.Consume(ticket.ID, ticket.AccessPassword); ok {
		t.Fatalf("entry must not outlive %s", MaxTTL)
	}
}

func TestUnknownID(t *testing.T) {
	v := New[exportRequest](Options{})
	if _, ok := v.Consume("ZZZZ", "x"); ok {
		t.Fatalf("unknown id must fail")
	}
}

func TestConcurrentConsume(t *testing.T) {
	v := New[exportRequest](Options{})
	ticket, err := v.Store(exportRequest{Repo: "race"})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := v.Consume(ticket.ID, ticket.AccessPassword); ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("exactly one consumer must win, got %d", wins)
	}
}

func TestDistinctTickets(t *testing.T) {
	v := New[exportRequest](Options{})
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		tk, err := v.Store(exportRequest{})
		if err != nil {
			t.Fatalf("Store: %v", err)
		}
		if seen[tk.ID] {
			t.Fatalf("live id %s reused", tk.ID)
		}
		seen[tk.ID] = true
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	v := New[exportRequest](Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		v.Run(ctx, 5*time.Millisecond)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop after cancel")
	}
}

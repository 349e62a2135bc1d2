// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package ratelimit

import (
	"fmt"
	"testing"
	"time"
)

func TestAllowBurstThenRefill(t *testing.T) {
	l := New(1, 3, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if !l.Allow("198.51.100.1", now) {
			t.Fatalf("request %d within burst must pass", i)
		}
	}
	if l.Allow("198.51.100.1", now) {
		t.Fatalf("request beyond burst must be limited")
	}
	if !l.Allow("198.51.100.2", now) {
		t.Fatalf("other keys have their own bucket")
	}
	if !l.Allow("198.51.100.1", now.Add(time.Second)) {
		t.Fatalf("bucket must refill after one second")
	}
}

func TestDisabledAndBlankKeys(t *testing.T) {
	var l *Limiter
	if !l.Allow("x", time.Now()) || l.Len() != 0 {
		t.Fatalf("nil limiter must allow")
	}
	if New(0, 1, 0) != nil || New(1, 0, 0) != nil {
		t.Fatalf("non-positive settings must disable limiting")
	}
	l = New(1, 1, 0)
	for i := 0; i < 5; i++ {
		if !l.Allow("  ", time.Now()) {
			t.Fatalf("blank keys are never limited")
		}
	}
}

func TestIdleKeysEvicted(t *testing.T) {
	l := New(10, 10, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.Allow("stale", now)
	later := now.Add(2 * time.Minute)
	for i := 0; i < sweepEvery; i++ {
		l.Allow(fmt.Sprintf("k%d", i%8), later)
	}
	if l.Len() != 8 {
		t.Fatalf("expected stale key evicted, have %d keys", l.Len())
	}
}

// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package clock

import (
	"testing"
	"time"
)

func TestFakeAdvance(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	f := NewFake(start)
	f.Advance(90 * time.Minute)
	if got := f.Now(); !got.Equal(start.Add(90 * time.Minute)) {
		t.Fatalf("unexpected time after advance: %v", got)
	}
	f.Set(start)
	if !f.Now().Equal(start) {
		t.Fatalf("Set did not reposition clock")
	}
}

func TestOrSystem(t *testing.T) {
	if _, ok := OrSystem(nil).(systemClock); !ok {
		t.Fatalf("nil clock should fall back to system clock")
	}
	f := NewFake(time.Unix(0, 0))
	if OrSystem(f) != Clock(f) {
		t.Fatalf("non-nil clock should be returned unchanged")
	}
}

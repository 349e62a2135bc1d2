// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package slicest

import (
	"errors"
	"strconv"
	"testing"
)

func TestMap(t *testing.T) {
	got := Map([]int{1, 2, 3}, strconv.Itoa)
	if len(got) != 3 || got[0] != "1" || got[2] != "3" {
		t.Fatalf("unexpected %v", got)
	}
	if empty := Map([]int(nil), strconv.Itoa); empty == nil || len(empty) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", empty)
	}
}

func TestMapXStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	_, err := MapX([]string{"1", "x", "3"}, func(s string) (int, error) {
		calls++
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, boom
		}
		return n, nil
	})
	if !errors.Is(err, boom) || calls != 2 {
		t.Fatalf("expected to stop at the second element, err=%v calls=%d", err, calls)
	}
}

func TestFilter(t *testing.T) {
	got := Filter([]string{".git", "a", ".env", "b"}, func(s string) bool { return s[0] != '.' })
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected %v", got)
	}
}

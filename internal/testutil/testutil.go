// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

// Package testutil holds test doubles shared by several packages.
package testutil

import (
	"os"
	"runtime"
	"strings"
	"sync"
	"testing"
)

// Notifications is an in-memory notifier that records every message.
type Notifications struct {
	mu   sync.Mutex
	msgs []string
}

func (n *Notifications) Notify(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
}

// All returns a copy of the recorded messages in order.
func (n *Notifications) All() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.msgs...)
}

// Joined returns the recorded messages separated by newlines.
func (n *Notifications) Joined() string {
	return strings.Join(n.All(), "\n")
}

// WriteScript writes an executable /bin/sh script with body to path, which
// lets tests stand in for external binaries such as borg. The test is skipped
// where shell scripts cannot run.
func WriteScript(t testing.TB, path, body string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts required")
	}
	if !strings.HasPrefix(body, "#!") {
		body = "#!/bin/sh\n" + body
	}
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write script %s: %v", path, err)
	}
}

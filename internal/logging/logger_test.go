// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package logging

import (
	"bytes"
	"strings"
	"testing"

	clog "github.com/charmbracelet/log"
)

// swapLogger replaces L with a buffer-backed logger for the duration of a test.
func swapLogger(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := L
	L = clog.New(&buf)
	L.SetLevel(clog.DebugLevel)
	t.Cleanup(func() { L = prev })
	return &buf
}

func TestLoggingHelpers_WriteToBuffer(t *testing.T) {
	buf := swapLogger(t)

	Debugf("hello %s", "dbg")
	Infof("info %d", 1)
	Warnf("warn")
	Errorf("err %v", "E")

	out := buf.String()
	for _, want := range []string{"hello dbg", "info 1", "warn", "err E"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in output; got: %s", want, out)
		}
	}
}

func TestConfigure_JSONAndLevel(t *testing.T) {
	buf := swapLogger(t)

	if err := Configure("warn", "json"); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	Infof("suppressed")
	With("component", "test").Warn("visible")

	out := buf.String()
	if strings.Contains(out, "suppressed") {
		t.Fatalf("info message should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, `"component":"test"`) || !strings.Contains(out, "visible") {
		t.Fatalf("expected JSON output with fields, got: %s", out)
	}
}

func TestConfigure_RejectsUnknownValues(t *testing.T) {
	swapLogger(t)

	if err := Configure("loud", "text"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
	if err := Configure("info", "xml"); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}

func TestWith_CarriesFields(t *testing.T) {
	buf := swapLogger(t)

	With("export", "e-42").Infof("completed, %d bytes", 7)

	out := buf.String()
	if !strings.Contains(out, "export=e-42") || !strings.Contains(out, "completed, 7 bytes") {
		t.Fatalf("child logger output missing fields: %s", out)
	}
}

// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"os"
	"path/filepath"
	"runtime/debug"
	"testing"

	"github.com/spf13/cobra"
)

func TestResolveBuildVersion_WithBuildInfo(t *testing.T) {
	info := &debug.BuildInfo{
		Main: debug.Module{Path: modulePath, Version: "v1.2.3"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "deadbeef"},
			{Key: "vcs.time", Value: "2026-01-01T00:00:00Z"},
		},
	}

	v, c, d := resolveBuildVersion(info)
	if v != "v1.2.3" {
		t.Fatalf("expected version v1.2.3, got %s", v)
	}
	if c != "deadbeef" {
		t.Fatalf("expected commit deadbeef, got %s", c)
	}
	if d != "2026-01-01T00:00:00Z" {
		t.Fatalf("expected date set, got %s", d)
	}
}

func TestApplyDefaultFlags_AddsFlags(t *testing.T) {
	cmd := &cobra.Command{}
	applyDefaultFlags(cmd)
	applyDefaultFlags(cmd)

	for _, name := range []string{"data_dir", "records.backend", "records.dsn"} {
		if cmd.Flags().Lookup(name) == nil {
			t.Fatalf("%s flag not present", name)
		}
	}
}

func TestApplyServeFlags_AddsFlags(t *testing.T) {
	cmd := &cobra.Command{}
	applyServeFlags(cmd)

	for _, name := range []string{"listen", "admin_path", "log.level", "metrics.listen", "data_dir"} {
		if cmd.Flags().Lookup(name) == nil {
			t.Fatalf("%s flag not present", name)
		}
	}
}

func TestGetConfigPathFromCli_FlagNotSet(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().String("config", "", "config file")

	p, err := getConfigPathFromCli(cmd)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != nil {
		t.Fatalf("expected nil path when flag not set, got %v", *p)
	}
}

func TestGetConfigPathFromCli_WithValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backupgate.yaml")
	if err := os.WriteFile(path, []byte("listen: \":3000\"\n"), 0o600); err != nil {
		t.Fatalf("failed to create config file: %v", err)
	}

	cmd := &cobra.Command{}
	cmd.Flags().String("config", "", "config file")
	if err := cmd.Flags().Set("config", path); err != nil {
		t.Fatalf("failed to set flag: %v", err)
	}

	p, err := getConfigPathFromCli(cmd)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil || *p != path {
		t.Fatalf("expected path %s, got %v", path, p)
	}
}

func TestGetConfigPathFromCli_MissingFile(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().String("config", "", "config file")
	if err := cmd.Flags().Set("config", filepath.Join(t.TempDir(), "missing.yaml")); err != nil {
		t.Fatalf("failed to set flag: %v", err)
	}
	if _, err := getConfigPathFromCli(cmd); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

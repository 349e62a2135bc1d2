// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
)

func isolate(t *testing.T) string {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmp)
	t.Setenv("HOME", tmp)
	return tmp
}

func TestLoadConfig_Defaults(t *testing.T) {
	isolate(t)
	c, err := LoadConfig[Config](&cobra.Command{}, Defaults(), nil)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if c.Listen != ":3000" || c.Records.Backend != "json" || c.Language != "en" {
		t.Fatalf("unexpected defaults: %+v", c)
	}
	if c.Tokens.SessionTTL != 24*time.Hour || c.Tokens.RememberTTL != 365*24*time.Hour || c.Borg.KillGrace != 3*time.Second {
		t.Fatalf("durations not decoded: %+v %+v", c.Tokens, c.Borg)
	}
	if err := c.Validate(); err == nil {
		t.Fatalf("defaults lack credentials and must not validate")
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("BACKUPGATE_ADMIN_PATH", "secret-door")
	t.Setenv("BACKUPGATE_ADMIN_USERNAME", "root")
	t.Setenv("BACKUPGATE_ADMIN_PASSWORD", "pa,ss word")
	t.Setenv("BACKUPGATE_SOURCES_DIRS", "/srv/a, /srv/b ,,")
	t.Setenv("BACKUPGATE_SOURCES_BORG_REPOS", "ssh://u@h/./r")
	t.Setenv("BACKUPGATE_NETWORK_TRUST_FORWARDED", "true")
	t.Setenv("BACKUPGATE_TOKENS_DOWNLOAD_TTL", "2m")

	c, err := LoadConfig[Config](&cobra.Command{}, Defaults(), nil)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if c.AdminPath != "secret-door" || c.Admin.Username != "root" {
		t.Fatalf("env not applied: %+v", c)
	}
	if c.Admin.Password.Reveal() != "pa,ss word" {
		t.Fatalf("secret must survive commas, got %q", c.Admin.Password.Reveal())
	}
	if strings.Join(c.Sources.Dirs, "|") != "/srv/a|/srv/b" {
		t.Fatalf("dirs = %q", c.Sources.Dirs)
	}
	if len(c.Sources.BorgRepos) != 1 || !c.Network.TrustForwarded || c.Tokens.DownloadTTL != 2*time.Minute {
		t.Fatalf("unexpected config %+v", c)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadConfig_ExplicitFileAndFlags(t *testing.T) {
	tmp := isolate(t)
	path := filepath.Join(tmp, "custom.yaml")
	body := `admin_path: door
admin:
  username: alice
  password: hunter2
sources:
  dirs:
    - /data
borg:
  list_timeout: 45s
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cmd := &cobra.Command{}
	cmd.Flags().String("listen", "", "")
	if err := cmd.Flags().Set("listen", "127.0.0.1:9000"); err != nil {
		t.Fatalf("set flag: %v", err)
	}

	c, err := LoadConfig[Config](cmd, Defaults(), &path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if c.Admin.Username != "alice" || c.Admin.Password.Reveal() != "hunter2" || c.Sources.Dirs[0] != "/data" {
		t.Fatalf("file values not loaded: %+v", c)
	}
	if c.Borg.ListTimeout != 45*time.Second || c.Log.Level != "debug" {
		t.Fatalf("nested values not loaded: %+v", c)
	}
	if c.Listen != "127.0.0.1:9000" {
		t.Fatalf("flag must override, got %q", c.Listen)
	}
}

func TestLoadConfig_MalformedFile(t *testing.T) {
	tmp := isolate(t)
	path := filepath.Join(tmp, "bad.yaml")
	if err := os.WriteFile(path, []byte("admin: [unclosed"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadConfig[Config](&cobra.Command{}, Defaults(), &path); err == nil {
		t.Fatalf("malformed config must fail")
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		c := Config{Listen: ":1", AdminPath: "ok_path-1"}
		c.Admin.Username = "a"
		c.Admin.Password = []byte("b")
		return c
	}
	good := base()
	if err := good.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	for name, mutate := range map[string]func(*Config){
		"slash in path": func(c *Config) { c.AdminPath = "a/b" },
		"empty path":    func(c *Config) { c.AdminPath = "" },
		"no user":       func(c *Config) { c.Admin.Username = " " },
		"no password":   func(c *Config) { c.Admin.Password = nil },
		"bad backend":   func(c *Config) { c.Records.Backend = "oracle" },
		"negative rps":  func(c *Config) { c.Limits.RPS = -1 },
		"long download": func(c *Config) { c.Tokens.DownloadTTL = time.Hour },
		"tiny download": func(c *Config) { c.Tokens.DownloadTTL = time.Second },
	} {
		c := base()
		mutate(&c)
		if err := c.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestWriteConfigFile_RoundTrip(t *testing.T) {
	tmp := isolate(t)
	c, err := LoadConfig[Config](&cobra.Command{}, Defaults(), nil)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	c.AdminPath = "door"
	c.Admin.Username = "admin"
	c.Admin.Password = []byte("s3cret")

	view := c.FileView()
	path, err := WriteConfigFile(&view, filepath.Join(tmp, "out", "backupgate.yaml"), false)
	if err != nil {
		t.Fatalf("WriteConfigFile: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("config file mode = %v", info.Mode().Perm())
	}

	loaded, err := LoadConfig[Config](&cobra.Command{}, Defaults(), &path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if loaded.Admin.Password.Reveal() != "s3cret" || loaded.AdminPath != "door" {
		t.Fatalf("round trip lost values: %+v", loaded)
	}
	if loaded.Tokens.RememberTTL != c.Tokens.RememberTTL {
		t.Fatalf("durations changed: %v vs %v", loaded.Tokens.RememberTTL, c.Tokens.RememberTTL)
	}
}

func TestDefaultPath(t *testing.T) {
	tmp := isolate(t)
	p, err := DefaultPath(false)
	if err != nil {
		t.Fatalf("DefaultPath: %v", err)
	}
	if !strings.HasPrefix(p, tmp) || filepath.Base(p) != "backupgate.yaml" {
		t.Fatalf("unexpected user config path %q", p)
	}
}

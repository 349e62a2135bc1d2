// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

// Package config loads Backupgate settings from defaults, YAML files,
// BACKUPGATE_* environment variables and command line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/backupgate/backupgate/internal/security"
	"github.com/backupgate/backupgate/internal/token"
	"github.com/go-viper/mapstructure/v2"
	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "backupgate"

// Config is the full runtime configuration.
type Config struct {
	Listen    string        `mapstructure:"listen"`
	AdminPath string        `mapstructure:"admin_path"`
	Admin     AdminConfig   `mapstructure:"admin"`
	Sources   SourcesConfig `mapstructure:"sources"`
	Network   NetworkConfig `mapstructure:"network"`
	DataDir   string        `mapstructure:"data_dir"`
	Records   RecordsConfig `mapstructure:"records"`
	Keyring   KeyringConfig `mapstructure:"keyring"`
	Tokens    TokensConfig  `mapstructure:"tokens"`
	Notify    NotifyConfig  `mapstructure:"notify"`
	GeoIP     GeoIPConfig   `mapstructure:"geoip"`
	Borg      BorgConfig    `mapstructure:"borg"`
	Export    ExportConfig  `mapstructure:"export"`
	Limits    LimitsConfig  `mapstructure:"limits"`
	Metrics   MetricsConfig `mapstructure:"metrics"`
	Log       LogConfig     `mapstructure:"log"`
	Language  string        `mapstructure:"language"`
}

type AdminConfig struct {
	Username string          `mapstructure:"username"`
	Password security.Secret `mapstructure:"password"`
}

type SourcesConfig struct {
	Dirs      []string `mapstructure:"dirs"`
	BorgRepos []string `mapstructure:"borg_repos"`
}

type NetworkConfig struct {
	// TrustForwarded takes the client address from proxy headers. Enable
	// only behind a proxy or CDN that sets them.
	TrustForwarded bool `mapstructure:"trust_forwarded"`
}

type RecordsConfig struct {
	Backend string `mapstructure:"backend"`
	DSN     string `mapstructure:"dsn"`
}

type KeyringConfig struct {
	Passphrase security.Secret `mapstructure:"passphrase"`
}

type TokensConfig struct {
	SessionTTL  time.Duration `mapstructure:"session_ttl"`
	RememberTTL time.Duration `mapstructure:"remember_ttl"`
	DownloadTTL time.Duration `mapstructure:"download_ttl"`
}

type NotifyConfig struct {
	TelegramToken  security.Secret `mapstructure:"telegram_token"`
	TelegramChatID string          `mapstructure:"telegram_chat_id"`
	QueueSize      int             `mapstructure:"queue_size"`
}

type GeoIPConfig struct {
	CityDB string `mapstructure:"city_db"`
}

type BorgConfig struct {
	Binary      string        `mapstructure:"binary"`
	BaseDir     string        `mapstructure:"base_dir"`
	ListTimeout time.Duration `mapstructure:"list_timeout"`
	KillGrace   time.Duration `mapstructure:"kill_grace"`
}

type ExportConfig struct {
	DefaultFormat string `mapstructure:"default_format"`
}

type LimitsConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Defaults returns the built-in value of every key. Every key must appear
// here so that environment variables can override it.
func Defaults() map[string]any {
	return map[string]any{
		"listen":                  ":3000",
		"admin_path":              "",
		"admin.username":          "",
		"admin.password":          "",
		"sources.dirs":            []string{},
		"sources.borg_repos":      []string{},
		"network.trust_forwarded": false,
		"data_dir":                "./data",
		"records.backend":         "json",
		"records.dsn":             "",
		"keyring.passphrase":      "",
		"tokens.session_ttl":      "24h",
		"tokens.remember_ttl":     "8760h",
		"tokens.download_ttl":     "5m",
		"notify.telegram_token":   "",
		"notify.telegram_chat_id": "",
		"notify.queue_size":       64,
		"geoip.city_db":           "",
		"borg.binary":             "borg",
		"borg.base_dir":           "",
		"borg.list_timeout":       "30s",
		"borg.kill_grace":         "3s",
		"export.default_format":   "zip",
		"limits.rps":              1.0,
		"limits.burst":            10,
		"metrics.listen":          "",
		"log.level":               "info",
		"log.format":              "text",
		"language":                "en",
	}
}

// getConfigPath returns the full path for the configuration file.
func getConfigPath(system bool) (string, error) {
	var configDir string
	var err error

	if system {
		switch runtime.GOOS {
		case "windows":
			configDir = filepath.Join(os.Getenv("ProgramData"), "Backupgate")
		default:
			configDir = "/etc/backupgate"
		}
	} else {
		configDir, err = os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("could not get user config directory: %w", err)
		}
		configDir = filepath.Join(configDir, "backupgate")
	}

	return filepath.Join(configDir, "backupgate.yaml"), nil
}

// DefaultPath returns the user (or system) config file location.
func DefaultPath(system bool) (string, error) { return getConfigPath(system) }

// LoadConfig resolves a T from defaults, the first config file found,
// environment and the flags of cmd. A missing config file is not an error.
func LoadConfig[T any](cmd *cobra.Command, defaults map[string]any, additionalConfigFilePath *string) (T, error) {
	var c T
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetConfigName("backupgate")
	v.SetConfigType("yaml")

	if additionalConfigFilePath != nil && *additionalConfigFilePath != "" {
		v.SetConfigFile(*additionalConfigFilePath)
	}

	if userConfigPath, err := getConfigPath(false); err == nil {
		v.AddConfigPath(filepath.Dir(userConfigPath))
	}
	if systemConfigPath, err := getConfigPath(true); err == nil {
		v.AddConfigPath(filepath.Dir(systemConfigPath))
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return c, err
		}
	}

	v.AutomaticEnv()
	v.AllowEmptyEnv(true)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if cmd != nil {
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return c, err
		}
	}

	if err := v.Unmarshal(&c, viper.DecodeHook(decodeHook())); err != nil {
		return c, err
	}

	return c, nil
}

var secretType = reflect.TypeOf(security.Secret(nil))

// stringToSecretHook must run before the slice hook, which would otherwise
// split secrets containing commas.
func stringToSecretHook() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if t != secretType || f.Kind() != reflect.String {
			return data, nil
		}
		return security.FromString(data.(string)), nil
	}
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		stringToSecretHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		trimmedSliceHook(),
	)
}

// trimmedSliceHook splits comma separated strings into trimmed, non-empty
// elements.
func trimmedSliceHook() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Slice || t.Elem().Kind() != reflect.String {
			return data, nil
		}
		var out []string
		for _, part := range strings.Split(data.(string), ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, nil
	}
}

var adminPathPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Validate reports the first unusable setting.
func (c *Config) Validate() error {
	var errs []error
	if !adminPathPattern.MatchString(c.AdminPath) {
		errs = append(errs, fmt.Errorf("admin_path must be set and contain only letters, digits, '_' or '-'"))
	}
	if strings.TrimSpace(c.Admin.Username) == "" {
		errs = append(errs, fmt.Errorf("admin.username is required"))
	}
	if c.Admin.Password.IsEmpty() {
		errs = append(errs, fmt.Errorf("admin.password is required"))
	}
	if c.Listen == "" {
		errs = append(errs, fmt.Errorf("listen is required"))
	}
	switch c.Records.Backend {
	case "", "json", "sqlite", "postgres", "mysql":
	default:
		errs = append(errs, fmt.Errorf("records.backend %q is not one of json, sqlite, postgres, mysql", c.Records.Backend))
	}
	if d := c.Tokens.DownloadTTL; d != 0 && (d < token.MinPurposeTTL || d > token.MaxPurposeTTL) {
		errs = append(errs, fmt.Errorf("tokens.download_ttl must be between %s and %s", token.MinPurposeTTL, token.MaxPurposeTTL))
	}
	if c.Limits.RPS < 0 || c.Limits.Burst < 0 {
		errs = append(errs, fmt.Errorf("limits.rps and limits.burst must not be negative"))
	}
	return errors.Join(errs...)
}

// FileView returns c as the nested map written by WriteConfigFile. Secrets
// are revealed because the file is the place they live.
func (c *Config) FileView() map[string]any {
	return map[string]any{
		"listen":     c.Listen,
		"admin_path": c.AdminPath,
		"admin": map[string]any{
			"username": c.Admin.Username,
			"password": c.Admin.Password.Reveal(),
		},
		"sources": map[string]any{
			"dirs":       nonNil(c.Sources.Dirs),
			"borg_repos": nonNil(c.Sources.BorgRepos),
		},
		"network":  map[string]any{"trust_forwarded": c.Network.TrustForwarded},
		"data_dir": c.DataDir,
		"records":  map[string]any{"backend": c.Records.Backend, "dsn": c.Records.DSN},
		"keyring":  map[string]any{"passphrase": c.Keyring.Passphrase.Reveal()},
		"tokens": map[string]any{
			"session_ttl":  c.Tokens.SessionTTL.String(),
			"remember_ttl": c.Tokens.RememberTTL.String(),
			"download_ttl": c.Tokens.DownloadTTL.String(),
		},
		"notify": map[string]any{
			"telegram_token":   c.Notify.TelegramToken.Reveal(),
			"telegram_chat_id": c.Notify.TelegramChatID,
			"queue_size":       c.Notify.QueueSize,
		},
		"geoip": map[string]any{"city_db": c.GeoIP.CityDB},
		"borg": map[string]any{
			"binary":       c.Borg.Binary,
			"base_dir":     c.Borg.BaseDir,
			"list_timeout": c.Borg.ListTimeout.String(),
			"kill_grace":   c.Borg.KillGrace.String(),
		},
		"export":   map[string]any{"default_format": c.Export.DefaultFormat},
		"limits":   map[string]any{"rps": c.Limits.RPS, "burst": c.Limits.Burst},
		"metrics":  map[string]any{"listen": c.Metrics.Listen},
		"log":      map[string]any{"level": c.Log.Level, "format": c.Log.Format},
		"language": c.Language,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// WriteConfigFile writes c as YAML to path, or to the default user/system
// location when path is empty. The file is created with mode 0600 because it
// holds credentials.
func WriteConfigFile[T any](c *T, path string, system bool) (string, error) {
	if path == "" {
		var err error
		path, err = getConfigPath(system)
		if err != nil {
			return "", err
		}
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return "", fmt.Errorf("could not create config directory %s: %w", configDir, err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

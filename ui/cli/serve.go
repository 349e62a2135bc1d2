// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/backupgate/backupgate/internal/borg"
	"github.com/backupgate/backupgate/internal/config"
	"github.com/backupgate/backupgate/internal/db"
	"github.com/backupgate/backupgate/internal/export"
	"github.com/backupgate/backupgate/internal/gateway"
	"github.com/backupgate/backupgate/internal/geoip"
	"github.com/backupgate/backupgate/internal/keyring"
	"github.com/backupgate/backupgate/internal/logging"
	"github.com/backupgate/backupgate/internal/metrics"
	"github.com/backupgate/backupgate/internal/notify"
	"github.com/backupgate/backupgate/internal/ratelimit"
	"github.com/backupgate/backupgate/internal/server"
	"github.com/backupgate/backupgate/internal/throttle"
	"github.com/backupgate/backupgate/internal/token"
	"github.com/backupgate/backupgate/internal/vault"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 120 * time.Second
	shutdownTimeout   = 15 * time.Second
)

// applyServeFlags adds the flags most often overridden when starting the
// server. Every other setting comes from the file or the environment.
func applyServeFlags(cmd *cobra.Command) {
	applyDefaultFlags(cmd)
	if cmd.Flags().Lookup("listen") == nil {
		cmd.Flags().String("listen", ":3000", "Address to listen on")
	}
	if cmd.Flags().Lookup("admin_path") == nil {
		cmd.Flags().String("admin_path", "", "Secret path prefix the admin UI and API live under")
	}
	if cmd.Flags().Lookup("log.level") == nil {
		cmd.Flags().String("log.level", "info", "Log level (debug, info, warn, error)")
	}
	if cmd.Flags().Lookup("metrics.listen") == nil {
		cmd.Flags().String("metrics.listen", "", "Address for the Prometheus endpoint (disabled when empty)")
	}
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	applyServeFlags(cmd)
	return cmd
}

// openThrottle opens the configured record store and loads the login
// history from it.
func openThrottle(ctx context.Context, cfg config.Config) (*throttle.Throttle, db.RecordStore, error) {
	store, err := db.Open(cfg.Records.Backend, cfg.Records.DSN, cfg.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open login records: %w", err)
	}
	th := throttle.New(store, throttle.Options{})
	if err := th.Load(ctx); err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("load login records: %w", err)
	}
	return th, store, nil
}

func serve(ctx context.Context, cfg config.Config) error {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	th, store, err := openThrottle(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := th.Close(closeCtx); err != nil {
			logging.Warnf("flush login records: %v", err)
		}
		if err := store.Close(); err != nil {
			logging.Warnf("close login records: %v", err)
		}
	}()

	keys := keyring.New(cfg.DataDir, keyring.Options{Passphrase: cfg.Keyring.Passphrase})
	created, err := keys.Initialize()
	if err != nil {
		return fmt.Errorf("token signing key: %w", err)
	}
	if fp, err := keys.Fingerprint(); err == nil {
		if created {
			logging.Infof("generated token signing key %s", fp)
		} else {
			logging.Infof("loaded token signing key %s", fp)
		}
	}
	tokens := token.New(keys, token.Options{
		SessionTTL:  cfg.Tokens.SessionTTL,
		RememberTTL: cfg.Tokens.RememberTTL,
	})

	m := metrics.New()
	notifier := notify.New(notify.NewTelegram(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID), notify.Options{
		QueueSize: cfg.Notify.QueueSize,
		Metrics:   m,
	})
	if !notifier.Enabled() {
		logging.Infof("telegram notifications disabled")
	}

	loc, err := geoip.Open(cfg.GeoIP.CityDB)
	if err != nil {
		logging.Warnf("geoip lookup disabled: %v", err)
		loc = nil
	}
	defer loc.Close()

	dirs, err := export.NewAllowlist(cfg.Sources.Dirs)
	if err != nil {
		return fmt.Errorf("sources.dirs: %w", err)
	}
	repos := export.NewRepoAllowlist(cfg.Sources.BorgRepos)
	borgClient := borg.New(borg.Options{
		Binary:      cfg.Borg.Binary,
		BaseDir:     cfg.Borg.BaseDir,
		ListTimeout: cfg.Borg.ListTimeout,
	})
	format, err := export.ParseFormat(cfg.Export.DefaultFormat)
	if err != nil {
		return fmt.Errorf("export.default_format: %w", err)
	}
	pipeline := export.New(export.Options{
		Dirs:          dirs,
		Repos:         repos,
		Borg:          borgClient,
		DefaultFormat: format,
		KillGrace:     cfg.Borg.KillGrace,
		Notifier:      notifier,
		Metrics:       m,
	})

	exports := vault.New[export.Request](vault.Options{TTL: cfg.Tokens.DownloadTTL})
	gw := gateway.New(gateway.Options{
		Username: cfg.Admin.Username,
		Password: cfg.Admin.Password,
		Throttle: th,
		Tokens:   tokens,
		Locator:  loc,
		Notifier: notifier,
		Metrics:  m,
	})

	m.RegisterGaugeFunc("backupgate_vault_entries", "Prepared exports waiting to be redeemed.", func() float64 {
		return float64(exports.Len())
	})
	m.RegisterGaugeFunc("backupgate_login_records", "Login records held in memory.", func() float64 {
		return float64(th.Len())
	})
	m.RegisterGaugeFunc("backupgate_notifications_dropped", "Notifications dropped because the queue was full.", func() float64 {
		return float64(notifier.Dropped())
	})

	handler := server.New(server.Options{
		AdminPath:      cfg.AdminPath,
		TrustForwarded: cfg.Network.TrustForwarded,
		DownloadTTL:    cfg.Tokens.DownloadTTL,
		Gateway:        gw,
		Throttle:       th,
		Tokens:         tokens,
		Vault:          exports,
		Pipeline:       pipeline,
		Dirs:           dirs,
		Repos:          repos,
		Borg:           borgClient,
		Limiter:        ratelimit.New(cfg.Limits.RPS, cfg.Limits.Burst, 0),
		Notifier:       notifier,
		Metrics:        m,
	})

	bg, cancel := context.WithCancel(ctx)
	defer cancel()
	go notifier.Run(bg)
	go exports.Run(bg, vault.DefaultSweepInterval)

	// Exports stream for as long as they take, so there is no write timeout.
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}
	servers := []*http.Server{srv}
	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		servers = append(servers, &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           mux,
			ReadHeaderTimeout: readHeaderTimeout,
		})
	}

	errCh := make(chan error, len(servers))
	for _, s := range servers {
		go func(s *http.Server) {
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listen %s: %w", s.Addr, err)
			}
		}(s)
	}

	logging.Infof("listening on %s under /%s/ (%d directories, %d repositories, records kept: %s)",
		cfg.Listen, cfg.AdminPath, len(dirs.Roots()), len(repos.Repos()), humanize.Comma(int64(th.Len())))
	if cfg.Metrics.Listen != "" {
		logging.Infof("metrics on %s/metrics", cfg.Metrics.Listen)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logging.Infof("shutting down")
	case runErr = <-errCh:
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	for _, s := range servers {
		if err := s.Shutdown(shutdownCtx); err != nil {
			logging.Warnf("shutdown %s: %v", s.Addr, err)
		}
	}
	return runErr
}

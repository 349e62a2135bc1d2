// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

// Package gateway composes the login flow: throttle check, constant-time
// credential comparison, attempt recording, alerting and token issuance.
package gateway

import (
	"fmt"
	"strings"
	"time"

	"github.com/backupgate/backupgate/internal/apperr"
	"github.com/backupgate/backupgate/internal/clock"
	"github.com/backupgate/backupgate/internal/geoip"
	"github.com/backupgate/backupgate/internal/logging"
	"github.com/backupgate/backupgate/internal/metrics"
	"github.com/backupgate/backupgate/internal/notify"
	"github.com/backupgate/backupgate/internal/security"
	"github.com/backupgate/backupgate/internal/throttle"
	"github.com/backupgate/backupgate/internal/token"
)

// Login outcomes reported to metrics.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeBlocked = "blocked"
	OutcomeInvalid = "invalid"
)

// alertUsernameLimit bounds the attempted username quoted in alerts.
const alertUsernameLimit = 30

// Notifier receives human-readable HTML alert messages.
type Notifier interface {
	Notify(message string)
}

// Options configures a Gateway. Username, Password, Throttle and Tokens are
// required.
type Options struct {
	Username  string
	Password  security.Secret
	Throttle  *throttle.Throttle
	Tokens    *token.Issuer
	Locator   *geoip.Locator
	Notifier  Notifier
	Metrics   *metrics.Metrics
	Retention time.Duration
	Clock     clock.Clock
}

// Gateway authenticates the single admin.
type Gateway struct {
	opts  Options
	clock clock.Clock

	// prune runs retention cleanup after a successful login. Tests replace it
	// to run synchronously.
	prune func()
}

// Session is the result of a successful login.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// New returns a Gateway.
func New(opts Options) *Gateway {
	if opts.Retention <= 0 {
		opts.Retention = throttle.DefaultRetention
	}
	g := &Gateway{opts: opts, clock: clock.OrSystem(opts.Clock)}
	g.prune = func() {
		go func() {
			if n := g.opts.Throttle.PruneOlderThan(g.opts.Retention); n > 0 {
				logging.Infof("pruned %d login records older than %s", n, g.opts.Retention)
			}
		}()
	}
	return g
}

// Username returns the configured admin username.
func (g *Gateway) Username() string { return g.opts.Username }

// Login checks the credentials presented from address. remember selects the
// long-lived session lifetime.
func (g *Gateway) Login(username, password string, remember bool, address string) (Session, error) {
	if username == "" || password == "" {
		g.opts.Metrics.LoginAttempt(OutcomeInvalid)
		return Session{}, apperr.New(apperr.InvalidInput, "error.missing_credentials")
	}

	th := g.opts.Throttle
	country := g.opts.Locator.Country(address)
	res := th.Attempt(username, address, country, func() bool {
		userOK := security.EqualString(username, g.opts.Username)
		passOK := security.Equal([]byte(password), g.opts.Password)
		return userOK && passOK
	})

	switch {
	case res.Blocked:
		g.opts.Metrics.LoginAttempt(OutcomeBlocked)
		logging.Warnf("login from blocked address %s rejected (user %q)", address, clip(username, alertUsernameLimit))
		return Session{}, apperr.New(apperr.Forbidden, "error.blocked")
	case !res.Succeeded:
		count := res.Failures
		g.opts.Metrics.LoginAttempt(OutcomeFailure)
		logging.Warnf("failed login for %q from %s (%d recent failures)", clip(username, alertUsernameLimit), address, count)
		if count >= th.MaxFailures() {
			g.notify(g.blockedMessage(address, country, username, count))
		} else {
			g.notify(g.failingMessage(address, country, username, count))
		}
		return Session{}, apperr.New(apperr.Unauthenticated, "error.invalid_credentials")
	}

	g.prune()

	tok, exp, err := g.opts.Tokens.Issue(username, remember)
	if err != nil {
		return Session{}, apperr.Wrap(apperr.Internal, "error.internal", fmt.Errorf("issue session token: %w", err))
	}
	g.opts.Metrics.LoginAttempt(OutcomeSuccess)
	logging.Infof("admin logged in from %s", address)
	return Session{Token: tok, ExpiresAt: exp}, nil
}

func (g *Gateway) notify(msg string) {
	if g.opts.Notifier != nil {
		g.opts.Notifier.Notify(msg)
	}
}

func (g *Gateway) blockedMessage(address, country, username string, count int) string {
	return fmt.Sprintf("⚠️ <b>Security alert</b>\nAddress <code>%s</code>%s failed to log in %d times within %s and is now blocked.\nLast username: <code>%s</code>\nTime: %s",
		notify.Escape(address), countrySuffix(country), count, throttle.DefaultWindow,
		notify.Escape(clip(username, alertUsernameLimit)), g.stamp())
}

func (g *Gateway) failingMessage(address, country, username string, count int) string {
	return fmt.Sprintf("🔑 <b>Failed login</b>\nAddress <code>%s</code>%s, attempt %d of %d.\nUsername: <code>%s</code>\nTime: %s",
		notify.Escape(address), countrySuffix(country), count, g.opts.Throttle.MaxFailures(),
		notify.Escape(clip(username, alertUsernameLimit)), g.stamp())
}

func (g *Gateway) stamp() string {
	return g.clock.Now().UTC().Format(time.RFC3339)
}

func countrySuffix(country string) string {
	if country == "" {
		return ""
	}
	return " (" + notify.Escape(country) + ")"
}

// clip cuts s to at most n runes.
func clip(s string, n int) string {
	s = strings.ToValidUTF8(s, "?")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

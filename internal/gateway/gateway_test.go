// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package gateway

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/backupgate/backupgate/internal/apperr"
	"github.com/backupgate/backupgate/internal/clock"
	"github.com/backupgate/backupgate/internal/keyring"
	"github.com/backupgate/backupgate/internal/security"
	"github.com/backupgate/backupgate/internal/testutil"
	"github.com/backupgate/backupgate/internal/throttle"
	"github.com/backupgate/backupgate/internal/token"
)

var epoch = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	gw     *Gateway
	th     *throttle.Throttle
	tokens *token.Issuer
	fc     *clock.Fake
	alerts *testutil.Notifications
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fc := clock.NewFake(epoch)
	kr := keyring.New(t.TempDir(), keyring.Options{})
	if _, err := kr.Initialize(); err != nil {
		t.Fatalf("keyring: %v", err)
	}
	th := throttle.New(nil, throttle.Options{Clock: fc})
	tokens := token.New(kr, token.Options{Clock: fc})
	alerts := &testutil.Notifications{}
	gw := New(Options{
		Username: "admin",
		Password: security.FromString("correct horse"),
		Throttle: th,
		Tokens:   tokens,
		Notifier: alerts,
		Clock:    fc,
	})
	gw.prune = func() { th.PruneOlderThan(0) }
	return &fixture{gw: gw, th: th, tokens: tokens, fc: fc, alerts: alerts}
}

func kindOf(t *testing.T, err error) apperr.Kind {
	t.Helper()
	if err == nil {
		t.Fatalf("expected an error")
	}
	return apperr.KindOf(err)
}

func TestLogin_Success(t *testing.T) {
	f := newFixture(t)
	s, err := f.gw.Login("admin", "correct horse", false, "203.0.113.5")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	claims, ok := f.tokens.VerifySession(s.Token)
	if !ok || claims.Subject != "admin" {
		t.Fatalf("issued token does not verify: %+v", claims)
	}
	if !s.ExpiresAt.Equal(epoch.Add(token.DefaultSessionTTL)) {
		t.Fatalf("unexpected expiry %v", s.ExpiresAt)
	}
	page := f.th.Page(1, 10)
	if page.Total != 1 || !page.Records[0].Succeeded {
		t.Fatalf("success must be recorded: %+v", page)
	}
	if len(f.alerts.All()) != 0 {
		t.Fatalf("successful login must not alert")
	}
}

func TestLogin_RememberUsesLongLifetime(t *testing.T) {
	f := newFixture(t)
	s, err := f.gw.Login("admin", "correct horse", true, "203.0.113.5")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !s.ExpiresAt.Equal(epoch.Add(token.DefaultRememberTTL)) {
		t.Fatalf("unexpected expiry %v", s.ExpiresAt)
	}
}

func TestLogin_MissingFields(t *testing.T) {
	f := newFixture(t)
	for _, c := range [][2]string{{"", "x"}, {"admin", ""}} {
		_, err := f.gw.Login(c[0], c[1], false, "198.51.100.1")
		if kindOf(t, err) != apperr.InvalidInput {
			t.Fatalf("expected InvalidInput for %q", c)
		}
	}
	if f.th.Len() != 0 {
		t.Fatalf("malformed requests must not be recorded")
	}
}

func TestLogin_FourthAttemptAfterThreeFailuresIsForbidden(t *testing.T) {
	f := newFixture(t)
	const addr = "198.51.100.7"
	for i := 0; i < 3; i++ {
		_, err := f.gw.Login("admin", "wrong", false, addr)
		if kindOf(t, err) != apperr.Unauthenticated {
			t.Fatalf("attempt %d: expected Unauthenticated, got %v", i+1, err)
		}
	}
	_, err := f.gw.Login("admin", "correct horse", false, addr)
	if kindOf(t, err) != apperr.Forbidden {
		t.Fatalf("blocked address must be Forbidden even with correct credentials, got %v", err)
	}
	if f.th.Len() != 3 {
		t.Fatalf("blocked attempts must not be recorded, have %d records", f.th.Len())
	}

	if _, err := f.gw.Login("admin", "correct horse", false, "198.51.100.8"); err != nil {
		t.Fatalf("other addresses must be unaffected: %v", err)
	}

	f.fc.Advance(throttle.DefaultWindow + time.Second)
	if _, err := f.gw.Login("admin", "correct horse", false, addr); err != nil {
		t.Fatalf("block must lift after the window: %v", err)
	}
}

func TestLogin_ConcurrentWrongPasswordsAreThrottled(t *testing.T) {
	f := newFixture(t)
	const addr = "198.51.100.9"

	var (
		wg                  sync.WaitGroup
		mu                  sync.Mutex
		rejected, forbidden int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.gw.Login("admin", "wrong", false, addr)
			mu.Lock()
			defer mu.Unlock()
			switch apperr.KindOf(err) {
			case apperr.Unauthenticated:
				rejected++
			case apperr.Forbidden:
				forbidden++
			}
		}()
	}
	wg.Wait()

	if rejected != f.th.MaxFailures() {
		t.Fatalf("expected exactly %d checked guesses, got %d", f.th.MaxFailures(), rejected)
	}
	if rejected+forbidden != 200 {
		t.Fatalf("unexpected outcomes: %d rejected, %d forbidden", rejected, forbidden)
	}
}

func TestLogin_Alerts(t *testing.T) {
	f := newFixture(t)
	const addr = "192.0.2.44"
	for i := 0; i < 3; i++ {
		_, _ = f.gw.Login("<script>", "nope", false, addr)
	}
	msgs := f.alerts.All()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 alerts, got %d: %q", len(msgs), msgs)
	}
	for _, m := range msgs[:2] {
		if !strings.Contains(m, "Failed login") {
			t.Fatalf("expected failing alert, got %q", m)
		}
	}
	last := msgs[2]
	if !strings.Contains(last, "blocked") || !strings.Contains(last, addr) {
		t.Fatalf("expected blocked alert, got %q", last)
	}
	if strings.Contains(last, "<script>") || !strings.Contains(last, "&lt;script&gt;") {
		t.Fatalf("username must be HTML-escaped: %q", last)
	}
}

func TestLogin_WrongUsernameFails(t *testing.T) {
	f := newFixture(t)
	_, err := f.gw.Login("root", "correct horse", false, "192.0.2.1")
	if kindOf(t, err) != apperr.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}
}

func TestLogin_SuccessPrunesOldRecords(t *testing.T) {
	f := newFixture(t)
	f.th.RecordAttempt("admin", "192.0.2.9", false)
	f.fc.Advance(throttle.DefaultRetention + time.Hour)
	if _, err := f.gw.Login("admin", "correct horse", false, "192.0.2.9"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if f.th.Len() != 1 {
		t.Fatalf("old record must be pruned, have %d", f.th.Len())
	}
}

func TestClip(t *testing.T) {
	if got := clip("héllo wörld", 5); got != "héllo" {
		t.Fatalf("clip = %q", got)
	}
	if got := clip("abc", 5); got != "abc" {
		t.Fatalf("clip = %q", got)
	}
}

// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

// Package token issues and verifies EdDSA-signed JWTs. Session tokens
// authenticate the admin; purpose tokens are short-lived and only accepted by
// the endpoint whose purpose they carry.
package token

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/backupgate/backupgate/internal/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token purposes.
const (
	PurposeDownload = "download"
	PurposeExport   = "export"
)

// Defaults and bounds.
const (
	DefaultIssuer      = "backupgate"
	DefaultSessionTTL  = 24 * time.Hour
	DefaultRememberTTL = 365 * 24 * time.Hour
	MinPurposeTTL      = time.Minute
	MaxPurposeTTL      = 5 * time.Minute
)

// KeySource provides the signing keypair.
type KeySource interface {
	PrivateKey() (ed25519.PrivateKey, error)
	PublicKey() (ed25519.PublicKey, error)
}

// Scope binds a purpose token to one export.
type Scope struct {
	Resource string
	Archive  string
	Format   string
	Label    string
}

// Claims is the token payload.
type Claims struct {
	Purpose  string `json:"purpose,omitempty"`
	Resource string `json:"res,omitempty"`
	Archive  string `json:"arc,omitempty"`
	Format   string `json:"fmt,omitempty"`
	Label    string `json:"lbl,omitempty"`
	jwt.RegisteredClaims
}

// Scope returns the export scope carried by the claims.
func (c *Claims) Scope() Scope {
	return Scope{Resource: c.Resource, Archive: c.Archive, Format: c.Format, Label: c.Label}
}

// Options configures an Issuer. Zero values select the defaults.
type Options struct {
	Issuer      string
	SessionTTL  time.Duration
	RememberTTL time.Duration
	Clock       clock.Clock
}

// Issuer mints and verifies tokens. It holds no per-token state.
type Issuer struct {
	keys        KeySource
	issuer      string
	sessionTTL  time.Duration
	rememberTTL time.Duration
	clock       clock.Clock
}

// New returns an Issuer signing with keys.
func New(keys KeySource, opts Options) *Issuer {
	i := &Issuer{
		keys:        keys,
		issuer:      opts.Issuer,
		sessionTTL:  opts.SessionTTL,
		rememberTTL: opts.RememberTTL,
		clock:       clock.OrSystem(opts.Clock),
	}
	if i.issuer == "" {
		i.issuer = DefaultIssuer
	}
	if i.sessionTTL <= 0 {
		i.sessionTTL = DefaultSessionTTL
	}
	if i.rememberTTL <= 0 {
		i.rememberTTL = DefaultRememberTTL
	}
	return i
}

// Issue mints a session token for subject. longLived selects the remember-me
// lifetime.
func (i *Issuer) Issue(subject string, longLived bool) (string, time.Time, error) {
	ttl := i.sessionTTL
	if longLived {
		ttl = i.rememberTTL
	}
	return i.sign(subject, "", ttl, Scope{})
}

// IssuePurpose mints a narrow token. ttl is clamped to [MinPurposeTTL, MaxPurposeTTL].
func (i *Issuer) IssuePurpose(subject, purpose string, ttl time.Duration, scope Scope) (string, time.Time, error) {
	if purpose == "" {
		return "", time.Time{}, errors.New("purpose token requires a purpose")
	}
	if ttl < MinPurposeTTL {
		ttl = MinPurposeTTL
	}
	if ttl > MaxPurposeTTL {
		ttl = MaxPurposeTTL
	}
	return i.sign(subject, purpose, ttl, scope)
}

func (i *Issuer) sign(subject, purpose string, ttl time.Duration, scope Scope) (string, time.Time, error) {
	priv, err := i.keys.PrivateKey()
	if err != nil {
		return "", time.Time{}, err
	}
	now := i.clock.Now()
	exp := now.Add(ttl)
	claims := Claims{
		Purpose:  purpose,
		Resource: scope.Resource,
		Archive:  scope.Archive,
		Format:   scope.Format,
		Label:    scope.Label,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(priv)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks structure, algorithm, signature, issuer and lifetime. It
// never returns an error: any failure yields (nil, false).
func (i *Issuer) Verify(tokenString string) (*Claims, bool) {
	if tokenString == "" {
		return nil, false
	}
	pub, err := i.keys.PublicKey()
	if err != nil {
		return nil, false
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(i.clock.Now),
	)
	claims := &Claims{}
	tok, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return pub, nil
	})
	if err != nil || !tok.Valid || claims.Subject == "" {
		return nil, false
	}
	return claims, true
}

// VerifySession accepts only session tokens (no purpose).
func (i *Issuer) VerifySession(tokenString string) (*Claims, bool) {
	claims, ok := i.Verify(tokenString)
	if !ok || claims.Purpose != "" {
		return nil, false
	}
	return claims, true
}

// VerifyPurpose accepts only tokens carrying exactly purpose.
func (i *Issuer) VerifyPurpose(tokenString, purpose string) (*Claims, bool) {
	claims, ok := i.Verify(tokenString)
	if !ok || purpose == "" || claims.Purpose != purpose {
		return nil, false
	}
	return claims, true
}

// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

// Package vault holds short-lived secrets that must be exchanged exactly
// once. Each entry is sealed with a key derived from a random access password
// that only the client receives; the vault itself never stores the password
// or the plaintext.
package vault

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/backupgate/backupgate/internal/clock"
	"github.com/backupgate/backupgate/internal/codec"
	"github.com/backupgate/backupgate/internal/logging"
	"github.com/backupgate/backupgate/internal/security"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
)

// Defaults for Vault.
const (
	DefaultTTL           = 5 * time.Minute
	MaxTTL               = DefaultTTL
	DefaultSweepInterval = 30 * time.Second
	IDLength             = 4
	PasswordLength       = 128

	keyContext    = "backupgate vault entry key v1"
	maxIDAttempts = 32
	tagSize       = chacha20poly1305.Overhead
)

// ErrFull is returned by Store when no free identifier could be found.
var ErrFull = errors.New("vault: no free entry identifier")

// Ticket is what the client needs to redeem an entry.
type Ticket struct {
	ID             string
	AccessPassword string
	ExpiresAt      time.Time
}

type entry struct {
	ciphertext []byte
	nonce      []byte
	tag        []byte
	expiresAt  time.Time
}

// Options configures a Vault. Zero values select the defaults; TTL is capped
// at MaxTTL.
type Options struct {
	TTL   time.Duration
	Clock clock.Clock
}

// Vault stores payloads of type T. It is safe for concurrent use.
type Vault[T any] struct {
	ttl   time.Duration
	clock clock.Clock

	mu      sync.Mutex
	entries map[string]entry
}

// New returns an empty Vault.
func New[T any](opts Options) *Vault[T] {
	v := &Vault[T]{
		ttl:     opts.TTL,
		clock:   clock.OrSystem(opts.Clock),
		entries: make(map[string]entry),
	}
	if v.ttl <= 0 || v.ttl > MaxTTL {
		v.ttl = DefaultTTL
	}
	return v
}

// Store seals payload and returns the ticket that redeems it.
func (v *Vault[T]) Store(payload T) (Ticket, error) {
	plaintext, err := codec.Marshal(payload)
	if err != nil {
		return Ticket{}, fmt.Errorf("vault: encode payload: %w", err)
	}
	defer zero(plaintext)

	password, err := security.RandomString(PasswordLength, security.Alphanumeric)
	if err != nil {
		return Ticket{}, fmt.Errorf("vault: %w", err)
	}
	aead, err := newAEAD(password)
	if err != nil {
		return Ticket{}, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Ticket{}, fmt.Errorf("vault: nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	split := len(sealed) - tagSize

	expiresAt := v.clock.Now().Add(v.ttl)
	e := entry{
		ciphertext: sealed[:split],
		tag:        sealed[split:],
		nonce:      nonce,
		expiresAt:  expiresAt,
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.clock.Now()
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := security.RandomString(IDLength, security.Alphanumeric)
		if err != nil {
			return Ticket{}, fmt.Errorf("vault: %w", err)
		}
		if existing, taken := v.entries[id]; taken && now.Before(existing.expiresAt) {
			continue
		}
		v.entries[id] = e
		return Ticket{ID: id, AccessPassword: password, ExpiresAt: expiresAt}, nil
	}
	return Ticket{}, ErrFull
}

// Consume redeems an entry. The entry is removed before decryption is
// attempted, so a second call with the same id fails whatever the first call's
// outcome. Unknown, expired, or undecryptable entries yield false.
func (v *Vault[T]) Consume(id, accessPassword string) (T, bool) {
	var out T

	v.mu.Lock()
	e, ok := v.entries[id]
	if ok {
		delete(v.entries, id)
	}
	v.mu.Unlock()

	if !ok || !v.clock.Now().Before(e.expiresAt) {
		return out, false
	}

	aead, err := newAEAD(accessPassword)
	if err != nil {
		return out, false
	}
	sealed := make([]byte, 0, len(e.ciphertext)+len(e.tag))
	sealed = append(sealed, e.ciphertext...)
	sealed = append(sealed, e.tag...)
	plaintext, err := aead.Open(nil, e.nonce, sealed, nil)
	if err != nil {
		logging.Debugf("vault: entry %s rejected", id)
		return out, false
	}
	if err := codec.Unmarshal(plaintext, &out); err != nil {
		var empty T
		return empty, false
	}
	return out, true
}

// Sweep removes expired entries and returns how many were dropped.
func (v *Vault[T]) Sweep() int {
	now := v.clock.Now()
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for id, e := range v.entries {
		if !now.Before(e.expiresAt) {
			delete(v.entries, id)
			n++
		}
	}
	return n
}

// Len returns the number of live and not yet swept entries.
func (v *Vault[T]) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.entries)
}

// Run sweeps every interval until ctx is done.
func (v *Vault[T]) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := v.Sweep(); n > 0 {
				logging.Debugf("vault: swept %d expired entries", n)
			}
		}
	}
}

func newAEAD(password string) (cipher.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	blake3.DeriveKey(keyContext, []byte(password), key)
	defer zero(key)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("vault: cipher: %w", err)
	}
	return aead, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

// Package keyring owns the long-lived Ed25519 keypair used to sign session
// tokens. The pair is generated once per deployment and persisted in the data
// directory: the private key as an OpenSSH PEM block (0600, optionally sealed
// with an age passphrase) and the public key as an authorized_keys line (0644).
package keyring

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"filippo.io/age"
	"filippo.io/age/armor"
	"github.com/backupgate/backupgate/internal/logging"
	"github.com/backupgate/backupgate/internal/security"
	"golang.org/x/crypto/ssh"
)

// File names inside the key directory.
const (
	PrivateKeyFile = "token_signing_key"
	PublicKeyFile  = "token_signing_key.pub"

	keyComment = "backupgate-token-signing"
)

var (
	// ErrNotInitialized is returned by key accessors before Initialize succeeds.
	ErrNotInitialized = errors.New("keyring not initialized")
	// ErrPassphraseRequired is returned when the private key is sealed and no
	// passphrase was configured.
	ErrPassphraseRequired = errors.New("signing key is sealed and no passphrase is configured")
	// ErrKeyMismatch is returned when the stored public key does not belong to
	// the stored private key.
	ErrKeyMismatch = errors.New("stored public key does not match private key")
)

// Options configures a Keyring.
type Options struct {
	// Passphrase, when set, seals newly written private keys with age (scrypt)
	// and unseals sealed ones on load.
	Passphrase security.Secret
	// ScryptWorkFactor overrides age's default scrypt cost (log2 N) when sealing.
	ScryptWorkFactor int
}

// Keyring is safe for concurrent use.
type Keyring struct {
	dir  string
	opts Options

	mu   sync.RWMutex
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// New returns an uninitialized Keyring rooted at dir.
func New(dir string, opts Options) *Keyring {
	return &Keyring{dir: dir, opts: opts}
}

// Dir returns the key directory.
func (k *Keyring) Dir() string { return k.dir }

// Initialize loads the keypair, generating and persisting it when no private
// key exists yet. It reports whether a new pair was generated. Calling it
// again after success is a no-op.
func (k *Keyring) Initialize() (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.priv != nil {
		return false, nil
	}

	privPath := filepath.Join(k.dir, PrivateKeyFile)
	pubPath := filepath.Join(k.dir, PublicKeyFile)

	privData, err := os.ReadFile(privPath)
	switch {
	case err == nil:
		priv, err := k.decodePrivate(privData)
		if err != nil {
			return false, fmt.Errorf("load %s: %w", privPath, err)
		}
		pub := priv.Public().(ed25519.PublicKey)

		stored, err := readPublic(pubPath)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			logging.Warnf("public signing key missing, re-deriving %s", pubPath)
			if err := writePublic(pubPath, pub); err != nil {
				return false, err
			}
		case err != nil:
			return false, fmt.Errorf("load %s: %w", pubPath, err)
		case !stored.Equal(pub):
			return false, ErrKeyMismatch
		}
		k.priv, k.pub = priv, pub
		return false, nil

	case errors.Is(err, fs.ErrNotExist):
		if _, statErr := os.Stat(pubPath); statErr == nil {
			logging.Warnf("private signing key missing but %s exists, generating a new pair", pubPath)
		}
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return false, fmt.Errorf("generate signing key: %w", err)
		}
		if err := os.MkdirAll(k.dir, 0o700); err != nil {
			return false, fmt.Errorf("create key directory: %w", err)
		}
		if err := k.writePrivate(privPath, priv); err != nil {
			return false, err
		}
		if err := writePublic(pubPath, pub); err != nil {
			return false, err
		}
		k.priv, k.pub = priv, pub
		logging.Infof("generated new token signing key in %s", k.dir)
		return true, nil

	default:
		return false, fmt.Errorf("read %s: %w", privPath, err)
	}
}

// PrivateKey returns the signing key.
func (k *Keyring) PrivateKey() (ed25519.PrivateKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.priv == nil {
		return nil, ErrNotInitialized
	}
	return k.priv, nil
}

// PublicKey returns the verification key.
func (k *Keyring) PublicKey() (ed25519.PublicKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.pub == nil {
		return nil, ErrNotInitialized
	}
	return k.pub, nil
}

// Fingerprint returns the SHA256 fingerprint of the public key in OpenSSH form.
func (k *Keyring) Fingerprint() (string, error) {
	pub, err := k.PublicKey()
	if err != nil {
		return "", err
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", err
	}
	return ssh.FingerprintSHA256(sshPub), nil
}

// Sealed reports whether the private key file on disk is age-sealed.
func (k *Keyring) Sealed() (bool, error) {
	data, err := os.ReadFile(filepath.Join(k.dir, PrivateKeyFile))
	if err != nil {
		return false, err
	}
	return isSealed(data), nil
}

// Reseal rewrites the private key file sealed with passphrase. An empty
// passphrase writes it unsealed.
func (k *Keyring) Reseal(passphrase security.Secret) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.priv == nil {
		return ErrNotInitialized
	}
	k.opts.Passphrase = passphrase
	return k.writePrivate(filepath.Join(k.dir, PrivateKeyFile), k.priv)
}

func isSealed(data []byte) bool {
	return bytes.HasPrefix(bytes.TrimSpace(data), []byte(armor.Header))
}

func (k *Keyring) decodePrivate(data []byte) (ed25519.PrivateKey, error) {
	if isSealed(data) {
		if k.opts.Passphrase.IsEmpty() {
			return nil, ErrPassphraseRequired
		}
		identity, err := age.NewScryptIdentity(k.opts.Passphrase.Reveal())
		if err != nil {
			return nil, err
		}
		r, err := age.Decrypt(armor.NewReader(bytes.NewReader(data)), identity)
		if err != nil {
			return nil, fmt.Errorf("unseal: %w", err)
		}
		if data, err = io.ReadAll(r); err != nil {
			return nil, fmt.Errorf("unseal: %w", err)
		}
	}

	raw, err := ssh.ParseRawPrivateKey(data)
	if err != nil {
		return nil, err
	}
	switch key := raw.(type) {
	case *ed25519.PrivateKey:
		return *key, nil
	case ed25519.PrivateKey:
		return key, nil
	default:
		return nil, fmt.Errorf("unexpected key type %T", raw)
	}
}

func (k *Keyring) writePrivate(path string, priv ed25519.PrivateKey) error {
	block, err := ssh.MarshalPrivateKey(priv, keyComment)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	data := pem.EncodeToMemory(block)

	if !k.opts.Passphrase.IsEmpty() {
		recipient, err := age.NewScryptRecipient(k.opts.Passphrase.Reveal())
		if err != nil {
			return err
		}
		if k.opts.ScryptWorkFactor > 0 {
			recipient.SetWorkFactor(k.opts.ScryptWorkFactor)
		}
		var buf bytes.Buffer
		aw := armor.NewWriter(&buf)
		w, err := age.Encrypt(aw, recipient)
		if err != nil {
			return fmt.Errorf("seal private key: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("seal private key: %w", err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("seal private key: %w", err)
		}
		if err := aw.Close(); err != nil {
			return fmt.Errorf("seal private key: %w", err)
		}
		data = buf.Bytes()
	}
	return writeFile(path, data, 0o600)
}

func readPublic(path string) (ed25519.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	parsed, _, _, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return nil, err
	}
	cpk, ok := parsed.(ssh.CryptoPublicKey)
	if !ok {
		return nil, fmt.Errorf("unsupported public key type %s", parsed.Type())
	}
	pub, ok := cpk.CryptoPublicKey().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %s, want ed25519", parsed.Type())
	}
	return pub, nil
}

func writePublic(path string, pub ed25519.PublicKey) error {
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return fmt.Errorf("encode public key: %w", err)
	}
	line := bytes.TrimSpace(ssh.MarshalAuthorizedKey(sshPub))
	line = append(line, []byte(" "+keyComment+"\n")...)
	return writeFile(path, line, 0o644)
}

// writeFile writes data and enforces perm even when the file already existed.
func writeFile(path string, data []byte, perm os.FileMode) error {
	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Chmod(path, perm); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	return nil
}

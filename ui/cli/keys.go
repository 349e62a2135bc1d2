// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/backupgate/backupgate/internal/keyring"
	"github.com/backupgate/backupgate/internal/security"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var errPassphraseMismatch = errors.New("passphrases do not match")

func newKeysCmd() *cobra.Command {
	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the token signing key",
	}

	var seal, unseal bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate the signing key if missing, optionally (re)sealing it with a passphrase",
		Long: `Generates the ed25519 token signing key in the data directory when none
exists. With --seal the private key file is encrypted with a passphrase read
from the terminal; the same passphrase must then be supplied as
keyring.passphrase (or BACKUPGATE_KEYRING_PASSPHRASE) when serving.
--unseal writes the key back in the clear.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if seal && unseal {
				return errors.New("--seal and --unseal are mutually exclusive")
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			opts := keyring.Options{Passphrase: cfg.Keyring.Passphrase}
			var newPass security.Secret
			if seal {
				if newPass, err = promptNewPassphrase(cmd); err != nil {
					return err
				}
				defer newPass.Zero()
			}
			keys := keyring.New(cfg.DataDir, opts)
			if _, err := os.Stat(keyPath(keys)); errors.Is(err, os.ErrNotExist) && seal {
				// A fresh key is written sealed from the start.
				opts.Passphrase = newPass
				keys = keyring.New(cfg.DataDir, opts)
			}
			created, err := keys.Initialize()
			if err != nil {
				return err
			}

			switch {
			case seal && !created:
				if err := keys.Reseal(newPass); err != nil {
					return err
				}
			case unseal:
				if err := keys.Reseal(nil); err != nil {
					return err
				}
			}
			return printKeyStatus(cmd.OutOrStdout(), keys, created)
		},
	}
	initCmd.Flags().BoolVar(&seal, "seal", false, "Encrypt the private key with a passphrase")
	initCmd.Flags().BoolVar(&unseal, "unseal", false, "Store the private key unencrypted")
	applyDefaultFlags(initCmd)

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the signing key fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			keys := keyring.New(cfg.DataDir, keyring.Options{Passphrase: cfg.Keyring.Passphrase})
			if _, err := os.Stat(keyPath(keys)); err != nil {
				return fmt.Errorf("%w: run 'backupgate keys init' first", keyring.ErrNotInitialized)
			}
			if _, err := keys.Initialize(); err != nil {
				return err
			}
			return printKeyStatus(cmd.OutOrStdout(), keys, false)
		},
	}
	applyDefaultFlags(showCmd)

	keysCmd.AddCommand(initCmd, showCmd)
	return keysCmd
}

func keyPath(keys *keyring.Keyring) string {
	return filepath.Join(keys.Dir(), keyring.PrivateKeyFile)
}

func printKeyStatus(w io.Writer, keys *keyring.Keyring, created bool) error {
	fp, err := keys.Fingerprint()
	if err != nil {
		return err
	}
	sealed, err := keys.Sealed()
	if err != nil {
		return err
	}
	state := "existing"
	if created {
		state = "generated"
	}
	fmt.Fprintf(w, "key: %s (%s)\n", keyPath(keys), state)
	fmt.Fprintf(w, "fingerprint: %s\n", fp)
	fmt.Fprintf(w, "sealed: %t\n", sealed)
	return nil
}

// promptNewPassphrase asks twice for a passphrase. Input is hidden on a
// terminal; otherwise two lines are read from the command's input.
func promptNewPassphrase(cmd *cobra.Command) (security.Secret, error) {
	in := bufio.NewReader(cmd.InOrStdin())
	first, err := readPassphrase(cmd, in, "New passphrase: ")
	if err != nil {
		return nil, err
	}
	if first.IsEmpty() {
		return nil, errors.New("passphrase must not be empty")
	}
	second, err := readPassphrase(cmd, in, "Repeat passphrase: ")
	if err != nil {
		first.Zero()
		return nil, err
	}
	defer second.Zero()
	if !security.Equal(first, second) {
		first.Zero()
		return nil, errPassphraseMismatch
	}
	return first, nil
}

func readPassphrase(cmd *cobra.Command, in *bufio.Reader, prompt string) (security.Secret, error) {
	fmt.Fprint(cmd.ErrOrStderr(), prompt)
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return nil, fmt.Errorf("read passphrase: %w", err)
		}
		return security.FromBytes(b), nil
	}
	line, err := in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return nil, fmt.Errorf("read passphrase: %w", err)
	}
	return security.FromString(strings.TrimRight(line, "\r\n")), nil
}

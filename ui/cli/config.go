// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/backupgate/backupgate/internal/config"
	"github.com/backupgate/backupgate/internal/security"
	"github.com/spf13/cobra"
)

const (
	generatedAdminPathLength = 16
	generatedPasswordLength  = 24
	defaultAdminUsername     = "admin"
)

func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Create and locate configuration files",
	}

	var system, force bool
	var path string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file with a random admin path and password",
		Long: `Writes the effective configuration (defaults, environment and flags) as
YAML. An unset admin_path or admin.password is replaced with a random value,
which is printed once. The file is created with mode 0600.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				var err error
				if path, err = config.DefaultPath(system); err != nil {
					return err
				}
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			generated, err := fillGenerated(&cfg)
			if err != nil {
				return err
			}
			view := cfg.FileView()
			written, err := config.WriteConfigFile(&view, path, system)
			if err != nil {
				return fmt.Errorf("write config: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "wrote %s\n", written)
			for _, kv := range generated {
				fmt.Fprintf(out, "%s: %s\n", kv[0], kv[1])
			}
			return nil
		},
	}
	initCmd.Flags().BoolVar(&system, "system", false, "Write the system-wide file instead of the user file")
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	initCmd.Flags().StringVar(&path, "path", "", "Write to this path instead of the default location")
	initCmd.Flags().String("admin.username", "", `Admin username (default "admin")`)
	applyServeFlags(initCmd)

	pathCmd := &cobra.Command{
		Use:   "path",
		Short: "Print the default configuration file locations",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := config.DefaultPath(false)
			if err != nil {
				return err
			}
			sys, err := config.DefaultPath(true)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user: %s\nsystem: %s\n", user, sys)
			return nil
		},
	}

	configCmd.AddCommand(initCmd, pathCmd)
	return configCmd
}

// fillGenerated sets random values for the admin path and password when they
// are unset and returns the generated key/value pairs for display.
func fillGenerated(cfg *config.Config) ([][2]string, error) {
	var generated [][2]string
	if cfg.Admin.Username == "" {
		cfg.Admin.Username = defaultAdminUsername
	}
	if cfg.AdminPath == "" {
		p, err := security.RandomString(generatedAdminPathLength, security.Alphanumeric)
		if err != nil {
			return nil, err
		}
		cfg.AdminPath = p
		generated = append(generated, [2]string{"admin_path", p})
	}
	if cfg.Admin.Password.IsEmpty() {
		p, err := security.RandomString(generatedPasswordLength, security.Alphanumeric)
		if err != nil {
			return nil, err
		}
		cfg.Admin.Password = security.FromString(p)
		generated = append(generated, [2]string{"admin.password", p})
	}
	return generated, nil
}

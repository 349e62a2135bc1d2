// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

// main.go sets up the root command, shared flags, configuration loading and
// build version resolution.

package cli

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/backupgate/backupgate/buildvars"
	"github.com/backupgate/backupgate/internal/config"
	"github.com/backupgate/backupgate/internal/db"
	"github.com/backupgate/backupgate/internal/i18n"
	"github.com/backupgate/backupgate/internal/logging"
	"github.com/spf13/cobra"
)

const modulePath = "github.com/backupgate/backupgate"

var version = "dev"   // this will be set by the linker
var gitCommit = "dev" // set at build time with the short commit SHA
var buildDate = ""    // set at build time (RFC3339)

var verbose bool
var showVersionFlag bool

// Execute runs the CLI entrypoint.
func Execute() error {
	return NewRootCmd().Execute()
}

// loadConfig resolves the configuration for cmd and applies the logging and
// language settings it carries. Logs go to the command's error stream.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, err := getConfigPathFromCli(cmd)
	if err != nil {
		return config.Config{}, err
	}
	cfg, err := config.LoadConfig[config.Config](cmd, config.Defaults(), path)
	if err != nil {
		return cfg, fmt.Errorf("error loading config: %w", err)
	}
	if verbose {
		cfg.Log.Level = "debug"
		db.SetDebug(true)
	}
	logging.SetOutput(cmd.ErrOrStderr())
	if err := logging.Configure(cfg.Log.Level, cfg.Log.Format); err != nil {
		return cfg, err
	}
	i18n.Init(cfg.Language)
	return cfg, nil
}

func applyDefaultFlags(cmd *cobra.Command) {
	// NewRootCmd may run more than once in tests against shared subcommands;
	// pflag panics on duplicate definitions.
	if cmd.Flags().Lookup("data_dir") == nil {
		cmd.Flags().String("data_dir", "./data", "Directory holding keys and login records")
	}
	if cmd.Flags().Lookup("records.backend") == nil {
		cmd.Flags().String("records.backend", "json", "Login record store (json, sqlite, postgres, mysql)")
	}
	if cmd.Flags().Lookup("records.dsn") == nil {
		cmd.Flags().String("records.dsn", "", "Login record store DSN for SQL backends")
	}
}

func getConfigPathFromCli(cmd *cobra.Command) (*string, error) {
	if cmd.Flags().Lookup("config") == nil || !cmd.Flags().Changed("config") {
		return nil, nil
	}
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("could not read --config flag: %w", err)
	}
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file specified via --config flag not found or is not accessible: %w", err)
	}
	return &path, nil
}

// NewRootCmd creates the root command. Running it without a subcommand
// starts the gateway.
func NewRootCmd() *cobra.Command {
	serve := newServeCmd()
	cmd := &cobra.Command{
		Use:   "backupgate",
		Short: "Backupgate streams allow-listed directories and Borg archives to a single admin.",
		Long: `Backupgate is a single-operator gateway. It authenticates one admin,
throttles failed logins per address and streams archives of configured
directories and Borg repositories straight to the browser.

Running without a subcommand starts the server.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if showVersionFlag {
				fmt.Println(compositeVersion())
				os.Exit(0)
			}
		},
		RunE: serve.RunE,
	}
	cmd.Version = compositeVersion()

	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	cmd.PersistentFlags().BoolVarP(&showVersionFlag, "version", "V", false, "Print version and exit")
	cmd.PersistentFlags().String("config", "", "config file")
	cmd.PersistentFlags().String("language", "en", `Message language ("en", "zh")`)
	applyServeFlags(cmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			v, c, d := resolveBuildVersion(nil)
			fmt.Fprintf(cmd.OutOrStdout(), "version: %s\n", v)
			fmt.Fprintf(cmd.OutOrStdout(), "commit: %s\n", c)
			if d != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "built: %s\n", d)
			}
		},
	}

	cmd.AddCommand(
		serve,
		newKeysCmd(),
		newRecordsCmd(),
		newConfigCmd(),
		versionCmd,
	)
	return cmd
}

func compositeVersion() string {
	v, c, d := resolveBuildVersion(nil)
	out := v
	if c != "" && c != "dev" {
		out = out + " (" + c + ")"
	}
	if d != "" {
		out = out + " built: " + d
	}
	return out
}

// resolveBuildVersion computes the best-available version, commit and build
// date for the running binary. If `info` is nil, it reads build info from
// the runtime.
func resolveBuildVersion(info *debug.BuildInfo) (versionOut, commitOut, dateOut string) {
	resolvedVersion := buildvars.VersionOrDefault(version)
	resolvedCommit := gitCommit
	resolvedDate := buildDate

	var ok bool
	if info == nil {
		if infoLocal, found := debug.ReadBuildInfo(); found {
			info = infoLocal
			ok = true
		}
	} else {
		ok = true
	}

	if ok && info != nil {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			resolvedVersion = info.Main.Version
		}
		// Some build paths only record our module as a dependency.
		if (resolvedVersion == "dev" || resolvedVersion == "(devel)") && info.Deps != nil {
			for _, dep := range info.Deps {
				if dep.Path == modulePath && dep.Version != "" {
					resolvedVersion = dep.Version
					break
				}
			}
		}

		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if s.Value != "" {
					resolvedCommit = s.Value
				}
			case "vcs.time":
				if s.Value != "" {
					resolvedDate = s.Value
				}
			}
		}
	}

	if resolvedVersion == "dev" && gitCommit != "dev" && gitCommit != "" {
		resolvedVersion = gitCommit
	}

	return resolvedVersion, resolvedCommit, resolvedDate
}

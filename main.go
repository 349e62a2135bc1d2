// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

// Command-line entrypoint for Backupgate.
//
// Usage:
//
//	go run . [flags]
//	./backupgate [command] [flags]
//
// Without a command the gateway is started. See --help for options.
package main

import (
	"log"
	"os"

	"github.com/backupgate/backupgate/ui/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		log.Printf("backupgate: %v", err)
		os.Exit(1)
	}
}

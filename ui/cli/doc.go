// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.
//
// Package cli implements the command-line interface for Backupgate using Cobra.
// It loads configuration, wires the internal services together and runs the
// HTTP gateway. Commands stay thin and delegate to the internal packages.
package cli

// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package export

import "errors"

var (
	// ErrInvalidPath is returned for empty or relative resource paths.
	ErrInvalidPath = errors.New("export: invalid path")
	// ErrNotFound is returned when the requested path does not exist.
	ErrNotFound = errors.New("export: path not found")
	// ErrForbidden is returned when a resource is outside every allowed root.
	ErrForbidden = errors.New("export: resource not allowed")
	// ErrNotDirectory is returned when a directory export targets a file.
	ErrNotDirectory = errors.New("export: not a directory")
	// ErrUnsupportedFormat is returned for unknown formats and for zip
	// requested from a tar-only source.
	ErrUnsupportedFormat = errors.New("export: unsupported format")
	// ErrUnknownSource is returned for an unrecognized source kind.
	ErrUnknownSource = errors.New("export: unknown source kind")
)

// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"

	"github.com/backupgate/backupgate/internal/model"
)

// RecordStore persists LoginRecords. The in-memory throttle is authoritative;
// a RecordStore only mirrors it so state survives restarts. Implementations
// must be safe for use by one writer goroutine plus concurrent readers.
type RecordStore interface {
	// LoadRecords returns every stored record, oldest first.
	LoadRecords(ctx context.Context) ([]model.LoginRecord, error)
	// AppendRecords stores new records.
	AppendRecords(ctx context.Context, records ...model.LoginRecord) error
	// DeleteRecords removes the records with the given IDs. Unknown IDs are ignored.
	DeleteRecords(ctx context.Context, ids []string) error
	// Close releases resources held by the store.
	Close() error
}

// Supported record store backends.
const (
	BackendJSON     = "json"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMySQL    = "mysql"
)

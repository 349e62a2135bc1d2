// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"fmt"
	"time"

	"github.com/backupgate/backupgate/internal/model"
	"github.com/uptrace/bun"
)

// LoginRecordModel is the Bun mapping for the login_records table.
type LoginRecordModel struct {
	bun.BaseModel `bun:"table:login_records"`
	ID            string    `bun:"id,pk"`
	Timestamp     time.Time `bun:"ts"`
	Address       string    `bun:"address"`
	Username      string    `bun:"username"`
	Succeeded     bool      `bun:"succeeded"`
	Country       string    `bun:"country"`
}

func recordToModel(r model.LoginRecord) LoginRecordModel {
	return LoginRecordModel{
		ID:        r.ID,
		Timestamp: r.Timestamp.UTC(),
		Address:   r.Address,
		Username:  r.Username,
		Succeeded: r.Succeeded,
		Country:   r.Country,
	}
}

func modelToRecord(m LoginRecordModel) model.LoginRecord {
	return model.LoginRecord{
		ID:        m.ID,
		Timestamp: m.Timestamp.UTC(),
		Address:   m.Address,
		Username:  m.Username,
		Succeeded: m.Succeeded,
		Country:   m.Country,
	}
}

// SQLStore is a RecordStore on SQLite, PostgreSQL or MySQL.
type SQLStore struct {
	bun    *bun.DB
	dbType string
}

// BunDB returns the underlying Bun handle.
func (s *SQLStore) BunDB() *bun.DB { return s.bun }

// LoadRecords returns every record ordered by timestamp.
func (s *SQLStore) LoadRecords(ctx context.Context) ([]model.LoginRecord, error) {
	var rows []LoginRecordModel
	if err := s.bun.NewSelect().Model(&rows).Order("ts ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("load login records: %w", err)
	}
	out := make([]model.LoginRecord, 0, len(rows))
	for _, m := range rows {
		out = append(out, modelToRecord(m))
	}
	return out, nil
}

// AppendRecords inserts records in one statement.
func (s *SQLStore) AppendRecords(ctx context.Context, records ...model.LoginRecord) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([]LoginRecordModel, 0, len(records))
	for _, r := range records {
		rows = append(rows, recordToModel(r))
	}
	if _, err := s.bun.NewInsert().Model(&rows).Exec(ctx); err != nil {
		return MapDBError(err)
	}
	return nil
}

// DeleteRecords removes records by ID.
func (s *SQLStore) DeleteRecords(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.bun.NewDelete().
		Model((*LoginRecordModel)(nil)).
		Where("id IN (?)", bun.In(ids)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete login records: %w", err)
	}
	return nil
}

// CountRecords returns the number of stored records.
func (s *SQLStore) CountRecords(ctx context.Context) (int, error) {
	var n int
	if err := QueryRawInto(ctx, s.bun, &n, "SELECT COUNT(*) FROM login_records"); err != nil {
		return 0, err
	}
	return n, nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.bun.Close()
}

// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/backupgate/backupgate/internal/model"
)

// RecordsFileName is the file used by the JSON backend inside the data directory.
const RecordsFileName = "login-records.json"

type recordsFile struct {
	Records []model.LoginRecord `json:"records"`
}

// JSONFileStore keeps all records in a single JSON document that is rewritten
// atomically (temp file + rename) on every change.
type JSONFileStore struct {
	path string

	mu      sync.Mutex
	records []model.LoginRecord
	loaded  bool
}

// NewJSONFileStore returns a store backed by path. The parent directory is
// created on first write.
func NewJSONFileStore(path string) *JSONFileStore {
	return &JSONFileStore{path: path}
}

// Path returns the backing file path.
func (s *JSONFileStore) Path() string { return s.path }

// LoadRecords reads the file. A missing file yields no records. A corrupt file
// is moved aside and ErrCorrupt is returned; the store then starts empty.
func (s *JSONFileStore) LoadRecords(ctx context.Context) ([]model.LoginRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	out := make([]model.LoginRecord, len(s.records))
	copy(out, s.records)
	return out, nil
}

func (s *JSONFileStore) loadLocked() error {
	s.loaded = true
	s.records = nil

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return nil
	}

	var doc recordsFile
	if err := json.Unmarshal(data, &doc); err != nil {
		aside := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().Unix())
		if rerr := os.Rename(s.path, aside); rerr != nil {
			dbLogf("db: could not move corrupt %s aside: %v", s.path, rerr)
		}
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path, err)
	}
	s.records = doc.Records
	return nil
}

// AppendRecords appends records and rewrites the file.
func (s *JSONFileStore) AppendRecords(ctx context.Context, records ...model.LoginRecord) error {
	if len(records) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return err
	}
	for _, r := range records {
		for _, existing := range s.records {
			if existing.ID == r.ID {
				return ErrDuplicate
			}
		}
	}
	s.records = append(s.records, records...)
	return s.writeLocked(ctx)
}

// DeleteRecords removes records by ID and rewrites the file.
func (s *JSONFileStore) DeleteRecords(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(); err != nil {
		return err
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := s.records[:0]
	for _, r := range s.records {
		if _, ok := drop[r.ID]; !ok {
			kept = append(kept, r)
		}
	}
	s.records = kept
	return s.writeLocked(ctx)
}

// Close is a no-op; every change is already on disk.
func (s *JSONFileStore) Close() error { return nil }

func (s *JSONFileStore) ensureLoaded() error {
	if s.loaded {
		return nil
	}
	if err := s.loadLocked(); err != nil && !errors.Is(err, ErrCorrupt) {
		return err
	}
	return nil
}

func (s *JSONFileStore) writeLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	doc := recordsFile{Records: s.records}
	if doc.Records == nil {
		doc.Records = []model.LoginRecord{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode records: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".login-records-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace %s: %w", s.path, err)
	}
	dbLogf("db: wrote %d login records to %s", len(s.records), s.path)
	return nil
}

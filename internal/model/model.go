// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

// package model defines the data structures shared between the stores and
// the services built on top of them.
package model // import "github.com/backupgate/backupgate/internal/model"

import (
	"time"
)

// Field limits applied before a LoginRecord is stored.
const (
	MaxUsernameLength = 100
	MaxAddressLength  = 45
)

// LoginRecord is one login attempt. Records are append-only: once stored they
// are never mutated, only pruned.
type LoginRecord struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Address   string    `json:"ip"`
	Username  string    `json:"username"`
	Succeeded bool      `json:"success"`
	Country   string    `json:"country,omitempty"`
}

// Truncate returns a copy of r with its free-text fields cut to their limits.
func (r LoginRecord) Truncate() LoginRecord {
	r.Username = truncate(r.Username, MaxUsernameLength)
	r.Address = truncate(r.Address, MaxAddressLength)
	return r
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// RecordPage is one page of login records, newest first.
type RecordPage struct {
	Records    []LoginRecord `json:"records"`
	Page       int           `json:"page"`
	PageSize   int           `json:"pageSize"`
	Total      int           `json:"total"`
	TotalPages int           `json:"totalPages"`
}

// Archive is one archive inside a Borg repository.
type Archive struct {
	Name  string    `json:"name"`
	ID    string    `json:"id"`
	Start time.Time `json:"start"`
	Time  time.Time `json:"time"`
}

// Source is one configured export source.
type Source struct {
	Path   string `json:"path"`
	Name   string `json:"name"`
	Remote bool   `json:"remote,omitempty"`
}

// Sources lists what the gateway is allowed to export.
type Sources struct {
	Directories []Source `json:"directories"`
	Repos       []Source `json:"repos"`
}

// DirEntry is one child of a browsed directory.
type DirEntry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Type    string    `json:"type"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

// Package geoip resolves client addresses to ISO country codes using a
// MaxMind City database. A nil *Locator resolves nothing.
package geoip

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// Locator wraps an open City database.
type Locator struct {
	city *geoip2.Reader
}

// Open opens the database at path. An empty path returns a nil Locator.
func Open(path string) (*Locator, error) {
	if path == "" {
		return nil, nil
	}
	r, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("geoip: open %s: %w", path, err)
	}
	return &Locator{city: r}, nil
}

// Country returns the ISO 3166-1 code for address, or "" when unknown.
func (l *Locator) Country(address string) string {
	if l == nil || l.city == nil {
		return ""
	}
	ip := net.ParseIP(address)
	if ip == nil || ip.IsLoopback() || ip.IsPrivate() {
		return ""
	}
	record, err := l.city.City(ip)
	if err != nil {
		return ""
	}
	return record.Country.IsoCode
}

// Close releases the database.
func (l *Locator) Close() error {
	if l == nil || l.city == nil {
		return nil
	}
	return l.city.Close()
}

// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package export

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Format is an archive container plus compression.
type Format string

const (
	FormatZip    Format = "zip"
	FormatTar    Format = "tar"
	FormatTarGz  Format = "tar.gz"
	FormatTarZst Format = "tar.zst"
	FormatTarLz4 Format = "tar.lz4"
)

// Formats lists every supported format.
var Formats = []Format{FormatZip, FormatTar, FormatTarGz, FormatTarZst, FormatTarLz4}

var formatAliases = map[string]Format{
	"tgz":  FormatTarGz,
	"gz":   FormatTarGz,
	"zst":  FormatTarZst,
	"zstd": FormatTarZst,
	"lz4":  FormatTarLz4,
}

// ParseFormat parses a format name. The empty string yields "" and no error so
// callers can apply a per-source default.
func ParseFormat(s string) (Format, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", nil
	}
	for _, f := range Formats {
		if string(f) == s {
			return f, nil
		}
	}
	if f, ok := formatAliases[s]; ok {
		return f, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
}

// IsTar reports whether f is a tar container.
func (f Format) IsTar() bool { return f != FormatZip }

// Extension returns the file name suffix including the leading dot.
func (f Format) Extension() string { return "." + string(f) }

// ContentType returns the MIME type served for f.
func (f Format) ContentType() string {
	switch f {
	case FormatZip:
		return "application/zip"
	case FormatTar:
		return "application/x-tar"
	case FormatTarGz:
		return "application/gzip"
	case FormatTarZst:
		return "application/zstd"
	case FormatTarLz4:
		return "application/x-lz4"
	default:
		return "application/octet-stream"
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// compressor wraps w with the stream compression of a tar format.
func (f Format) compressor(w io.Writer) (io.WriteCloser, error) {
	switch f {
	case FormatTar:
		return nopWriteCloser{w}, nil
	case FormatTarGz:
		return gzip.NewWriterLevel(w, gzip.DefaultCompression)
	case FormatTarZst:
		zw, err := zstd.NewWriter(w, zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("create zstd writer: %w", err)
		}
		return zw, nil
	case FormatTarLz4:
		return lz4.NewWriter(w), nil
	default:
		return nil, fmt.Errorf("%w: %q has no stream compressor", ErrUnsupportedFormat, string(f))
	}
}

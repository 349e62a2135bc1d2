// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package export

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/backupgate/backupgate/internal/logging"
	"github.com/klauspost/compress/zip"
)

// Producer writes an archive stream to w until done, failed or ctx ends.
type Producer interface {
	Produce(ctx context.Context, w io.Writer) error
}

// DirectoryProducer archives a directory tree. Dot entries are skipped, as are
// entries that cannot be opened; failure to read the root aborts.
type DirectoryProducer struct {
	Root   string
	Format Format

	skipped atomic.Int64
	files   atomic.Int64
}

// Skipped returns how many entries were left out because they could not be read.
func (d *DirectoryProducer) Skipped() int64 { return d.skipped.Load() }

// Files returns how many regular files were archived.
func (d *DirectoryProducer) Files() int64 { return d.files.Load() }

func (d *DirectoryProducer) Produce(ctx context.Context, w io.Writer) error {
	info, err := os.Stat(d.Root)
	if err != nil {
		return fmt.Errorf("export: read root: %w", err)
	}
	if !info.IsDir() {
		return ErrNotDirectory
	}

	aw, err := newArchiveWriter(d.Format, w)
	if err != nil {
		return err
	}

	walkErr := filepath.WalkDir(d.Root, func(path string, de fs.DirEntry, werr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == d.Root {
			if werr != nil {
				return fmt.Errorf("export: read root: %w", werr)
			}
			return nil
		}
		if werr != nil {
			d.skip(path, werr)
			if de != nil && de.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(de.Name(), ".") {
			if de.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(d.Root, path)
		if err != nil {
			d.skip(path, err)
			return nil
		}
		fi, err := de.Info()
		if err != nil {
			d.skip(path, err)
			return nil
		}
		return d.add(aw, path, filepath.ToSlash(rel), fi)
	})
	if walkErr != nil {
		return walkErr
	}
	return aw.Close()
}

func (d *DirectoryProducer) add(aw archiveWriter, path, name string, fi fs.FileInfo) error {
	switch mode := fi.Mode(); {
	case mode.IsDir():
		return aw.dir(name, fi)
	case mode&fs.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			d.skip(path, err)
			return nil
		}
		return aw.symlink(name, target, fi)
	case mode.IsRegular():
		f, err := os.Open(path)
		if err != nil {
			d.skip(path, err)
			return nil
		}
		defer f.Close()
		return d.addFile(aw, path, name, fi, f)
	default:
		return nil
	}
}

// addFile archives one regular file. A read failure after the entry header is
// out counts the entry as skipped and packing continues.
func (d *DirectoryProducer) addFile(aw archiveWriter, path, name string, fi fs.FileInfo, r io.Reader) error {
	if err := aw.file(name, fi, r); err != nil {
		var re *readError
		if errors.As(err, &re) {
			d.skip(path, re.err)
			return nil
		}
		return fmt.Errorf("export: archive %s: %w", name, err)
	}
	d.files.Add(1)
	return nil
}

// readError marks a failure of the entry's source, as opposed to the archive
// output.
type readError struct{ err error }

func (e *readError) Error() string { return e.err.Error() }
func (e *readError) Unwrap() error { return e.err }

// entryReader remembers the first non-EOF error of r.
type entryReader struct {
	r   io.Reader
	err error
}

func (e *entryReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err != nil && err != io.EOF && e.err == nil {
		e.err = err
	}
	return n, err
}

type zeros struct{}

func (zeros) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

func (d *DirectoryProducer) skip(path string, err error) {
	d.skipped.Add(1)
	logging.Debugf("export: skipping %s: %v", path, err)
}

type archiveWriter interface {
	dir(name string, fi fs.FileInfo) error
	symlink(name, target string, fi fs.FileInfo) error
	file(name string, fi fs.FileInfo, r io.Reader) error
	Close() error
}

func newArchiveWriter(f Format, w io.Writer) (archiveWriter, error) {
	if f == FormatZip {
		return &zipArchive{zw: zip.NewWriter(w)}, nil
	}
	comp, err := f.compressor(w)
	if err != nil {
		return nil, err
	}
	return &tarArchive{comp: comp, tw: tar.NewWriter(comp)}, nil
}

type zipArchive struct {
	zw *zip.Writer
}

func (z *zipArchive) header(name string, fi fs.FileInfo, method uint16) (*zip.FileHeader, error) {
	hdr, err := zip.FileInfoHeader(fi)
	if err != nil {
		return nil, err
	}
	hdr.Name = name
	hdr.Method = method
	return hdr, nil
}

func (z *zipArchive) dir(name string, fi fs.FileInfo) error {
	hdr, err := z.header(name+"/", fi, zip.Store)
	if err != nil {
		return err
	}
	_, err = z.zw.CreateHeader(hdr)
	return err
}

func (z *zipArchive) symlink(name, target string, fi fs.FileInfo) error {
	hdr, err := z.header(name, fi, zip.Store)
	if err != nil {
		return err
	}
	fw, err := z.zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = io.WriteString(fw, target)
	return err
}

func (z *zipArchive) file(name string, fi fs.FileInfo, r io.Reader) error {
	hdr, err := z.header(name, fi, zip.Deflate)
	if err != nil {
		return err
	}
	fw, err := z.zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	er := &entryReader{r: r}
	if _, err := io.Copy(fw, er); err != nil {
		if er.err != nil {
			return &readError{er.err}
		}
		return err
	}
	return nil
}

func (z *zipArchive) Close() error { return z.zw.Close() }

type tarArchive struct {
	comp io.WriteCloser
	tw   *tar.Writer
}

func (t *tarArchive) writeHeader(name, link string, fi fs.FileInfo) (*tar.Header, error) {
	hdr, err := tar.FileInfoHeader(fi, link)
	if err != nil {
		return nil, err
	}
	hdr.Name = name
	return hdr, t.tw.WriteHeader(hdr)
}

func (t *tarArchive) dir(name string, fi fs.FileInfo) error {
	_, err := t.writeHeader(name+"/", "", fi)
	return err
}

func (t *tarArchive) symlink(name, target string, fi fs.FileInfo) error {
	_, err := t.writeHeader(name, target, fi)
	return err
}

func (t *tarArchive) file(name string, fi fs.FileInfo, r io.Reader) error {
	hdr, err := t.writeHeader(name, "", fi)
	if err != nil {
		return err
	}
	er := &entryReader{r: r}
	n, err := io.Copy(t.tw, io.LimitReader(er, hdr.Size))
	if err != nil && er.err == nil {
		return err
	}
	if n == hdr.Size {
		return nil
	}
	// The header already promised hdr.Size bytes.
	if _, err := io.CopyN(t.tw, zeros{}, hdr.Size-n); err != nil {
		return err
	}
	cause := er.err
	if cause == nil {
		cause = fmt.Errorf("file shrank while reading: %d of %d bytes", n, hdr.Size)
	}
	return &readError{cause}
}

func (t *tarArchive) Close() error {
	if err := t.tw.Close(); err != nil {
		return err
	}
	return t.comp.Close()
}

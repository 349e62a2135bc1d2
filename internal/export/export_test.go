// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package export

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/backupgate/backupgate/internal/borg"
	"github.com/backupgate/backupgate/internal/testutil"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

func writeTree(t *testing.T, root string) {
	t.Helper()
	files := map[string]string{
		"a.txt":          "alpha",
		"sub/b.txt":      "bravo",
		"sub/deep/c.txt": "charlie",
		".hidden":        "secret",
		".git/config":    "x",
	}
	for name, body := range files {
		p := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
}

func zipNames(t *testing.T, data []byte) map[string]string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	out := map[string]string{}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", f.Name, err)
		}
		b, _ := io.ReadAll(rc)
		rc.Close()
		out[f.Name] = string(b)
	}
	return out
}

func tarNames(t *testing.T, r io.Reader) map[string]string {
	t.Helper()
	tr := tar.NewReader(r)
	out := map[string]string{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("tar: %v", err)
		}
		b, _ := io.ReadAll(tr)
		out[hdr.Name] = string(b)
	}
}

func TestAllowlistResolve(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "data")
	sibling := filepath.Join(base, "data-other")
	outside := filepath.Join(base, "outside")
	for _, d := range []string{filepath.Join(root, "sub"), sibling, outside} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	if err := os.Symlink(outside, filepath.Join(root, "escape")); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	if err := os.Symlink(filepath.Join(root, "sub"), filepath.Join(outside, "back-in")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	a, err := NewAllowlist([]string{root, ""})
	if err != nil {
		t.Fatalf("NewAllowlist: %v", err)
	}
	if len(a.Roots()) != 1 {
		t.Fatalf("empty roots must be ignored: %v", a.Roots())
	}

	cases := []struct {
		path string
		want error
	}{
		{root, nil},
		{filepath.Join(root, "sub"), nil},
		{filepath.Join(root, "sub", "..", "sub"), nil},
		{filepath.Join(outside, "back-in"), nil},
		{filepath.Join(root, "escape"), ErrForbidden},
		{filepath.Join(root, ".."), ErrForbidden},
		{sibling, ErrForbidden},
		{filepath.Join(root, "missing"), ErrNotFound},
		{"relative/path", ErrInvalidPath},
		{"", ErrInvalidPath},
	}
	for _, tc := range cases {
		_, err := a.Resolve(tc.path)
		if !errors.Is(err, tc.want) {
			t.Fatalf("Resolve(%q) = %v, want %v", tc.path, err, tc.want)
		}
	}

	var nilList *Allowlist
	if _, err := nilList.Resolve(root); !errors.Is(err, ErrForbidden) {
		t.Fatalf("nil allowlist must forbid everything, got %v", err)
	}
}

func TestRepoAllowlist(t *testing.T) {
	local := t.TempDir()
	r := NewRepoAllowlist([]string{local, "ssh://backup@host:22/./repo", "user@nas:borg/main"})

	if got, err := r.Resolve(local + string(filepath.Separator)); err != nil || got != local {
		t.Fatalf("local repo with trailing slash = %q, %v", got, err)
	}
	if got, err := r.Resolve("ssh://backup@host:22/./repo"); err != nil || got != "ssh://backup@host:22/./repo" {
		t.Fatalf("remote repo = %q, %v", got, err)
	}
	for _, repo := range []string{"ssh://backup@host:22/./repo/", "user@nas:borg/other", filepath.Join(local, "..")} {
		if _, err := r.Resolve(repo); !errors.Is(err, ErrForbidden) {
			t.Fatalf("Resolve(%q) should be forbidden, got %v", repo, err)
		}
	}
	if !IsRemote("user@nas:borg/main") || !IsRemote("ssh://h/r") || IsRemote("/srv/borg") {
		t.Fatalf("IsRemote misclassifies")
	}
	if len(r.Repos()) != 3 {
		t.Fatalf("Repos() = %v", r.Repos())
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": "", "ZIP": FormatZip, "tgz": FormatTarGz, "tar.zst": FormatTarZst, "lz4": FormatTarLz4, "tar": FormatTar} {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Fatalf("ParseFormat(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseFormat("rar"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestDirectoryProducerZip(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root)
	p := &DirectoryProducer{Root: root, Format: FormatZip}
	var buf bytes.Buffer
	if err := p.Produce(context.Background(), &buf); err != nil {
		t.Fatalf("Produce: %v", err)
	}
	got := zipNames(t, buf.Bytes())
	if got["a.txt"] != "alpha" || got["sub/b.txt"] != "bravo" || got["sub/deep/c.txt"] != "charlie" {
		t.Fatalf("unexpected contents: %v", got)
	}
	for name := range got {
		if strings.HasPrefix(name, ".") {
			t.Fatalf("dot entry %q must be skipped", name)
		}
	}
	if p.Files() != 3 {
		t.Fatalf("expected 3 files, got %d", p.Files())
	}
}

func TestDirectoryProducerTarFormats(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root)
	readers := map[Format]func(io.Reader) (io.Reader, error){
		FormatTar: func(r io.Reader) (io.Reader, error) { return r, nil },
		FormatTarGz: func(r io.Reader) (io.Reader, error) {
			return gzip.NewReader(r)
		},
		FormatTarZst: func(r io.Reader) (io.Reader, error) {
			return zstd.NewReader(r)
		},
		FormatTarLz4: func(r io.Reader) (io.Reader, error) { return lz4.NewReader(r), nil },
	}
	for format, open := range readers {
		var buf bytes.Buffer
		p := &DirectoryProducer{Root: root, Format: format}
		if err := p.Produce(context.Background(), &buf); err != nil {
			t.Fatalf("%s: Produce: %v", format, err)
		}
		r, err := open(&buf)
		if err != nil {
			t.Fatalf("%s: open: %v", format, err)
		}
		got := tarNames(t, r)
		if got["sub/deep/c.txt"] != "charlie" || got["a.txt"] != "alpha" {
			t.Fatalf("%s: unexpected contents %v", format, got)
		}
		if _, ok := got["sub/"]; !ok {
			t.Fatalf("%s: directory entry missing", format)
		}
		if _, ok := got[".hidden"]; ok {
			t.Fatalf("%s: dot entry must be skipped", format)
		}
	}
}

func TestDirectoryProducerSkipsUnreadable(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root can read everything")
	}
	root := t.TempDir()
	writeTree(t, root)
	locked := filepath.Join(root, "locked.txt")
	if err := os.WriteFile(locked, []byte("x"), 0o000); err != nil {
		t.Fatalf("write: %v", err)
	}
	p := &DirectoryProducer{Root: root, Format: FormatZip}
	var buf bytes.Buffer
	if err := p.Produce(context.Background(), &buf); err != nil {
		t.Fatalf("unreadable entry must not abort: %v", err)
	}
	if p.Skipped() != 1 {
		t.Fatalf("expected 1 skipped entry, got %d", p.Skipped())
	}
	if _, ok := zipNames(t, buf.Bytes())["locked.txt"]; ok {
		t.Fatalf("unreadable file must not appear")
	}
}

// brokenReader yields good bytes and then fails.
type brokenReader struct {
	good []byte
}

func (b *brokenReader) Read(p []byte) (int, error) {
	if len(b.good) == 0 {
		return 0, errors.New("input/output error")
	}
	n := copy(p, b.good)
	b.good = b.good[n:]
	return n, nil
}

func TestDirectoryProducerReadFailureMidFileIsSkipped(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flaky.bin")
	if err := os.WriteFile(path, []byte("0123456789"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}

	for _, format := range []Format{FormatTar, FormatZip} {
		var buf bytes.Buffer
		aw, err := newArchiveWriter(format, &buf)
		if err != nil {
			t.Fatalf("%s: newArchiveWriter: %v", format, err)
		}
		p := &DirectoryProducer{Format: format}
		if err := p.addFile(aw, path, "flaky.bin", fi, &brokenReader{good: []byte("0123")}); err != nil {
			t.Fatalf("%s: read failure must not abort: %v", format, err)
		}
		if err := p.addFile(aw, path, "after.bin", fi, strings.NewReader("abcdefghij")); err != nil {
			t.Fatalf("%s: addFile: %v", format, err)
		}
		if err := aw.Close(); err != nil {
			t.Fatalf("%s: Close: %v", format, err)
		}
		if p.Skipped() != 1 || p.Files() != 1 {
			t.Fatalf("%s: expected 1 skipped and 1 archived, got %d / %d", format, p.Skipped(), p.Files())
		}

		var got map[string]string
		if format == FormatZip {
			got = zipNames(t, buf.Bytes())
		} else {
			got = tarNames(t, &buf)
		}
		if got["after.bin"] != "abcdefghij" {
			t.Fatalf("%s: entry after the failure is damaged: %q", format, got["after.bin"])
		}
		if format == FormatTar && got["flaky.bin"] != "0123\x00\x00\x00\x00\x00\x00" {
			t.Fatalf("%s: failed entry should be zero padded, got %q", format, got["flaky.bin"])
		}
	}
}

func TestDirectoryProducerMissingRoot(t *testing.T) {
	p := &DirectoryProducer{Root: filepath.Join(t.TempDir(), "gone"), Format: FormatZip}
	if err := p.Produce(context.Background(), io.Discard); err == nil {
		t.Fatalf("missing root must fail")
	}
}

func TestCommandProducerCompressesStdout(t *testing.T) {
	p := &CommandProducer{
		Command: borg.Command{Name: "/bin/sh", Args: []string{"-c", "printf hello"}},
		Format:  FormatTarGz,
	}
	var buf bytes.Buffer
	if err := p.Produce(context.Background(), &buf); err != nil {
		t.Fatalf("Produce: %v", err)
	}
	zr, err := gzip.NewReader(&buf)
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	out, _ := io.ReadAll(zr)
	if string(out) != "hello" {
		t.Fatalf("unexpected payload %q", out)
	}
}

func TestCommandProducerFailureWritesNothing(t *testing.T) {
	p := &CommandProducer{
		Command: borg.Command{Name: "/bin/sh", Args: []string{"-c", "echo 'Archive nightly does not exist' >&2; exit 2"}},
		Format:  FormatTarZst,
	}
	var buf bytes.Buffer
	err := p.Produce(context.Background(), &buf)
	if !errors.Is(err, borg.ErrArchiveNotFound) {
		t.Fatalf("expected ErrArchiveNotFound, got %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("failed command must not emit bytes, got %d", buf.Len())
	}
}

func TestCommandProducerRejectsZip(t *testing.T) {
	p := &CommandProducer{Command: borg.Command{Name: "/bin/true"}, Format: FormatZip}
	if err := p.Produce(context.Background(), io.Discard); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestContentDisposition(t *testing.T) {
	got := ContentDisposition("Résumé 备份.zip")
	want := `attachment; filename="Resume __.zip"; filename*=UTF-8''R%C3%A9sum%C3%A9%20%E5%A4%87%E4%BB%BD.zip`
	if got != want {
		t.Fatalf("ContentDisposition:\n got %s\nwant %s", got, want)
	}
	if !strings.Contains(ContentDisposition(`a"b.tar`), `filename="a_b.tar"`) {
		t.Fatalf("quotes must be replaced in the ASCII fallback")
	}
}

func newTestPipeline(t *testing.T, dirs []string, repos []string, opts Options) (*Pipeline, *testutil.Notifications) {
	t.Helper()
	a, err := NewAllowlist(dirs)
	if err != nil {
		t.Fatalf("NewAllowlist: %v", err)
	}
	n := &testutil.Notifications{}
	opts.Dirs = a
	opts.Repos = NewRepoAllowlist(repos)
	opts.Notifier = n
	return New(opts), n
}

func TestStreamDirectory(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root)
	p, n := newTestPipeline(t, []string{root}, nil, Options{ChunkSize: 64, QueueDepth: 2})

	rec := httptest.NewRecorder()
	job := p.Stream(context.Background(), rec, Request{Kind: SourceDirectory, Resource: root, Address: "203.0.113.9"})
	if job.State() != StateCompleted {
		t.Fatalf("state = %s, err = %v", job.State(), job.Err())
	}
	if rec.Code != 200 || rec.Header().Get("Content-Type") != "application/zip" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	if rec.Header().Get("X-Accel-Buffering") != "no" || rec.Header().Get("Cache-Control") != "no-cache" {
		t.Fatalf("streaming headers missing: %v", rec.Header())
	}
	if !strings.Contains(rec.Header().Get("Content-Disposition"), filepath.Base(root)+".zip") {
		t.Fatalf("unexpected disposition %q", rec.Header().Get("Content-Disposition"))
	}
	if int64(rec.Body.Len()) != job.Bytes() {
		t.Fatalf("byte count mismatch: body %d, job %d", rec.Body.Len(), job.Bytes())
	}
	if zipNames(t, rec.Body.Bytes())["sub/b.txt"] != "bravo" {
		t.Fatalf("archive content wrong")
	}
	msgs := n.All()
	if len(msgs) != 2 || !strings.Contains(msgs[0], "started") || !strings.Contains(msgs[1], "completed") {
		t.Fatalf("unexpected notifications %v", msgs)
	}
}

func TestStreamValidationFailureIsNotCommitted(t *testing.T) {
	allowed := t.TempDir()
	other := t.TempDir()
	p, n := newTestPipeline(t, []string{allowed}, nil, Options{})

	for _, tc := range []struct {
		req  Request
		want error
	}{
		{Request{Kind: SourceDirectory, Resource: other}, ErrForbidden},
		{Request{Kind: SourceDirectory, Resource: filepath.Join(allowed, "nope")}, ErrNotFound},
		{Request{Kind: SourceDirectory, Resource: allowed, Format: "rar"}, ErrUnsupportedFormat},
		{Request{Kind: SourceBorg, Resource: "/srv/borg", Archive: "a"}, ErrForbidden},
		{Request{Kind: "ftp", Resource: allowed}, ErrUnknownSource},
	} {
		rec := httptest.NewRecorder()
		job := p.Stream(context.Background(), rec, tc.req)
		if job.State() != StateFailed || !errors.Is(job.Err(), tc.want) {
			t.Fatalf("%+v: state %s err %v, want %v", tc.req, job.State(), job.Err(), tc.want)
		}
		if job.Committed() || rec.Body.Len() != 0 {
			t.Fatalf("validation failure must not write a response")
		}
	}
	if len(n.All()) != 5 {
		t.Fatalf("every terminal state must notify, got %d", len(n.All()))
	}

	file := filepath.Join(allowed, "f.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := p.Validate(Request{Kind: SourceDirectory, Resource: file}); !errors.Is(err, ErrNotDirectory) {
		t.Fatalf("expected ErrNotDirectory, got %v", err)
	}
}

func TestStreamBorgWrongPassphrase(t *testing.T) {
	bin := filepath.Join(t.TempDir(), "borg")
	testutil.WriteScript(t, bin, "echo 'passphrase supplied in BORG_PASSPHRASE is incorrect' >&2\nexit 2\n")
	repo := t.TempDir()
	p, _ := newTestPipeline(t, nil, []string{repo}, Options{Borg: borg.New(borg.Options{Binary: bin})})

	rec := httptest.NewRecorder()
	job := p.Stream(context.Background(), rec, Request{Kind: SourceBorg, Resource: repo, Archive: "host-1"})
	if job.State() != StateFailed || !errors.Is(job.Err(), borg.ErrWrongPassphrase) {
		t.Fatalf("state %s err %v", job.State(), job.Err())
	}
	if job.Committed() {
		t.Fatalf("failure before first chunk must not commit")
	}
	if job.Request.Format != FormatTarGz || job.Request.Label != "host-1.tar.gz" {
		t.Fatalf("borg defaults not applied: %+v", job.Request)
	}
}

func TestStreamBorgRejectsZip(t *testing.T) {
	repo := t.TempDir()
	p, _ := newTestPipeline(t, nil, []string{repo}, Options{})
	if _, err := p.Validate(Request{Kind: SourceBorg, Resource: repo, Archive: "a", Format: FormatZip}); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestStreamCancelledContext(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root)
	p, n := newTestPipeline(t, []string{root}, nil, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	job := p.Stream(ctx, rec, Request{Kind: SourceDirectory, Resource: root})
	if job.State() != StateCancelled {
		t.Fatalf("state = %s, err = %v", job.State(), job.Err())
	}
	msgs := n.All()
	if !strings.Contains(msgs[len(msgs)-1], "cancelled") {
		t.Fatalf("cancellation must notify: %v", msgs)
	}
	job.Cancel()
	job.Cancel()
}

type failingProducer struct{ after int }

func (f failingProducer) Produce(ctx context.Context, w io.Writer) error {
	if _, err := w.Write(bytes.Repeat([]byte("x"), f.after)); err != nil {
		return err
	}
	return errors.New("disk vanished")
}

func TestStreamFailureAfterCommit(t *testing.T) {
	root := t.TempDir()
	p, _ := newTestPipeline(t, []string{root}, nil, Options{ChunkSize: 1024})
	p.newProducer = func(Request) Producer { return failingProducer{after: 4096} }

	rec := httptest.NewRecorder()
	job := p.Stream(context.Background(), rec, Request{Kind: SourceDirectory, Resource: root})
	if job.State() != StateFailed {
		t.Fatalf("state = %s", job.State())
	}
	if !job.Committed() || job.Bytes() == 0 {
		t.Fatalf("failure after streaming started must be committed")
	}
}

func TestStreamEmptyOutputStillCommits(t *testing.T) {
	root := t.TempDir()
	p, _ := newTestPipeline(t, []string{root}, nil, Options{})
	p.newProducer = func(Request) Producer { return emptyProducer{} }
	rec := httptest.NewRecorder()
	job := p.Stream(context.Background(), rec, Request{Kind: SourceDirectory, Resource: root})
	if job.State() != StateCompleted || !job.Committed() || rec.Code != 200 {
		t.Fatalf("state %s committed %v code %d", job.State(), job.Committed(), rec.Code)
	}
}

type emptyProducer struct{}

func (emptyProducer) Produce(context.Context, io.Writer) error { return nil }

func TestStateStrings(t *testing.T) {
	var names []string
	for s := StateIdle; s <= StateCancelled; s++ {
		names = append(names, s.String())
		if s.Terminal() != (s >= StateCompleted) {
			t.Fatalf("Terminal(%s) wrong", s)
		}
	}
	sort.Strings(names)
	if strings.Join(names, ",") != "cancelled,completed,failed,idle,producing,validating" {
		t.Fatalf("unexpected names %v", names)
	}
}

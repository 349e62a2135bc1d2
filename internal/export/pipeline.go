// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

// Package export validates export requests against the configured sources and
// streams archives to HTTP clients. A producer goroutine writes the archive
// into a bounded channel of chunks; the handler goroutine relays them to the
// response. Response headers are held back until the first chunk exists, so a
// request that fails early still gets a proper error response.
package export

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/backupgate/backupgate/internal/borg"
	"github.com/backupgate/backupgate/internal/clock"
	"github.com/backupgate/backupgate/internal/logging"
	"github.com/backupgate/backupgate/internal/metrics"
	"github.com/backupgate/backupgate/internal/notify"
	"github.com/backupgate/backupgate/internal/security"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// Defaults for Pipeline.
const (
	DefaultChunkSize  = 32 << 10
	DefaultQueueDepth = 16
)

// State is the lifecycle position of a Job.
type State int32

const (
	StateIdle State = iota
	StateValidating
	StateProducing
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateValidating:
		return "validating"
	case StateProducing:
		return "producing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// SourceKind selects the producer.
type SourceKind string

const (
	SourceDirectory SourceKind = "directory"
	SourceBorg      SourceKind = "borg"
)

// Request describes one export.
type Request struct {
	Kind     SourceKind      `cbor:"kind"`
	Resource string          `cbor:"resource"`
	Archive  string          `cbor:"archive,omitempty"`
	Format   Format          `cbor:"format,omitempty"`
	Secret   security.Secret `cbor:"secret,omitempty"`
	Label    string          `cbor:"label,omitempty"`

	Requester string `cbor:"-"`
	Address   string `cbor:"-"`
}

// Notifier receives human-readable HTML event messages.
type Notifier interface {
	Notify(message string)
}

// Options configures a Pipeline.
type Options struct {
	Dirs          *Allowlist
	Repos         *RepoAllowlist
	Borg          *borg.Client
	DefaultFormat Format
	KillGrace     time.Duration
	ChunkSize     int
	QueueDepth    int
	Notifier      Notifier
	Metrics       *metrics.Metrics
	Clock         clock.Clock
}

// Pipeline runs exports. It holds no per-request state and is safe for
// concurrent use.
type Pipeline struct {
	opts        Options
	clock       clock.Clock
	newProducer func(Request) Producer
}

// New returns a Pipeline.
func New(opts Options) *Pipeline {
	if opts.Borg == nil {
		opts.Borg = borg.New(borg.Options{})
	}
	if opts.DefaultFormat == "" {
		opts.DefaultFormat = FormatZip
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = DefaultQueueDepth
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = DefaultKillGrace
	}
	p := &Pipeline{opts: opts, clock: clock.OrSystem(opts.Clock)}
	p.newProducer = p.producer
	return p
}

// Validate checks req against the allowlists and fills in the canonical
// resource, the default format and the download label.
func (p *Pipeline) Validate(req Request) (Request, error) {
	format, err := ParseFormat(string(req.Format))
	if err != nil {
		return req, err
	}
	switch req.Kind {
	case SourceDirectory:
		path, err := p.opts.Dirs.Resolve(req.Resource)
		if err != nil {
			return req, err
		}
		fi, err := os.Stat(path)
		if err != nil {
			return req, fmt.Errorf("export: stat %s: %w", path, err)
		}
		if !fi.IsDir() {
			return req, ErrNotDirectory
		}
		if format == "" {
			format = p.opts.DefaultFormat
		}
		req.Resource = path
		if req.Label == "" {
			base := filepath.Base(path)
			if base == string(filepath.Separator) || base == "." {
				base = "root"
			}
			req.Label = base + format.Extension()
		}
	case SourceBorg:
		repo, err := p.opts.Repos.Resolve(req.Resource)
		if err != nil {
			return req, err
		}
		if req.Archive == "" {
			return req, fmt.Errorf("%w: archive name required", ErrInvalidPath)
		}
		if format == "" {
			format = FormatTarGz
		}
		if !format.IsTar() {
			return req, fmt.Errorf("%w: borg archives export as tar only", ErrUnsupportedFormat)
		}
		req.Resource = repo
		if req.Label == "" {
			req.Label = borg.SafeName(req.Archive) + format.Extension()
		}
	default:
		return req, fmt.Errorf("%w: %q", ErrUnknownSource, req.Kind)
	}
	req.Format = format
	return req, nil
}

func (p *Pipeline) producer(req Request) Producer {
	if req.Kind == SourceBorg {
		return &CommandProducer{
			Command:   p.opts.Borg.ExportCommand(req.Resource, req.Archive, req.Secret),
			Format:    req.Format,
			KillGrace: p.opts.KillGrace,
		}
	}
	return &DirectoryProducer{Root: req.Resource, Format: req.Format}
}

// Job is one export bound to one HTTP response.
type Job struct {
	ID      string
	Request Request

	state      atomic.Int32
	bytes      atomic.Int64
	committed  atomic.Bool
	cancel     context.CancelFunc
	cancelOnce sync.Once

	started  time.Time
	finished time.Time
	err      error
}

func (j *Job) setState(s State) { j.state.Store(int32(s)) }

// State returns the current state.
func (j *Job) State() State { return State(j.state.Load()) }

// Err returns the failure cause once the job is Failed or Cancelled.
func (j *Job) Err() error { return j.err }

// Bytes returns how many bytes reached the response writer.
func (j *Job) Bytes() int64 { return j.bytes.Load() }

// Committed reports whether response headers were sent. After that point
// errors can only be signalled by aborting the connection.
func (j *Job) Committed() bool { return j.committed.Load() }

// Duration is the wall time from start to the terminal state.
func (j *Job) Duration() time.Duration {
	if j.finished.IsZero() {
		return 0
	}
	return j.finished.Sub(j.started)
}

// Cancel stops the producer. Safe to call repeatedly and concurrently.
func (j *Job) Cancel() {
	j.cancelOnce.Do(func() {
		if j.cancel != nil {
			j.cancel()
		}
	})
}

// Stream validates req and relays the produced archive to w. It returns once
// the job is in a terminal state and the producer has fully stopped.
func (p *Pipeline) Stream(ctx context.Context, w http.ResponseWriter, req Request) *Job {
	job := &Job{ID: uuid.NewString(), Request: req, started: p.clock.Now()}
	job.setState(StateValidating)

	validated, err := p.Validate(req)
	if err != nil {
		p.finish(job, StateFailed, err)
		return job
	}
	validated.Requester, validated.Address = req.Requester, req.Address
	job.Request = validated

	ctx, cancel := context.WithCancel(ctx)
	job.cancel = cancel
	defer job.Cancel()

	job.setState(StateProducing)
	p.opts.Metrics.ExportStarted()
	p.notify(startedMessage(job))
	log := logging.With("export", job.ID)
	log.Infof("%s %s as %s for %s", validated.Kind, describe(validated), validated.Format, validated.Address)

	chunks := make(chan []byte, p.opts.QueueDepth)
	produced := make(chan error, 1)
	prod := p.newProducer(validated)
	go func() {
		bw := bufio.NewWriterSize(&chunkWriter{ctx: ctx, ch: chunks}, p.opts.ChunkSize)
		err := prod.Produce(ctx, bw)
		if err == nil {
			err = bw.Flush()
		}
		close(chunks)
		produced <- err
	}()

	relayErr := p.relay(w, job, chunks)
	if relayErr != nil {
		job.Cancel()
		for range chunks {
		}
	}
	prodErr := <-produced

	if dp, ok := prod.(*DirectoryProducer); ok && dp.Skipped() > 0 {
		log.Warnf("%d unreadable entries skipped", dp.Skipped())
	}

	switch {
	case relayErr != nil:
		p.finish(job, StateCancelled, relayErr)
	case prodErr == nil:
		if !job.Committed() {
			p.commit(w, job)
		}
		p.finish(job, StateCompleted, nil)
	case errors.Is(prodErr, context.Canceled) || errors.Is(prodErr, context.DeadlineExceeded):
		p.finish(job, StateCancelled, prodErr)
	default:
		p.finish(job, StateFailed, prodErr)
	}
	return job
}

func (p *Pipeline) relay(w http.ResponseWriter, job *Job, chunks <-chan []byte) error {
	rc := http.NewResponseController(w)
	for chunk := range chunks {
		if !job.Committed() {
			p.commit(w, job)
		}
		n, err := w.Write(chunk)
		job.bytes.Add(int64(n))
		if err != nil {
			return err
		}
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
	}
	return nil
}

func (p *Pipeline) commit(w http.ResponseWriter, job *Job) {
	h := w.Header()
	h.Set("Content-Type", job.Request.Format.ContentType())
	h.Set("Content-Disposition", ContentDisposition(job.Request.Label))
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Del("Content-Length")
	w.WriteHeader(http.StatusOK)
	job.committed.Store(true)
}

func (p *Pipeline) finish(job *Job, s State, err error) {
	job.finished = p.clock.Now()
	job.err = err
	wasProducing := job.State() == StateProducing
	job.setState(s)
	if wasProducing {
		p.opts.Metrics.ExportFinished(string(job.Request.Kind), s.String(), job.Bytes(), job.Duration())
	}
	log := logging.With("export", job.ID)
	switch s {
	case StateCompleted:
		log.Infof("completed, %d bytes in %s", job.Bytes(), job.Duration())
	case StateCancelled:
		log.Infof("cancelled after %d bytes: %v", job.Bytes(), err)
	default:
		log.Warnf("failed: %v", err)
	}
	p.notify(finishedMessage(job))
}

func (p *Pipeline) notify(msg string) {
	if p.opts.Notifier != nil {
		p.opts.Notifier.Notify(msg)
	}
}

// chunkWriter hands copies of each write to the relay, blocking while the
// queue is full.
type chunkWriter struct {
	ctx context.Context
	ch  chan<- []byte
}

func (c *chunkWriter) Write(b []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	if len(b) == 0 {
		return 0, nil
	}
	chunk := make([]byte, len(b))
	copy(chunk, b)
	select {
	case c.ch <- chunk:
		return len(b), nil
	case <-c.ctx.Done():
		return 0, c.ctx.Err()
	}
}

func describe(req Request) string {
	if req.Kind == SourceBorg {
		return req.Resource + "::" + req.Archive
	}
	return req.Resource
}

func startedMessage(job *Job) string {
	return fmt.Sprintf("📦 <b>Export started</b>\nSource: <code>%s</code>\nFormat: %s\nFrom: <code>%s</code>",
		notify.Escape(describe(job.Request)), notify.Escape(string(job.Request.Format)), notify.Escape(job.Request.Address))
}

func finishedMessage(job *Job) string {
	var head string
	switch job.State() {
	case StateCompleted:
		head = "✅ <b>Export completed</b>"
	case StateCancelled:
		head = "⚠️ <b>Export cancelled</b>"
	default:
		head = "❌ <b>Export failed</b>"
	}
	msg := fmt.Sprintf("%s\nSource: <code>%s</code>\nFrom: <code>%s</code>\nSize: %s\nDuration: %s",
		head,
		notify.Escape(describe(job.Request)),
		notify.Escape(job.Request.Address),
		humanize.IBytes(uint64(job.Bytes())),
		job.Duration().Round(time.Millisecond))
	if job.State() == StateFailed && job.Err() != nil {
		msg += "\nError: " + notify.Escape(job.Err().Error())
	}
	return msg
}

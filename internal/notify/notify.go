// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

// Package notify delivers operator alerts. Notify never blocks and never
// fails: messages go into a bounded queue drained by one goroutine, and
// overflow is dropped with a log line.
package notify

import (
	"context"
	"html"
	"sync/atomic"
	"time"

	"github.com/backupgate/backupgate/internal/logging"
	"github.com/backupgate/backupgate/internal/metrics"
)

// Defaults for Notifier.
const (
	DefaultQueueSize   = 64
	DefaultSendTimeout = 10 * time.Second
)

// Sender delivers one message.
type Sender interface {
	Send(ctx context.Context, message string) error
}

// Options configures a Notifier.
type Options struct {
	QueueSize   int
	SendTimeout time.Duration
	Metrics     *metrics.Metrics
}

// Notifier queues messages for a Sender. A nil *Notifier, or one without a
// sender, discards everything.
type Notifier struct {
	sender  Sender
	queue   chan string
	timeout time.Duration
	metrics *metrics.Metrics
	dropped atomic.Int64
}

// New returns a Notifier. Call Run to start delivery.
func New(sender Sender, opts Options) *Notifier {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	return &Notifier{
		sender:  sender,
		queue:   make(chan string, opts.QueueSize),
		timeout: opts.SendTimeout,
		metrics: opts.Metrics,
	}
}

// Enabled reports whether messages are delivered anywhere.
func (n *Notifier) Enabled() bool { return n != nil && n.sender != nil }

// Notify enqueues message without blocking.
func (n *Notifier) Notify(message string) {
	if !n.Enabled() {
		return
	}
	select {
	case n.queue <- message:
	default:
		n.dropped.Add(1)
		n.metrics.Notification("dropped")
		logging.Warnf("notify: queue full, dropping message")
	}
}

// Dropped returns the number of messages lost to overflow.
func (n *Notifier) Dropped() int64 {
	if n == nil {
		return 0
	}
	return n.dropped.Load()
}

// Run delivers queued messages until ctx is done.
func (n *Notifier) Run(ctx context.Context) {
	if !n.Enabled() {
		<-ctx.Done()
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-n.queue:
			n.deliver(ctx, msg)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, msg string) {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	if err := n.sender.Send(ctx, msg); err != nil {
		n.metrics.Notification("failed")
		logging.Warnf("notify: send failed: %v", err)
		return
	}
	n.metrics.Notification("sent")
}

// Escape makes s safe for HTML parse mode.
func Escape(s string) string { return html.EscapeString(s) }

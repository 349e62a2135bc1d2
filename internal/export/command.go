// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package export

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/backupgate/backupgate/internal/borg"
	"github.com/backupgate/backupgate/internal/logging"
)

// DefaultKillGrace is the delay between SIGTERM and SIGKILL on cancellation.
const DefaultKillGrace = 3 * time.Second

const maxStderr = 64 << 10

// CommandProducer streams the stdout of a child process, which must be an
// uncompressed tar stream, recompressed into Format. The child runs in its own
// process group with no stdin and only the given environment.
type CommandProducer struct {
	Command   borg.Command
	Format    Format
	KillGrace time.Duration
	// Classify maps a non-zero exit and its stderr to an error. Defaults to
	// borg.Classify.
	Classify func(stderr string, err error) error
	// OnStart, when set, receives the child pid once started.
	OnStart func(pid int)
}

// gate forwards writes until closed, then swallows them. Failed runs close
// the compressor through it so that trailers never reach the client.
type gate struct {
	w      io.Writer
	closed atomic.Bool
}

func (g *gate) Write(p []byte) (int, error) {
	if g.closed.Load() {
		return len(p), nil
	}
	return g.w.Write(p)
}

func (p *CommandProducer) Produce(ctx context.Context, w io.Writer) error {
	if !p.Format.IsTar() {
		return fmt.Errorf("%w: %s from a tar stream", ErrUnsupportedFormat, p.Format)
	}
	classify := p.Classify
	if classify == nil {
		classify = borg.Classify
	}
	grace := p.KillGrace
	if grace <= 0 {
		grace = DefaultKillGrace
	}

	cmd := exec.Command(p.Command.Name, p.Command.Args...)
	cmd.Env = p.Command.Env
	stderr := borg.NewTailBuffer(maxStderr)
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("export: stdout pipe: %w", err)
	}
	setProcessGroup(cmd)

	out := &gate{w: w}
	comp, err := p.Format.compressor(out)
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		out.closed.Store(true)
		_ = comp.Close()
		return classify("", err)
	}
	if p.OnStart != nil {
		p.OnStart(cmd.Process.Pid)
	}

	exited := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() { go terminate(cmd, exited, grace) })
	}
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		select {
		case <-ctx.Done():
			stop()
		case <-exited:
		}
	}()

	_, copyErr := io.Copy(comp, stdout)
	if copyErr != nil {
		stop()
	}
	waitErr := cmd.Wait()
	close(exited)
	<-watched

	var result error
	switch {
	case ctx.Err() != nil:
		result = ctx.Err()
	case copyErr != nil:
		result = copyErr
	case waitErr != nil:
		result = classify(stderr.String(), waitErr)
	}
	if result != nil {
		out.closed.Store(true)
		_ = comp.Close()
		logging.Debugf("export: %s exited: %v", p.Command.Name, result)
		return result
	}
	return comp.Close()
}

// terminate sends SIGTERM to the child's process group and escalates to
// SIGKILL if it has not exited after grace.
func terminate(cmd *exec.Cmd, exited <-chan struct{}, grace time.Duration) {
	if err := terminateGroup(cmd.Process); err != nil {
		logging.Debugf("export: SIGTERM pid %d: %v", cmd.Process.Pid, err)
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-exited:
	case <-t.C:
		logging.Warnf("export: pid %d ignored SIGTERM for %s, killing", cmd.Process.Pid, grace)
		if err := killGroup(cmd.Process); err != nil {
			logging.Debugf("export: SIGKILL pid %d: %v", cmd.Process.Pid, err)
		}
	}
}

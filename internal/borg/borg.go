// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

// Package borg wraps the borg command line client: availability probing,
// archive listing and the export-tar invocation used by the export pipeline.
// Repository passphrases are only ever passed through the child environment.
package borg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/backupgate/backupgate/internal/model"
	"github.com/backupgate/backupgate/internal/security"
)

// Defaults for Client.
const (
	DefaultBinary       = "borg"
	DefaultListTimeout  = 30 * time.Second
	DefaultProbeTimeout = 5 * time.Second

	maxStderr = 64 << 10
)

var (
	// ErrUnavailable means the borg binary could not be executed.
	ErrUnavailable = errors.New("borg is not available")
	// ErrWrongPassphrase means borg rejected the repository passphrase.
	ErrWrongPassphrase = errors.New("borg rejected the passphrase")
	// ErrArchiveNotFound means the requested archive does not exist.
	ErrArchiveNotFound = errors.New("archive not found")
	// ErrRepoNotFound means the repository does not exist.
	ErrRepoNotFound = errors.New("repository not found")
	// ErrTimeout means a metadata command exceeded its deadline.
	ErrTimeout = errors.New("borg command timed out")
	// ErrCommandFailed is the catch-all for non-zero exits.
	ErrCommandFailed = errors.New("borg command failed")
)

// CommandError carries the exit status and a bounded stderr excerpt.
type CommandError struct {
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("borg exited with status %d: %s", e.ExitCode, firstLine(e.Stderr))
}

func (e *CommandError) Unwrap() error { return ErrCommandFailed }

// Options configures a Client. Zero values select the defaults.
type Options struct {
	Binary       string
	BaseDir      string
	ListTimeout  time.Duration
	ProbeTimeout time.Duration
}

// Client runs borg commands. It is stateless and safe for concurrent use.
type Client struct {
	opts Options
}

// New returns a Client.
func New(opts Options) *Client {
	if opts.Binary == "" {
		opts.Binary = DefaultBinary
	}
	if opts.ListTimeout <= 0 {
		opts.ListTimeout = DefaultListTimeout
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	return &Client{opts: opts}
}

// Command is a fully specified child process invocation.
type Command struct {
	Name string
	Args []string
	Env  []string
}

// Env builds the explicit child environment. Nothing from the parent leaks
// except what borg needs to locate itself, its cache and ssh.
func (c *Client) Env(passphrase security.Secret) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"LC_ALL=C.UTF-8",
		"BORG_UNKNOWN_UNENCRYPTED_REPO_ACCESS_IS_OK=yes",
		"BORG_RELOCATED_REPO_ACCESS_IS_OK=yes",
	}
	for _, name := range []string{"HOME", "SSH_AUTH_SOCK", "BORG_RSH"} {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}
	if c.opts.BaseDir != "" {
		env = append(env, "BORG_BASE_DIR="+c.opts.BaseDir)
	}
	if !passphrase.IsEmpty() {
		env = append(env, "BORG_PASSPHRASE="+passphrase.Reveal())
	}
	return env
}

// ExportCommand returns the export-tar invocation writing an uncompressed tar
// stream to stdout.
func (c *Client) ExportCommand(repo, archive string, passphrase security.Secret) Command {
	return Command{
		Name: c.opts.Binary,
		Args: []string{"export-tar", "--bypass-lock", repo + "::" + archive, "-"},
		Env:  c.Env(passphrase),
	}
}

// Version runs borg --version and returns its output.
func (c *Client) Version(ctx context.Context) (string, error) {
	out, err := c.run(ctx, c.opts.ProbeTimeout, nil, "--version")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

type listOutput struct {
	Archives []struct {
		Name  string `json:"name"`
		ID    string `json:"id"`
		Start string `json:"start"`
		Time  string `json:"time"`
	} `json:"archives"`
}

// ListArchives returns the archives in repo, newest first.
func (c *Client) ListArchives(ctx context.Context, repo string, passphrase security.Secret) ([]model.Archive, error) {
	out, err := c.run(ctx, c.opts.ListTimeout, passphrase, "list", "--json", "--bypass-lock", repo)
	if err != nil {
		return nil, err
	}
	var parsed listOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, fmt.Errorf("%w: unparseable list output: %v", ErrCommandFailed, err)
	}
	archives := make([]model.Archive, 0, len(parsed.Archives))
	for _, a := range parsed.Archives {
		archives = append(archives, model.Archive{
			Name:  a.Name,
			ID:    a.ID,
			Start: parseTime(a.Start),
			Time:  parseTime(a.Time),
		})
	}
	sort.SliceStable(archives, func(i, j int) bool {
		return archives[i].Time.After(archives[j].Time)
	})
	return archives, nil
}

func (c *Client) run(ctx context.Context, timeout time.Duration, passphrase security.Secret, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.opts.Binary, args...)
	cmd.Env = c.Env(passphrase)
	cmd.WaitDelay = time.Second
	var stdout bytes.Buffer
	stderr := NewTailBuffer(maxStderr)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, Classify(stderr.String(), err)
}

// Classify maps a failed borg invocation to a package error using its stderr.
func Classify(stderr string, err error) error {
	if err == nil {
		return nil
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) || errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "passphrase") || strings.Contains(stderr, "Wrong"):
		return ErrWrongPassphrase
	case strings.Contains(lower, "repository") && strings.Contains(lower, "does not exist"):
		return ErrRepoNotFound
	case strings.Contains(lower, "does not exist"):
		return ErrArchiveNotFound
	}
	code := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}
	return &CommandError{ExitCode: code, Stderr: strings.TrimSpace(stderr)}
}

// SelectArchive resolves selector against archives (newest first). A decimal
// selector is an index into that list; anything else must match a name.
func SelectArchive(archives []model.Archive, selector string) (model.Archive, error) {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return model.Archive{}, ErrArchiveNotFound
	}
	if idx, err := strconv.Atoi(selector); err == nil {
		if idx < 0 || idx >= len(archives) {
			return model.Archive{}, ErrArchiveNotFound
		}
		return archives[idx], nil
	}
	for _, a := range archives {
		if a.Name == selector {
			return a, nil
		}
	}
	return model.Archive{}, ErrArchiveNotFound
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// SafeName turns an archive name into something usable as a file name.
func SafeName(name string) string {
	return unsafeName.ReplaceAllString(name, "_")
}

func parseTime(s string) time.Time {
	for _, layout := range []string{"2006-01-02T15:04:05.999999", time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

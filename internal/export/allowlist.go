// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package export

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"

	"github.com/backupgate/backupgate/internal/logging"
	"github.com/backupgate/backupgate/util/slicest"
)

// Allowlist restricts directory exports to a fixed set of roots. Roots and
// requested paths are compared after symlink resolution, so a link inside a
// root that points outside it is rejected.
type Allowlist struct {
	roots []string
}

// NewAllowlist canonicalizes dirs. Roots that cannot be resolved yet are kept
// in cleaned absolute form and logged.
func NewAllowlist(dirs []string) (*Allowlist, error) {
	a := &Allowlist{}
	for _, dir := range dirs {
		dir = strings.TrimSpace(dir)
		if dir == "" {
			continue
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("export: allowlist root %q: %w", dir, err)
		}
		canonical, err := filepath.EvalSymlinks(abs)
		if err != nil {
			logging.Warnf("export: allowlist root %s unresolved: %v", abs, err)
			canonical = abs
		}
		a.roots = append(a.roots, canonical)
	}
	return a, nil
}

// Roots returns the canonical roots.
func (a *Allowlist) Roots() []string {
	if a == nil {
		return nil
	}
	return append([]string(nil), a.roots...)
}

// Resolve returns the canonical form of path when it exists and lies within an
// allowed root.
func (a *Allowlist) Resolve(path string) (string, error) {
	if path == "" || !filepath.IsAbs(path) {
		return "", ErrInvalidPath
	}
	canonical, err := filepath.EvalSymlinks(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("export: resolve %s: %w", path, err)
	}
	if a != nil {
		for _, root := range a.roots {
			if within(root, canonical) {
				return canonical, nil
			}
		}
	}
	return "", ErrForbidden
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

var remoteRepo = regexp.MustCompile(`^(?:[a-z][a-z0-9+.-]*://|[^/@:]+@[^/:]+:)`)

// RepoAllowlist restricts borg exports to configured repositories. Remote
// repositories match exactly; local ones match after canonicalization.
type RepoAllowlist struct {
	repos []repoEntry
}

type repoEntry struct {
	configured string
	key        string
}

// NewRepoAllowlist builds a RepoAllowlist from configured repository strings.
func NewRepoAllowlist(repos []string) *RepoAllowlist {
	r := &RepoAllowlist{}
	for _, repo := range repos {
		repo = strings.TrimSpace(repo)
		if repo == "" {
			continue
		}
		r.repos = append(r.repos, repoEntry{configured: repo, key: repoKey(repo)})
	}
	return r
}

// Repos returns the configured repository strings in order.
func (r *RepoAllowlist) Repos() []string {
	if r == nil {
		return nil
	}
	return slicest.Map(r.repos, func(e repoEntry) string { return e.configured })
}

// Resolve returns the configured form of repo, which is what must be passed
// to borg, or ErrForbidden.
func (r *RepoAllowlist) Resolve(repo string) (string, error) {
	repo = strings.TrimSpace(repo)
	if repo == "" {
		return "", ErrInvalidPath
	}
	if r == nil {
		return "", ErrForbidden
	}
	key := repoKey(repo)
	for _, e := range r.repos {
		if e.key == key {
			return e.configured, nil
		}
	}
	return "", ErrForbidden
}

// IsRemote reports whether repo is an ssh:// style or user@host: repository.
func IsRemote(repo string) bool {
	return remoteRepo.MatchString(repo)
}

func repoKey(repo string) string {
	if IsRemote(repo) {
		return repo
	}
	abs, err := filepath.Abs(repo)
	if err != nil {
		return filepath.Clean(repo)
	}
	if canonical, err := filepath.EvalSymlinks(abs); err == nil {
		return canonical
	}
	return abs
}

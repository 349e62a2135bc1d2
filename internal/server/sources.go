// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package server

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/backupgate/backupgate/internal/apperr"
	"github.com/backupgate/backupgate/internal/export"
	"github.com/backupgate/backupgate/internal/i18n"
	"github.com/backupgate/backupgate/internal/logging"
	"github.com/backupgate/backupgate/internal/model"
	"github.com/backupgate/backupgate/internal/notify"
	"github.com/backupgate/backupgate/internal/security"
	"github.com/backupgate/backupgate/util/slicest"
	"github.com/gin-gonic/gin"
)

func (s *Server) sources() model.Sources {
	return model.Sources{
		Directories: slicest.Map(s.opts.Dirs.Roots(), func(dir string) model.Source {
			return model.Source{Path: dir, Name: filepath.Base(dir)}
		}),
		Repos: slicest.Map(s.opts.Repos.Repos(), func(repo string) model.Source {
			return model.Source{Path: repo, Name: repoName(repo), Remote: export.IsRemote(repo)}
		}),
	}
}

// repoName is the last path element of a local or remote repository.
func repoName(repo string) string {
	p := repo
	if export.IsRemote(repo) {
		if i := strings.Index(p, "://"); i >= 0 {
			p = p[i+3:]
			if j := strings.Index(p, "/"); j >= 0 {
				p = p[j:]
			} else {
				p = ""
			}
		} else if i := strings.Index(p, ":"); i >= 0 {
			p = p[i+1:]
		}
	}
	name := filepath.Base(strings.TrimRight(p, "/"))
	if name == "." || name == "/" || name == "" {
		return repo
	}
	return name
}

func (s *Server) handleSources(c *gin.Context) {
	c.JSON(http.StatusOK, s.sources())
}

func (s *Server) handleBrowse(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		s.fail(c, apperr.New(apperr.InvalidInput, "error.invalid_input"))
		return
	}
	dir, err := s.opts.Dirs.Resolve(path)
	if err != nil {
		s.fail(c, err)
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			err = export.ErrNotFound
		case errors.Is(err, fs.ErrPermission):
			err = apperr.Wrap(apperr.Forbidden, "error.forbidden", err)
		default:
			if fi, statErr := os.Stat(dir); statErr == nil && !fi.IsDir() {
				err = export.ErrNotDirectory
			}
		}
		s.fail(c, err)
		return
	}

	entries = slicest.Filter(entries, func(e os.DirEntry) bool { return !strings.HasPrefix(e.Name(), ".") })
	out := make([]model.DirEntry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		kind := "file"
		switch {
		case e.Type()&fs.ModeSymlink != 0:
			kind = "symlink"
		case e.IsDir():
			kind = "directory"
		}
		out = append(out, model.DirEntry{
			Name:    e.Name(),
			Path:    filepath.Join(dir, e.Name()),
			Type:    kind,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if (out[i].Type == "directory") != (out[j].Type == "directory") {
			return out[i].Type == "directory"
		}
		return out[i].Name < out[j].Name
	})
	c.JSON(http.StatusOK, gin.H{"path": dir, "entries": out})
}

func (s *Server) handleRepos(c *gin.Context) {
	repos := s.sources().Repos
	version, err := s.opts.Borg.Version(c.Request.Context())
	s.opts.Metrics.BorgInvocation("version", err)
	if err != nil {
		logging.Warnf("borg version check failed: %v", err)
		c.JSON(http.StatusOK, gin.H{
			"available": false,
			"message":   i18n.Localize(c.GetHeader("Accept-Language"), "borg.unavailable"),
			"repos":     repos,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"available": true, "version": version, "repos": repos})
}

type archivesRequest struct {
	Repo       string `json:"repo" binding:"required"`
	Passphrase string `json:"passphrase"`
}

func (s *Server) handleArchives(c *gin.Context) {
	var req archivesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperr.Wrap(apperr.InvalidInput, "error.invalid_input", err))
		return
	}
	repo, err := s.opts.Repos.Resolve(req.Repo)
	if err != nil {
		s.fail(c, repoError(err))
		return
	}
	pass := security.FromString(req.Passphrase)
	defer pass.Zero()

	archives, err := s.opts.Borg.ListArchives(c.Request.Context(), repo, pass)
	s.opts.Metrics.BorgInvocation("list", err)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.notify(fmt.Sprintf("📂 <b>Archives listed</b>\nRepository: <code>%s</code>\nArchives: %d\nFrom: <code>%s</code>",
		notify.Escape(repoName(repo)), len(archives), notify.Escape(address(c))))
	c.JSON(http.StatusOK, gin.H{"repo": repo, "archives": archives})
}

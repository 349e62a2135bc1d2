// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package server

import (
	"net/http"
	"strings"

	"github.com/backupgate/backupgate/internal/apperr"
	"github.com/backupgate/backupgate/internal/borg"
	"github.com/backupgate/backupgate/internal/export"
	"github.com/backupgate/backupgate/internal/security"
	"github.com/backupgate/backupgate/internal/token"
	"github.com/gin-gonic/gin"
)

// Prepare response modes.
const (
	modeCredential = "credential"
	modeToken      = "token"
)

type prepareRequest struct {
	Source          string `json:"source"`
	ResourceRef     string `json:"resourceRef"`
	ArchiveSelector string `json:"archiveSelector"`
	Secret          string `json:"secret"`
	Format          string `json:"format"`
}

// kind returns the requested source kind; without an explicit source an
// archive selector implies a borg repository.
func (r prepareRequest) kind() export.SourceKind {
	switch strings.ToLower(strings.TrimSpace(r.Source)) {
	case "":
		if r.ArchiveSelector != "" {
			return export.SourceBorg
		}
		return export.SourceDirectory
	case "dir", "directory":
		return export.SourceDirectory
	default:
		return export.SourceKind(strings.ToLower(strings.TrimSpace(r.Source)))
	}
}

// handlePrepare validates an export and hands back a one-time reference to
// it. Requests carrying a secret are sealed in the vault so the secret never
// appears in a URL; all others get a purpose-bound token.
func (s *Server) handlePrepare(c *gin.Context) {
	var body prepareRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, apperr.Wrap(apperr.InvalidInput, "error.invalid_input", err))
		return
	}
	if strings.TrimSpace(body.ResourceRef) == "" {
		s.fail(c, apperr.New(apperr.InvalidInput, "error.invalid_input"))
		return
	}

	req := export.Request{
		Kind:     body.kind(),
		Resource: body.ResourceRef,
		Format:   export.Format(body.Format),
	}
	if body.Secret != "" {
		req.Secret = security.FromString(body.Secret)
	}

	if req.Kind == export.SourceBorg {
		if strings.TrimSpace(body.ArchiveSelector) == "" {
			s.fail(c, apperr.New(apperr.InvalidInput, "error.archive_required"))
			return
		}
		repo, err := s.opts.Repos.Resolve(req.Resource)
		if err != nil {
			s.fail(c, repoError(err))
			return
		}
		archives, err := s.opts.Borg.ListArchives(c.Request.Context(), repo, req.Secret)
		s.opts.Metrics.BorgInvocation("list", err)
		if err != nil {
			s.fail(c, err)
			return
		}
		archive, err := borg.SelectArchive(archives, body.ArchiveSelector)
		if err != nil {
			s.fail(c, err)
			return
		}
		req.Archive = archive.Name
	}

	validated, err := s.opts.Pipeline.Validate(req)
	if err != nil {
		if req.Kind == export.SourceBorg {
			err = repoError(err)
		}
		s.fail(c, err)
		return
	}

	if !validated.Secret.IsEmpty() {
		ticket, err := s.opts.Vault.Store(validated)
		validated.Secret.Zero()
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"mode":           modeCredential,
			"id":             ticket.ID,
			"accessPassword": ticket.AccessPassword,
			"label":          validated.Label,
			"archive":        validated.Archive,
			"expiresAt":      ticket.ExpiresAt,
		})
		return
	}

	tok, exp, err := s.opts.Tokens.IssuePurpose(claims(c).Subject, token.PurposeExport, s.opts.DownloadTTL, token.Scope{
		Resource: validated.Resource,
		Archive:  validated.Archive,
		Format:   string(validated.Format),
		Label:    validated.Label,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"mode":      modeToken,
		"token":     tok,
		"label":     validated.Label,
		"archive":   validated.Archive,
		"expiresAt": exp,
	})
}

// resolveExport turns the query of GET /export into a request:
// id+key redeems a vault ticket, token alone an export token, and token+path
// a download token applied to a directory.
func (s *Server) resolveExport(c *gin.Context) (export.Request, error) {
	invalid := apperr.New(apperr.Unauthenticated, "error.invalid_link")

	if id := c.Query("id"); id != "" {
		req, ok := s.opts.Vault.Consume(id, c.Query("key"))
		if !ok {
			return export.Request{}, invalid
		}
		return req, nil
	}

	raw := c.Query("token")
	if raw == "" {
		return export.Request{}, apperr.New(apperr.Unauthenticated, "error.unauthenticated")
	}
	if path := c.Query("path"); path != "" {
		cl, ok := s.opts.Tokens.VerifyPurpose(raw, token.PurposeDownload)
		if !ok {
			return export.Request{}, invalid
		}
		return export.Request{
			Kind:      export.SourceDirectory,
			Resource:  path,
			Format:    export.Format(c.Query("format")),
			Requester: cl.Subject,
		}, nil
	}

	cl, ok := s.opts.Tokens.VerifyPurpose(raw, token.PurposeExport)
	if !ok {
		return export.Request{}, invalid
	}
	sc := cl.Scope()
	kind := export.SourceDirectory
	if sc.Archive != "" {
		kind = export.SourceBorg
	}
	return export.Request{
		Kind:      kind,
		Resource:  sc.Resource,
		Archive:   sc.Archive,
		Format:    export.Format(sc.Format),
		Label:     sc.Label,
		Requester: cl.Subject,
	}, nil
}

func (s *Server) handleExport(c *gin.Context) {
	addr := address(c)
	if s.opts.Throttle.IsBlocked(addr) {
		s.fail(c, apperr.New(apperr.Forbidden, "error.blocked"))
		return
	}
	req, err := s.resolveExport(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	req.Address = addr
	defer req.Secret.Zero()

	job := s.opts.Pipeline.Stream(c.Request.Context(), c.Writer, req)
	switch {
	case job.State() == export.StateCompleted:
		return
	case job.Committed():
		// Headers and part of the body are out; only a torn connection tells
		// the client the archive is incomplete.
		panic(http.ErrAbortHandler)
	case job.State() == export.StateCancelled:
		c.Abort()
	default:
		s.fail(c, job.Err())
	}
}

// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package server

import (
	"errors"
	"net/http"

	"github.com/backupgate/backupgate/internal/apperr"
	"github.com/backupgate/backupgate/internal/borg"
	"github.com/backupgate/backupgate/internal/export"
	"github.com/backupgate/backupgate/internal/i18n"
	"github.com/backupgate/backupgate/internal/logging"
	"github.com/backupgate/backupgate/internal/vault"
	"github.com/gin-gonic/gin"
)

// classify maps package sentinels onto the HTTP error taxonomy.
func classify(err error) *apperr.Error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return ae
	}
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return apperr.Wrap(apperr.InvalidInput, "error.invalid_input", err)
	case errors.Is(err, export.ErrForbidden):
		return apperr.Wrap(apperr.Forbidden, "error.path_not_allowed", err)
	case errors.Is(err, export.ErrNotFound):
		return apperr.Wrap(apperr.NotFound, "error.path_not_found", err)
	case errors.Is(err, export.ErrNotDirectory):
		return apperr.Wrap(apperr.InvalidInput, "error.not_directory", err)
	case errors.Is(err, export.ErrUnsupportedFormat):
		return apperr.Wrap(apperr.InvalidInput, "error.unsupported_format", err)
	case errors.Is(err, export.ErrInvalidPath), errors.Is(err, export.ErrUnknownSource):
		return apperr.Wrap(apperr.InvalidInput, "error.invalid_input", err)
	case errors.Is(err, borg.ErrWrongPassphrase):
		return apperr.Upstream(http.StatusForbidden, "error.borg_passphrase", err)
	case errors.Is(err, borg.ErrArchiveNotFound):
		return apperr.Wrap(apperr.NotFound, "error.archive_not_found", err)
	case errors.Is(err, borg.ErrRepoNotFound):
		return apperr.Wrap(apperr.NotFound, "error.repo_not_found", err)
	case errors.Is(err, borg.ErrUnavailable):
		return apperr.Upstream(http.StatusInternalServerError, "error.borg_unavailable", err)
	case errors.Is(err, borg.ErrTimeout):
		return apperr.Upstream(http.StatusInternalServerError, "error.borg_timeout", err)
	case errors.Is(err, borg.ErrCommandFailed):
		return apperr.Upstream(http.StatusInternalServerError, "error.borg_failed", err)
	case errors.Is(err, vault.ErrFull):
		return apperr.Wrap(apperr.RateLimited, "error.vault_full", err)
	}
	return apperr.As(err)
}

// repoError reports allowlist rejections of repositories with their own
// message.
func repoError(err error) error {
	if errors.Is(err, export.ErrForbidden) {
		return apperr.Wrap(apperr.Forbidden, "error.repo_not_allowed", err)
	}
	return err
}

// fail aborts the request with a localized {"error": ...} body. Internal
// details are logged, never sent.
func (s *Server) fail(c *gin.Context, err error) {
	ae := classify(err)
	status := ae.HTTPStatus()
	if status >= http.StatusInternalServerError {
		logging.Errorf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	} else {
		logging.Debugf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	msg := i18n.Localize(c.GetHeader("Accept-Language"), ae.MessageID)
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

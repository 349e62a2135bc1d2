// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package server

import (
	"net/http"
	"strconv"

	"github.com/backupgate/backupgate/internal/apperr"
	"github.com/backupgate/backupgate/internal/i18n"
	"github.com/backupgate/backupgate/internal/token"
	"github.com/gin-gonic/gin"
)

// Login record paging bounds.
const (
	defaultPageSize = 50
	maxPageSize     = 100
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Remember bool   `json:"remember"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperr.Wrap(apperr.InvalidInput, "error.missing_credentials", err))
		return
	}
	sess, err := s.opts.Gateway.Login(req.Username, req.Password, req.Remember, address(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleLogout(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": i18n.Localize(c.GetHeader("Accept-Language"), "auth.logged_out")})
}

func (s *Server) handleCheck(c *gin.Context) {
	cl := claims(c)
	c.JSON(http.StatusOK, gin.H{"valid": true, "subject": cl.Subject})
}

func (s *Server) handleDownloadToken(c *gin.Context) {
	tok, exp, err := s.opts.Tokens.IssuePurpose(claims(c).Subject, token.PurposeDownload, s.opts.DownloadTTL, token.Scope{})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": tok, "expiresAt": exp})
}

func (s *Server) handleLoginRecords(c *gin.Context) {
	page := queryInt(c, "page", 1)
	if page < 1 {
		page = 1
	}
	size := queryInt(c, "pageSize", defaultPageSize)
	if size < 1 {
		size = 1
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	c.JSON(http.StatusOK, s.opts.Throttle.Page(page, size))
}

// queryInt parses an integer query parameter, returning def when it is
// absent or malformed.
func queryInt(c *gin.Context, name string, def int) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return def
	}
	return v
}

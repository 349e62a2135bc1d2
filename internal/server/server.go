// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

// Package server exposes the gateway over HTTP. Everything lives under
// /{admin_path}; any other request has its connection closed without a
// response.
package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/backupgate/backupgate/internal/apperr"
	"github.com/backupgate/backupgate/internal/borg"
	"github.com/backupgate/backupgate/internal/clock"
	"github.com/backupgate/backupgate/internal/export"
	"github.com/backupgate/backupgate/internal/gateway"
	"github.com/backupgate/backupgate/internal/metrics"
	"github.com/backupgate/backupgate/internal/ratelimit"
	"github.com/backupgate/backupgate/internal/throttle"
	"github.com/backupgate/backupgate/internal/token"
	"github.com/backupgate/backupgate/internal/vault"
	"github.com/gin-gonic/gin"
)

// MaxBodyBytes bounds JSON request bodies.
const MaxBodyBytes = 1 << 20

// Notifier receives human-readable HTML event messages.
type Notifier interface {
	Notify(message string)
}

// Options wires the server to its collaborators. Every pointer except
// Limiter, Notifier and Metrics is required.
type Options struct {
	AdminPath      string
	TrustForwarded bool
	DownloadTTL    time.Duration

	Gateway  *gateway.Gateway
	Throttle *throttle.Throttle
	Tokens   *token.Issuer
	Vault    *vault.Vault[export.Request]
	Pipeline *export.Pipeline
	Dirs     *export.Allowlist
	Repos    *export.RepoAllowlist
	Borg     *borg.Client
	Limiter  *ratelimit.Limiter
	Notifier Notifier
	Metrics  *metrics.Metrics
	Clock    clock.Clock
}

// Server is an http.Handler.
type Server struct {
	opts   Options
	clock  clock.Clock
	prefix string
	engine *gin.Engine
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// New builds the router.
func New(opts Options) *Server {
	if opts.DownloadTTL <= 0 {
		opts.DownloadTTL = token.MaxPurposeTTL
	}
	s := &Server{
		opts:   opts,
		clock:  clock.OrSystem(opts.Clock),
		prefix: "/" + strings.Trim(opts.AdminPath, "/"),
	}

	e := gin.New()
	e.HandleMethodNotAllowed = false
	e.Use(s.recovery(), s.clientAddress(), s.requestLog(), securityHeaders(), limitBody(MaxBodyBytes))
	e.NoRoute(func(c *gin.Context) {
		s.fail(c, apperr.New(apperr.NotFound, "error.not_found"))
	})

	api := e.Group(s.prefix + "/api")

	auth := api.Group("/auth")
	auth.POST("/login", s.rateLimit("login"), s.handleLogin)
	auth.POST("/logout", s.handleLogout)
	auth.GET("/check", s.requireSession(), s.handleCheck)
	auth.POST("/download-token", s.requireSession(), s.handleDownloadToken)
	auth.GET("/login-records", s.requireSession(), s.handleLoginRecords)

	api.GET("/sources", s.requireSession(), s.handleSources)
	api.GET("/sources/browse", s.requireSession(), s.handleBrowse)

	b := api.Group("/borg", s.requireSession())
	b.GET("/repos", s.handleRepos)
	b.POST("/archives", s.handleArchives)

	api.POST("/export/prepare", s.requireSession(), s.rateLimit("export_prepare"), s.handlePrepare)
	api.GET("/export", s.rateLimit("export"), s.handleExport)

	s.engine = e
	return s
}

// ServeHTTP drops requests outside the admin prefix and routes the rest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != s.prefix && !strings.HasPrefix(r.URL.Path, s.prefix+"/") {
		dropConnection(w)
		return
	}
	s.engine.ServeHTTP(w, r)
}

// dropConnection closes the underlying connection without writing anything.
func dropConnection(w http.ResponseWriter) {
	conn, _, err := http.NewResponseController(w).Hijack()
	if err != nil {
		panic(http.ErrAbortHandler)
	}
	_ = conn.Close()
}

func (s *Server) notify(msg string) {
	if s.opts.Notifier != nil {
		s.opts.Notifier.Notify(msg)
	}
}

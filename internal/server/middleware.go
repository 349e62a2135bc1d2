// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package server

import (
	"errors"
	"net/http"
	"net/netip"
	"runtime/debug"
	"strings"
	"time"

	"github.com/backupgate/backupgate/internal/apperr"
	"github.com/backupgate/backupgate/internal/logging"
	"github.com/backupgate/backupgate/internal/token"
	"github.com/gin-gonic/gin"
)

const (
	keyAddress = "backupgate.address"
	keyClaims  = "backupgate.claims"
)

// recovery turns panics into 500 responses. http.ErrAbortHandler is passed
// through so net/http tears the connection down.
func (s *Server) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rec)
			}
			logging.Errorf("panic serving %s %s: %v\n%s", c.Request.Method, c.Request.URL.Path, rec, debug.Stack())
			if c.Writer.Written() {
				c.Abort()
				return
			}
			s.fail(c, apperr.New(apperr.Internal, "error.internal"))
		}()
		c.Next()
	}
}

// clientAddress stores the client address. Forwarding headers are consulted
// only when the server sits behind a trusted proxy.
func (s *Server) clientAddress() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(keyAddress, resolveAddress(c.Request, s.opts.TrustForwarded))
		c.Next()
	}
}

func resolveAddress(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if first = strings.TrimSpace(first); first != "" {
				return normalizeAddress(first)
			}
		}
		for _, h := range []string{"CF-Connecting-IP", "X-Real-IP"} {
			if v := strings.TrimSpace(r.Header.Get(h)); v != "" {
				return normalizeAddress(v)
			}
		}
	}
	if ap, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
		return ap.Addr().Unmap().String()
	}
	return normalizeAddress(r.RemoteAddr)
}

func normalizeAddress(s string) string {
	if a, err := netip.ParseAddr(s); err == nil {
		return a.Unmap().String()
	}
	if s == "" {
		return "unknown"
	}
	return s
}

func address(c *gin.Context) string {
	return c.GetString(keyAddress)
}

// requestLog logs one line per request. Query strings are never logged since
// they carry download credentials.
func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := s.clock.Now()
		defer func() {
			logging.Debugf("%s %s %d %s %s", c.Request.Method, c.Request.URL.Path,
				c.Writer.Status(), s.clock.Now().Sub(start).Round(time.Millisecond), address(c))
		}()
		c.Next()
	}
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cross-Origin-Opener-Policy", "same-origin")
		c.Next()
	}
}

func limitBody(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		}
		c.Next()
	}
}

func (s *Server) rateLimit(route string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.opts.Limiter.Allow(address(c), s.clock.Now()) {
			s.opts.Metrics.RateLimited(route)
			logging.Warnf("rate limited %s from %s", route, address(c))
			s.fail(c, apperr.New(apperr.RateLimited, "error.rate_limited"))
			return
		}
		c.Next()
	}
}

// requireSession accepts a bearer session token.
func (s *Server) requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := bearer(c.GetHeader("Authorization"))
		if !ok {
			s.fail(c, apperr.New(apperr.Unauthenticated, "error.unauthenticated"))
			return
		}
		claims, ok := s.opts.Tokens.VerifySession(raw)
		if !ok {
			s.fail(c, apperr.New(apperr.Unauthenticated, "error.unauthenticated"))
			return
		}
		c.Set(keyClaims, claims)
		c.Next()
	}
}

func bearer(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	tok := strings.TrimSpace(header[len(prefix):])
	return tok, tok != ""
}

func claims(c *gin.Context) *token.Claims {
	v, _ := c.Get(keyClaims)
	cl, _ := v.(*token.Claims)
	return cl
}

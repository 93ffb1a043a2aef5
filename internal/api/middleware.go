package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"
)

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"bytes", ww.BytesWritten(),
			"remote_addr", r.RemoteAddr,
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// authMiddleware checks API key authentication
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.config.HasAuth() {
			// No API key configured, allow all
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("Authorization")
		if key == "" {
			key = r.Header.Get("X-API-Key")
		}
		key = strings.TrimPrefix(key, "Bearer ")

		if key == "" || !s.authorized(key) {
			s.logger.Warn("unauthorized API request",
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path,
			)
			sendError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authorized compares key against the plain key and the bcrypt hash
func (s *Server) authorized(key string) bool {
	if s.config.APIKey != "" && subtle.ConstantTimeCompare([]byte(key), []byte(s.config.APIKey)) == 1 {
		return true
	}
	if s.config.APIKeyHash == "" {
		return false
	}

	digest := sha256.Sum256([]byte(key))
	if _, ok := s.verifiedKeys.Load(digest); ok {
		return true
	}
	if bcrypt.CompareHashAndPassword([]byte(s.config.APIKeyHash), []byte(key)) != nil {
		return false
	}
	s.verifiedKeys.Store(digest, struct{}{})
	return true
}
